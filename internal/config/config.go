// Package config handles configuration loading, validation, and management for keyreplacer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// AppName names the platform directories and files.
const AppName = "keyreplacer"

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Settings controls expansion behavior.
	Settings Settings `toml:"settings" json:"settings" yaml:"settings"`

	// Advanced holds logging and backup options.
	Advanced AdvancedConfig `toml:"advanced" json:"advanced" yaml:"advanced"`

	// Paths overrides the platform data and cache locations.
	Paths PathsConfig `toml:"paths" json:"paths" yaml:"paths"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configuration for the optional exposition endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Injector selects the output backend.
	Injector InjectorConfig `toml:"injector" json:"injector" yaml:"injector"`
}

// Settings are the values the expansion engine reads. Delays are stored in
// milliseconds and exposed as durations.
type Settings struct {
	// CaseSensitive disables lower-casing of keys and typed text.
	CaseSensitive bool `toml:"case_sensitive" json:"case_sensitive" yaml:"case_sensitive" env:"KEYREPLACER_CASE_SENSITIVE"`

	// TypingDelayMs is the pause between injected characters.
	TypingDelayMs int `toml:"typing_delay_ms" json:"typing_delay_ms" yaml:"typing_delay_ms" env:"KEYREPLACER_TYPING_DELAY_MS"`

	// BackspaceDelayMs is the pause between deletes.
	BackspaceDelayMs int `toml:"backspace_delay_ms" json:"backspace_delay_ms" yaml:"backspace_delay_ms" env:"KEYREPLACER_BACKSPACE_DELAY_MS"`

	// ExpansionDelayMs is the pause between the last delete and typing.
	ExpansionDelayMs int `toml:"expansion_delay_ms" json:"expansion_delay_ms" yaml:"expansion_delay_ms" env:"KEYREPLACER_EXPANSION_DELAY_MS"`

	// MaxKeyLength bounds shortcut length in characters.
	MaxKeyLength int `toml:"max_key_length" json:"max_key_length" yaml:"max_key_length" env:"KEYREPLACER_MAX_KEY_LENGTH"`

	// MaxValueLength bounds expansion length in characters.
	MaxValueLength int `toml:"max_value_length" json:"max_value_length" yaml:"max_value_length" env:"KEYREPLACER_MAX_VALUE_LENGTH"`

	// HotkeyToggle pauses and resumes expansion. Empty disables it.
	HotkeyToggle string `toml:"hotkey_toggle" json:"hotkey_toggle" yaml:"hotkey_toggle" env:"KEYREPLACER_HOTKEY_TOGGLE"`

	// ShowNotifications enables desktop notifications.
	ShowNotifications bool `toml:"show_notifications" json:"show_notifications" yaml:"show_notifications" env:"KEYREPLACER_SHOW_NOTIFICATIONS"`
}

// TypingDelay returns the inter-character delay.
func (s Settings) TypingDelay() time.Duration {
	return time.Duration(s.TypingDelayMs) * time.Millisecond
}

// BackspaceDelay returns the inter-delete delay.
func (s Settings) BackspaceDelay() time.Duration {
	return time.Duration(s.BackspaceDelayMs) * time.Millisecond
}

// ExpansionDelay returns the settle time before typing.
func (s Settings) ExpansionDelay() time.Duration {
	return time.Duration(s.ExpansionDelayMs) * time.Millisecond
}

// AdvancedConfig holds logging and backup configuration.
type AdvancedConfig struct {
	// EnableLogging enables the rotating log file.
	EnableLogging bool `toml:"enable_logging" json:"enable_logging" yaml:"enable_logging" env:"KEYREPLACER_ENABLE_LOGGING"`

	// LogLevel is one of debug, info, warn, error (case-insensitive).
	LogLevel string `toml:"log_level" json:"log_level" yaml:"log_level" env:"KEYREPLACER_LOG_LEVEL"`

	// LogFormat is text or json.
	LogFormat string `toml:"log_format" json:"log_format" yaml:"log_format" env:"KEYREPLACER_LOG_FORMAT"`

	// AutoBackup snapshots the mappings file before saves.
	AutoBackup bool `toml:"auto_backup" json:"auto_backup" yaml:"auto_backup" env:"KEYREPLACER_AUTO_BACKUP"`

	// BackupIntervalDays is the minimum age of the newest backup before
	// another is taken. Zero backs up on every save.
	BackupIntervalDays int `toml:"backup_interval_days" json:"backup_interval_days" yaml:"backup_interval_days" env:"KEYREPLACER_BACKUP_INTERVAL_DAYS"`

	// MaxBackupFiles is the number of backups kept.
	MaxBackupFiles int `toml:"max_backup_files" json:"max_backup_files" yaml:"max_backup_files" env:"KEYREPLACER_MAX_BACKUP_FILES"`
}

// BackupInterval returns the backup interval as a duration.
func (a AdvancedConfig) BackupInterval() time.Duration {
	return time.Duration(a.BackupIntervalDays) * 24 * time.Hour
}

// PathsConfig holds file locations. Empty file paths resolve inside DataDir.
type PathsConfig struct {
	DataDir      string `toml:"data_dir" json:"data_dir" yaml:"data_dir" env:"KEYREPLACER_DATA_DIR"`
	CacheDir     string `toml:"cache_dir" json:"cache_dir" yaml:"cache_dir" env:"KEYREPLACER_CACHE_DIR"`
	MappingsFile string `toml:"mappings_file" json:"mappings_file" yaml:"mappings_file" env:"KEYREPLACER_MAPPINGS_FILE"`
	HistoryDB    string `toml:"history_db" json:"history_db" yaml:"history_db" env:"KEYREPLACER_HISTORY_DB"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	// Enabled determines whether the control socket is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"KEYREPLACER_IPC_ENABLED"`

	// SocketPath is the unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path" env:"KEYREPLACER_SOCKET_PATH"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"KEYREPLACER_METRICS_ENABLED"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr" env:"KEYREPLACER_METRICS_ADDR"`
}

// InjectorConfig selects the output injection backend.
type InjectorConfig struct {
	// Backend is auto or a backend name (uinput, xdotool, wtype, ydotool,
	// sendinput, cgevent, osascript, none).
	Backend string `toml:"backend" json:"backend" yaml:"backend" env:"KEYREPLACER_INJECTOR"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Settings: Settings{
			CaseSensitive:     false,
			TypingDelayMs:     10,
			BackspaceDelayMs:  50,
			ExpansionDelayMs:  100,
			MaxKeyLength:      50,
			MaxValueLength:    5000,
			HotkeyToggle:      "ctrl+alt+k",
			ShowNotifications: true,
		},
		Advanced: AdvancedConfig{
			EnableLogging:      true,
			LogLevel:           "info",
			LogFormat:          "text",
			AutoBackup:         true,
			BackupIntervalDays: 7,
			MaxBackupFiles:     10,
		},
		Paths: PathsConfig{
			DataDir:  PlatformDataDir(),
			CacheDir: PlatformCacheDir(),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     DefaultSocketPath(),
			MaxConnections: 10,
			TimeoutSec:     30,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Injector: InjectorConfig{
			Backend: "auto",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path. A missing file yields
// the defaults. The format follows the extension: .toml, .json, .yaml/.yml.
// Values present in the file override defaults; absent values keep them.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides loads dir/.env (if present) into the environment and
// then applies KEYREPLACER_* variables. Existing environment variables win
// over .env entries.
func (c *Config) ApplyEnvOverrides(dir string) error {
	if dir != "" {
		dotenv := filepath.Join(dir, ".env")
		if _, err := os.Stat(dotenv); err == nil {
			if err := godotenv.Load(dotenv); err != nil {
				return fmt.Errorf("load %s: %w", dotenv, err)
			}
		}
	}
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// MappingsPath returns the mappings file location.
func (c *Config) MappingsPath() string {
	if c.Paths.MappingsFile != "" {
		return c.Paths.MappingsFile
	}
	return filepath.Join(c.Paths.DataDir, "mappings.json")
}

// BackupDir returns the directory holding mapping backups.
func (c *Config) BackupDir() string {
	return filepath.Join(filepath.Dir(c.MappingsPath()), "backups")
}

// HistoryPath returns the expansion history database location.
func (c *Config) HistoryPath() string {
	if c.Paths.HistoryDB != "" {
		return c.Paths.HistoryDB
	}
	return filepath.Join(c.Paths.DataDir, "history.db")
}

// LogPath returns the log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.CacheDir, AppName+".log")
}

// PIDPath returns the single-instance lock file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, AppName+".pid")
}

// EnsureDirectories creates all directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.CacheDir,
		filepath.Dir(c.MappingsPath()),
		c.BackupDir(),
		filepath.Dir(c.HistoryPath()),
	}
	if c.IPC.Enabled && c.IPC.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
