package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg in place to the current version, backing up
// the file at configPath first. It returns nil when nothing was done.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		switch cfg.Version {
		case 0:
			// Unversioned files predate the version field; their sections
			// already decode into the current layout.
			result.Changes = append(result.Changes, "added version field")
		default:
			return result, fmt.Errorf("unknown version %d", cfg.Version)
		}
		cfg.Version++
	}
	return result, nil
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// legacyConfig is the JSON layout written by earlier releases: delays in
// fractional seconds and upper-case log levels.
type legacyConfig struct {
	Settings struct {
		ShowNotifications *bool    `json:"show_notifications"`
		CaseSensitive     *bool    `json:"case_sensitive"`
		TypingDelay       *float64 `json:"typing_delay"`
		BackspaceDelay    *float64 `json:"backspace_delay"`
		ExpansionDelay    *float64 `json:"expansion_delay"`
		MaxKeyLength      *int     `json:"max_key_length"`
		MaxValueLength    *int     `json:"max_value_length"`
		HotkeyToggle      *string  `json:"hotkey_toggle"`
	} `json:"settings"`
	Advanced struct {
		EnableLogging      *bool   `json:"enable_logging"`
		LogLevel           *string `json:"log_level"`
		AutoBackup         *bool   `json:"auto_backup"`
		BackupIntervalDays *int    `json:"backup_interval_days"`
		MaxBackupFiles     *int    `json:"max_backup_files"`
	} `json:"advanced"`
}

// MigrateLegacyJSON converts a legacy config.json document into a Config.
// Unknown keys (window geometry, theme, tray options) are ignored.
func MigrateLegacyJSON(data []byte) (*Config, error) {
	var legacy legacyConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy config: %w", err)
	}

	cfg := DefaultConfig()
	s, a := legacy.Settings, legacy.Advanced

	setBool(&cfg.Settings.ShowNotifications, s.ShowNotifications)
	setBool(&cfg.Settings.CaseSensitive, s.CaseSensitive)
	setMillis(&cfg.Settings.TypingDelayMs, s.TypingDelay)
	setMillis(&cfg.Settings.BackspaceDelayMs, s.BackspaceDelay)
	setMillis(&cfg.Settings.ExpansionDelayMs, s.ExpansionDelay)
	setInt(&cfg.Settings.MaxKeyLength, s.MaxKeyLength)
	setInt(&cfg.Settings.MaxValueLength, s.MaxValueLength)
	if s.HotkeyToggle != nil {
		cfg.Settings.HotkeyToggle = *s.HotkeyToggle
	}

	setBool(&cfg.Advanced.EnableLogging, a.EnableLogging)
	setBool(&cfg.Advanced.AutoBackup, a.AutoBackup)
	setInt(&cfg.Advanced.BackupIntervalDays, a.BackupIntervalDays)
	setInt(&cfg.Advanced.MaxBackupFiles, a.MaxBackupFiles)
	if a.LogLevel != nil {
		cfg.Advanced.LogLevel = strings.ToLower(*a.LogLevel)
	}

	return cfg, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *int, seconds *float64) {
	if seconds != nil {
		*dst = int(math.Round(*seconds * 1000))
	}
}
