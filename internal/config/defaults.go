package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyreplacer/
//   - Linux:   ~/.local/share/keyreplacer/
//   - Windows: %APPDATA%\keyreplacer\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", AppName)
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// PlatformCacheDir returns the platform-specific cache directory.
//
// Platform paths:
//   - macOS:   ~/Library/Caches/keyreplacer/
//   - Linux:   ~/.cache/keyreplacer/
//   - Windows: %LOCALAPPDATA%\keyreplacer\cache\
func PlatformCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", AppName)
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "cache")
	default:
		return xdgDir("XDG_CACHE_HOME", ".cache")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
// KEYREPLACER_CONFIG_DIR overrides it.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyreplacer/
//   - Linux:   ~/.config/keyreplacer/
//   - Windows: %APPDATA%\keyreplacer\
func PlatformConfigDir() string {
	if dir := os.Getenv("KEYREPLACER_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
//
// Platform paths:
//   - macOS:   /tmp/keyreplacer-$UID/
//   - Linux:   $XDG_RUNTIME_DIR/keyreplacer/ or /tmp/keyreplacer-$UID/
//   - Windows: %LOCALAPPDATA%\keyreplacer\run\
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "run")
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, AppName)
		}
	}
	return filepath.Join(os.TempDir(), AppName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), AppName+".sock")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// xdgDir follows the XDG Base Directory layout.
func xdgDir(envVar string, fallback ...string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, AppName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, AppName)...)
}

func windowsDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(homeDir(), "AppData", fallback, AppName)
}

// SupportedConfigFormats returns the accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config file in the platform
// config directory, or the default TOML path when none exists.
func FindConfigFile() string {
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.toml")
}
