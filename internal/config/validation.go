package config

import (
	"fmt"
	"net"
	"strings"

	"keyreplacer/internal/keystroke"
)

// Limits on configurable values.
const (
	MaxDelayMs        = 5000
	MaxKeyLengthLimit = 1000
	MaxValueLimit     = 1_000_000
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, v := range e {
		fields = append(fields, v.Field)
	}
	return fields
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateSettings(&c.Settings)...)
	errs = append(errs, validateAdvanced(&c.Advanced)...)
	errs = append(errs, validatePaths(&c.Paths)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateInjector(&c.Injector)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateSettings(s *Settings) ValidationErrors {
	var errs ValidationErrors

	delays := []struct {
		field string
		value int
	}{
		{"settings.typing_delay_ms", s.TypingDelayMs},
		{"settings.backspace_delay_ms", s.BackspaceDelayMs},
		{"settings.expansion_delay_ms", s.ExpansionDelayMs},
	}
	for _, d := range delays {
		if d.value < 0 || d.value > MaxDelayMs {
			errs = append(errs, *RangeError(d.field, 0, MaxDelayMs))
		}
	}

	if s.MaxKeyLength < 1 || s.MaxKeyLength > MaxKeyLengthLimit {
		errs = append(errs, *RangeError("settings.max_key_length", 1, MaxKeyLengthLimit))
	}
	if s.MaxValueLength < 1 || s.MaxValueLength > MaxValueLimit {
		errs = append(errs, *RangeError("settings.max_value_length", 1, MaxValueLimit))
	}

	if s.HotkeyToggle != "" {
		if _, err := keystroke.ParseChord(s.HotkeyToggle); err != nil {
			errs = append(errs, ValidationError{
				Field:   "settings.hotkey_toggle",
				Message: err.Error(),
			})
		}
	}
	return errs
}

func validateAdvanced(a *AdvancedConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "advanced.log_level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", a.LogLevel),
		})
	}

	switch a.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "advanced.log_format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", a.LogFormat),
		})
	}

	if a.BackupIntervalDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "advanced.backup_interval_days",
			Message: "backup interval cannot be negative",
		})
	}
	if a.MaxBackupFiles < 1 {
		errs = append(errs, ValidationError{
			Field:   "advanced.max_backup_files",
			Message: "at least one backup must be kept",
		})
	}
	return errs
}

func validatePaths(p *PathsConfig) ValidationErrors {
	var errs ValidationErrors
	if p.DataDir == "" {
		errs = append(errs, *RequiredFieldError("paths.data_dir"))
	}
	if p.CacheDir == "" {
		errs = append(errs, *RequiredFieldError("paths.cache_dir"))
	}
	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err),
		})
	}
	return errs
}

// InjectorBackends lists the accepted injector.backend values.
var InjectorBackends = []string{
	"auto", "uinput", "xdotool", "wtype", "ydotool",
	"sendinput", "cgevent", "osascript", "none",
}

func validateInjector(i *InjectorConfig) ValidationErrors {
	for _, b := range InjectorBackends {
		if i.Backend == b {
			return nil
		}
	}
	return ValidationErrors{{
		Field:   "injector.backend",
		Message: fmt.Sprintf("unknown backend %q (valid: %s)", i.Backend, strings.Join(InjectorBackends, ", ")),
	}}
}

// RequiredFieldError creates an error for a missing required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates an error for a value out of range.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
