// Package inject types text and presses keys into the focused application.
//
// The backend is chosen once at startup by Probe, in a fixed order per
// operating system:
// - Linux: uinput virtual keyboard, with xdotool (X11), wtype (Wayland) or
//   ydotool for text the virtual keyboard cannot produce
// - Windows: SendInput with KEYEVENTF_UNICODE
// - macOS: CGEvent keyboard events, or osascript when cgo is unavailable
// - anything else: Unavailable
//
// Helper programs are always started with an argument vector, never through
// a shell.
package inject

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"keyreplacer/internal/keystroke"
)

// Errors returned by injectors.
var (
	ErrNoBackend       = errors.New("no text injection backend available")
	ErrUnknownBackend  = errors.New("unknown injector backend")
	ErrUnsupportedText = errors.New("text cannot be produced by this injector")
	ErrUnsupportedKey  = errors.New("key cannot be pressed by this injector")
)

// Injector reproduces text and key presses as if typed by the user.
type Injector interface {
	// Name identifies the backend, e.g. "uinput+xdotool".
	Name() string

	// Platform is the host family the backend serves.
	Platform() Platform

	// TypeText types text verbatim. perRune is the pause between characters
	// where the mechanism types one character at a time.
	TypeText(text string, perRune time.Duration) error

	// PressKey presses and releases a named key.
	PressKey(k keystroke.Key) error

	Close() error
}

// Platform is the family of host mechanisms an injector targets.
type Platform int

const (
	GenericFallback Platform = iota
	LinuxX11
	LinuxWayland
	MacOS
	Windows
)

func (p Platform) String() string {
	switch p {
	case LinuxX11:
		return "linux-x11"
	case LinuxWayland:
		return "linux-wayland"
	case MacOS:
		return "macos"
	case Windows:
		return "windows"
	default:
		return "generic"
	}
}

// DefaultHelperTimeout bounds each helper process. Typing text adds the
// per-character delay for every character on top of it.
const DefaultHelperTimeout = 5 * time.Second

// Options control backend selection.
type Options struct {
	// Backend is "auto" or a specific backend name.
	Backend string

	Logger *slog.Logger

	// HelperTimeout bounds each helper invocation, before the per-character
	// allowance for typed text.
	HelperTimeout time.Duration

	// LookPath and Getenv default to exec.LookPath and os.Getenv.
	LookPath func(string) (string, error)
	Getenv   func(string) string
}

func (o *Options) setDefaults() {
	if o.Backend == "" {
		o.Backend = "auto"
	}
	o.Backend = strings.ToLower(o.Backend)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HelperTimeout <= 0 {
		o.HelperTimeout = DefaultHelperTimeout
	}
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
}

// Probe selects the injector for this host. It never returns a nil
// Injector: when nothing works the result is Unavailable together with the
// reason.
func Probe(opts Options) (Injector, error) {
	opts.setDefaults()
	logger := opts.Logger.With("component", "inject")

	switch opts.Backend {
	case "none":
		return NewUnavailable("disabled by configuration"), nil
	case "auto":
		inj, err := probePlatform(opts)
		if err != nil {
			logger.Warn("no injection backend", "error", err)
			return NewUnavailable(err.Error()), err
		}
		logger.Info("injection backend selected", "backend", inj.Name(), "platform", inj.Platform().String())
		return inj, nil
	}

	if h, ok := helperSpecs[opts.Backend]; ok {
		inj, err := newHelper(h, opts)
		if err != nil {
			return NewUnavailable(err.Error()), err
		}
		return inj, nil
	}
	inj, err := probeNative(opts.Backend, opts)
	if err != nil {
		return NewUnavailable(err.Error()), err
	}
	logger.Info("injection backend selected", "backend", inj.Name(), "platform", inj.Platform().String())
	return inj, nil
}

// DisplayServer reports the Linux session type from the environment.
func DisplayServer(getenv func(string) string) Platform {
	if getenv("WAYLAND_DISPLAY") != "" || strings.EqualFold(getenv("XDG_SESSION_TYPE"), "wayland") {
		return LinuxWayland
	}
	if getenv("DISPLAY") != "" {
		return LinuxX11
	}
	return GenericFallback
}

// Unavailable is the generic fallback. Every call fails with ErrNoBackend.
type Unavailable struct {
	reason string
}

// NewUnavailable returns an Unavailable injector that reports reason.
func NewUnavailable(reason string) *Unavailable {
	return &Unavailable{reason: reason}
}

func (u *Unavailable) Name() string       { return "none" }
func (u *Unavailable) Platform() Platform { return GenericFallback }
func (u *Unavailable) Close() error       { return nil }

func (u *Unavailable) TypeText(string, time.Duration) error {
	return fmt.Errorf("%w: %s", ErrNoBackend, u.reason)
}

func (u *Unavailable) PressKey(keystroke.Key) error {
	return fmt.Errorf("%w: %s", ErrNoBackend, u.reason)
}

// Reason explains why no backend is available.
func (u *Unavailable) Reason() string {
	return u.reason
}
