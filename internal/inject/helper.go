package inject

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"keyreplacer/internal/keystroke"
)

// helperSpec describes how to drive one command-line helper.
type helperSpec struct {
	name     string
	platform func(getenv func(string) string) Platform
	typeArgs func(text string, perRune time.Duration) []string
	keyArgs  func(k keystroke.Key) ([]string, bool)
}

// xkbKeys are X keysym names understood by xdotool and wtype.
var xkbKeys = map[keystroke.Key]string{
	keystroke.KeySpace:     "space",
	keystroke.KeyEnter:     "Return",
	keystroke.KeyTab:       "Tab",
	keystroke.KeyBackspace: "BackSpace",
	keystroke.KeyEscape:    "Escape",
	keystroke.KeyDelete:    "Delete",
	keystroke.KeyInsert:    "Insert",
	keystroke.KeyHome:      "Home",
	keystroke.KeyEnd:       "End",
	keystroke.KeyPageUp:    "Prior",
	keystroke.KeyPageDown:  "Next",
	keystroke.KeyLeft:      "Left",
	keystroke.KeyRight:     "Right",
	keystroke.KeyUp:        "Up",
	keystroke.KeyDown:      "Down",
}

// macKeyCodes are virtual key codes for AppleScript's "key code".
var macKeyCodes = map[keystroke.Key]int{
	keystroke.KeySpace:     49,
	keystroke.KeyEnter:     36,
	keystroke.KeyTab:       48,
	keystroke.KeyBackspace: 51,
	keystroke.KeyEscape:    53,
	keystroke.KeyDelete:    117,
	keystroke.KeyHome:      115,
	keystroke.KeyEnd:       119,
	keystroke.KeyPageUp:    116,
	keystroke.KeyPageDown:  121,
	keystroke.KeyLeft:      123,
	keystroke.KeyRight:     124,
	keystroke.KeyDown:      125,
	keystroke.KeyUp:        126,
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func sessionPlatform(getenv func(string) string) Platform {
	if p := DisplayServer(getenv); p != GenericFallback {
		return p
	}
	return LinuxX11
}

var helperSpecs = map[string]helperSpec{
	"xdotool": {
		name:     "xdotool",
		platform: func(func(string) string) Platform { return LinuxX11 },
		typeArgs: func(text string, perRune time.Duration) []string {
			return []string{"type", "--clearmodifiers", "--delay", millis(perRune), "--", text}
		},
		keyArgs: func(k keystroke.Key) ([]string, bool) {
			name, ok := xkbKeys[k]
			return []string{"key", "--clearmodifiers", name}, ok
		},
	},
	"wtype": {
		name:     "wtype",
		platform: func(func(string) string) Platform { return LinuxWayland },
		typeArgs: func(text string, perRune time.Duration) []string {
			return []string{"-d", millis(perRune), "--", text}
		},
		keyArgs: func(k keystroke.Key) ([]string, bool) {
			name, ok := xkbKeys[k]
			return []string{"-k", name}, ok
		},
	},
	"ydotool": {
		name:     "ydotool",
		platform: sessionPlatform,
		typeArgs: func(text string, perRune time.Duration) []string {
			return []string{"type", "-d", millis(perRune), "--", text}
		},
		keyArgs: func(k keystroke.Key) ([]string, bool) {
			code, ok := keystroke.EvdevKey(k)
			c := strconv.Itoa(int(code))
			return []string{"key", c + ":1", c + ":0"}, ok
		},
	},
	"osascript": {
		name:     "osascript",
		platform: func(func(string) string) Platform { return MacOS },
		// The text is the run handler's argument, never part of the script.
		typeArgs: func(text string, _ time.Duration) []string {
			return []string{
				"-e", "on run argv",
				"-e", `tell application "System Events" to keystroke (item 1 of argv)`,
				"-e", "end run",
				text,
			}
		},
		keyArgs: func(k keystroke.Key) ([]string, bool) {
			code, ok := macKeyCodes[k]
			return []string{"-e", fmt.Sprintf(`tell application "System Events" to key code %d`, code)}, ok
		},
	},
}

// commandRunner runs a helper; tests replace it.
type commandRunner func(ctx context.Context, path string, args ...string) error

func runCommand(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Helper drives a command-line tool.
type Helper struct {
	spec     helperSpec
	path     string
	platform Platform
	timeout  time.Duration
	run      commandRunner
}

func newHelper(spec helperSpec, opts Options) (*Helper, error) {
	path, err := opts.LookPath(spec.name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrNoBackend, spec.name)
	}
	return &Helper{
		spec:     spec,
		path:     path,
		platform: spec.platform(opts.Getenv),
		timeout:  opts.HelperTimeout,
		run:      runCommand,
	}, nil
}

// findHelper returns the first helper in names that is installed.
func findHelper(opts Options, names ...string) *Helper {
	for _, name := range names {
		if h, err := newHelper(helperSpecs[name], opts); err == nil {
			return h
		}
	}
	return nil
}

func (h *Helper) Name() string       { return h.spec.name }
func (h *Helper) Platform() Platform { return h.platform }
func (h *Helper) Close() error       { return nil }

// TypeText types text in one helper invocation.
func (h *Helper) TypeText(text string, perRune time.Duration) error {
	if text == "" {
		return nil
	}
	return h.exec(h.typeTimeout(text, perRune), h.spec.typeArgs(text, perRune))
}

// typeTimeout extends the helper timeout by the pauses the helper makes
// between characters, so long text is not killed partway through.
func (h *Helper) typeTimeout(text string, perRune time.Duration) time.Duration {
	if perRune <= 0 {
		return h.timeout
	}
	return h.timeout + time.Duration(utf8.RuneCountInString(text))*perRune
}

// PressKey presses one named key.
func (h *Helper) PressKey(k keystroke.Key) error {
	args, ok := h.spec.keyArgs(k)
	if !ok {
		return fmt.Errorf("%w: %s via %s", ErrUnsupportedKey, k, h.spec.name)
	}
	return h.exec(h.timeout, args)
}

func (h *Helper) exec(timeout time.Duration, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.run(ctx, h.path, args...); err != nil {
		return fmt.Errorf("%s: %w", h.spec.name, err)
	}
	return nil
}
