package inject

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplacer/internal/keystroke"
)

type call struct {
	path     string
	args     []string
	deadline time.Duration
}

func fakeRunner(calls *[]call, err error) commandRunner {
	return func(ctx context.Context, path string, args ...string) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			return errors.New("helper run without a deadline")
		}
		*calls = append(*calls, call{path: path, args: args, deadline: time.Until(deadline)})
		return err
	}
}

func lookPathIn(installed ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, n := range installed {
			if n == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func testOptions(installed ...string) Options {
	opts := Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		LookPath: lookPathIn(installed...),
		Getenv:   envOf(map[string]string{"DISPLAY": ":0"}),
	}
	opts.setDefaults()
	return opts
}

func TestHelperArgs(t *testing.T) {
	text := `it's "$(rm -rf ~)"; echo`

	tests := []struct {
		helper   string
		wantText []string
		wantKey  []string
	}{
		{"xdotool", []string{"type", "--clearmodifiers", "--delay", "10", "--", text}, []string{"key", "--clearmodifiers", "BackSpace"}},
		{"wtype", []string{"-d", "10", "--", text}, []string{"-k", "BackSpace"}},
		{"ydotool", []string{"type", "-d", "10", "--", text}, []string{"key", "14:1", "14:0"}},
	}

	for _, tt := range tests {
		t.Run(tt.helper, func(t *testing.T) {
			h, err := newHelper(helperSpecs[tt.helper], testOptions(tt.helper))
			require.NoError(t, err)

			var calls []call
			h.run = fakeRunner(&calls, nil)

			require.NoError(t, h.TypeText(text, 10*time.Millisecond))
			require.NoError(t, h.PressKey(keystroke.KeyBackspace))

			require.Len(t, calls, 2)
			assert.Equal(t, "/usr/bin/"+tt.helper, calls[0].path)
			assert.Equal(t, tt.wantText, calls[0].args)
			assert.Equal(t, tt.wantKey, calls[1].args)
		})
	}
}

func TestHelperTimeoutCoversTypingDelay(t *testing.T) {
	for _, name := range []string{"xdotool", "wtype", "ydotool"} {
		t.Run(name, func(t *testing.T) {
			h, err := newHelper(helperSpecs[name], testOptions(name))
			require.NoError(t, err)
			var calls []call
			h.run = fakeRunner(&calls, nil)

			// 1000 characters at 10ms each need 10s on top of the base timeout.
			require.NoError(t, h.TypeText(strings.Repeat("é", 1000), 10*time.Millisecond))
			require.NoError(t, h.TypeText("short", 0))
			require.NoError(t, h.PressKey(keystroke.KeyBackspace))
			require.Len(t, calls, 3)

			long := DefaultHelperTimeout + 10*time.Second
			assert.Greater(t, calls[0].deadline, long-time.Second)
			assert.LessOrEqual(t, calls[0].deadline, long)
			assert.LessOrEqual(t, calls[1].deadline, DefaultHelperTimeout)
			assert.Greater(t, calls[1].deadline, DefaultHelperTimeout-time.Second)
			assert.LessOrEqual(t, calls[2].deadline, DefaultHelperTimeout)
		})
	}
}

func TestOsascriptPassesTextAsArgument(t *testing.T) {
	h, err := newHelper(helperSpecs["osascript"], testOptions("osascript"))
	require.NoError(t, err)
	var calls []call
	h.run = fakeRunner(&calls, nil)

	text := `say "hi" & quit`
	require.NoError(t, h.TypeText(text, 0))
	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Equal(t, text, args[len(args)-1])
	for _, a := range args[:len(args)-1] {
		assert.NotContains(t, a, text)
	}
}

func TestHelperErrors(t *testing.T) {
	_, err := newHelper(helperSpecs["xdotool"], testOptions())
	assert.ErrorIs(t, err, ErrNoBackend)

	h, err := newHelper(helperSpecs["xdotool"], testOptions("xdotool"))
	require.NoError(t, err)
	var calls []call
	h.run = fakeRunner(&calls, errors.New("exit status 1"))
	assert.ErrorContains(t, h.TypeText("x", 0), "xdotool")

	assert.ErrorIs(t, h.PressKey(keystroke.KeyFunction), ErrUnsupportedKey)
	assert.NoError(t, h.TypeText("", 0))
}

func TestHelperPlatform(t *testing.T) {
	opts := testOptions("ydotool")
	opts.Getenv = envOf(map[string]string{"WAYLAND_DISPLAY": "wayland-0"})
	h, err := newHelper(helperSpecs["ydotool"], opts)
	require.NoError(t, err)
	assert.Equal(t, LinuxWayland, h.Platform())
}

func TestDisplayServer(t *testing.T) {
	assert.Equal(t, LinuxWayland, DisplayServer(envOf(map[string]string{"WAYLAND_DISPLAY": "wayland-0", "DISPLAY": ":0"})))
	assert.Equal(t, LinuxWayland, DisplayServer(envOf(map[string]string{"XDG_SESSION_TYPE": "Wayland"})))
	assert.Equal(t, LinuxX11, DisplayServer(envOf(map[string]string{"DISPLAY": ":1"})))
	assert.Equal(t, GenericFallback, DisplayServer(envOf(nil)))
}

func TestUnavailable(t *testing.T) {
	u := NewUnavailable("nothing installed")
	assert.ErrorIs(t, u.TypeText("x", 0), ErrNoBackend)
	assert.ErrorIs(t, u.PressKey(keystroke.KeyEnter), ErrNoBackend)
	assert.Equal(t, "nothing installed", u.Reason())
	assert.Equal(t, GenericFallback, u.Platform())
}

func TestProbeNone(t *testing.T) {
	inj, err := Probe(Options{Backend: "none"})
	require.NoError(t, err)
	assert.Equal(t, "none", inj.Name())
}

func TestProbeNamedHelper(t *testing.T) {
	opts := testOptions("wtype")
	opts.Backend = "WTYPE"
	inj, err := Probe(opts)
	require.NoError(t, err)
	assert.Equal(t, "wtype", inj.Name())

	opts.Backend = "xdotool"
	inj, err = Probe(opts)
	assert.ErrorIs(t, err, ErrNoBackend)
	require.NotNil(t, inj)
	assert.Equal(t, "none", inj.Name())
}

func TestProbeUnknownBackend(t *testing.T) {
	opts := testOptions()
	opts.Backend = "teleport"
	_, err := Probe(opts)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestComposite(t *testing.T) {
	native := &limitedRecorder{Recorder: NewRecorder()}
	helper := NewRecorder()
	c := NewComposite(native, helper, LinuxX11)

	assert.Equal(t, "recorder+recorder", c.Name())

	require.NoError(t, c.TypeText("plain", 0))
	require.NoError(t, c.TypeText("café", 0))
	require.NoError(t, c.PressKey(keystroke.KeyBackspace))
	require.NoError(t, c.PressKey(keystroke.KeyFunction))

	assert.Equal(t, "plain", native.Text())
	assert.Equal(t, "café", helper.Text())
	assert.Equal(t, 1, native.Count(keystroke.KeyBackspace))
	assert.Equal(t, 1, helper.Count(keystroke.KeyFunction))

	require.NoError(t, c.Close())
	assert.True(t, helper.Closed())
}

func TestCompositeWithoutHelper(t *testing.T) {
	c := NewComposite(&limitedRecorder{Recorder: NewRecorder()}, nil, LinuxX11)
	assert.ErrorIs(t, c.TypeText("naïve", 0), ErrUnsupportedText)
	assert.Equal(t, "recorder", c.Name())
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.PressKey(keystroke.KeyBackspace))
	require.NoError(t, r.PressKey(keystroke.KeyBackspace))
	require.NoError(t, r.TypeText("be right back", 5*time.Millisecond))
	require.NoError(t, r.PressKey(keystroke.KeyEnter))

	ops := r.Ops()
	require.Len(t, ops, 4)
	assert.Equal(t, OpText, ops[2].Kind)
	assert.Equal(t, 5*time.Millisecond, ops[2].PerRune)
	assert.Equal(t, 2, r.Count(keystroke.KeyBackspace))
	assert.Equal(t, "be right back", r.Text())

	boom := errors.New("boom")
	r.Fail(boom, nil)
	assert.ErrorIs(t, r.TypeText("x", 0), boom)
	assert.NoError(t, r.PressKey(keystroke.KeyTab))

	r.Reset()
	assert.Empty(t, r.Ops())
}

// limitedRecorder only types ASCII and only presses keys uinput knows.
type limitedRecorder struct {
	*Recorder
}

func (l *limitedRecorder) CanType(text string) bool {
	for _, r := range text {
		if r > 0x7f {
			return false
		}
	}
	return true
}

func (l *limitedRecorder) PressKey(k keystroke.Key) error {
	if k == keystroke.KeyFunction {
		return ErrUnsupportedKey
	}
	return l.Recorder.PressKey(k)
}
