package expander

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyreplacer/internal/config"
	"keyreplacer/internal/inject"
	"keyreplacer/internal/keystroke"
	"keyreplacer/internal/mappings"
)

var testSettings = config.Settings{
	MaxKeyLength:   50,
	MaxValueLength: 5000,
	HotkeyToggle:   "ctrl+alt+k",
}

type harness struct {
	t      *testing.T
	engine *Engine
	source *keystroke.Simulated
	out    *inject.Recorder

	mu       sync.Mutex
	errs     []error
	states   []State
	attempts chan Event
}

func newHarness(t *testing.T, table map[string]string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		source:   keystroke.NewSimulated(),
		out:      inject.NewRecorder(),
		attempts: make(chan Event, 64),
	}
	opts := Options{
		Source:   h.source,
		Injector: h.out,
		Mappings: mappings.NewTable(table),
		Settings: testSettings,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: Callbacks{
			OnError: func(err error) {
				h.mu.Lock()
				h.errs = append(h.errs, err)
				h.mu.Unlock()
			},
			OnStatusChange: func(s State) {
				h.mu.Lock()
				h.states = append(h.states, s)
				h.mu.Unlock()
			},
			OnAttempt: func(ev Event, _ error) { h.attempts <- ev },
		},
		RestartBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(func() { e.Stop() })
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Start(context.Background()))
}

// send emits tokens and waits until the listener has processed them.
func (h *harness) send(tokens ...keystroke.Token) {
	h.t.Helper()
	want := h.engine.Stats().Tokens + uint64(len(tokens))
	require.NoError(h.t, h.source.Send(tokens...))
	require.Eventually(h.t, func() bool {
		return h.engine.Stats().Tokens >= want
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) typeText(s string) {
	h.t.Helper()
	h.send(keystroke.Chars(s)...)
}

func (h *harness) expectAttempt() Event {
	h.t.Helper()
	select {
	case ev := <-h.attempts:
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no expansion attempt")
		return Event{}
	}
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) hasError(target error) bool {
	for _, err := range h.errors() {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var (
	space     = keystroke.Named(keystroke.KeySpace)
	enter     = keystroke.Named(keystroke.KeyEnter)
	backspace = keystroke.Named(keystroke.KeyBackspace)
	escape    = keystroke.Named(keystroke.KeyEscape)
	left      = keystroke.Named(keystroke.KeyLeft)
)

var basicTable = map[string]string{
	"brb": "be right back",
	"omw": "on my way",
}

func TestExpandOnSpace(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.typeText("brb")
	h.send(space)

	ev := h.expectAttempt()
	assert.Equal(t, "brb", ev.Key)
	assert.Equal(t, 3, ev.Deleted)
	assert.Equal(t, 3, h.out.Count(keystroke.KeyBackspace))
	assert.Equal(t, "be right back", h.out.Text())
	assert.Equal(t, 0, h.out.Count(keystroke.KeySpace), "space is consumed, not replayed")
	assert.Equal(t, 0, h.engine.Status().BufferLen)
}

func TestExpandCaseFoldedOnEnter(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.send(keystroke.Chars("BRB")...)
	h.send(enter)

	h.expectAttempt()
	ops := h.out.Ops()
	require.Len(t, ops, 5)
	for _, op := range ops[:3] {
		assert.Equal(t, keystroke.KeyBackspace, op.Key)
	}
	assert.Equal(t, "be right back", ops[3].Text)
	assert.Equal(t, inject.OpKey, ops[4].Kind)
	assert.Equal(t, keystroke.KeyEnter, ops[4].Key)
}

func TestExpandTabReplaysTab(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.typeText("omw")
	h.send(keystroke.Named(keystroke.KeyTab))

	h.expectAttempt()
	assert.Equal(t, 1, h.out.Count(keystroke.KeyTab))
	assert.Equal(t, "on my way", h.out.Text())
}

func TestCaseSensitive(t *testing.T) {
	settings := testSettings
	settings.CaseSensitive = true
	h := newHarness(t, map[string]string{"Brb": "Be right back"}, func(o *Options) { o.Settings = settings })
	h.start()

	h.typeText("brb")
	h.send(space)
	assert.Empty(t, h.out.Ops())

	h.typeText("Brb")
	h.send(space)
	h.expectAttempt()
	assert.Equal(t, "Be right back", h.out.Text())
}

func TestNoMatchClearsBuffer(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.typeText("hello")
	assert.Equal(t, 5, h.engine.Status().BufferLen)
	h.send(space)

	assert.Empty(t, h.out.Ops())
	assert.Equal(t, 0, h.engine.Status().BufferLen)
}

func TestBackspace(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.send(backspace)
	assert.Equal(t, 0, h.engine.Status().BufferLen, "backspace on empty buffer is a no-op")

	h.typeText("brbx")
	h.send(backspace)
	assert.Equal(t, 3, h.engine.Status().BufferLen)
	h.send(space)

	ev := h.expectAttempt()
	assert.Equal(t, "brb", ev.Key)
}

func TestEscapeAndOtherKeysClear(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.typeText("brb")
	h.send(escape)
	assert.Equal(t, 0, h.engine.Status().BufferLen)
	h.send(space)

	h.typeText("br")
	h.send(left)
	h.typeText("b")
	h.send(space)

	// A bare modifier press clears too.
	h.typeText("br")
	h.send(keystroke.Named(keystroke.KeyShift))
	assert.Equal(t, 0, h.engine.Status().BufferLen)

	// So does a chorded character.
	h.typeText("br")
	h.send(keystroke.Token{Char: 'c', Modifiers: keystroke.Modifiers{Control: true}})
	assert.Equal(t, 0, h.engine.Status().BufferLen)

	assert.Empty(t, h.out.Ops())
}

func TestBufferCap(t *testing.T) {
	long := strings.Repeat("a", 101)
	h := newHarness(t, map[string]string{long[:100] + "b": "never"}, func(o *Options) {
		s := testSettings
		s.MaxKeyLength = 200
		o.Settings = s
	})
	h.start()

	h.typeText(long)
	assert.Equal(t, 100, h.engine.Status().BufferLen)

	// The 101st character was dropped, so "b" does not complete the key.
	h.typeText("b")
	assert.Equal(t, 100, h.engine.Status().BufferLen)
	h.send(space)
	assert.Empty(t, h.out.Ops())
}

func TestSuffixMatch(t *testing.T) {
	h := newHarness(t, map[string]string{"b": "short", "brb": "be right back"}, nil)
	h.start()

	h.typeText("xxbrb")
	h.send(space)

	ev := h.expectAttempt()
	assert.Equal(t, "brb", ev.Key, "longest suffix wins")
	assert.Equal(t, 3, ev.Deleted, "only the key is erased")
	assert.Equal(t, 3, h.out.Count(keystroke.KeyBackspace))
}

func TestSuffixMatchErasesTypedForm(t *testing.T) {
	tests := []struct {
		name    string
		table   map[string]string
		typed   string
		key     string
		deleted int
	}{
		{"decomposed accent", map[string]string{"caf\u00e9": "coffee"}, "xcafe\u0301", "caf\u00e9", 5},
		{"conjoining jamo", map[string]string{"x\uac00": "syllable"}, "aax\u1100\u1161", "x\uac00", 3},
		{"folded case", map[string]string{"caf\u00e9": "coffee"}, "xCAFE\u0301", "caf\u00e9", 5},
		{"composed accent", map[string]string{"caf\u00e9": "coffee"}, "xcaf\u00e9", "caf\u00e9", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.table, nil)
			h.start()

			h.send(keystroke.Chars(tt.typed)...)
			h.send(space)

			ev := h.expectAttempt()
			assert.Equal(t, tt.key, ev.Key)
			assert.Equal(t, tt.deleted, ev.Deleted)
			assert.Equal(t, tt.deleted, h.out.Count(keystroke.KeyBackspace))
		})
	}
}

func TestExactMatchErasesWholeBuffer(t *testing.T) {
	// Keys are stored composed; the typed buffer holds e plus a combining accent.
	h := newHarness(t, map[string]string{"caf\u00e9": "coffee"}, nil)
	h.start()

	h.send(keystroke.Chars("cafe\u0301")...)
	h.send(space)

	ev := h.expectAttempt()
	assert.Equal(t, "caf\u00e9", ev.Key)
	assert.Equal(t, 5, ev.Deleted)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	require.NoError(t, h.engine.Pause())
	require.NoError(t, h.engine.Pause())
	assert.Equal(t, Paused, h.engine.State())

	h.typeText("brb")
	h.send(space)
	assert.Empty(t, h.out.Ops())
	assert.Equal(t, 0, h.engine.Status().BufferLen)

	require.NoError(t, h.engine.Resume())
	h.typeText("brb")
	h.send(space)
	h.expectAttempt()
	assert.Equal(t, "be right back", h.out.Text())
}

func TestHotkeyToggle(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	hotkey := keystroke.Token{Char: 'k', Modifiers: keystroke.Modifiers{Control: true, Alt: true}}
	h.send(hotkey)
	assert.Equal(t, Paused, h.engine.State())

	h.typeText("brb")
	h.send(space)
	assert.Empty(t, h.out.Ops())

	h.send(hotkey)
	assert.Equal(t, Running, h.engine.State())
}

func TestTogglePause(t *testing.T) {
	h := newHarness(t, basicTable, nil)

	_, err := h.engine.TogglePause()
	assert.ErrorIs(t, err, ErrNotRunning)

	h.start()
	s, err := h.engine.TogglePause()
	require.NoError(t, err)
	assert.Equal(t, Paused, s)
	s, err = h.engine.TogglePause()
	require.NoError(t, err)
	assert.Equal(t, Running, s)
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, basicTable, nil)

	assert.ErrorIs(t, h.engine.Stop(), ErrNotRunning)
	assert.ErrorIs(t, h.engine.Pause(), ErrNotRunning)
	assert.ErrorIs(t, h.engine.Resume(), ErrNotRunning)

	h.start()
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, h.engine.Stop())
	assert.Equal(t, Stopped, h.engine.State())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []State{Running, Stopped}, h.states)
}

func TestSourceUnavailable(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.source.SetAvailable(false, "no input devices")

	err := h.engine.Start(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorContains(t, err, "no input devices")
	assert.Equal(t, Stopped, h.engine.State())
	assert.True(t, h.hasError(ErrSourceUnavailable))
}

func TestStopStartResetsBuffer(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.typeText("br")
	require.NoError(t, h.engine.Stop())
	assert.Equal(t, 0, h.engine.Status().BufferLen)

	h.engine.UpdateMappings(mappings.NewTable(map[string]string{"b": "bee"}))
	h.start()
	assert.Equal(t, 2, h.source.Starts())

	h.typeText("b")
	h.send(space)
	ev := h.expectAttempt()
	assert.Equal(t, "b", ev.Key)
	assert.Equal(t, 1, ev.Deleted)
	assert.Equal(t, "bee", h.out.Text())
}

func TestInjectionFailureKeepsListening(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.out.Fail(errors.New("xdotool: exit status 1"), nil)
	h.typeText("brb")
	h.send(space)
	h.expectAttempt()
	assert.True(t, h.hasError(ErrInjectionFailure))
	assert.Equal(t, 0, h.engine.Status().BufferLen)
	assert.Equal(t, uint64(1), h.engine.Stats().InjectionFailures)

	h.out.Fail(nil, nil)
	h.out.Reset()
	h.typeText("omw")
	h.send(space)
	h.expectAttempt()
	assert.Equal(t, "on my way", h.out.Text())
	assert.Equal(t, Running, h.engine.State())
}

func TestUnavailableInjector(t *testing.T) {
	h := newHarness(t, basicTable, func(o *Options) { o.Injector = nil })
	h.start()

	h.typeText("brb")
	h.send(space)
	h.expectAttempt()

	var found bool
	for _, err := range h.errors() {
		if errors.Is(err, ErrInjectionFailure) && errors.Is(err, inject.ErrNoBackend) {
			found = true
		}
	}
	assert.True(t, found, "expected an injection failure wrapping ErrNoBackend")
}

func TestSourceClosedRestarts(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	h.start()

	h.source.Fail()
	require.Eventually(t, func() bool { return h.source.Starts() == 2 && h.source.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.hasError(ErrListenerFault))
	assert.Equal(t, Running, h.engine.State())

	h.typeText("brb")
	h.send(space)
	h.expectAttempt()
	assert.Equal(t, uint64(1), h.engine.Stats().SourceRestarts)
}

func TestPanicIsRecovered(t *testing.T) {
	var panics int
	var mu sync.Mutex
	h := newHarness(t, basicTable, func(o *Options) {
		o.Callbacks.OnExpansion = func(ev Event) {
			if ev.Key == "brb" {
				panic("boom")
			}
		}
		o.OnPanic = func(v any, stack []byte) {
			mu.Lock()
			panics++
			mu.Unlock()
		}
	})
	h.start()

	h.typeText("brb")
	h.send(space)
	require.Eventually(t, func() bool { return h.engine.Stats().ListenerFaults == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, h.hasError(ErrListenerFault))
	mu.Lock()
	assert.Equal(t, 1, panics)
	mu.Unlock()

	h.typeText("omw")
	h.send(space)
	require.Eventually(t, func() bool { return strings.HasSuffix(h.out.Text(), "on my way") }, 2*time.Second, time.Millisecond)
}

func TestConcurrentUpdateMappings(t *testing.T) {
	tableA := mappings.NewTable(map[string]string{"x": "a-x", "y": "a-y"})
	tableB := mappings.NewTable(map[string]string{"x": "b-x", "y": "b-y"})

	h := newHarness(t, nil, func(o *Options) { o.Mappings = tableA })
	h.start()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				h.engine.UpdateMappings(tableB)
			} else {
				h.engine.UpdateMappings(tableA)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		key := "x"
		if i%2 == 1 {
			key = "y"
		}
		h.typeText(key)
		h.send(space)
		ev := h.expectAttempt()
		assert.Contains(t, []string{"a-" + key, "b-" + key}, ev.Replacement)
	}
	close(stop)
	wg.Wait()
}

func TestAddRemoveMapping(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.NoError(t, h.engine.AddMapping("TY", "thank you"))
	v, ok := h.engine.Mappings().Get("ty")
	require.True(t, ok)
	assert.Equal(t, "thank you", v)

	assert.ErrorIs(t, h.engine.AddMapping("k", ""), mappings.ErrEmptyValue)
	assert.ErrorIs(t, h.engine.RemoveMapping("nope"), mappings.ErrNotFound)
	require.NoError(t, h.engine.RemoveMapping("ty"))
	assert.Equal(t, 0, h.engine.Mappings().Len())
}

func TestApplySettings(t *testing.T) {
	h := newHarness(t, basicTable, nil)

	bad := testSettings
	bad.HotkeyToggle = "ctrl+banana"
	assert.ErrorIs(t, h.engine.ApplySettings(bad), keystroke.ErrInvalidChord)
	assert.Equal(t, "ctrl+alt+k", h.engine.Settings().HotkeyToggle)

	off := testSettings
	off.HotkeyToggle = ""
	require.NoError(t, h.engine.ApplySettings(off))

	h.start()
	h.send(keystroke.Token{Char: 'k', Modifiers: keystroke.Modifiers{Control: true, Alt: true}})
	assert.Equal(t, Running, h.engine.State(), "disabled hotkey must not toggle")
}

func TestDelaysAreHonored(t *testing.T) {
	s := testSettings
	s.BackspaceDelayMs = 20
	s.ExpansionDelayMs = 30
	s.TypingDelayMs = 7
	h := newHarness(t, basicTable, func(o *Options) { o.Settings = s })
	h.start()

	h.typeText("brb")
	h.send(space)
	ev := h.expectAttempt()

	// Two gaps between three deletes plus the settle delay.
	assert.GreaterOrEqual(t, ev.Duration, 70*time.Millisecond)
	ops := h.out.Ops()
	assert.Equal(t, 7*time.Millisecond, ops[len(ops)-1].PerRune)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, basicTable, nil)
	st := h.engine.Status()
	assert.Equal(t, Stopped, st.State)
	assert.Equal(t, 2, st.Mappings)
	assert.Equal(t, "recorder", st.Injector)
	assert.Zero(t, st.Uptime)

	h.start()
	h.typeText("ab")
	st = h.engine.Status()
	assert.Equal(t, Running, st.State)
	assert.Equal(t, 2, st.BufferLen)
	assert.Equal(t, mappings.NewTable(basicTable).Digest(), st.MappingsDigest)
}
