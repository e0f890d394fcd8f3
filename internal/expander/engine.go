// Package expander runs the keystroke buffer, shortcut matching and the
// delete-then-type expansion on top of a keystroke source and an injector.
//
// A single listener goroutine consumes tokens and owns the typed buffer.
// Control calls (Start, Stop, Pause, Resume, UpdateMappings, ApplySettings)
// may come from any goroutine. The mapping table and settings are immutable
// snapshots swapped atomically, so a match always sees one whole table.
package expander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keyreplacer/internal/config"
	"keyreplacer/internal/inject"
	"keyreplacer/internal/keystroke"
	"keyreplacer/internal/mappings"
)

// Error kinds reported through Callbacks.OnError and returned by control calls.
var (
	ErrSourceUnavailable = errors.New("keystroke source unavailable")
	ErrAlreadyRunning    = errors.New("expander already running")
	ErrNotRunning        = errors.New("expander not running")
	ErrInjectionFailure  = errors.New("injection failed")
	ErrListenerFault     = errors.New("listener fault")
)

// State is the engine lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Event describes one expansion.
type Event struct {
	Key         string
	Replacement string
	Trigger     keystroke.Token
	Deleted     int
	Injector    string
	Duration    time.Duration
	Time        time.Time
}

// Callbacks are invoked synchronously on the goroutine that caused them:
// the listener for expansions and faults, the caller for control calls.
// Any of them may be nil.
type Callbacks struct {
	OnExpansion    func(Event)
	OnError        func(error)
	OnStatusChange func(State)

	// OnAttempt sees every expansion attempt with its error, if any.
	OnAttempt func(Event, error)
}

// Defaults.
const (
	DefaultMaxBuffer      = 100
	DefaultRestartBackoff = 100 * time.Millisecond
	DefaultStopTimeout    = time.Second
	maxRestartBackoff     = 5 * time.Second
)

// Options configure an Engine.
type Options struct {
	Source   keystroke.Source
	Injector inject.Injector
	Mappings *mappings.Table
	Settings config.Settings

	Callbacks Callbacks
	Logger    *slog.Logger

	// OnPanic receives panics recovered in the token path.
	OnPanic func(value any, stack []byte)

	MaxBuffer      int
	RestartBackoff time.Duration
	StopTimeout    time.Duration
}

// settingsSnapshot is the parsed form of config.Settings.
type settingsSnapshot struct {
	config.Settings
	hotkey keystroke.Chord
}

func newSnapshot(s config.Settings) (*settingsSnapshot, error) {
	snap := &settingsSnapshot{Settings: s}
	if s.HotkeyToggle != "" {
		c, err := keystroke.ParseChord(s.HotkeyToggle)
		if err != nil {
			return nil, err
		}
		snap.hotkey = c
	}
	return snap, nil
}

// Engine is the expansion engine.
type Engine struct {
	source   keystroke.Source
	injector inject.Injector
	cb       Callbacks
	logger   *slog.Logger
	onPanic  func(any, []byte)

	maxBuffer      int
	restartBackoff time.Duration
	stopTimeout    time.Duration

	table    atomic.Pointer[mappings.Table]
	settings atomic.Pointer[settingsSnapshot]
	state    atomic.Int32

	ctlMu     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt atomic.Int64

	bufferLen atomic.Int32
	stats     counters
}

// New creates a stopped engine.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%w: no source", ErrSourceUnavailable)
	}
	if opts.Injector == nil {
		opts.Injector = inject.NewUnavailable("no injector configured")
	}
	if opts.Mappings == nil {
		opts.Mappings = mappings.Empty
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	snap, err := newSnapshot(opts.Settings)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		source:         opts.Source,
		injector:       opts.Injector,
		cb:             opts.Callbacks,
		logger:         opts.Logger.With("component", "expander"),
		onPanic:        opts.OnPanic,
		maxBuffer:      opts.MaxBuffer,
		restartBackoff: opts.RestartBackoff,
		stopTimeout:    opts.StopTimeout,
	}
	e.table.Store(opts.Mappings)
	e.settings.Store(snap)
	return e, nil
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start subscribes to the keystroke source and starts the listener.
// Cancelling ctx ends the listener; Stop must still be called to return to
// Stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if e.State() != Stopped {
		return ErrAlreadyRunning
	}

	if ok, reason := e.source.Available(); !ok {
		err := fmt.Errorf("%w: %s", ErrSourceUnavailable, reason)
		e.reportError(err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.source.Start(ctx); err != nil {
		cancel()
		err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		e.reportError(err)
		return err
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.bufferLen.Store(0)
	e.startedAt.Store(time.Now().UnixNano())
	e.setState(Running)

	go e.listen(ctx, e.done)

	e.logger.Info("expander started", "injector", e.injector.Name(), "mappings", e.table.Load().Len())
	return nil
}

// Stop ends the listener. It waits at most the stop timeout for the
// listener to exit and abandons it after that.
func (e *Engine) Stop() error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if e.State() == Stopped {
		return ErrNotRunning
	}

	e.cancel()
	if err := e.source.Stop(); err != nil {
		e.logger.Warn("stop keystroke source", "error", err)
	}

	select {
	case <-e.done:
	case <-time.After(e.stopTimeout):
		e.logger.Warn("listener did not exit in time, abandoning it", "timeout", e.stopTimeout)
	}

	e.cancel = nil
	e.done = nil
	e.bufferLen.Store(0)
	e.startedAt.Store(0)
	e.setState(Stopped)
	e.logger.Info("expander stopped")
	return nil
}

// Pause keeps the listener consuming tokens but stops buffering and
// expanding. Pausing a paused engine is a no-op.
func (e *Engine) Pause() error {
	if e.state.CompareAndSwap(int32(Running), int32(Paused)) {
		e.statusChanged(Paused)
		return nil
	}
	if e.State() == Paused {
		return nil
	}
	return ErrNotRunning
}

// Resume restarts buffering after Pause.
func (e *Engine) Resume() error {
	if e.state.CompareAndSwap(int32(Paused), int32(Running)) {
		e.statusChanged(Running)
		return nil
	}
	if e.State() == Running {
		return nil
	}
	return ErrNotRunning
}

// TogglePause switches between Running and Paused and returns the new state.
func (e *Engine) TogglePause() (State, error) {
	for {
		switch cur := e.State(); cur {
		case Running:
			if e.state.CompareAndSwap(int32(Running), int32(Paused)) {
				e.statusChanged(Paused)
				return Paused, nil
			}
		case Paused:
			if e.state.CompareAndSwap(int32(Paused), int32(Running)) {
				e.statusChanged(Running)
				return Running, nil
			}
		default:
			return Stopped, ErrNotRunning
		}
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	e.statusChanged(s)
}

func (e *Engine) statusChanged(s State) {
	e.logger.Info("expander state changed", "state", s.String())
	if e.cb.OnStatusChange != nil {
		e.cb.OnStatusChange(s)
	}
}

func (e *Engine) reportError(err error) {
	e.logger.Error("expander error", "error", err)
	if e.cb.OnError != nil {
		e.cb.OnError(err)
	}
}

// UpdateMappings replaces the mapping snapshot. The next token processed
// uses the new table.
func (e *Engine) UpdateMappings(t *mappings.Table) {
	if t == nil {
		t = mappings.Empty
	}
	e.table.Store(t)
	e.logger.Debug("mappings updated", "count", t.Len())
}

// Mappings returns the current snapshot.
func (e *Engine) Mappings() *mappings.Table {
	return e.table.Load()
}

// AddMapping sets key to value in the engine's snapshot. The key is
// normalized and checked against the current limits.
func (e *Engine) AddMapping(key, value string) error {
	limits := e.limits()
	for {
		cur := e.table.Load()
		next, err := cur.With(key, value, limits)
		if err != nil {
			return err
		}
		if e.table.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// RemoveMapping deletes key from the engine's snapshot.
func (e *Engine) RemoveMapping(key string) error {
	cs := e.settings.Load().CaseSensitive
	for {
		cur := e.table.Load()
		next, err := cur.Without(key, cs)
		if err != nil {
			return err
		}
		if e.table.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (e *Engine) limits() mappings.Limits {
	s := e.settings.Load()
	return mappings.Limits{
		MaxKeyLength:   s.MaxKeyLength,
		MaxValueLength: s.MaxValueLength,
		CaseSensitive:  s.CaseSensitive,
	}
}

// ApplySettings replaces the settings snapshot.
func (e *Engine) ApplySettings(s config.Settings) error {
	snap, err := newSnapshot(s)
	if err != nil {
		return err
	}
	e.settings.Store(snap)
	return nil
}

// Settings returns the current settings.
func (e *Engine) Settings() config.Settings {
	return e.settings.Load().Settings
}

// Injector returns the injector in use.
func (e *Engine) Injector() inject.Injector {
	return e.injector
}

// Status is a point-in-time view of the engine. Buffer contents are never
// exposed.
type Status struct {
	State          State
	Mappings       int
	MappingsDigest string
	Injector       string
	Platform       string
	BufferLen      int
	Uptime         time.Duration
	Stats          Stats
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	t := e.table.Load()
	st := Status{
		State:          e.State(),
		Mappings:       t.Len(),
		MappingsDigest: t.Digest(),
		Injector:       e.injector.Name(),
		Platform:       e.injector.Platform().String(),
		BufferLen:      int(e.bufferLen.Load()),
		Stats:          e.Stats(),
	}
	if started := e.startedAt.Load(); started != 0 {
		st.Uptime = time.Since(time.Unix(0, started))
	}
	return st
}
