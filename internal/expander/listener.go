package expander

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"keyreplacer/internal/keystroke"
	"keyreplacer/internal/mappings"
)

// Stats are cumulative engine counters.
type Stats struct {
	Tokens            uint64
	Expansions        uint64
	InjectionFailures uint64
	ListenerFaults    uint64
	SourceRestarts    uint64
}

type counters struct {
	tokens     atomic.Uint64
	expansions atomic.Uint64
	failures   atomic.Uint64
	faults     atomic.Uint64
	restarts   atomic.Uint64
}

// Stats returns the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Tokens:            e.stats.tokens.Load(),
		Expansions:        e.stats.expansions.Load(),
		InjectionFailures: e.stats.failures.Load(),
		ListenerFaults:    e.stats.faults.Load(),
		SourceRestarts:    e.stats.restarts.Load(),
	}
}

// buffer holds the characters typed since the last reset. It belongs to
// one listener run.
type buffer struct {
	runes []rune
	max   int
	size  *atomic.Int32
}

func (b *buffer) push(r rune) {
	if len(b.runes) >= b.max {
		return
	}
	b.runes = append(b.runes, r)
	b.size.Store(int32(len(b.runes)))
}

func (b *buffer) backspace() {
	if len(b.runes) == 0 {
		return
	}
	b.runes = b.runes[:len(b.runes)-1]
	b.size.Store(int32(len(b.runes)))
}

func (b *buffer) reset() {
	b.runes = b.runes[:0]
	b.size.Store(0)
}

func (b *buffer) String() string {
	return string(b.runes)
}

// listen is the listener goroutine. It only returns when ctx is done.
func (e *Engine) listen(ctx context.Context, done chan struct{}) {
	defer close(done)

	buf := &buffer{max: e.maxBuffer, size: &e.bufferLen}
	tokens := e.source.Tokens()

	for {
		if tokens == nil {
			var ok bool
			if tokens, ok = e.restartSource(ctx); !ok {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case tok, ok := <-tokens:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				e.fault(fmt.Errorf("%w: keystroke source closed", ErrListenerFault))
				buf.reset()
				tokens = nil
				continue
			}
			if !e.safeHandle(ctx, buf, tok) {
				return
			}
		}
	}
}

// restartSource re-subscribes after the token stream ended, backing off
// between attempts.
func (e *Engine) restartSource(ctx context.Context) (<-chan keystroke.Token, bool) {
	backoff := e.restartBackoff
	for {
		if !sleepCtx(ctx, backoff) {
			return nil, false
		}
		e.source.Stop()
		err := e.source.Start(ctx)
		if err == nil {
			if tokens := e.source.Tokens(); tokens != nil {
				e.stats.restarts.Add(1)
				e.logger.Info("keystroke source restarted")
				return tokens, true
			}
			continue
		}
		e.fault(fmt.Errorf("%w: restart keystroke source: %w", ErrListenerFault, err))
		backoff = min(backoff*2, maxRestartBackoff)
	}
}

func (e *Engine) fault(err error) {
	e.stats.faults.Add(1)
	e.reportError(err)
}

// safeHandle processes one token and turns a panic into a listener fault
// followed by a short pause. It returns false when ctx ended.
func (e *Engine) safeHandle(ctx context.Context, buf *buffer, tok keystroke.Token) (ok bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		if e.onPanic != nil {
			e.onPanic(r, stack)
		}
		e.fault(fmt.Errorf("%w: panic: %v", ErrListenerFault, r))
		buf.reset()
		ok = sleepCtx(ctx, e.restartBackoff)
	}()

	e.handle(buf, tok)
	return true
}

// handle applies one token to the buffer.
func (e *Engine) handle(buf *buffer, tok keystroke.Token) {
	defer e.stats.tokens.Add(1)
	snap := e.settings.Load()

	// The toggle hotkey works while paused.
	if !snap.hotkey.IsZero() && snap.hotkey.Matches(tok) {
		buf.reset()
		if _, err := e.TogglePause(); err != nil {
			e.logger.Debug("toggle hotkey ignored", "error", err)
		}
		return
	}

	if e.State() != Running {
		return
	}

	switch tok.Class() {
	case keystroke.ClassDelimiter:
		e.checkAndExpand(buf, tok, snap)
	case keystroke.ClassBackspace:
		buf.backspace()
	case keystroke.ClassEscape:
		buf.reset()
	case keystroke.ClassPrintable:
		buf.push(tok.Char)
	default:
		buf.reset()
	}
}

// checkAndExpand matches the buffer against the table and expands on a
// match. The buffer is empty afterwards either way.
func (e *Engine) checkAndExpand(buf *buffer, trigger keystroke.Token, snap *settingsSnapshot) {
	if len(buf.runes) == 0 {
		return
	}

	typed := buf.String()
	text := mappings.NormalizeKey(typed, snap.CaseSensitive)
	table := e.table.Load()

	key, value, ok := table.Lookup(text)
	if !ok {
		buf.reset()
		return
	}

	// An exact match erases everything typed; a suffix match only the key.
	deletes := len(buf.runes)
	if key != text {
		deletes = typedSpan(buf.runes, key, snap.CaseSensitive)
	}

	e.expand(key, value, deletes, trigger, snap)
	buf.reset()
}

// typedSpan returns how many trailing typed runes normalize to key. The
// count differs from key's length when the user typed a decomposed form.
func typedSpan(typed []rune, key string, caseSensitive bool) int {
	for n := 1; n <= len(typed); n++ {
		if mappings.NormalizeKey(string(typed[len(typed)-n:]), caseSensitive) == key {
			return n
		}
	}
	return min(utf8.RuneCountInString(key), len(typed))
}

// expand erases the typed shortcut, types the replacement and replays the
// trigger unless it was a space.
func (e *Engine) expand(key, value string, deletes int, trigger keystroke.Token, snap *settingsSnapshot) {
	ev := Event{
		Key:         key,
		Replacement: value,
		Trigger:     trigger,
		Deleted:     deletes,
		Injector:    e.injector.Name(),
		Time:        time.Now(),
	}

	err := e.inject(value, deletes, trigger, snap)
	ev.Duration = time.Since(ev.Time)

	if err != nil {
		e.stats.failures.Add(1)
		err = fmt.Errorf("%w: %q: %w", ErrInjectionFailure, key, err)
		e.reportError(err)
	} else {
		e.stats.expansions.Add(1)
		e.logger.Debug("expanded", "key", key, "replacement", value, "trigger", trigger.String(), "duration", ev.Duration)
		if e.cb.OnExpansion != nil {
			e.cb.OnExpansion(ev)
		}
	}
	if e.cb.OnAttempt != nil {
		e.cb.OnAttempt(ev, err)
	}
}

func (e *Engine) inject(value string, deletes int, trigger keystroke.Token, snap *settingsSnapshot) error {
	for i := 0; i < deletes; i++ {
		if i > 0 {
			sleep(snap.BackspaceDelay())
		}
		if err := e.injector.PressKey(keystroke.KeyBackspace); err != nil {
			return fmt.Errorf("delete %d of %d: %w", i+1, deletes, err)
		}
	}

	sleep(snap.ExpansionDelay())

	if err := e.injector.TypeText(value, snap.TypingDelay()); err != nil {
		return fmt.Errorf("type replacement: %w", err)
	}

	if trigger.Key != keystroke.KeySpace {
		if err := e.injector.PressKey(trigger.Key); err != nil {
			return fmt.Errorf("replay %s: %w", trigger.Key, err)
		}
	}
	return nil
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
