package inject

import (
	"strings"
	"sync"
	"time"

	"keyreplacer/internal/keystroke"
)

// OpKind distinguishes recorded operations.
type OpKind int

const (
	OpText OpKind = iota
	OpKey
)

// Op is one recorded injector call.
type Op struct {
	Kind    OpKind
	Text    string
	Key     keystroke.Key
	PerRune time.Duration
}

// Recorder is an Injector that records calls instead of typing. It backs
// tests and dry runs.
type Recorder struct {
	mu      sync.Mutex
	ops     []Op
	textErr error
	keyErr  error
	closed  bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Name() string       { return "recorder" }
func (r *Recorder) Platform() Platform { return GenericFallback }

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Fail makes later TypeText and PressKey calls return the given errors.
// A nil error restores success.
func (r *Recorder) Fail(textErr, keyErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textErr = textErr
	r.keyErr = keyErr
}

func (r *Recorder) TypeText(text string, perRune time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.textErr != nil {
		return r.textErr
	}
	r.ops = append(r.ops, Op{Kind: OpText, Text: text, PerRune: perRune})
	return nil
}

func (r *Recorder) PressKey(k keystroke.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyErr != nil {
		return r.keyErr
	}
	r.ops = append(r.ops, Op{Kind: OpKey, Key: k})
	return nil
}

// Ops returns a copy of the recorded operations.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Text returns all typed text concatenated.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, op := range r.ops {
		if op.Kind == OpText {
			b.WriteString(op.Text)
		}
	}
	return b.String()
}

// Count returns how many times k was pressed.
func (r *Recorder) Count(k keystroke.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op.Kind == OpKey && op.Key == k {
			n++
		}
	}
	return n
}

// Reset forgets recorded operations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
