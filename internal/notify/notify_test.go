package notify

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	summary, body string
	urgency       Urgency
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sent
	err    error
	closed bool
}

func (f *fakeSender) Send(summary, body string, u Urgency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{summary, body, u})
	return f.err
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTest(enabled bool) (*Notifier, *fakeSender, *clock) {
	s := &fakeSender{}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n := New(Options{
		Enabled: enabled,
		Sender:  s,
		Now:     c.now,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return n, s, c
}

func TestStatus(t *testing.T) {
	n, s, _ := newTest(true)
	n.Status("paused")
	require.Len(t, s.sent, 1)
	assert.Equal(t, "Expansion paused", s.sent[0].body)
	assert.Equal(t, Low, s.sent[0].urgency)
}

func TestErrorThrottle(t *testing.T) {
	n, s, c := newTest(true)
	boom := errors.New("injection failed")

	n.Error(boom)
	c.advance(time.Second)
	n.Error(boom)
	c.advance(4 * time.Second)
	n.Error(boom)
	n.Error(nil)

	require.Len(t, s.sent, 2)
	assert.Equal(t, Critical, s.sent[0].urgency)
	assert.Equal(t, "injection failed", s.sent[1].body)
}

func TestDisabled(t *testing.T) {
	n, s, _ := newTest(false)
	n.Status("running")
	n.Error(errors.New("x"))
	assert.Empty(t, s.sent)

	n.SetEnabled(true)
	assert.True(t, n.Enabled())
	n.Status("running")
	assert.Len(t, s.sent, 1)
}

func TestDisabledErrorDoesNotConsumeThrottle(t *testing.T) {
	n, s, _ := newTest(false)
	n.Error(errors.New("first"))
	n.SetEnabled(true)
	n.Error(errors.New("second"))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "second", s.sent[0].body)
}

func TestSendFailureIsSwallowed(t *testing.T) {
	n, s, _ := newTest(true)
	s.err = errors.New("no server")
	assert.NotPanics(t, func() { n.Status("running") })
	require.NoError(t, n.Close())
	assert.True(t, s.closed)
}

func TestNop(t *testing.T) {
	var s Sender = Nop{}
	assert.NoError(t, s.Send("a", "b", Normal))
	assert.NoError(t, s.Close())
}
