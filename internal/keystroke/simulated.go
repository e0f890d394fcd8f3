package keystroke

import (
	"context"
	"errors"
	"sync"
)

// ErrNotRunning is returned when tokens are sent to a stopped simulated source.
var ErrNotRunning = errors.New("keystroke source not running")

// Simulated is a Source fed programmatically. It backs tests and dry runs.
type Simulated struct {
	BaseSource

	stateMu   sync.Mutex
	available bool
	reason    string
	starts    int
	stop      context.CancelFunc
}

// NewSimulated returns an available simulated source.
func NewSimulated() *Simulated {
	return &Simulated{available: true, reason: "simulated source"}
}

// SetAvailable controls what Available and Start report.
func (s *Simulated) SetAvailable(ok bool, reason string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.available = ok
	s.reason = reason
}

// Available reports the configured availability.
func (s *Simulated) Available() (bool, string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.available, s.reason
}

// Start opens a new subscription.
func (s *Simulated) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.available {
		return ErrNotAvailable
	}
	if s.IsRunning() {
		return ErrAlreadyRunning
	}

	ch := s.openTokens(tokenBuffer * 4)
	s.SetRunning(true)
	s.starts++

	if s.stop != nil {
		s.stop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	go func() {
		<-ctx.Done()
		s.closeSubscription(ch)
	}()
	return nil
}

// Stop closes the subscription.
func (s *Simulated) Stop() error {
	s.stateMu.Lock()
	stop := s.stop
	s.stop = nil
	s.stateMu.Unlock()

	if stop != nil {
		stop()
	}
	s.closeTokens()
	return nil
}

// Fail closes the subscription as if the device went away.
func (s *Simulated) Fail() {
	s.closeTokens()
}

// Starts returns how many times Start succeeded.
func (s *Simulated) Starts() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.starts
}

// Send emits tokens in order.
func (s *Simulated) Send(tokens ...Token) error {
	for _, t := range tokens {
		if !s.IsRunning() {
			return ErrNotRunning
		}
		if !s.Emit(t) {
			return ErrNotRunning
		}
	}
	return nil
}

// Type emits one token per rune of text.
func (s *Simulated) Type(text string) error {
	return s.Send(Chars(text)...)
}
