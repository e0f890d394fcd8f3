// Package keystroke turns platform key-down events into logical tokens.
//
// Each platform source subscribes to the host keystroke hook and emits one
// Token per key-down (including auto-repeat) on a buffered channel. Key
// releases are consumed internally to track modifier state and are never
// emitted.
//
// Platform support:
// - macOS: Uses CGEventTap (requires Accessibility permission)
// - Linux: Uses /dev/input/event* (requires input group or root)
// - Windows: Uses SetWindowsHookEx with WH_KEYBOARD_LL (user-mode hook)
package keystroke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Source produces key-down tokens from a keystroke hook.
type Source interface {
	// Start subscribes to the keystroke hook. Cancelling ctx stops the source.
	Start(ctx context.Context) error

	// Stop unsubscribes. It is safe to call on a stopped source.
	Stop() error

	// Tokens returns the channel of the current subscription. The channel is
	// replaced on every Start and closed when the subscription ends.
	Tokens() <-chan Token

	// Available reports whether a hook can be obtained with the current
	// permissions, with a human readable reason.
	Available() (bool, string)

	// IsRunning reports whether the source is subscribed.
	IsRunning() bool
}

// tokenBuffer is the capacity of the per-subscription token channel.
const tokenBuffer = 256

// BaseSource provides the subscription bookkeeping shared by platform sources.
type BaseSource struct {
	mu      sync.RWMutex
	running bool
	tokens  chan Token
	dropped atomic.Uint64
}

// Tokens returns the channel of the current subscription.
func (b *BaseSource) Tokens() <-chan Token {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens
}

// openTokens replaces the token channel for a new subscription.
func (b *BaseSource) openTokens(size int) chan Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = make(chan Token, size)
	return b.tokens
}

// closeTokens ends the current subscription.
func (b *BaseSource) closeTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens != nil {
		close(b.tokens)
		b.tokens = nil
	}
	b.running = false
}

// closeSubscription ends the subscription that owns ch. It does nothing if a
// newer subscription has replaced it.
func (b *BaseSource) closeSubscription(ch chan Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens != ch || ch == nil {
		return
	}
	close(b.tokens)
	b.tokens = nil
	b.running = false
}

// Emit delivers a token without blocking. It returns false when the
// subscription is closed or its buffer is full.
func (b *BaseSource) Emit(t Token) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.tokens == nil {
		return false
	}
	select {
	case b.tokens <- t:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns how many tokens were discarded because the consumer fell behind.
func (b *BaseSource) Dropped() uint64 {
	return b.dropped.Load()
}

// SetRunning sets the running state.
func (b *BaseSource) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// New creates a Source for the current platform.
func New() Source {
	return newPlatformSource()
}

// ErrNotAvailable is returned when no keystroke hook can be obtained.
var ErrNotAvailable = errors.New("keystroke source not available on this platform")

// ErrPermissionDenied is returned when the hook exists but access is refused.
var ErrPermissionDenied = errors.New("insufficient permissions for keystroke source")

// ErrAlreadyRunning is returned by Start on a running source.
var ErrAlreadyRunning = errors.New("keystroke source already running")
