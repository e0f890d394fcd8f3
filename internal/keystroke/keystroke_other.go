//go:build !darwin && !linux && !windows

package keystroke

import (
	"context"
)

// StubSource is used on unsupported platforms.
type StubSource struct {
	BaseSource
}

func newPlatformSource() Source {
	return &StubSource{}
}

// Available returns false on unsupported platforms.
func (s *StubSource) Available() (bool, string) {
	return false, "keystroke capture not implemented for this platform"
}

// Start returns an error on unsupported platforms.
func (s *StubSource) Start(ctx context.Context) error {
	return ErrNotAvailable
}

// Stop is a no-op on unsupported platforms.
func (s *StubSource) Stop() error {
	return nil
}
