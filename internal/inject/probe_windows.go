//go:build windows

package inject

import "fmt"

func probePlatform(opts Options) (Injector, error) {
	s, err := NewSendInput()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func probeNative(name string, opts Options) (Injector, error) {
	if name != "sendinput" {
		return nil, fmt.Errorf("%w: %q on windows", ErrUnknownBackend, name)
	}
	return probePlatform(opts)
}
