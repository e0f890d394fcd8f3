//go:build !linux && !windows && !darwin

package inject

import "fmt"

func probePlatform(opts Options) (Injector, error) {
	if h := findHelper(opts, "xdotool", "ydotool"); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: unsupported platform", ErrNoBackend)
}

func probeNative(name string, opts Options) (Injector, error) {
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}
