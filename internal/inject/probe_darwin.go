//go:build darwin

package inject

import "fmt"

func probePlatform(opts Options) (Injector, error) {
	native, err := NewCGEvent()
	if err == nil {
		return native, nil
	}
	opts.Logger.Debug("cgevent unavailable", "error", err)

	if h := findHelper(opts, "osascript"); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %v; osascript not found", ErrNoBackend, err)
}

func probeNative(name string, opts Options) (Injector, error) {
	if name != "cgevent" {
		return nil, fmt.Errorf("%w: %q on macos", ErrUnknownBackend, name)
	}
	native, err := NewCGEvent()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return native, nil
}
