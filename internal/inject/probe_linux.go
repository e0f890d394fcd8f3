//go:build linux

package inject

import "fmt"

// openUinput is replaced in tests.
var openUinput = func(p Platform) (Injector, error) {
	return OpenUinput(p)
}

func helpersFor(p Platform) []string {
	switch p {
	case LinuxWayland:
		return []string{"wtype", "ydotool"}
	case LinuxX11:
		return []string{"xdotool", "ydotool"}
	default:
		return []string{"ydotool"}
	}
}

func probePlatform(opts Options) (Injector, error) {
	platform := sessionPlatform(opts.Getenv)
	helper := findHelper(opts, helpersFor(DisplayServer(opts.Getenv))...)

	native, err := openUinput(platform)
	if err == nil {
		var h Injector
		if helper != nil {
			h = helper
		}
		return NewComposite(native, h, platform), nil
	}
	opts.Logger.Debug("uinput unavailable", "error", err)

	if helper != nil {
		return helper, nil
	}
	return nil, fmt.Errorf("%w: uinput: %v; no xdotool, wtype or ydotool in PATH", ErrNoBackend, err)
}

func probeNative(name string, opts Options) (Injector, error) {
	if name != "uinput" {
		return nil, fmt.Errorf("%w: %q on linux", ErrUnknownBackend, name)
	}
	platform := sessionPlatform(opts.Getenv)
	native, err := openUinput(platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return native, nil
}
