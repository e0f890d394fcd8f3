//go:build linux

package keystroke

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxSource reads key events from /dev/input keyboards.
type LinuxSource struct {
	BaseSource
	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	devices []InputDevice
}

func newPlatformSource() Source {
	return &LinuxSource{}
}

// Available checks if we can read input devices.
func (l *LinuxSource) Available() (bool, string) {
	devices, err := FindKeyboardDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}

	for _, dev := range devices {
		fd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == nil {
			unix.Close(fd)
			return true, fmt.Sprintf("found keyboard device: %s (%s)", dev.Path, dev.Name)
		}
	}

	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// Devices returns the keyboards opened by the last Start.
func (l *LinuxSource) Devices() []InputDevice {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	return append([]InputDevice(nil), l.devices...)
}

// Start opens every readable keyboard and begins emitting tokens.
func (l *LinuxSource) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if l.IsRunning() {
		return ErrAlreadyRunning
	}

	devices, err := FindKeyboardDevices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var fds []int
	var opened []InputDevice
	var permErr bool
	for _, dev := range devices {
		fd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				permErr = true
			}
			continue
		}
		fds = append(fds, fd)
		opened = append(opened, dev)
	}
	if len(fds) == 0 {
		if permErr {
			return fmt.Errorf("%w: %w", ErrNotAvailable, ErrPermissionDenied)
		}
		return ErrNotAvailable
	}

	l.devices = opened
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	ch := l.openTokens(tokenBuffer)
	l.SetRunning(true)

	go l.readLoop(ctx, fds, ch)

	return nil
}

const (
	evKey      = 1
	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2

	pollTimeoutMs = 100
)

// timevalSize is the size of the timestamp that prefixes struct input_event.
var timevalSize = int(unsafe.Sizeof(unix.Timeval{}))

func (l *LinuxSource) readLoop(ctx context.Context, fds []int, ch chan Token) {
	defer close(l.done)
	defer l.closeSubscription(ch)
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()

	eventSize := timevalSize + 8
	buf := make([]byte, eventSize*64)
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	var state modifierState
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		alive := 0
		for i := range pfds {
			if pfds[i].Fd < 0 {
				continue
			}
			if pfds[i].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				// device unplugged
				pfds[i].Fd = -1
				continue
			}
			alive++
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			nr, err := unix.Read(int(pfds[i].Fd), buf)
			if err != nil || nr < eventSize {
				continue
			}
			for off := 0; off+eventSize <= nr; off += eventSize {
				ev := buf[off+timevalSize : off+eventSize]
				typ := binary.LittleEndian.Uint16(ev[0:2])
				code := binary.LittleEndian.Uint16(ev[2:4])
				value := int32(binary.LittleEndian.Uint32(ev[4:8]))
				if typ != evKey {
					continue
				}
				if tok, ok := state.apply(code, value); ok {
					l.Emit(tok)
				}
			}
		}
		if alive == 0 {
			return
		}
	}
}

// modifierState tracks held modifiers across key events.
type modifierState struct {
	shift, ctrl, alt, meta int
	caps                   bool
}

func (s *modifierState) mods() Modifiers {
	return Modifiers{
		Shift:    s.shift > 0,
		Control:  s.ctrl > 0,
		Alt:      s.alt > 0,
		Command:  s.meta > 0,
		CapsLock: s.caps,
	}
}

// apply updates modifier state and returns the token for key-downs.
func (s *modifierState) apply(code uint16, value int32) (Token, bool) {
	var counter *int
	switch code {
	case EvKeyLeftShift, EvKeyRightShift:
		counter = &s.shift
	case EvKeyLeftCtrl, EvKeyRightCtrl:
		counter = &s.ctrl
	case EvKeyLeftAlt, EvKeyRightAlt:
		counter = &s.alt
	case EvKeyLeftMeta, EvKeyRightMeta:
		counter = &s.meta
	}

	if counter != nil {
		switch value {
		case keyPress:
			tok := EvdevToken(code, s.mods())
			*counter++
			return tok, true
		case keyRelease:
			if *counter > 0 {
				*counter--
			}
		}
		return Token{}, false
	}

	if value == keyRelease {
		return Token{}, false
	}
	if code == EvKeyCapsLock {
		if value != keyPress {
			return Token{}, false
		}
		tok := EvdevToken(code, s.mods())
		s.caps = !s.caps
		return tok, true
	}
	return EvdevToken(code, s.mods()), true
}

// Stop stops reading and waits up to a second for the reader to exit.
func (l *LinuxSource) Stop() error {
	l.startMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.startMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		return errors.New("keystroke reader did not exit")
	}
	return nil
}

// keyboardDevicesFile lists input devices; replaced in tests.
var keyboardDevicesFile = "/proc/bus/input/devices"

// FindKeyboardDevices lists /dev/input devices that are keyboards, excluding
// the virtual keyboard used for injection.
func FindKeyboardDevices() ([]InputDevice, error) {
	f, err := os.Open(keyboardDevicesFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	devices, err := ParseInputDevices(f)
	if err != nil {
		return nil, err
	}

	var keyboards []InputDevice
	for _, d := range devices {
		if !d.IsKeyboard() || d.Name == VirtualKeyboardName {
			continue
		}
		keyboards = append(keyboards, d)
	}
	return keyboards, nil
}
