//go:build linux

package inject

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"keyreplacer/internal/keystroke"
)

// linux/uinput.h
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565

	evSyn     = 0x00
	evKey     = 0x01
	synReport = 0

	uinputMaxNameSize = 80
	absCount          = 64
	busVirtual        = 0x06

	// settleDelay lets the desktop register a new device before use.
	settleDelay = 200 * time.Millisecond
)

var uinputPath = "/dev/uinput"

// Uinput is a virtual keyboard created through /dev/uinput. It produces
// named keys and the characters of a US layout.
type Uinput struct {
	mu       sync.Mutex
	fd       int
	platform Platform
}

// OpenUinput creates the virtual keyboard.
func OpenUinput(platform Platform) (*Uinput, error) {
	fd, err := unix.Open(uinputPath, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uinputPath, err)
	}

	if err := setupUinput(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	time.Sleep(settleDelay)
	return &Uinput{fd: fd, platform: platform}, nil
}

func setupUinput(fd int) error {
	if err := unix.IoctlSetInt(fd, uiSetEvBit, evKey); err != nil {
		return fmt.Errorf("UI_SET_EVBIT: %w", err)
	}
	for code := 1; code < 256; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
			return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
		}
	}

	// struct uinput_user_dev
	dev := make([]byte, uinputMaxNameSize+8+4+4*absCount*4)
	copy(dev, keystroke.VirtualKeyboardName)
	binary.NativeEndian.PutUint16(dev[uinputMaxNameSize:], busVirtual)
	binary.NativeEndian.PutUint16(dev[uinputMaxNameSize+2:], 0x4b52) // vendor
	binary.NativeEndian.PutUint16(dev[uinputMaxNameSize+4:], 0x0001) // product
	binary.NativeEndian.PutUint16(dev[uinputMaxNameSize+6:], 1)      // version
	if _, err := unix.Write(fd, dev); err != nil {
		return fmt.Errorf("write uinput device: %w", err)
	}

	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

func (u *Uinput) Name() string       { return "uinput" }
func (u *Uinput) Platform() Platform { return u.platform }

// CanType reports whether every rune of text maps to a key.
func (u *Uinput) CanType(text string) bool {
	for _, r := range text {
		if _, ok := uinputStroke(r); !ok {
			return false
		}
	}
	return true
}

type stroke struct {
	code  uint16
	shift bool
}

func uinputStroke(r rune) (stroke, bool) {
	switch r {
	case '\n', '\r':
		return stroke{keystroke.EvKeyEnter, false}, true
	case '\t':
		return stroke{keystroke.EvKeyTab, false}, true
	}
	code, shift, ok := keystroke.EvdevRune(r)
	return stroke{code, shift}, ok
}

// TypeText types text one key at a time.
func (u *Uinput) TypeText(text string, perRune time.Duration) error {
	if !u.CanType(text) {
		return ErrUnsupportedText
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	first := true
	for _, r := range text {
		if !first && perRune > 0 {
			time.Sleep(perRune)
		}
		first = false
		s, _ := uinputStroke(r)
		if err := u.tap(s.code, s.shift); err != nil {
			return err
		}
	}
	return nil
}

// PressKey taps a named key.
func (u *Uinput) PressKey(k keystroke.Key) error {
	code, ok := keystroke.EvdevKey(k)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, k)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tap(code, false)
}

func (u *Uinput) tap(code uint16, shift bool) error {
	var events [][]byte
	if shift {
		events = append(events, inputEvent(evKey, keystroke.EvKeyLeftShift, 1), syn())
	}
	events = append(events,
		inputEvent(evKey, code, 1), syn(),
		inputEvent(evKey, code, 0), syn(),
	)
	if shift {
		events = append(events, inputEvent(evKey, keystroke.EvKeyLeftShift, 0), syn())
	}
	for _, ev := range events {
		if _, err := unix.Write(u.fd, ev); err != nil {
			return fmt.Errorf("write key event: %w", err)
		}
	}
	return nil
}

var timevalSize = int(unsafe.Sizeof(unix.Timeval{}))

// inputEvent encodes struct input_event. The kernel stamps the time.
func inputEvent(typ, code uint16, value int32) []byte {
	buf := make([]byte, timevalSize+8)
	binary.NativeEndian.PutUint16(buf[timevalSize:], typ)
	binary.NativeEndian.PutUint16(buf[timevalSize+2:], code)
	binary.NativeEndian.PutUint32(buf[timevalSize+4:], uint32(value))
	return buf
}

func syn() []byte {
	return inputEvent(evSyn, synReport, 0)
}

func (u *Uinput) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fd < 0 {
		return nil
	}
	unix.IoctlSetInt(u.fd, uiDevDestroy, 0)
	err := unix.Close(u.fd)
	u.fd = -1
	return err
}
