//go:build windows

package inject

import (
	"fmt"
	"time"
	"unicode/utf16"
	"unsafe"

	"github.com/lxn/win"
	"golang.org/x/sys/windows"

	"keyreplacer/internal/keystroke"
)

const (
	inputKeyboard    = 1
	keyeventfKeyUp   = 0x0002
	keyeventfUnicode = 0x0004
)

var (
	user32        = windows.NewLazySystemDLL("user32.dll")
	procSendInput = user32.NewProc("SendInput")
)

// keyboardInput mirrors INPUT with the KEYBDINPUT arm of the union. The
// padding matches the size of the largest arm (MOUSEINPUT).
type keyboardInput struct {
	typ   uint32
	vk    uint16
	scan  uint16
	flags uint32
	time  uint32
	extra uintptr
	_     [8]byte
}

var windowsVK = map[keystroke.Key]uint16{
	keystroke.KeySpace:     win.VK_SPACE,
	keystroke.KeyEnter:     win.VK_RETURN,
	keystroke.KeyTab:       win.VK_TAB,
	keystroke.KeyBackspace: win.VK_BACK,
	keystroke.KeyEscape:    win.VK_ESCAPE,
	keystroke.KeyDelete:    win.VK_DELETE,
	keystroke.KeyInsert:    win.VK_INSERT,
	keystroke.KeyHome:      win.VK_HOME,
	keystroke.KeyEnd:       win.VK_END,
	keystroke.KeyPageUp:    win.VK_PRIOR,
	keystroke.KeyPageDown:  win.VK_NEXT,
	keystroke.KeyLeft:      win.VK_LEFT,
	keystroke.KeyRight:     win.VK_RIGHT,
	keystroke.KeyUp:        win.VK_UP,
	keystroke.KeyDown:      win.VK_DOWN,
}

// SendInput injects Unicode text and virtual keys with user32!SendInput.
type SendInput struct{}

// NewSendInput returns the SendInput injector.
func NewSendInput() (*SendInput, error) {
	if err := procSendInput.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBackend, err)
	}
	return &SendInput{}, nil
}

func (s *SendInput) Name() string       { return "sendinput" }
func (s *SendInput) Platform() Platform { return Windows }
func (s *SendInput) Close() error       { return nil }

// TypeText sends each UTF-16 code unit as a KEYEVENTF_UNICODE down/up
// pair. A surrogate pair is sent in a single call so it arrives as one
// character.
func (s *SendInput) TypeText(text string, perRune time.Duration) error {
	first := true
	for _, r := range text {
		if !first && perRune > 0 {
			time.Sleep(perRune)
		}
		first = false

		var units []uint16
		switch r {
		case '\n', '\r':
			if err := s.PressKey(keystroke.KeyEnter); err != nil {
				return err
			}
			continue
		default:
			units = utf16.Encode([]rune{r})
		}

		inputs := make([]keyboardInput, 0, 2*len(units))
		for _, u := range units {
			inputs = append(inputs,
				keyboardInput{typ: inputKeyboard, scan: u, flags: keyeventfUnicode},
				keyboardInput{typ: inputKeyboard, scan: u, flags: keyeventfUnicode | keyeventfKeyUp},
			)
		}
		if err := send(inputs); err != nil {
			return err
		}
	}
	return nil
}

// PressKey taps a virtual key.
func (s *SendInput) PressKey(k keystroke.Key) error {
	vk, ok := windowsVK[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, k)
	}
	return send([]keyboardInput{
		{typ: inputKeyboard, vk: vk},
		{typ: inputKeyboard, vk: vk, flags: keyeventfKeyUp},
	})
}

func send(inputs []keyboardInput) error {
	n, _, err := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(n) != len(inputs) {
		return fmt.Errorf("SendInput sent %d of %d events: %v", n, len(inputs), err)
	}
	return nil
}
