//go:build windows

package keystroke

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"
	"unsafe"

	"github.com/lxn/win"
	"golang.org/x/sys/windows"
)

const (
	whKeyboardLL   = 13
	llkhfInjected  = 0x10
	toUnicodeNoMod = 0x4 // do not change keyboard state (Windows 10 1607+)
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
	procToUnicode           = user32.NewProc("ToUnicode")
	procGetKeyState         = user32.NewProc("GetKeyState")
)

// kbdllHookStruct mirrors KBDLLHOOKSTRUCT.
type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

// activeSource receives hook callbacks. Only one low-level hook is installed
// per process.
var activeSource atomic.Pointer[WindowsSource]

var (
	hookCallbackOnce sync.Once
	hookCallback     uintptr
)

func lowLevelKeyboardProc(nCode uintptr, wParam uintptr, lParam uintptr) uintptr {
	if int32(nCode) >= 0 {
		if s := activeSource.Load(); s != nil {
			kb := (*kbdllHookStruct)(unsafe.Pointer(lParam))
			s.handle(uint32(wParam), kb)
		}
	}
	r, _, _ := procCallNextHookEx.Call(0, nCode, wParam, lParam)
	return r
}

// WindowsSource captures keys with a WH_KEYBOARD_LL hook.
type WindowsSource struct {
	BaseSource
	startMu  sync.Mutex
	threadID atomic.Uint32
	done     chan struct{}
	ch       chan Token

	// touched only on the hook thread
	shift, ctrl, alt, win bool
}

func newPlatformSource() Source {
	return &WindowsSource{}
}

// Available reports whether user32 exposes the hook API.
func (w *WindowsSource) Available() (bool, string) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return false, fmt.Sprintf("SetWindowsHookExW unavailable: %v", err)
	}
	return true, "low-level keyboard hook"
}

// Start installs the hook on a dedicated OS thread running a message loop.
func (w *WindowsSource) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.IsRunning() {
		return ErrAlreadyRunning
	}
	if !activeSource.CompareAndSwap(nil, w) {
		return ErrAlreadyRunning
	}

	hookCallbackOnce.Do(func() {
		hookCallback = syscall.NewCallback(lowLevelKeyboardProc)
	})

	w.ch = w.openTokens(tokenBuffer)
	w.done = make(chan struct{})
	ready := make(chan error, 1)
	go w.hookLoop(ready)

	if err := <-ready; err != nil {
		activeSource.CompareAndSwap(w, nil)
		w.closeSubscription(w.ch)
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	w.SetRunning(true)

	done := w.done
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-done:
		}
	}()
	return nil
}

func (w *WindowsSource) hookLoop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)
	defer w.closeSubscription(w.ch)
	defer activeSource.CompareAndSwap(w, nil)

	w.threadID.Store(windows.GetCurrentThreadId())

	hook, _, err := procSetWindowsHookExW.Call(
		whKeyboardLL,
		hookCallback,
		uintptr(win.GetModuleHandle(nil)),
		0,
	)
	if hook == 0 {
		ready <- err
		return
	}
	defer procUnhookWindowsHookEx.Call(hook)
	ready <- nil

	msg := new(win.MSG)
	for {
		r := win.GetMessage(msg, 0, 0, 0)
		if r == 0 || r == -1 {
			return
		}
		win.TranslateMessage(msg)
		win.DispatchMessage(msg)
	}
}

// Stop posts WM_QUIT to the hook thread and waits up to a second.
func (w *WindowsSource) Stop() error {
	w.startMu.Lock()
	done := w.done
	w.startMu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	procPostThreadMessageW.Call(uintptr(w.threadID.Load()), win.WM_QUIT, 0, 0)
	select {
	case <-done:
	case <-time.After(time.Second):
		return errors.New("keyboard hook thread did not exit")
	}
	return nil
}

func (w *WindowsSource) handle(msg uint32, kb *kbdllHookStruct) {
	if kb.Flags&llkhfInjected != 0 {
		return
	}

	down := msg == win.WM_KEYDOWN || msg == win.WM_SYSKEYDOWN
	vk := kb.VkCode

	switch vk {
	case win.VK_SHIFT, win.VK_LSHIFT, win.VK_RSHIFT:
		w.modifier(&w.shift, down, KeyShift)
		return
	case win.VK_CONTROL, win.VK_LCONTROL, win.VK_RCONTROL:
		w.modifier(&w.ctrl, down, KeyControl)
		return
	case win.VK_MENU, win.VK_LMENU, win.VK_RMENU:
		w.modifier(&w.alt, down, KeyAlt)
		return
	case win.VK_LWIN, win.VK_RWIN:
		w.modifier(&w.win, down, KeyCommand)
		return
	}
	if !down {
		return
	}

	w.Emit(w.translate(vk, kb.ScanCode))
}

func (w *WindowsSource) modifier(held *bool, down bool, k Key) {
	if down && !*held {
		w.Emit(Token{Key: k, Modifiers: w.mods()})
	}
	*held = down
}

func (w *WindowsSource) mods() Modifiers {
	caps, _, _ := procGetKeyState.Call(win.VK_CAPITAL)
	return Modifiers{
		Shift:    w.shift,
		Control:  w.ctrl,
		Alt:      w.alt,
		Command:  w.win,
		CapsLock: caps&1 != 0,
	}
}

var windowsNamed = map[uint32]Key{
	win.VK_SPACE:   KeySpace,
	win.VK_RETURN:  KeyEnter,
	win.VK_TAB:     KeyTab,
	win.VK_BACK:    KeyBackspace,
	win.VK_ESCAPE:  KeyEscape,
	win.VK_DELETE:  KeyDelete,
	win.VK_INSERT:  KeyInsert,
	win.VK_HOME:    KeyHome,
	win.VK_END:     KeyEnd,
	win.VK_PRIOR:   KeyPageUp,
	win.VK_NEXT:    KeyPageDown,
	win.VK_LEFT:    KeyLeft,
	win.VK_RIGHT:   KeyRight,
	win.VK_UP:      KeyUp,
	win.VK_DOWN:    KeyDown,
	win.VK_CAPITAL: KeyCapsLock,
}

func (w *WindowsSource) translate(vk, scan uint32) Token {
	mods := w.mods()
	t := Token{Modifiers: mods}

	if k, ok := windowsNamed[vk]; ok {
		t.Key = k
		return t
	}
	if vk >= win.VK_F1 && vk <= win.VK_F24 {
		t.Key = KeyFunction
		return t
	}

	// Chords: report the base key so hotkeys like ctrl+alt+k can match.
	if mods.Chorded() && !(mods.Control && mods.Alt) {
		if (vk >= '0' && vk <= '9') || (vk >= 'A' && vk <= 'Z') {
			t.Char = unicode.ToLower(rune(vk))
			return t
		}
	}

	var state [256]byte
	if mods.Shift {
		state[win.VK_SHIFT] = 0x80
	}
	if mods.CapsLock {
		state[win.VK_CAPITAL] = 0x01
	}
	if mods.Control && mods.Alt {
		// AltGr arrives as Ctrl+Alt
		state[win.VK_CONTROL] = 0x80
		state[win.VK_MENU] = 0x80
	}

	var buf [8]uint16
	n, _, _ := procToUnicode.Call(
		uintptr(vk),
		uintptr(scan),
		uintptr(unsafe.Pointer(&state[0])),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		toUnicodeNoMod,
	)
	if int32(n) <= 0 {
		if mods.Control && mods.Alt && (vk >= 'A' && vk <= 'Z' || vk >= '0' && vk <= '9') {
			t.Char = unicode.ToLower(rune(vk))
			return t
		}
		t.Key = KeyOther
		return t
	}

	t.Char, _ = utf8.DecodeRuneInString(windows.UTF16ToString(buf[:n]))
	if mods.Control && mods.Alt && unicode.IsPrint(t.Char) {
		// AltGr produced text, not a chord
		t.Modifiers.Control = false
		t.Modifiers.Alt = false
	}
	return t
}
