//go:build darwin

package keystroke

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework Foundation

#include <ApplicationServices/ApplicationServices.h>
#include <pthread.h>
#include <unistd.h>

// Events posted by the injector carry this value in kCGEventSourceUserData.
#define KR_INJECT_MARKER 0x4B525031

typedef struct {
    uint16_t keycode;
    uint64_t flags;
    int      isFlagsChanged;
    UniChar  chars[4];
    int      nchars;
} krKeyEvent;

#define KR_RING_SIZE 512

static krKeyEvent ring[KR_RING_SIZE];
static volatile int ringHead = 0;
static volatile int ringTail = 0;
static pthread_mutex_t ringMu = PTHREAD_MUTEX_INITIALIZER;

static CFRunLoopRef tapRunLoop = NULL;
static volatile int tapEnabled = 0;
static CFMachPortRef eventTap = NULL;
static CFRunLoopSourceRef runLoopSource = NULL;
static pthread_t runLoopThreadHandle;
static volatile int threadRunning = 0;

static void stopEventTap(void);

static void pushEvent(CGEventType type, CGEventRef event) {
    krKeyEvent ev;
    ev.keycode = (uint16_t)CGEventGetIntegerValueField(event, kCGKeyboardEventKeycode);
    ev.flags = (uint64_t)CGEventGetFlags(event);
    ev.isFlagsChanged = (type == kCGEventFlagsChanged);
    UniCharCount n = 0;
    if (type == kCGEventKeyDown) {
        CGEventKeyboardGetUnicodeString(event, 4, &n, ev.chars);
    }
    ev.nchars = (int)n;

    pthread_mutex_lock(&ringMu);
    int next = (ringHead + 1) % KR_RING_SIZE;
    if (next != ringTail) {
        ring[ringHead] = ev;
        ringHead = next;
    }
    pthread_mutex_unlock(&ringMu);
}

CGEventRef krEventCallback(CGEventTapProxy proxy, CGEventType type, CGEventRef event, void *refcon) {
    (void)proxy;
    (void)refcon;

    if (type == kCGEventTapDisabledByUserInput || type == kCGEventTapDisabledByTimeout) {
        if (eventTap != NULL) {
            CGEventTapEnable(eventTap, true);
        }
        return event;
    }

    if (CGEventGetIntegerValueField(event, kCGEventSourceUserData) == KR_INJECT_MARKER) {
        return event;
    }

    if (type == kCGEventKeyDown || type == kCGEventFlagsChanged) {
        pushEvent(type, event);
    }
    return event;
}

static void* runLoopThread(void* arg) {
    (void)arg;
    tapRunLoop = CFRunLoopGetCurrent();
    CFRunLoopAddSource(tapRunLoop, runLoopSource, kCFRunLoopCommonModes);
    CGEventTapEnable(eventTap, true);
    tapEnabled = 1;

    CFRunLoopRun();

    tapEnabled = 0;
    tapRunLoop = NULL;
    return NULL;
}

static int startEventTap(void) {
    if (eventTap != NULL) {
        return 1;
    }

    pthread_mutex_lock(&ringMu);
    ringHead = ringTail = 0;
    pthread_mutex_unlock(&ringMu);

    CGEventMask mask = CGEventMaskBit(kCGEventKeyDown) | CGEventMaskBit(kCGEventFlagsChanged);
    eventTap = CGEventTapCreate(
        kCGSessionEventTap,
        kCGHeadInsertEventTap,
        kCGEventTapOptionListenOnly,
        mask,
        krEventCallback,
        NULL
    );
    if (eventTap == NULL) {
        return -1;
    }

    runLoopSource = CFMachPortCreateRunLoopSource(kCFAllocatorDefault, eventTap, 0);
    if (runLoopSource == NULL) {
        CFRelease(eventTap);
        eventTap = NULL;
        return -2;
    }

    threadRunning = 1;
    if (pthread_create(&runLoopThreadHandle, NULL, runLoopThread, NULL) != 0) {
        CFRelease(runLoopSource);
        CFRelease(eventTap);
        runLoopSource = NULL;
        eventTap = NULL;
        threadRunning = 0;
        return -3;
    }

    for (int i = 0; i < 100 && !tapEnabled; i++) {
        usleep(10000);
    }
    if (!tapEnabled) {
        stopEventTap();
        return -4;
    }
    return 0;
}

static void stopEventTap(void) {
    if (eventTap == NULL) {
        return;
    }
    CGEventTapEnable(eventTap, false);
    tapEnabled = 0;
    if (tapRunLoop != NULL) {
        CFRunLoopStop(tapRunLoop);
    }
    if (threadRunning) {
        pthread_join(runLoopThreadHandle, NULL);
        threadRunning = 0;
    }
    if (runLoopSource != NULL) {
        CFRelease(runLoopSource);
        runLoopSource = NULL;
    }
    if (eventTap != NULL) {
        CFRelease(eventTap);
        eventTap = NULL;
    }
    tapRunLoop = NULL;
}

// popEvent copies the oldest queued event into out. Returns 0 when empty.
static int popEvent(krKeyEvent *out) {
    int ok = 0;
    pthread_mutex_lock(&ringMu);
    if (ringTail != ringHead) {
        *out = ring[ringTail];
        ringTail = (ringTail + 1) % KR_RING_SIZE;
        ok = 1;
    }
    pthread_mutex_unlock(&ringMu);
    return ok;
}

static int isTapEnabled(void) {
    return tapEnabled;
}

static int checkAccessibility(void) {
    NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @NO};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"
)

// InjectMarker tags events posted by this process so the tap skips them.
const InjectMarker = 0x4B525031

const (
	cgFlagShift     = 0x20000
	cgFlagControl   = 0x40000
	cgFlagAlternate = 0x80000
	cgFlagCommand   = 0x100000
	cgFlagCapsLock  = 0x10000
)

// DarwinSource uses CGEventTap for macOS key events.
type DarwinSource struct {
	BaseSource
	startMu  sync.Mutex
	cancel   context.CancelFunc
	pollDone chan struct{}
}

func newPlatformSource() Source {
	return &DarwinSource{}
}

// Available reports whether Accessibility permission is granted.
func (d *DarwinSource) Available() (bool, string) {
	if C.checkAccessibility() == 1 {
		return true, "CGEventTap with Accessibility permission"
	}
	return false, "Accessibility permission required (System Settings > Privacy & Security > Accessibility)"
}

// Start installs the event tap.
func (d *DarwinSource) Start(ctx context.Context) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.IsRunning() {
		return ErrAlreadyRunning
	}
	if C.checkAccessibility() != 1 {
		return fmt.Errorf("%w: %w", ErrNotAvailable, ErrPermissionDenied)
	}

	switch rc := C.startEventTap(); rc {
	case 0:
	case 1:
		return ErrAlreadyRunning
	default:
		return fmt.Errorf("%w: event tap failed (%d)", ErrNotAvailable, int(rc))
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.pollDone = make(chan struct{})
	ch := d.openTokens(tokenBuffer)
	d.SetRunning(true)

	go d.pollLoop(ctx, ch)
	return nil
}

func (d *DarwinSource) pollLoop(ctx context.Context, ch chan Token) {
	defer close(d.pollDone)
	defer d.closeSubscription(ch)
	defer C.stopEventTap()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var prevFlags uint64
	var ev C.krKeyEvent
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if C.isTapEnabled() != 1 {
			return
		}

		for C.popEvent(&ev) == 1 {
			flags := uint64(ev.flags)
			if ev.isFlagsChanged != 0 {
				if tok, ok := darwinModifierToken(prevFlags, flags); ok {
					d.Emit(tok)
				}
				prevFlags = flags
				continue
			}

			var chars []uint16
			for i := 0; i < int(ev.nchars); i++ {
				chars = append(chars, uint16(ev.chars[i]))
			}
			d.Emit(darwinToken(uint16(ev.keycode), flags, chars))
		}
	}
}

func darwinMods(flags uint64) Modifiers {
	return Modifiers{
		Shift:    flags&cgFlagShift != 0,
		Control:  flags&cgFlagControl != 0,
		Alt:      flags&cgFlagAlternate != 0,
		Command:  flags&cgFlagCommand != 0,
		CapsLock: flags&cgFlagCapsLock != 0,
	}
}

// darwinModifierToken emits a token when a modifier flag turns on.
func darwinModifierToken(prev, cur uint64) (Token, bool) {
	added := cur &^ prev
	mods := darwinMods(prev)
	switch {
	case added&cgFlagShift != 0:
		return Token{Key: KeyShift, Modifiers: mods}, true
	case added&cgFlagControl != 0:
		return Token{Key: KeyControl, Modifiers: mods}, true
	case added&cgFlagAlternate != 0:
		return Token{Key: KeyAlt, Modifiers: mods}, true
	case added&cgFlagCommand != 0:
		return Token{Key: KeyCommand, Modifiers: mods}, true
	case (cur^prev)&cgFlagCapsLock != 0:
		return Token{Key: KeyCapsLock, Modifiers: mods}, true
	}
	return Token{}, false
}

var darwinNamed = map[uint16]Key{
	36: KeyEnter, 76: KeyEnter, 48: KeyTab, 49: KeySpace, 51: KeyBackspace,
	53: KeyEscape, 117: KeyDelete, 114: KeyInsert, 115: KeyHome, 119: KeyEnd,
	116: KeyPageUp, 121: KeyPageDown, 123: KeyLeft, 124: KeyRight,
	125: KeyDown, 126: KeyUp,
}

var darwinFunction = map[uint16]bool{
	122: true, 120: true, 99: true, 118: true, 96: true, 97: true,
	98: true, 100: true, 101: true, 109: true, 103: true, 111: true,
	105: true, 107: true, 113: true, 106: true, 64: true, 79: true, 80: true, 90: true,
}

// darwinANSI maps ANSI keycodes to their unmodified character so chords
// report the base key instead of the composed one.
var darwinANSI = map[uint16]rune{
	0: 'a', 1: 's', 2: 'd', 3: 'f', 4: 'h', 5: 'g', 6: 'z', 7: 'x', 8: 'c', 9: 'v',
	11: 'b', 12: 'q', 13: 'w', 14: 'e', 15: 'r', 16: 'y', 17: 't', 18: '1', 19: '2',
	20: '3', 21: '4', 22: '6', 23: '5', 25: '9', 26: '7', 28: '8', 29: '0', 31: 'o',
	32: 'u', 34: 'i', 35: 'p', 37: 'l', 38: 'j', 40: 'k', 45: 'n', 46: 'm',
}

// darwinToken translates a key-down. chars is the event's UTF-16 text.
func darwinToken(keycode uint16, flags uint64, chars []uint16) Token {
	t := Token{Modifiers: darwinMods(flags)}
	if k, ok := darwinNamed[keycode]; ok {
		t.Key = k
		return t
	}
	if darwinFunction[keycode] {
		t.Key = KeyFunction
		return t
	}
	if t.Modifiers.Control || t.Modifiers.Command {
		if r, ok := darwinANSI[keycode]; ok {
			t.Char = r
			return t
		}
	}
	runes := utf16.Decode(chars)
	if len(runes) == 0 || runes[0] < 0x20 {
		t.Key = KeyOther
		return t
	}
	t.Char = runes[0]
	return t
}

// Stop removes the event tap.
func (d *DarwinSource) Stop() error {
	d.startMu.Lock()
	cancel, done := d.cancel, d.pollDone
	d.cancel = nil
	d.startMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		return errors.New("event tap poller did not exit")
	}
	return nil
}
