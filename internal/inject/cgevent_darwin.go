//go:build darwin

package inject

/*
#cgo LDFLAGS: -framework ApplicationServices

#include <ApplicationServices/ApplicationServices.h>

static int krAccessibilityTrusted(void) {
    return AXIsProcessTrusted() ? 1 : 0;
}

static int krPostUnicode(const UniChar *chars, int n, int64_t marker) {
    CGEventSourceRef src = CGEventSourceCreate(kCGEventSourceStateHIDSystemState);
    CGEventRef down = CGEventCreateKeyboardEvent(src, 0, true);
    CGEventRef up = CGEventCreateKeyboardEvent(src, 0, false);
    if (down == NULL || up == NULL) {
        if (down) CFRelease(down);
        if (up) CFRelease(up);
        if (src) CFRelease(src);
        return -1;
    }
    CGEventKeyboardSetUnicodeString(down, n, chars);
    CGEventKeyboardSetUnicodeString(up, n, chars);
    CGEventSetIntegerValueField(down, kCGEventSourceUserData, marker);
    CGEventSetIntegerValueField(up, kCGEventSourceUserData, marker);
    CGEventPost(kCGHIDEventTap, down);
    CGEventPost(kCGHIDEventTap, up);
    CFRelease(down);
    CFRelease(up);
    if (src) CFRelease(src);
    return 0;
}

static int krPostKey(CGKeyCode code, int64_t marker) {
    CGEventSourceRef src = CGEventSourceCreate(kCGEventSourceStateHIDSystemState);
    CGEventRef down = CGEventCreateKeyboardEvent(src, code, true);
    CGEventRef up = CGEventCreateKeyboardEvent(src, code, false);
    if (down == NULL || up == NULL) {
        if (down) CFRelease(down);
        if (up) CFRelease(up);
        if (src) CFRelease(src);
        return -1;
    }
    CGEventSetIntegerValueField(down, kCGEventSourceUserData, marker);
    CGEventSetIntegerValueField(up, kCGEventSourceUserData, marker);
    CGEventPost(kCGHIDEventTap, down);
    CGEventPost(kCGHIDEventTap, up);
    CFRelease(down);
    CFRelease(up);
    if (src) CFRelease(src);
    return 0;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"keyreplacer/internal/keystroke"
)

var errNotTrusted = errors.New("accessibility permission required")

// CGEvent posts keyboard events tagged with keystroke.InjectMarker so the
// event tap ignores them.
type CGEvent struct{}

// NewCGEvent returns the CGEvent injector when the process is trusted for
// Accessibility.
func NewCGEvent() (*CGEvent, error) {
	if C.krAccessibilityTrusted() != 1 {
		return nil, errNotTrusted
	}
	return &CGEvent{}, nil
}

func (c *CGEvent) Name() string       { return "cgevent" }
func (c *CGEvent) Platform() Platform { return MacOS }
func (c *CGEvent) Close() error       { return nil }

// TypeText posts one event pair per character.
func (c *CGEvent) TypeText(text string, perRune time.Duration) error {
	first := true
	for _, r := range text {
		if !first && perRune > 0 {
			time.Sleep(perRune)
		}
		first = false

		if r == '\n' || r == '\r' {
			if err := c.PressKey(keystroke.KeyEnter); err != nil {
				return err
			}
			continue
		}
		units := utf16.Encode([]rune{r})
		buf := make([]C.UniChar, len(units))
		for i, u := range units {
			buf[i] = C.UniChar(u)
		}
		if C.krPostUnicode(&buf[0], C.int(len(buf)), C.int64_t(keystroke.InjectMarker)) != 0 {
			return fmt.Errorf("CGEventCreateKeyboardEvent failed for %U", r)
		}
	}
	return nil
}

// PressKey taps a virtual key code.
func (c *CGEvent) PressKey(k keystroke.Key) error {
	code, ok := macKeyCodes[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKey, k)
	}
	if C.krPostKey(C.CGKeyCode(code), C.int64_t(keystroke.InjectMarker)) != 0 {
		return fmt.Errorf("CGEventCreateKeyboardEvent failed for %s", k)
	}
	return nil
}
