package keystroke

import "unicode"

// Linux input event codes (linux/input-event-codes.h) for a US layout.
const (
	EvKeyEsc        = 1
	EvKeyBackspace  = 14
	EvKeyTab        = 15
	EvKeyEnter      = 28
	EvKeyLeftCtrl   = 29
	EvKeyLeftShift  = 42
	EvKeyRightShift = 54
	EvKeyLeftAlt    = 56
	EvKeySpace      = 57
	EvKeyCapsLock   = 58
	EvKeyKPEnter    = 96
	EvKeyRightCtrl  = 97
	EvKeyRightAlt   = 100
	EvKeyHome       = 102
	EvKeyUp         = 103
	EvKeyPageUp     = 104
	EvKeyLeft       = 105
	EvKeyRight      = 106
	EvKeyEnd        = 107
	EvKeyDown       = 108
	EvKeyPageDown   = 109
	EvKeyInsert     = 110
	EvKeyDelete     = 111
	EvKeyLeftMeta   = 125
	EvKeyRightMeta  = 126
)

// evdevChars maps printable keys to their unshifted and shifted runes.
var evdevChars = map[uint16][2]rune{
	2: {'1', '!'}, 3: {'2', '@'}, 4: {'3', '#'}, 5: {'4', '$'}, 6: {'5', '%'},
	7: {'6', '^'}, 8: {'7', '&'}, 9: {'8', '*'}, 10: {'9', '('}, 11: {'0', ')'},
	12: {'-', '_'}, 13: {'=', '+'},
	16: {'q', 'Q'}, 17: {'w', 'W'}, 18: {'e', 'E'}, 19: {'r', 'R'}, 20: {'t', 'T'},
	21: {'y', 'Y'}, 22: {'u', 'U'}, 23: {'i', 'I'}, 24: {'o', 'O'}, 25: {'p', 'P'},
	26: {'[', '{'}, 27: {']', '}'},
	30: {'a', 'A'}, 31: {'s', 'S'}, 32: {'d', 'D'}, 33: {'f', 'F'}, 34: {'g', 'G'},
	35: {'h', 'H'}, 36: {'j', 'J'}, 37: {'k', 'K'}, 38: {'l', 'L'},
	39: {';', ':'}, 40: {'\'', '"'}, 41: {'`', '~'}, 43: {'\\', '|'},
	44: {'z', 'Z'}, 45: {'x', 'X'}, 46: {'c', 'C'}, 47: {'v', 'V'}, 48: {'b', 'B'},
	49: {'n', 'N'}, 50: {'m', 'M'},
	51: {',', '<'}, 52: {'.', '>'}, 53: {'/', '?'},
	// keypad, assuming Num Lock on
	55: {'*', '*'}, 71: {'7', '7'}, 72: {'8', '8'}, 73: {'9', '9'}, 74: {'-', '-'},
	75: {'4', '4'}, 76: {'5', '5'}, 77: {'6', '6'}, 78: {'+', '+'},
	79: {'1', '1'}, 80: {'2', '2'}, 81: {'3', '3'}, 82: {'0', '0'}, 83: {'.', '.'},
	98: {'/', '/'},
}

var evdevNamed = map[uint16]Key{
	EvKeyEsc:        KeyEscape,
	EvKeyBackspace:  KeyBackspace,
	EvKeyTab:        KeyTab,
	EvKeyEnter:      KeyEnter,
	EvKeyKPEnter:    KeyEnter,
	EvKeySpace:      KeySpace,
	EvKeyLeftCtrl:   KeyControl,
	EvKeyRightCtrl:  KeyControl,
	EvKeyLeftShift:  KeyShift,
	EvKeyRightShift: KeyShift,
	EvKeyLeftAlt:    KeyAlt,
	EvKeyRightAlt:   KeyAlt,
	EvKeyLeftMeta:   KeyCommand,
	EvKeyRightMeta:  KeyCommand,
	EvKeyCapsLock:   KeyCapsLock,
	EvKeyHome:       KeyHome,
	EvKeyEnd:        KeyEnd,
	EvKeyPageUp:     KeyPageUp,
	EvKeyPageDown:   KeyPageDown,
	EvKeyLeft:       KeyLeft,
	EvKeyRight:      KeyRight,
	EvKeyUp:         KeyUp,
	EvKeyDown:       KeyDown,
	EvKeyInsert:     KeyInsert,
	EvKeyDelete:     KeyDelete,
}

type evdevStroke struct {
	code  uint16
	shift bool
}

// evdevRunes is the reverse of evdevChars.
var evdevRunes = func() map[rune]evdevStroke {
	m := map[rune]evdevStroke{' ': {EvKeySpace, false}}
	// main block only; keypad duplicates never win
	for code := uint16(1); code < EvKeyRightShift; code++ {
		pair, ok := evdevChars[code]
		if !ok {
			continue
		}
		if _, dup := m[pair[0]]; !dup {
			m[pair[0]] = evdevStroke{code, false}
		}
		if _, dup := m[pair[1]]; !dup {
			m[pair[1]] = evdevStroke{code, true}
		}
	}
	return m
}()

func isEvdevFunctionKey(code uint16) bool {
	return (code >= 59 && code <= 68) || code == 87 || code == 88 || (code >= 183 && code <= 194)
}

// EvdevToken translates an evdev key code pressed under mods into a token.
func EvdevToken(code uint16, mods Modifiers) Token {
	t := Token{Modifiers: mods}
	if k, ok := evdevNamed[code]; ok {
		t.Key = k
		return t
	}
	if pair, ok := evdevChars[code]; ok {
		shift := mods.Shift
		if mods.CapsLock && unicode.IsLetter(pair[0]) {
			shift = !shift
		}
		if shift {
			t.Char = pair[1]
		} else {
			t.Char = pair[0]
		}
		return t
	}
	if isEvdevFunctionKey(code) {
		t.Key = KeyFunction
		return t
	}
	t.Key = KeyOther
	return t
}

// EvdevRune returns the key code producing r on a US layout and whether
// Shift must be held.
func EvdevRune(r rune) (code uint16, shift bool, ok bool) {
	e, ok := evdevRunes[r]
	return e.code, e.shift, ok
}

// EvdevKey returns the key code of a named key.
func EvdevKey(k Key) (uint16, bool) {
	switch k {
	case KeySpace:
		return EvKeySpace, true
	case KeyEnter:
		return EvKeyEnter, true
	case KeyTab:
		return EvKeyTab, true
	case KeyBackspace:
		return EvKeyBackspace, true
	case KeyEscape:
		return EvKeyEsc, true
	case KeyDelete:
		return EvKeyDelete, true
	case KeyLeft:
		return EvKeyLeft, true
	case KeyRight:
		return EvKeyRight, true
	case KeyUp:
		return EvKeyUp, true
	case KeyDown:
		return EvKeyDown, true
	case KeyHome:
		return EvKeyHome, true
	case KeyEnd:
		return EvKeyEnd, true
	case KeyShift:
		return EvKeyLeftShift, true
	case KeyControl:
		return EvKeyLeftCtrl, true
	case KeyAlt:
		return EvKeyLeftAlt, true
	}
	return 0, false
}
