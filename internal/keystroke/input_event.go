package keystroke

import (
	"fmt"
	"strings"
	"unicode"
)

// Key identifies a named (non-character) key. KeyNone marks a character token.
type Key uint8

const (
	KeyNone Key = iota
	KeySpace
	KeyEnter
	KeyTab
	KeyBackspace
	KeyEscape
	KeyDelete // Delete forward
	KeyInsert
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyLeft
	KeyRight
	KeyUp
	KeyDown
	KeyShift
	KeyControl
	KeyAlt
	KeyCommand // macOS Cmd, Windows Win key, Linux Super
	KeyCapsLock
	KeyFunction // F1-F24
	KeyOther
)

var keyNames = map[Key]string{
	KeyNone:      "none",
	KeySpace:     "space",
	KeyEnter:     "enter",
	KeyTab:       "tab",
	KeyBackspace: "backspace",
	KeyEscape:    "escape",
	KeyDelete:    "delete",
	KeyInsert:    "insert",
	KeyHome:      "home",
	KeyEnd:       "end",
	KeyPageUp:    "pageup",
	KeyPageDown:  "pagedown",
	KeyLeft:      "left",
	KeyRight:     "right",
	KeyUp:        "up",
	KeyDown:      "down",
	KeyShift:     "shift",
	KeyControl:   "ctrl",
	KeyAlt:       "alt",
	KeyCommand:   "cmd",
	KeyCapsLock:  "capslock",
	KeyFunction:  "function",
	KeyOther:     "other",
}

var keyAliases = map[string]Key{
	"return":  KeyEnter,
	"esc":     KeyEscape,
	"del":     KeyDelete,
	"control": KeyControl,
	"option":  KeyAlt,
	"meta":    KeyCommand,
	"super":   KeyCommand,
	"win":     KeyCommand,
	"command": KeyCommand,
	"pgup":    KeyPageUp,
	"pgdn":    KeyPageDown,
}

// String returns the lower-case key name.
func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("key(%d)", uint8(k))
}

// ParseKey resolves a key name or alias such as "enter" or "esc".
func ParseKey(name string) (Key, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if k, ok := keyAliases[name]; ok {
		return k, true
	}
	for k, n := range keyNames {
		if n == name && k != KeyNone {
			return k, true
		}
	}
	return KeyNone, false
}

// IsModifier reports whether the key only changes modifier state.
func (k Key) IsModifier() bool {
	switch k {
	case KeyShift, KeyControl, KeyAlt, KeyCommand, KeyCapsLock:
		return true
	}
	return false
}

// Modifiers tracks active modifier keys at the time of a key-down.
type Modifiers struct {
	Shift    bool `json:"shift,omitempty"`
	Control  bool `json:"control,omitempty"`
	Alt      bool `json:"alt,omitempty"`
	Command  bool `json:"command,omitempty"`
	CapsLock bool `json:"caps_lock,omitempty"`
}

// Chorded reports whether a shortcut modifier (Ctrl, Alt or Cmd) is held.
func (m Modifiers) Chorded() bool {
	return m.Control || m.Alt || m.Command
}

// Token is the normalized form of one key-down event.
type Token struct {
	Key       Key       `json:"key,omitempty"`
	Char      rune      `json:"char,omitempty"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
}

// Char returns a character token.
func Char(r rune) Token {
	return Token{Char: r}
}

// Named returns a token for a named key.
func Named(k Key) Token {
	return Token{Key: k}
}

// Chars returns one character token per rune of s. Spaces, newlines and
// tabs become their named keys.
func Chars(s string) []Token {
	tokens := make([]Token, 0, len(s))
	for _, r := range s {
		switch r {
		case ' ':
			tokens = append(tokens, Named(KeySpace))
		case '\n', '\r':
			tokens = append(tokens, Named(KeyEnter))
		case '\t':
			tokens = append(tokens, Named(KeyTab))
		default:
			tokens = append(tokens, Char(r))
		}
	}
	return tokens
}

// String renders the token for logs. Character content is shown as-is.
func (t Token) String() string {
	if t.Key == KeyNone {
		return fmt.Sprintf("%q", t.Char)
	}
	return t.Key.String()
}

// Class groups tokens by how the expansion buffer reacts to them.
type Class int

const (
	ClassOther     Class = iota // arrows, function keys, modifiers, chords: clears the buffer
	ClassDelimiter              // space, enter, tab: triggers matching
	ClassBackspace
	ClassEscape
	ClassPrintable
)

func (c Class) String() string {
	switch c {
	case ClassDelimiter:
		return "delimiter"
	case ClassBackspace:
		return "backspace"
	case ClassEscape:
		return "escape"
	case ClassPrintable:
		return "printable"
	default:
		return "other"
	}
}

// Class classifies the token. A printable rune typed while Ctrl, Alt or Cmd
// is held is a shortcut, not text, and classifies as ClassOther.
func (t Token) Class() Class {
	switch t.Key {
	case KeySpace, KeyEnter, KeyTab:
		return ClassDelimiter
	case KeyBackspace:
		return ClassBackspace
	case KeyEscape:
		return ClassEscape
	case KeyNone:
		if t.Char != 0 && unicode.IsPrint(t.Char) && !t.Modifiers.Chorded() {
			return ClassPrintable
		}
	}
	return ClassOther
}
