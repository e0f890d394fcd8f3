package keystroke

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidChord is returned for hotkey strings that cannot be parsed.
var ErrInvalidChord = errors.New("invalid hotkey")

// Chord is a hotkey such as ctrl+alt+k.
type Chord struct {
	Modifiers Modifiers
	Key       Key
	Char      rune
}

// ParseChord parses "+"-separated hotkey notation. The last element is the
// key: a single character or a key name. The others are modifiers.
func ParseChord(s string) (Chord, error) {
	var c Chord
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return c, fmt.Errorf("%w %q: need at least one modifier and a key", ErrInvalidChord, s)
	}

	for _, p := range parts[:len(parts)-1] {
		k, ok := ParseKey(p)
		if !ok || !k.IsModifier() || k == KeyCapsLock {
			return c, fmt.Errorf("%w %q: unknown modifier %q", ErrInvalidChord, s, p)
		}
		switch k {
		case KeyShift:
			c.Modifiers.Shift = true
		case KeyControl:
			c.Modifiers.Control = true
		case KeyAlt:
			c.Modifiers.Alt = true
		case KeyCommand:
			c.Modifiers.Command = true
		}
	}

	last := strings.TrimSpace(parts[len(parts)-1])
	switch {
	case utf8.RuneCountInString(last) == 1:
		r, _ := utf8.DecodeRuneInString(last)
		c.Char = unicode.ToLower(r)
	default:
		k, ok := ParseKey(last)
		if !ok || k.IsModifier() {
			return c, fmt.Errorf("%w %q: unknown key %q", ErrInvalidChord, s, last)
		}
		c.Key = k
	}
	return c, nil
}

// Matches reports whether the token is this chord. Caps Lock is ignored.
func (c Chord) Matches(t Token) bool {
	m := t.Modifiers
	if m.Shift != c.Modifiers.Shift || m.Control != c.Modifiers.Control ||
		m.Alt != c.Modifiers.Alt || m.Command != c.Modifiers.Command {
		return false
	}
	if c.Key != KeyNone {
		return t.Key == c.Key
	}
	return t.Key == KeyNone && unicode.ToLower(t.Char) == c.Char
}

// IsZero reports whether the chord is unset.
func (c Chord) IsZero() bool {
	return c == Chord{}
}

func (c Chord) String() string {
	var parts []string
	if c.Modifiers.Control {
		parts = append(parts, "ctrl")
	}
	if c.Modifiers.Alt {
		parts = append(parts, "alt")
	}
	if c.Modifiers.Shift {
		parts = append(parts, "shift")
	}
	if c.Modifiers.Command {
		parts = append(parts, "cmd")
	}
	if c.Key != KeyNone {
		parts = append(parts, c.Key.String())
	} else if c.Char != 0 {
		parts = append(parts, string(c.Char))
	}
	return strings.Join(parts, "+")
}
