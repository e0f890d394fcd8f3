package keystroke

import (
	"errors"
	"testing"
)

func TestTokenClass(t *testing.T) {
	tests := []struct {
		name  string
		token Token
		want  Class
	}{
		{"space", Named(KeySpace), ClassDelimiter},
		{"enter", Named(KeyEnter), ClassDelimiter},
		{"tab", Named(KeyTab), ClassDelimiter},
		{"shift enter", Token{Key: KeyEnter, Modifiers: Modifiers{Shift: true}}, ClassDelimiter},
		{"backspace", Named(KeyBackspace), ClassBackspace},
		{"escape", Named(KeyEscape), ClassEscape},
		{"letter", Char('a'), ClassPrintable},
		{"shifted letter", Token{Char: 'A', Modifiers: Modifiers{Shift: true}}, ClassPrintable},
		{"unicode", Char('é'), ClassPrintable},
		{"ctrl chord", Token{Char: 'c', Modifiers: Modifiers{Control: true}}, ClassOther},
		{"alt chord", Token{Char: 'x', Modifiers: Modifiers{Alt: true}}, ClassOther},
		{"cmd chord", Token{Char: 'v', Modifiers: Modifiers{Command: true}}, ClassOther},
		{"control char", Char('\x03'), ClassOther},
		{"left arrow", Named(KeyLeft), ClassOther},
		{"function key", Named(KeyFunction), ClassOther},
		{"shift key", Named(KeyShift), ClassOther},
		{"delete", Named(KeyDelete), ClassOther},
		{"empty", Token{}, ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.Class(); got != tt.want {
				t.Errorf("Class() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChars(t *testing.T) {
	tokens := Chars("a b\n\tc")
	want := []Token{Char('a'), Named(KeySpace), Char('b'), Named(KeyEnter), Named(KeyTab), Char('c')}

	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %d", len(want), len(tokens))
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token %d: expected %v, got %v", i, want[i], tokens[i])
		}
	}
}

func TestParseKey(t *testing.T) {
	tests := map[string]Key{
		"enter":  KeyEnter,
		"Return": KeyEnter,
		"esc":    KeyEscape,
		"ctrl":   KeyControl,
		"super":  KeyCommand,
		" tab ":  KeyTab,
	}
	for name, want := range tests {
		got, ok := ParseKey(name)
		if !ok || got != want {
			t.Errorf("ParseKey(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}

	if _, ok := ParseKey("none"); ok {
		t.Error("ParseKey should reject none")
	}
	if _, ok := ParseKey("banana"); ok {
		t.Error("ParseKey should reject unknown names")
	}
}

func TestParseChord(t *testing.T) {
	c, err := ParseChord("ctrl+alt+k")
	if err != nil {
		t.Fatalf("ParseChord failed: %v", err)
	}
	if !c.Modifiers.Control || !c.Modifiers.Alt || c.Modifiers.Shift || c.Char != 'k' {
		t.Errorf("unexpected chord: %+v", c)
	}
	if c.String() != "ctrl+alt+k" {
		t.Errorf("String() = %q", c.String())
	}

	c, err = ParseChord("Shift+Cmd+Enter")
	if err != nil {
		t.Fatalf("ParseChord failed: %v", err)
	}
	if c.Key != KeyEnter || !c.Modifiers.Shift || !c.Modifiers.Command {
		t.Errorf("unexpected chord: %+v", c)
	}

	for _, bad := range []string{"", "k", "ctrl+", "ctrl+banana", "foo+k", "ctrl+shift", "capslock+k"} {
		if _, err := ParseChord(bad); !errors.Is(err, ErrInvalidChord) {
			t.Errorf("ParseChord(%q) should fail with ErrInvalidChord, got %v", bad, err)
		}
	}
}

func TestChordMatches(t *testing.T) {
	c, err := ParseChord("ctrl+alt+k")
	if err != nil {
		t.Fatal(err)
	}

	hit := Token{Char: 'k', Modifiers: Modifiers{Control: true, Alt: true}}
	if !c.Matches(hit) {
		t.Error("chord should match ctrl+alt+k")
	}
	hit.Modifiers.CapsLock = true
	hit.Char = 'K'
	if !c.Matches(hit) {
		t.Error("caps lock should be ignored")
	}

	misses := []Token{
		Char('k'),
		{Char: 'k', Modifiers: Modifiers{Control: true}},
		{Char: 'k', Modifiers: Modifiers{Control: true, Alt: true, Shift: true}},
		{Char: 'j', Modifiers: Modifiers{Control: true, Alt: true}},
		{Key: KeyEnter, Modifiers: Modifiers{Control: true, Alt: true}},
	}
	for _, m := range misses {
		if c.Matches(m) {
			t.Errorf("chord should not match %+v", m)
		}
	}
}
