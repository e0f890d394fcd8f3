//go:build linux

package keystroke

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModifierStateApply(t *testing.T) {
	var s modifierState

	if _, ok := s.apply(EvKeyLeftShift, keyPress); !ok {
		t.Fatal("shift press should emit a token")
	}
	if _, ok := s.apply(EvKeyLeftShift, keyRepeat); ok {
		t.Error("modifier repeat should not emit")
	}

	tok, ok := s.apply(30, keyPress)
	if !ok || tok.Char != 'A' {
		t.Errorf("expected 'A', got %+v", tok)
	}

	s.apply(EvKeyLeftShift, keyRelease)
	tok, _ = s.apply(30, keyRepeat)
	if tok.Char != 'a' {
		t.Errorf("expected 'a' after shift release, got %+v", tok)
	}

	if _, ok := s.apply(30, keyRelease); ok {
		t.Error("release should not emit")
	}
}

func TestModifierStateBothShifts(t *testing.T) {
	var s modifierState
	s.apply(EvKeyLeftShift, keyPress)
	s.apply(EvKeyRightShift, keyPress)
	s.apply(EvKeyLeftShift, keyRelease)

	tok, _ := s.apply(30, keyPress)
	if tok.Char != 'A' {
		t.Errorf("right shift still held, expected 'A', got %+v", tok)
	}
}

func TestModifierStateCapsLock(t *testing.T) {
	var s modifierState

	s.apply(EvKeyCapsLock, keyPress)
	s.apply(EvKeyCapsLock, keyRelease)
	tok, _ := s.apply(30, keyPress)
	if tok.Char != 'A' || !tok.Modifiers.CapsLock {
		t.Errorf("expected caps 'A', got %+v", tok)
	}

	s.apply(EvKeyCapsLock, keyPress)
	tok, _ = s.apply(30, keyPress)
	if tok.Char != 'a' {
		t.Errorf("expected 'a' after toggling caps off, got %+v", tok)
	}
}

func TestModifierStateChord(t *testing.T) {
	var s modifierState
	s.apply(EvKeyLeftCtrl, keyPress)
	s.apply(EvKeyLeftAlt, keyPress)

	tok, _ := s.apply(37, keyPress)
	chord, err := ParseChord("ctrl+alt+k")
	if err != nil {
		t.Fatal(err)
	}
	if !chord.Matches(tok) {
		t.Errorf("expected hotkey match, got %+v", tok)
	}
}

func TestFindKeyboardDevicesSkipsVirtual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices")
	if err := os.WriteFile(path, []byte(sampleDevices), 0600); err != nil {
		t.Fatal(err)
	}
	old := keyboardDevicesFile
	keyboardDevicesFile = path
	defer func() { keyboardDevicesFile = old }()

	devices, err := FindKeyboardDevices()
	if err != nil {
		t.Fatalf("FindKeyboardDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Path != "/dev/input/event3" {
		t.Errorf("unexpected keyboards: %+v", devices)
	}
}
