package keystroke

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// VirtualKeyboardName is the name of the uinput device used for injection.
// Sources skip it so injected text is never read back as typing.
const VirtualKeyboardName = "keyreplacer virtual keyboard"

// evRepeat is the EV_REP bit; real keyboards advertise autorepeat.
const evRepeat = 1 << 0x14

// InputDevice is one block of /proc/bus/input/devices.
type InputDevice struct {
	Name     string
	Path     string // /dev/input/eventN
	Handlers []string
	EvBits   uint64
}

// IsKeyboard reports whether the device looks like a typing keyboard: it has
// a kbd handler, an event node, and key autorepeat. Power buttons and mice
// fail the last check.
func (d InputDevice) IsKeyboard() bool {
	if d.Path == "" || d.EvBits&(1<<evKeyBit) == 0 || d.EvBits&evRepeat == 0 {
		return false
	}
	for _, h := range d.Handlers {
		if h == "kbd" {
			return true
		}
	}
	return false
}

const evKeyBit = 1

// ParseInputDevices parses the /proc/bus/input/devices format.
func ParseInputDevices(r io.Reader) ([]InputDevice, error) {
	var devices []InputDevice
	var cur InputDevice
	var inBlock bool

	flush := func() {
		if inBlock {
			devices = append(devices, cur)
		}
		cur = InputDevice{}
		inBlock = false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		inBlock = true

		switch {
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			cur.Handlers = strings.Fields(strings.TrimPrefix(line, "H: Handlers="))
			for _, h := range cur.Handlers {
				if strings.HasPrefix(h, "event") {
					cur.Path = "/dev/input/" + h
				}
			}
		case strings.HasPrefix(line, "B: EV="):
			bits, err := strconv.ParseUint(strings.TrimPrefix(line, "B: EV="), 16, 64)
			if err == nil {
				cur.EvBits = bits
			}
		}
	}
	flush()

	return devices, scanner.Err()
}
