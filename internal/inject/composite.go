package inject

import (
	"errors"
	"time"

	"keyreplacer/internal/keystroke"
)

// textChecker is implemented by injectors that can only produce some text.
type textChecker interface {
	CanType(text string) bool
}

// Composite presses keys and types what it can through a native injector,
// handing other text to a helper.
type Composite struct {
	native   Injector
	helper   Injector
	platform Platform
}

// NewComposite combines native with helper. helper may be nil.
func NewComposite(native, helper Injector, platform Platform) *Composite {
	return &Composite{native: native, helper: helper, platform: platform}
}

func (c *Composite) Name() string {
	if c.helper == nil {
		return c.native.Name()
	}
	return c.native.Name() + "+" + c.helper.Name()
}

func (c *Composite) Platform() Platform { return c.platform }

func (c *Composite) TypeText(text string, perRune time.Duration) error {
	if tc, ok := c.native.(textChecker); !ok || tc.CanType(text) {
		return c.native.TypeText(text, perRune)
	}
	if c.helper == nil {
		return ErrUnsupportedText
	}
	return c.helper.TypeText(text, perRune)
}

func (c *Composite) PressKey(k keystroke.Key) error {
	err := c.native.PressKey(k)
	if errors.Is(err, ErrUnsupportedKey) && c.helper != nil {
		return c.helper.PressKey(k)
	}
	return err
}

func (c *Composite) Close() error {
	err := c.native.Close()
	if c.helper != nil {
		err = errors.Join(err, c.helper.Close())
	}
	return err
}
