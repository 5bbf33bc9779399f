// Package hotkey registers system-wide keyboard shortcuts.
package hotkey

import (
	"errors"
	"fmt"
	"strings"
)

// Manager defines the interface for global hotkey management
type Manager interface {
	Register(accel string, callback func(pressed bool)) error
	Unregister(accel string) error
	Close() error
}

var (
	ErrUnsupported   = errors.New("global hotkeys are not supported on this platform")
	ErrInvalidAccel  = errors.New("invalid hotkey")
	ErrNotRegistered = errors.New("hotkey not registered")
)

// Modifier is a bit set of modifier keys
type Modifier uint8

const (
	ModCtrl Modifier = 1 << iota
	ModShift
	ModAlt
	// ModSuper is Cmd on macOS and the Super/Windows key elsewhere
	ModSuper
)

// Accel is a parsed accelerator such as "Ctrl+Alt+M". Key is lower case:
// a letter, a digit, "space" or "f1" to "f12".
type Accel struct {
	Mods Modifier
	Key  string
}

var modifierNames = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"shift":   ModShift,
	"alt":     ModAlt,
	"option":  ModAlt,
	"opt":     ModAlt,
	"cmd":     ModSuper,
	"command": ModSuper,
	"super":   ModSuper,
	"win":     ModSuper,
	"meta":    ModSuper,
}

// Parse reads an accelerator of the form "Mod+Mod+Key". Names are case
// insensitive and at least one modifier is required.
func Parse(accel string) (Accel, error) {
	parts := strings.Split(accel, "+")
	if len(parts) < 2 {
		return Accel{}, fmt.Errorf("%w: %q needs a modifier and a key", ErrInvalidAccel, accel)
	}

	var a Accel
	for _, part := range parts[:len(parts)-1] {
		name := strings.ToLower(strings.TrimSpace(part))
		mod, ok := modifierNames[name]
		if !ok {
			return Accel{}, fmt.Errorf("%w: unknown modifier %q in %q", ErrInvalidAccel, part, accel)
		}
		if a.Mods&mod != 0 {
			return Accel{}, fmt.Errorf("%w: modifier %q repeated in %q", ErrInvalidAccel, part, accel)
		}
		a.Mods |= mod
	}

	key := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	if !validKey(key) {
		return Accel{}, fmt.Errorf("%w: unsupported key %q in %q", ErrInvalidAccel, key, accel)
	}
	a.Key = key
	return a, nil
}

func validKey(key string) bool {
	if key == "space" {
		return true
	}
	if len(key) == 1 {
		c := key[0]
		return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	}
	for i := 1; i <= 12; i++ {
		if key == fmt.Sprintf("f%d", i) {
			return true
		}
	}
	return false
}

// String renders the accelerator in canonical form, e.g. "Ctrl+Alt+M"
func (a Accel) String() string {
	var parts []string
	if a.Mods&ModCtrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if a.Mods&ModShift != 0 {
		parts = append(parts, "Shift")
	}
	if a.Mods&ModAlt != 0 {
		parts = append(parts, "Alt")
	}
	if a.Mods&ModSuper != 0 {
		parts = append(parts, "Super")
	}
	parts = append(parts, strings.ToUpper(a.Key[:1])+a.Key[1:])
	return strings.Join(parts, "+")
}
