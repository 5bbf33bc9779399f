//go:build !darwin && !linux

package hotkey

// New reports ErrUnsupported; the tray still toggles capture from its menu
func New() (Manager, error) {
	return nil, ErrUnsupported
}
