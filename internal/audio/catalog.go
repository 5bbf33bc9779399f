package audio

import (
	"context"
	"fmt"
)

// Catalog lists input devices known to a platform
type Catalog struct {
	platform Platform
}

func NewCatalog(p Platform) *Catalog {
	return &Catalog{platform: p}
}

// ListInputDevices returns the platform's audio-input devices
func (c *Catalog) ListInputDevices(ctx context.Context) ([]Device, error) {
	all, err := c.platform.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumeration, err)
	}

	inputs := make([]Device, 0, len(all))
	for _, d := range all {
		if d.Kind == KindAudioInput {
			inputs = append(inputs, d)
		}
	}
	return inputs, nil
}

// Contains reports whether id is in devices
func Contains(devices []Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
