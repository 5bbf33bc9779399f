package audio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
)

func TestListInputDevicesFiltersKind(t *testing.T) {
	p := audiotest.NewPlatform(48000,
		audiotest.Output("speakers"),
		audiotest.Input("built-in"),
		audiotest.Output("hdmi"),
		audiotest.Input("usb"),
	)
	c := audio.NewCatalog(p)

	devices, err := c.ListInputDevices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(devices))
	}
	for _, d := range devices {
		if d.Kind != audio.KindAudioInput {
			t.Errorf("unexpected kind %s for %s", d.Kind, d.ID)
		}
	}
	if !audio.Contains(devices, "usb") || audio.Contains(devices, "hdmi") {
		t.Error("Contains reported the wrong membership")
	}
}

func TestListInputDevicesEnumerationError(t *testing.T) {
	p := audiotest.NewPlatform(48000, audiotest.Input("built-in"))
	p.SetEnumerationError(errors.New("permission not granted yet"))
	c := audio.NewCatalog(p)

	_, err := c.ListInputDevices(context.Background())
	if !errors.Is(err, audio.ErrEnumeration) {
		t.Fatalf("expected ErrEnumeration, got %v", err)
	}
}
