package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.BufferSize != 1024 {
		t.Errorf("expected default buffer size 1024, got %d", cfg.Audio.BufferSize)
	}
	if cfg.Audio.DeviceID != "" {
		t.Errorf("expected default device, got %q", cfg.Audio.DeviceID)
	}
	if cfg.Path() != path {
		t.Errorf("expected path %s, got %s", path, cfg.Path())
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Audio.DeviceID = "USB Microphone"
	cfg.Audio.BufferSize = 2048
	if err := cfg.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Audio.DeviceID != "USB Microphone" {
		t.Errorf("expected device to persist, got %q", loaded.Audio.DeviceID)
	}
	if loaded.Audio.BufferSize != 2048 {
		t.Errorf("expected buffer size 2048, got %d", loaded.Audio.BufferSize)
	}
}

func TestLoadFileRejectsInvalidBufferSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"audio":{"buffer_size":0}}`), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for zero buffer size")
	}
}

func TestLoadFileFillsQueueAndPollDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"audio":{"buffer_size":512,"frame_queue":0,"poll_interval_ms":-1}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.FrameQueue != 8 {
		t.Errorf("expected frame queue 8, got %d", cfg.Audio.FrameQueue)
	}
	if cfg.Audio.PollInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %s", cfg.Audio.PollInterval())
	}
}

func TestLoadFileStallTimeout(t *testing.T) {
	tests := []struct {
		name string
		json string
		want time.Duration
	}{
		{name: "missing uses default", json: `{"audio":{"buffer_size":512}}`, want: 2 * time.Second},
		{name: "explicit", json: `{"audio":{"buffer_size":512,"stall_timeout_ms":750}}`, want: 750 * time.Millisecond},
		{name: "negative disables", json: `{"audio":{"buffer_size":512,"stall_timeout_ms":-1}}`, want: -time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.json), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := cfg.Audio.StallTimeout(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPlatformHotkey(t *testing.T) {
	cfg := Defaults()
	cfg.Hotkey = "Ctrl+Alt+M"
	cfg.HotkeyDarwin = "Cmd+Shift+M"

	want := cfg.Hotkey
	if runtime.GOOS == "darwin" {
		want = cfg.HotkeyDarwin
	}
	if got := cfg.PlatformHotkey(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	cfg.HotkeyDarwin = ""
	if got := cfg.PlatformHotkey(); got != "Ctrl+Alt+M" {
		t.Errorf("expected fallback to Hotkey, got %s", got)
	}
}

// Menu handlers and the capture session update the same config
func TestUpdateConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			err := cfg.Update(func(c *Config) {
				c.Audio.DeviceID = fmt.Sprintf("mic-%d", i)
			})
			if err != nil {
				t.Errorf("update failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if err := cfg.Update(func(c *Config) { c.AutoStart = !c.AutoStart }); err != nil {
				t.Errorf("update failed: %v", err)
			}
			_ = cfg.AutoStartEnabled()
		}()
	}
	wg.Wait()

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("saved config is unreadable: %v", err)
	}
	if loaded.Audio.DeviceID != cfg.AudioSettings().DeviceID {
		t.Errorf("expected saved device %q, got %q", cfg.AudioSettings().DeviceID, loaded.Audio.DeviceID)
	}
	if loaded.AutoStart != cfg.AutoStartEnabled() {
		t.Errorf("expected saved auto start %v, got %v", cfg.AutoStartEnabled(), loaded.AutoStart)
	}
	// An even number of flips lands back where it started
	if loaded.AutoStart {
		t.Error("expected auto start off after an even number of toggles")
	}
}
