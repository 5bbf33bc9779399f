package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/session"
	"github.com/rs/zerolog"
)

// Mock implementations for testing
type mockStatus struct {
	mu        sync.Mutex
	calls     map[string]int
	last      string
	devices   []audio.Device
	currentID string
}

func newMockStatus() *mockStatus {
	return &mockStatus{calls: make(map[string]int)}
}

func (m *mockStatus) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
	m.last = name
}

func (m *mockStatus) SetIdle()      { m.record("idle") }
func (m *mockStatus) SetStarting()  { m.record("starting") }
func (m *mockStatus) SetCapturing() { m.record("capturing") }
func (m *mockStatus) SetSwitching() { m.record("switching") }
func (m *mockStatus) SetError()     { m.record("error") }

func (m *mockStatus) SetDevices(devices []audio.Device, currentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["devices"]++
	m.devices = devices
	m.currentID = currentID
}

func (m *mockStatus) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockStatus) lastStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ { // Poll for 2 seconds
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestApp(t *testing.T, deviceID string, devices ...audio.Device) (*App, *audiotest.Platform, *mockStatus, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Audio.DeviceID = deviceID

	platform := audiotest.NewPlatform(48000, devices...)
	catalog := audio.NewCatalog(platform)
	status := newMockStatus()

	a := New(Config{
		Catalog:       catalog,
		Acquirer:      audio.NewAcquirer(platform, catalog, zerolog.Nop()),
		Watcher:       audio.NewWatcher(platform, catalog, nil, zerolog.Nop()),
		Config:        cfg,
		Logger:        zerolog.Nop(),
		StatusUpdater: status,
	})
	t.Cleanup(func() {
		a.Shutdown(context.Background())
	})
	return a, platform, status, path
}

func savedDevice(t *testing.T, path string) string {
	t.Helper()
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("failed to reload config: %v", err)
	}
	return cfg.Audio.DeviceID
}

func TestToggleCapture(t *testing.T) {
	a, platform, status, _ := newTestApp(t, "", audiotest.Input("mic"))

	// Initially not capturing
	if a.IsCapturing() {
		t.Error("App should not be capturing initially")
	}

	if err := a.ToggleCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error starting capture: %v", err)
	}
	if !a.IsCapturing() {
		t.Error("App should be capturing after first toggle")
	}
	if platform.Live() != 1 {
		t.Errorf("expected 1 live stream, got %d", platform.Live())
	}
	waitFor(t, "capturing status", func() bool { return status.count("capturing") == 1 })

	if err := a.ToggleCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error stopping capture: %v", err)
	}
	if a.IsCapturing() {
		t.Error("App should have stopped capturing after second toggle")
	}
	if platform.Live() != 0 {
		t.Errorf("expected stream released, %d still live", platform.Live())
	}
	waitFor(t, "idle status", func() bool { return status.lastStatus() == "idle" })
}

func TestStartFallsBackWhenSavedDeviceMissing(t *testing.T) {
	a, platform, _, _ := newTestApp(t, "gone", audiotest.Input("mic"))

	if err := a.StartCapture(context.Background()); err != nil {
		t.Fatalf("expected fallback to default, got %v", err)
	}
	if a.CurrentDevice() != "" {
		t.Errorf("expected system default, got %q", a.CurrentDevice())
	}
	if got := platform.Last().DeviceID(); got != "mic" {
		t.Errorf("expected default stream on mic, got %q", got)
	}
}

func TestStartFailureReportsError(t *testing.T) {
	a, platform, status, _ := newTestApp(t, "", audiotest.Input("mic"))
	platform.FailOpen("", audio.ErrPermissionDenied)

	err := a.StartCapture(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !errors.Is(a.LastError(), audio.ErrPermissionDenied) {
		t.Errorf("expected last error to be recorded, got %v", a.LastError())
	}
	if status.count("error") == 0 {
		t.Error("expected error status")
	}
}

func TestSetDeviceWhileCapturingPersists(t *testing.T) {
	a, platform, _, path := newTestApp(t, "", audiotest.Input("mic"), audiotest.Input("usb"))

	if err := a.StartCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.SetDevice(context.Background(), "usb"); err != nil {
		t.Fatalf("unexpected error switching device: %v", err)
	}

	if got := platform.Last().DeviceID(); got != "usb" {
		t.Errorf("expected capture on usb, got %q", got)
	}
	if platform.Live() != 1 {
		t.Errorf("expected exactly 1 live stream, got %d", platform.Live())
	}
	if got := savedDevice(t, path); got != "usb" {
		t.Errorf("expected usb saved, got %q", got)
	}
}

func TestSetDeviceWhileIdleOnlySaves(t *testing.T) {
	a, platform, _, path := newTestApp(t, "", audiotest.Input("mic"), audiotest.Input("usb"))

	if err := a.SetDevice(context.Background(), "usb"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if platform.Opened() != 0 {
		t.Errorf("expected no stream opened while idle, got %d", platform.Opened())
	}
	if got := savedDevice(t, path); got != "usb" {
		t.Errorf("expected usb saved, got %q", got)
	}
}

func TestSetUnknownDeviceKeepsPreference(t *testing.T) {
	tests := []struct {
		name  string
		start bool
	}{
		{name: "idle", start: false},
		{name: "capturing", start: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, platform, _, path := newTestApp(t, "mic", audiotest.Input("mic"))
			if err := a.cfg.Save(); err != nil {
				t.Fatalf("failed to save config: %v", err)
			}
			if tt.start {
				if err := a.StartCapture(context.Background()); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			err := a.SetDevice(context.Background(), "nope")
			if !errors.Is(err, audio.ErrDeviceUnavailable) {
				t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
			}
			if got := savedDevice(t, path); got != "mic" {
				t.Errorf("expected preference unchanged, got %q", got)
			}
			if tt.start && !a.IsCapturing() {
				t.Error("expected capture to keep running")
			}
			if tt.start && platform.Live() != 1 {
				t.Errorf("expected 1 live stream, got %d", platform.Live())
			}
		})
	}
}

func TestDeviceLostKeepsPreference(t *testing.T) {
	a, platform, status, path := newTestApp(t, "usb", audiotest.Input("mic"), audiotest.Input("usb"))
	if err := a.cfg.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	if err := a.StartCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CurrentDevice() != "usb" {
		t.Fatalf("expected capture on usb, got %q", a.CurrentDevice())
	}

	platform.SetDevices(audiotest.Input("mic"))

	waitFor(t, "fallback to default", func() bool {
		return a.IsCapturing() && a.CurrentDevice() == ""
	})
	waitFor(t, "device list update", func() bool { return status.count("devices") > 0 })

	if got := savedDevice(t, path); got != "usb" {
		t.Errorf("expected saved preference usb, got %q", got)
	}
	if got := platform.Last().DeviceID(); got != "mic" {
		t.Errorf("expected capture on mic, got %q", got)
	}
}

func TestShutdownReleasesCapture(t *testing.T) {
	a, platform, _, _ := newTestApp(t, "", audiotest.Input("mic"))

	if err := a.StartCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if platform.Live() != 0 {
		t.Errorf("expected no live streams after shutdown, got %d", platform.Live())
	}
	if platform.Listeners() != 0 {
		t.Errorf("expected no change listeners after shutdown, got %d", platform.Listeners())
	}
}

func TestOnHotkeyTogglesCapture(t *testing.T) {
	a, platform, _, _ := newTestApp(t, "", audiotest.Input("mic"))

	a.OnHotkey(false)
	time.Sleep(50 * time.Millisecond)
	if a.IsCapturing() {
		t.Fatal("key release should not toggle capture")
	}

	a.OnHotkey(true)
	waitFor(t, "capture after hotkey", a.IsCapturing)

	// Key repeat inside the debounce window is ignored
	a.OnHotkey(true)
	time.Sleep(50 * time.Millisecond)
	if !a.IsCapturing() {
		t.Fatal("repeated press inside the debounce window stopped capture")
	}

	a.mu.Lock()
	a.debounce = 0
	a.mu.Unlock()
	a.OnHotkey(true)
	waitFor(t, "stop after second press", func() bool {
		return a.State() == session.Idle && platform.Live() == 0
	})
}

// A device that goes silent behind a frozen device list is treated as
// unplugged and capture falls back to the default input.
func TestStalledDeviceFallsBackToDefault(t *testing.T) {
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Audio.DeviceID = "usb"

	platform := audiotest.NewPlatform(48000, audiotest.Input("mic"), audiotest.Input("usb"))
	guard := audio.NewStallGuard(platform, 50*time.Millisecond, zerolog.Nop())
	catalog := audio.NewCatalog(guard)
	a := New(Config{
		Catalog:  catalog,
		Acquirer: audio.NewAcquirer(guard, catalog, zerolog.Nop()),
		Watcher:  audio.NewWatcher(guard, catalog, nil, zerolog.Nop()),
		Config:   cfg,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { a.Shutdown(context.Background()) })

	if err := a.StartCapture(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CurrentDevice() != "usb" {
		t.Fatalf("expected capture on usb, got %q", a.CurrentDevice())
	}

	// The usb stream never delivers audio
	waitFor(t, "fallback to default", func() bool {
		return a.IsCapturing() && a.CurrentDevice() == ""
	})
	if got := platform.Last().DeviceID(); got != "mic" {
		t.Errorf("expected capture on mic, got %q", got)
	}
	if platform.Live() != 1 {
		t.Errorf("expected the stalled stream released, %d live", platform.Live())
	}
	if got := cfg.AudioSettings().DeviceID; got != "usb" {
		t.Errorf("expected the usb preference kept, got %q", got)
	}
}

// Device changes and menu toggles write the same config file
func TestSetDeviceConcurrentWithConfigUpdates(t *testing.T) {
	a, _, _, path := newTestApp(t, "", audiotest.Input("mic"), audiotest.Input("usb"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if err := a.SetDevice(context.Background(), id); err != nil {
				t.Errorf("set device failed: %v", err)
			}
		}([]string{"mic", "usb"}[i%2])
		go func() {
			defer wg.Done()
			if err := a.cfg.Update(func(c *config.Config) { c.AutoStart = !c.AutoStart }); err != nil {
				t.Errorf("update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got, want := savedDevice(t, path), a.cfg.AudioSettings().DeviceID; got != want {
		t.Errorf("expected saved device %q, got %q", want, got)
	}
}
