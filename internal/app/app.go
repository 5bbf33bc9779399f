package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/session"
	"github.com/rs/zerolog"
)

// Presses closer together than hotkeyDebounce count once
const (
	hotkeyDebounce = 300 * time.Millisecond
	hotkeyTimeout  = 10 * time.Second
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetStarting()
	SetCapturing()
	SetSwitching()
	SetError()
	SetDevices(devices []audio.Device, currentID string)
}

type Config struct {
	Catalog  session.DeviceCatalog
	Acquirer session.StreamAcquirer
	Watcher  session.DeviceWatcher
	OnFrame  session.FrameFunc

	Config        *config.Config
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

// App owns the capture session for the lifetime of the process and keeps the
// saved device preference in step with what the user picks.
type App struct {
	sess   *session.Session
	cfg    *config.Config
	log    zerolog.Logger
	status StatusUpdater

	mu         sync.Mutex
	devices    []audio.Device
	lastErr    error
	lastHotkey time.Time
	debounce   time.Duration
}

func New(cfg Config) *App {
	a := &App{
		cfg:      cfg.Config,
		log:      cfg.Logger.With().Str("component", "app").Logger(),
		status:   cfg.StatusUpdater,
		debounce: hotkeyDebounce,
	}
	a.sess = session.New(session.Config{
		Catalog:    cfg.Catalog,
		Acquirer:   cfg.Acquirer,
		Watcher:    cfg.Watcher,
		Listener:   a,
		OnFrame:    cfg.OnFrame,
		FrameQueue: cfg.Config.AudioSettings().FrameQueue,
		Logger:     cfg.Logger,
	})
	return a
}

// SetStatusUpdater sets the status sink (for circular dependency resolution)
func (a *App) SetStatusUpdater(status StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

func (a *App) statusUpdater() StatusUpdater {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// StartCapture starts capture on the saved device. A saved device that is no
// longer present falls back to the system default.
func (a *App) StartCapture(ctx context.Context) error {
	settings := a.cfg.AudioSettings()
	sel := audio.Specific(settings.DeviceID)
	err := a.sess.Start(ctx, settings.BufferSize, sel)
	if err != nil && errors.Is(err, audio.ErrDeviceUnavailable) && !sel.IsDefault() {
		a.log.Warn().Str("device", sel.ID()).Msg("Saved device unavailable, using system default")
		err = a.sess.Start(ctx, settings.BufferSize, audio.Default())
	}
	if err != nil {
		a.setError(err)
		return err
	}
	a.log.Info().Str("device", a.sess.Selector().String()).Msg("Capture started")
	return nil
}

// StopCapture stops capture. It is a no-op when nothing is running.
func (a *App) StopCapture() {
	a.sess.Stop()
}

// ToggleCapture starts capture from idle and stops it otherwise
func (a *App) ToggleCapture(ctx context.Context) error {
	if a.sess.State() == session.Idle {
		return a.StartCapture(ctx)
	}
	a.StopCapture()
	return nil
}

// OnHotkey toggles capture on key press. It runs on the hotkey event thread,
// so the toggle itself happens on its own goroutine.
func (a *App) OnHotkey(pressed bool) {
	if !pressed {
		return
	}
	a.mu.Lock()
	if time.Since(a.lastHotkey) < a.debounce {
		a.mu.Unlock()
		return
	}
	a.lastHotkey = time.Now()
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hotkeyTimeout)
		defer cancel()
		if err := a.ToggleCapture(ctx); err != nil {
			a.log.Error().Err(err).Msg("Hotkey toggle failed")
		}
	}()
}

// SetDevice records id as the preferred device and switches to it if capture
// is running. The preference is only saved once the switch succeeds.
func (a *App) SetDevice(ctx context.Context, id string) error {
	if a.sess.State() != session.Idle {
		if err := a.sess.SelectDevice(ctx, id); err != nil {
			if !errors.Is(err, audio.ErrCanceled) {
				a.setError(err)
			}
			return fmt.Errorf("switch to %q: %w", id, err)
		}
	} else if id != "" {
		devices, err := a.sess.ListInputDevices(ctx)
		if err != nil {
			return err
		}
		if !audio.Contains(devices, id) {
			return fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, id)
		}
	}

	var old string
	err := a.cfg.Update(func(c *config.Config) {
		old = c.Audio.DeviceID
		c.Audio.DeviceID = id
	})
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to save device preference")
		return err
	}
	a.log.Info().Str("from", old).Str("to", id).Msg("Changed audio device")
	return nil
}

// ListDevices returns the current input devices
func (a *App) ListDevices(ctx context.Context) ([]audio.Device, error) {
	devices, err := a.sess.ListInputDevices(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
	return devices, nil
}

// CurrentDevice returns the id capture is using, or "" for the system default
func (a *App) CurrentDevice() string {
	return a.sess.Selector().ID()
}

func (a *App) State() session.State {
	return a.sess.State()
}

func (a *App) IsCapturing() bool {
	return a.sess.State() == session.Active
}

// LastError returns the most recent failure reported by the session
func (a *App) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// FramesDropped reports frames the sink could not keep up with
func (a *App) FramesDropped() uint64 {
	return a.sess.FramesDropped()
}

func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.sess.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) setError(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	if s := a.statusUpdater(); s != nil {
		s.SetError()
	}
}

// session.Listener

func (a *App) OnStateChanged(state session.State) {
	s := a.statusUpdater()
	if s == nil {
		return
	}
	switch state {
	case session.Idle:
		s.SetIdle()
	case session.Acquiring:
		s.SetStarting()
	case session.Active:
		s.SetCapturing()
	case session.Rebuilding:
		s.SetSwitching()
	}
}

func (a *App) OnDeviceListChanged(devices []audio.Device, currentID string) {
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()

	a.log.Info().Int("devices", len(devices)).Str("current", currentID).Msg("Input devices changed")
	if s := a.statusUpdater(); s != nil {
		s.SetDevices(devices, currentID)
	}
}

func (a *App) OnSelectionChanged(sel audio.Selector, reason session.Reason) {
	// A lost device keeps its saved preference so it is picked again next start
	if reason == session.ReasonDeviceLost {
		a.log.Warn().Str("device", sel.String()).Msg("Capture moved to system default")
		a.mu.Lock()
		devices := a.devices
		a.mu.Unlock()
		if s := a.statusUpdater(); s != nil {
			s.SetDevices(devices, sel.ID())
		}
	}
}

func (a *App) OnError(err error) {
	a.log.Error().Err(err).Msg("Capture error")
	a.setError(err)
}
