package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/mictap/internal/app"
	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/logging"
	"github.com/rs/zerolog"
)

const actionTimeout = 10 * time.Second

type UI struct {
	app     *app.App
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger

	// Menu items
	mStartStop  *systray.MenuItem
	mDevices    *systray.MenuItem
	mDefault    *systray.MenuItem
	mCopyDevice *systray.MenuItem
	mAutoStart  *systray.MenuItem

	mu      sync.Mutex
	ready   bool
	slots   []*systray.MenuItem
	entries []menuEntry
	current string
	status  string
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetStarting() {
	u.updateStatus("starting")
}

func (u *UI) SetCapturing() {
	u.updateStatus("capturing")
}

func (u *UI) SetSwitching() {
	u.updateStatus("switching")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

// SetDevices rebuilds the Microphone submenu
func (u *UI) SetDevices(devices []audio.Device, currentID string) {
	u.mu.Lock()
	u.entries = deviceMenuEntries(devices, currentID)
	u.current = currentID
	ready := u.ready
	u.mu.Unlock()

	if ready {
		u.renderDevices()
	}
}

func New(application *app.App, cfg *config.Config, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		app:     application,
		cfg:     cfg,
		version: version,
		commit:  commit,
		log:     log.With().Str("component", "tray").Logger(),
		status:  "idle",
	}
}

func (u *UI) Run(ctx context.Context) error {
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	u.mu.Lock()
	status := u.status
	u.mu.Unlock()
	systray.SetTooltip("Microphone capture")

	// Build menu
	u.mStartStop = systray.AddMenuItem(startStopTitle(status), "Start or stop capturing")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.mDefault = u.mDevices.AddSubMenuItemCheckbox("System Default", "Follow the system default input", true)
	u.mCopyDevice = systray.AddMenuItem("Copy Device ID", "Copy the active device id to the clipboard")

	systray.AddSeparator()
	u.mAutoStart = systray.AddMenuItemCheckbox("Capture on Launch", "Start capturing when the app starts", u.cfg.AutoStartEnabled())

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About MicTap")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.mu.Lock()
	u.ready = true
	u.mu.Unlock()

	// Use emoji instead of icon - microphone with initial status
	u.updateStatus(status)

	go u.loadDevices()

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			u.toggleCapture()
		case <-u.mDefault.ClickedCh:
			u.selectDevice("")
		case <-u.mCopyDevice.ClickedCh:
			u.copyDeviceID()
		case <-u.mAutoStart.ClickedCh:
			u.toggleAutoStart()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) loadDevices() {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	devices, err := u.app.ListDevices(ctx)
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}
	current := u.app.CurrentDevice()
	if current == "" {
		current = u.cfg.AudioSettings().DeviceID
	}
	u.SetDevices(devices, current)
}

// renderDevices maps entries onto submenu slots. systray cannot remove items,
// so surplus slots are hidden and reused when devices come back.
func (u *UI) renderDevices() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.current == "" {
		u.mDefault.Check()
	} else {
		u.mDefault.Uncheck()
	}

	for i, e := range u.entries {
		if i == len(u.slots) {
			item := u.mDevices.AddSubMenuItemCheckbox(e.Title, e.ID, false)
			u.slots = append(u.slots, item)
			go u.watchSlot(i, item)
		}
		item := u.slots[i]
		item.SetTitle(e.Title)
		item.SetTooltip(e.ID)
		if e.Checked {
			item.Check()
		} else {
			item.Uncheck()
		}
		item.Show()
	}
	for _, item := range u.slots[len(u.entries):] {
		item.Hide()
	}
}

func (u *UI) watchSlot(i int, item *systray.MenuItem) {
	for range item.ClickedCh {
		u.mu.Lock()
		var id string
		if i < len(u.entries) {
			id = u.entries[i].ID
		}
		u.mu.Unlock()

		if id != "" {
			u.selectDevice(id)
		}
	}
}

func (u *UI) selectDevice(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := u.app.SetDevice(ctx, id); err != nil {
		u.log.Error().Err(err).Str("device", id).Msg("Failed to change audio device")
		return
	}
	u.loadDevices()
}

func (u *UI) toggleCapture() {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := u.app.ToggleCapture(ctx); err != nil {
		u.log.Error().Err(err).Msg("Failed to toggle capture")
	}
}

func (u *UI) copyDeviceID() {
	id := u.app.CurrentDevice()
	if id == "" {
		id = "default"
	}
	if err := clipboard.WriteAll(id); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy device id")
		return
	}
	u.log.Info().Str("device", id).Msg("Copied device id to clipboard")
}

func (u *UI) toggleAutoStart() {
	var enabled bool
	err := u.cfg.Update(func(c *config.Config) {
		c.AutoStart = !c.AutoStart
		enabled = c.AutoStart
	})
	if enabled {
		u.mAutoStart.Check()
		u.log.Info().Msg("Enabled capture on launch")
	} else {
		u.mAutoStart.Uncheck()
		u.log.Info().Msg("Disabled capture on launch")
	}
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to save config")
	}
}

func (u *UI) openLogs() {
	path := logging.LogPath()
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open logs")
		return
	}
	go cmd.Wait()
}

// showAbout logs build details; systray has no dialog of its own
func (u *UI) showAbout() {
	u.log.Info().
		Str("version", u.version).
		Str("commit", u.commit).
		Str("backend", audio.BackendName).
		Str("config", u.cfg.Path()).
		Str("logs", logging.LogPath()).
		Msg("MicTap: microphone capture with device hot-swap")
}

func (u *UI) onExit() {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	if u.app != nil {
		if err := u.app.Shutdown(ctx); err != nil {
			u.log.Error().Err(err).Msg("Shutdown error")
		}
	}
}

// updateStatus sets the tray title with microphone emoji and status indicator
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	u.status = status
	ready := u.ready
	u.mu.Unlock()

	if !ready {
		return
	}
	systray.SetTitle(fmt.Sprintf("🎤 %s", emojiForStatus(status)))
	u.mStartStop.SetTitle(startStopTitle(status))
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - capturing
	case "starting", "switching":
		return "🟡" // Yellow - waiting on a device
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

func startStopTitle(status string) string {
	switch status {
	case "capturing", "starting", "switching":
		return "Stop Capture"
	default:
		return "Start Capture"
	}
}

type menuEntry struct {
	ID      string
	Title   string
	Checked bool
}

// deviceMenuEntries lists devices in menu order. A selected device that has
// disappeared stays listed, marked unavailable, so the user can see why
// capture moved.
func deviceMenuEntries(devices []audio.Device, currentID string) []menuEntry {
	entries := make([]menuEntry, 0, len(devices)+1)
	found := false
	for _, d := range devices {
		title := d.Label
		if title == "" {
			title = d.ID
		}
		checked := d.ID == currentID
		if checked {
			found = true
		}
		entries = append(entries, menuEntry{ID: d.ID, Title: title, Checked: checked})
	}
	if currentID != "" && !found {
		entries = append(entries, menuEntry{ID: currentID, Title: currentID + " (unavailable)"})
	}
	return entries
}
