package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
)

type Config struct {
	LogLevel   string      `json:"log_level"` // "debug", "info", "warn", "error"
	Backend    string      `json:"backend"`   // informational; the backend is chosen at build time
	Audio      AudioConfig `json:"audio"`
	AutoStart  bool        `json:"auto_start"`
	RunAtLogin bool        `json:"run_at_login"`

	Hotkey       string `json:"hotkey"`        // toggles capture; empty disables
	HotkeyDarwin string `json:"hotkey_darwin"` // overrides Hotkey on macOS

	// mu guards fields changed after startup and the file write
	mu   sync.Mutex
	path string
}

type AudioConfig struct {
	DeviceID       string `json:"device_id"`       // empty means system default
	BufferSize     int    `json:"buffer_size"`     // samples per frame
	SampleRate     int    `json:"sample_rate"`     // 0 uses the device's default rate
	HardwareBuffer int    `json:"hardware_buffer"` // 0 lets the backend choose
	FrameQueue     int    `json:"frame_queue"`     // frames in flight between capture and sink
	PollIntervalMS int    `json:"poll_interval_ms"`
	StallTimeoutMS int    `json:"stall_timeout_ms"` // negative disables stall detection
}

// Defaults returns the configuration used when no file exists
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  BackendPortAudio,
		Audio: AudioConfig{
			DeviceID:       "",
			BufferSize:     1024,
			SampleRate:     0,
			HardwareBuffer: 0,
			FrameQueue:     8,
			PollIntervalMS: 500,
			StallTimeoutMS: 2000,
		},
		AutoStart:    false,
		RunAtLogin:   false,
		Hotkey:       "Ctrl+Alt+M",
		HotkeyDarwin: "Cmd+Shift+M",
	}
}

// PlatformHotkey returns the hotkey for the running OS
func (c *Config) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && c.HotkeyDarwin != "" {
		return c.HotkeyDarwin
	}
	return c.Hotkey
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile reads the config at path, falling back to defaults when it is missing
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the capture pipeline cannot run with
func (c *Config) Validate() error {
	if c.Audio.BufferSize <= 0 {
		return fmt.Errorf("audio.buffer_size must be positive, got %d", c.Audio.BufferSize)
	}
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must not be negative, got %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameQueue <= 0 {
		c.Audio.FrameQueue = 8
	}
	if c.Audio.PollIntervalMS <= 0 {
		c.Audio.PollIntervalMS = 500
	}
	if c.Audio.StallTimeoutMS == 0 {
		c.Audio.StallTimeoutMS = 2000
	}
	return nil
}

// PollInterval returns the device polling interval as a duration
func (a AudioConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalMS) * time.Millisecond
}

// StallTimeout returns how long a stream may stay silent before its device
// counts as unplugged
func (a AudioConfig) StallTimeout() time.Duration {
	return time.Duration(a.StallTimeoutMS) * time.Millisecond
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// Update applies fn and saves the result, holding the config lock for both
func (c *Config) Update(fn func(c *Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	return c.saveLocked()
}

// AudioSettings returns a copy of the audio section
func (c *Config) AudioSettings() AudioConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Audio
}

// AutoStartEnabled reports whether capture starts on launch
func (c *Config) AutoStartEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AutoStart
}

func (c *Config) saveLocked() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file this config is saved to
func (c *Config) Path() string {
	if c.path == "" {
		return configPath()
	}
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "mictap", "config.json")
}
