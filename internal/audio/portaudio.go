//go:build !malgo

package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/permissions"
	"github.com/rs/zerolog"
)

// BackendName identifies the capture backend compiled into this binary
const BackendName = config.BackendPortAudio

type portAudioPlatform struct {
	cfg     config.AudioConfig
	log     zerolog.Logger
	monitor *Monitor

	// mu serialises PortAudio calls; Terminate/Initialize must not race Open
	mu   sync.Mutex
	open int
}

// New creates a PortAudio-backed Platform
func New(cfg config.AudioConfig, log zerolog.Logger) (Platform, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p := &portAudioPlatform{
		cfg: cfg,
		log: log.With().Str("backend", BackendName).Logger(),
	}
	p.monitor = NewMonitor(p.Devices, cfg.PollInterval(), p.log)

	// The device list is frozen while a stream is open, so an unplugged
	// device only shows up as a stream that stops delivering audio.
	if cfg.StallTimeoutMS < 0 {
		return p, nil
	}
	return NewStallGuard(p, cfg.StallTimeout(), p.log), nil
}

func (p *portAudioPlatform) Devices(ctx context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// PortAudio snapshots the device list at Initialize; re-initialise so
	// hotplugged devices show up. Only safe with no stream open.
	if p.open == 0 {
		if err := p.reinitLocked(); err != nil {
			return nil, err
		}
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		kind := KindOther
		if d.MaxInputChannels > 0 {
			kind = KindAudioInput
		}
		result = append(result, Device{
			ID:    d.Name,
			Label: d.Name,
			Kind:  kind,
		})
	}
	return result, nil
}

func (p *portAudioPlatform) reinitLocked() error {
	if err := portaudio.Terminate(); err != nil {
		p.log.Debug().Err(err).Msg("PortAudio terminate before refresh failed")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to re-initialize PortAudio: %w", err)
	}
	return nil
}

func (p *portAudioPlatform) Open(ctx context.Context, deviceID string) (Stream, error) {
	// May wait on the system permission prompt
	if err := permissions.RequestMicrophone(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}

	device, err := p.findLocked(deviceID)
	if err != nil {
		return nil, err
	}

	channels := device.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	sampleRate := p.cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = int(device.DefaultSampleRate)
	}
	framesPerBuffer := p.cfg.HardwareBuffer
	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}

	s := &paStream{
		id:       uuid.NewString(),
		deviceID: device.Name,
		rate:     sampleRate,
		router:   newRouter(channels, 4096),
		platform: p,
	}

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, s.process)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open audio stream: %w", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: failed to start audio stream: %w", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	p.open++

	p.log.Info().
		Str("stream", s.id).
		Str("device", s.deviceID).
		Int("sample_rate", sampleRate).
		Int("channels", channels).
		Msg("Opened capture stream")
	return s, nil
}

func (p *portAudioPlatform) findLocked(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %w", ErrDeviceUnavailable, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to enumerate devices: %w", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device not found: %s", ErrDeviceUnavailable, deviceID)
}

func (p *portAudioPlatform) Changes() (<-chan struct{}, func()) {
	return p.monitor.Changes()
}

func (p *portAudioPlatform) Close() error {
	p.monitor.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	return portaudio.Terminate()
}

func (p *portAudioPlatform) released() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open > 0 {
		p.open--
	}
}

type paStream struct {
	*router

	id       string
	deviceID string
	rate     int
	stream   *portaudio.Stream
	platform *portAudioPlatform

	closeOnce sync.Once
	closeErr  error
}

// process is the PortAudio callback
func (s *paStream) process(in []float32) {
	s.route(in)
}

func (s *paStream) DeviceID() string { return s.deviceID }

func (s *paStream) SampleRate() int { return s.rate }

func (s *paStream) Connect(fn ChunkFunc) error { return s.connect(fn) }

func (s *paStream) Disconnect() { s.disconnect() }

func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		s.disconnect()
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("failed to stop audio stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("failed to close audio stream: %w", err)
		}
		s.platform.released()
		s.platform.log.Info().Str("stream", s.id).Str("device", s.deviceID).Msg("Released capture stream")
	})
	return s.closeErr
}
