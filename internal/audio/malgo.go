//go:build malgo

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/permissions"
	"github.com/rs/zerolog"
)

// BackendName identifies the capture backend compiled into this binary
const BackendName = config.BackendMalgo

const malgoDefaultSampleRate = 48000

type malgoPlatform struct {
	cfg     config.AudioConfig
	log     zerolog.Logger
	ctx     *malgo.AllocatedContext
	monitor *Monitor

	mu sync.Mutex
}

// New creates a miniaudio-backed Platform
func New(cfg config.AudioConfig, log zerolog.Logger) (Platform, error) {
	l := log.With().Str("backend", BackendName).Logger()
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		l.Debug().Str("miniaudio", message).Msg("Backend message")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}
	p := &malgoPlatform{
		cfg: cfg,
		log: l,
		ctx: mctx,
	}
	p.monitor = NewMonitor(p.Devices, cfg.PollInterval(), p.log)
	return p, nil
}

func (p *malgoPlatform) Devices(ctx context.Context) ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(infos))
	for _, info := range infos {
		result = append(result, Device{
			ID:    info.ID.String(),
			Label: info.Name(),
			Kind:  KindAudioInput,
		})
	}
	return result, nil
}

func (p *malgoPlatform) Open(ctx context.Context, deviceID string) (Stream, error) {
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

	sampleRate := p.cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = malgoDefaultSampleRate
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	if p.cfg.HardwareBuffer > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(p.cfg.HardwareBuffer)
	}

	label := "default"
	if deviceID != "" {
		infos, err := p.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to enumerate devices: %w", ErrDeviceUnavailable, err)
		}
		found := false
		for _, info := range infos {
			if info.ID.String() == deviceID {
				id := info.ID
				deviceConfig.Capture.DeviceID = id.Pointer()
				label = info.Name()
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: device not found: %s", ErrDeviceUnavailable, deviceID)
		}
	}

	s := &malgoStream{
		id:       uuid.NewString(),
		deviceID: deviceID,
		rate:     sampleRate,
		router:   newRouter(1, 4096),
		samples:  make([]float32, 4096),
		platform: p,
	}

	device, err := malgo.InitDevice(p.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.process,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open capture device: %w", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: failed to start capture device: %w", ErrDeviceUnavailable, err)
	}
	s.device = device

	p.log.Info().
		Str("stream", s.id).
		Str("device", label).
		Int("sample_rate", sampleRate).
		Msg("Opened capture stream")
	return s, nil
}

func (p *malgoPlatform) Changes() (<-chan struct{}, func()) {
	return p.monitor.Changes()
}

func (p *malgoPlatform) Close() error {
	p.monitor.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ctx.Uninit()
	p.ctx.Free()
	return err
}

type malgoStream struct {
	*router

	id       string
	deviceID string
	rate     int
	device   *malgo.Device
	platform *malgoPlatform

	// samples is only touched on the device callback thread
	samples []float32

	closeOnce sync.Once
	closeErr  error
}

// process is the miniaudio data callback; input arrives as little-endian f32
func (s *malgoStream) process(_, input []byte, frameCount uint32) {
	n := int(frameCount)
	for n > 0 {
		chunk := n
		if chunk > len(s.samples) {
			chunk = len(s.samples)
		}
		for i := 0; i < chunk; i++ {
			s.samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
		}
		s.route(s.samples[:chunk])
		input = input[chunk*4:]
		n -= chunk
	}
}

func (s *malgoStream) DeviceID() string { return s.deviceID }

func (s *malgoStream) SampleRate() int { return s.rate }

func (s *malgoStream) Connect(fn ChunkFunc) error { return s.connect(fn) }

func (s *malgoStream) Disconnect() { s.disconnect() }

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		s.disconnect()
		if err := s.device.Stop(); err != nil {
			s.closeErr = fmt.Errorf("failed to stop capture device: %w", err)
		}
		s.device.Uninit()
		s.platform.log.Info().Str("stream", s.id).Msg("Released capture stream")
	})
	return s.closeErr
}
