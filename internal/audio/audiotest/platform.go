// Package audiotest provides an in-memory audio.Platform for tests and for
// running the capture pipeline without hardware.
package audiotest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/petems/mictap/internal/audio"
)

// Platform is a scriptable audio.Platform
type Platform struct {
	mu         sync.Mutex
	sampleRate int
	devices    []audio.Device
	defaultID  string
	enumErr    error
	openErr    map[string]error
	connectErr error

	// Opens wait on gate while it is non-nil
	gate         chan struct{}
	ignoreCancel bool
	pending      int

	streams   []*Stream
	opened    int
	closed    int
	listeners map[int]chan struct{}
	nextID    int

	toneChunk int
	toneFreq  float64
}

// NewPlatform creates a platform reporting devices and opening streams at sampleRate
func NewPlatform(sampleRate int, devices ...audio.Device) *Platform {
	return &Platform{
		sampleRate: sampleRate,
		devices:    append([]audio.Device(nil), devices...),
		openErr:    make(map[string]error),
		listeners:  make(map[int]chan struct{}),
	}
}

// Input is shorthand for an audio-input device whose label is its id
func Input(id string) audio.Device {
	return audio.Device{ID: id, Label: id, Kind: audio.KindAudioInput}
}

// Output is shorthand for a non-input device
func Output(id string) audio.Device {
	return audio.Device{ID: id, Label: id, Kind: audio.KindOther}
}

// SetDevices replaces the device set and notifies change listeners
func (p *Platform) SetDevices(devices ...audio.Device) {
	p.mu.Lock()
	p.devices = append([]audio.Device(nil), devices...)
	p.mu.Unlock()
	p.NotifyChange()
}

// SetDefault names the device opened for the default selector. Empty means
// the first input device.
func (p *Platform) SetDefault(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultID = id
}

// SetEnumerationError makes Devices fail with err until cleared with nil
func (p *Platform) SetEnumerationError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enumErr = err
}

// FailOpen makes opening id ("" for default) fail with err; nil clears it
func (p *Platform) FailOpen(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.openErr, id)
		return
	}
	p.openErr[id] = err
}

// FailConnect makes every stream opened afterwards refuse Connect
func (p *Platform) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// HoldOpens makes Open block, as if a permission prompt were showing, until
// the returned function is called. With ignoreCancel the held Open also
// ignores context cancellation and resolves only on release.
func (p *Platform) HoldOpens(ignoreCancel bool) (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.gate = gate
	p.ignoreCancel = ignoreCancel

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// Pending returns the number of Open calls currently held
func (p *Platform) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// GenerateTone makes streams opened afterwards produce a sine wave in chunks
// of chunkFrames, paced in real time, until closed.
func (p *Platform) GenerateTone(chunkFrames int, freq float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toneChunk = chunkFrames
	p.toneFreq = freq
}

func (p *Platform) Devices(ctx context.Context) ([]audio.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enumErr != nil {
		return nil, p.enumErr
	}
	return append([]audio.Device(nil), p.devices...), nil
}

func (p *Platform) Open(ctx context.Context, deviceID string) (audio.Stream, error) {
	p.mu.Lock()
	gate, ignoreCancel := p.gate, p.ignoreCancel
	if gate != nil {
		p.pending++
	}
	p.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				p.mu.Lock()
				p.pending--
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.openErr[deviceID]; ok {
		return nil, err
	}

	id := deviceID
	if id == "" {
		id = p.defaultID
		if id == "" {
			for _, d := range p.devices {
				if d.Kind == audio.KindAudioInput {
					id = d.ID
					break
				}
			}
		}
	}
	if !p.hasInputLocked(id) {
		return nil, fmt.Errorf("%w: %q", audio.ErrDeviceUnavailable, deviceID)
	}

	s := &Stream{
		platform:   p,
		deviceID:   id,
		sampleRate: p.sampleRate,
		connectErr: p.connectErr,
		done:       make(chan struct{}),
	}
	p.streams = append(p.streams, s)
	p.opened++

	if p.toneChunk > 0 {
		go s.tone(p.toneChunk, p.toneFreq)
	}
	return s, nil
}

func (p *Platform) hasInputLocked(id string) bool {
	for _, d := range p.devices {
		if d.ID == id && d.Kind == audio.KindAudioInput {
			return true
		}
	}
	return false
}

func (p *Platform) Changes() (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan struct{}, 1)
	p.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.listeners, id)
		})
	}
}

// NotifyChange signals every change listener
func (p *Platform) NotifyChange() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listeners returns the number of registered change listeners
func (p *Platform) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.listeners {
		delete(p.listeners, id)
	}
	return nil
}

// Opened returns how many streams have been opened
func (p *Platform) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Live returns how many opened streams have not been closed
func (p *Platform) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened - p.closed
}

// Streams returns every stream opened so far, oldest first
func (p *Platform) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

// Last returns the most recently opened stream, or nil
func (p *Platform) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

var errClosed = errors.New("stream closed")

// Stream is the audio.Stream opened by Platform
type Stream struct {
	platform   *Platform
	deviceID   string
	sampleRate int
	connectErr error

	mu     sync.Mutex
	fn     audio.ChunkFunc
	closed bool
	done   chan struct{}
}

func (s *Stream) DeviceID() string { return s.deviceID }

func (s *Stream) SampleRate() int { return s.sampleRate }

func (s *Stream) Connect(fn audio.ChunkFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return errClosed
	case s.connectErr != nil:
		return s.connectErr
	case s.fn != nil:
		return errors.New("stream already connected")
	}
	s.fn = fn
	return nil
}

func (s *Stream) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.fn = nil
	close(s.done)
	s.mu.Unlock()

	s.platform.mu.Lock()
	s.platform.closed++
	s.platform.mu.Unlock()
	return nil
}

// Emit pushes samples through the stream as the device callback would. It
// reports whether a connected consumer received them.
func (s *Stream) Emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fn == nil {
		return false
	}
	s.fn(samples)
	return true
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) tone(chunk int, freq float64) {
	buf := make([]float32, chunk)
	period := time.Duration(float64(chunk) / float64(s.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * freq / float64(s.sampleRate)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for i := range buf {
				buf[i] = float32(0.5 * math.Sin(phase))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
			s.Emit(buf)
		}
	}
}
