package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStallTimeout is how long a connected stream may go without audio
// before its device is treated as unplugged
const DefaultStallTimeout = 2 * time.Second

// StallGuard wraps a Platform whose device list cannot refresh while a
// stream is open. A connected stream that delivers no audio for the timeout
// is taken as unplugged: its device is hidden from Devices and change
// listeners are signalled, so a Watcher reports it gone.
//
// Hidden devices come back once no stream is open, which is when the
// wrapped backend can enumerate again.
type StallGuard struct {
	Platform

	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	streams   map[*guardedStream]struct{}
	lost      map[string]bool
	listeners map[int]chan struct{}
	nextID    int
	cancel    context.CancelFunc
}

// NewStallGuard wraps p. A timeout of zero or less uses DefaultStallTimeout.
func NewStallGuard(p Platform, timeout time.Duration, log zerolog.Logger) *StallGuard {
	if timeout <= 0 {
		timeout = DefaultStallTimeout
	}
	return &StallGuard{
		Platform:  p,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
		streams:   make(map[*guardedStream]struct{}),
		lost:      make(map[string]bool),
		listeners: make(map[int]chan struct{}),
	}
}

func (g *StallGuard) Devices(ctx context.Context) ([]Device, error) {
	devices, err := g.Platform.Devices(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.streams) == 0 {
		clear(g.lost)
		return devices, nil
	}
	if len(g.lost) == 0 {
		return devices, nil
	}
	kept := make([]Device, 0, len(devices))
	for _, d := range devices {
		if !g.lost[d.ID] {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func (g *StallGuard) Open(ctx context.Context, deviceID string) (Stream, error) {
	s, err := g.Platform.Open(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	gs := &guardedStream{Stream: s, guard: g}

	g.mu.Lock()
	g.streams[gs] = struct{}{}
	g.mu.Unlock()
	return gs, nil
}

// Changes forwards the wrapped platform's notifications and adds one
// whenever a stream stalls
func (g *StallGuard) Changes() (<-chan struct{}, func()) {
	inner, releaseInner := g.Platform.Changes()
	ch := make(chan struct{}, 1)

	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = ch
	if g.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancel = cancel
		go g.loop(ctx)
	}
	g.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case _, ok := <-inner:
				if !ok {
					return
				}
				signal(ch)
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseInner()

			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.listeners, id)
			if len(g.listeners) == 0 && g.cancel != nil {
				g.cancel()
				g.cancel = nil
			}
		})
	}
}

func (g *StallGuard) loop(ctx context.Context) {
	interval := g.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check()
		}
	}
}

func (g *StallGuard) check() {
	now := g.now().UnixNano()

	g.mu.Lock()
	defer g.mu.Unlock()

	stalled := false
	for s := range g.streams {
		last := s.last.Load()
		if last == 0 || s.stalled.Load() {
			continue
		}
		silent := time.Duration(now - last)
		if silent < g.timeout {
			continue
		}
		s.stalled.Store(true)
		g.lost[s.DeviceID()] = true
		stalled = true
		g.log.Warn().
			Str("device", s.DeviceID()).
			Dur("silent_for", silent).
			Msg("Capture stream stalled, treating device as unplugged")
	}
	if !stalled {
		return
	}
	for _, ch := range g.listeners {
		signal(ch)
	}
}

func (g *StallGuard) untrack(s *guardedStream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.streams, s)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type guardedStream struct {
	Stream
	guard *StallGuard

	// Unix nanos of the last chunk, 0 while disconnected
	last    atomic.Int64
	stalled atomic.Bool
}

func (s *guardedStream) Connect(fn ChunkFunc) error {
	s.touch()
	err := s.Stream.Connect(func(samples []float32) {
		s.touch()
		fn(samples)
	})
	if err != nil {
		s.last.Store(0)
	}
	return err
}

func (s *guardedStream) Disconnect() {
	s.Stream.Disconnect()
	s.last.Store(0)
}

func (s *guardedStream) Close() error {
	s.last.Store(0)
	s.guard.untrack(s)
	return s.Stream.Close()
}

func (s *guardedStream) touch() {
	s.last.Store(s.guard.now().UnixNano())
}
