package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petems/mictap/internal/audio"
	"github.com/rs/zerolog"
)

type State int32

const (
	Idle State = iota
	Acquiring
	Active
	Rebuilding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Active:
		return "active"
	case Rebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason says why the selected device changed
type Reason int

const (
	ReasonUser Reason = iota
	ReasonDeviceLost
)

func (r Reason) String() string {
	if r == ReasonDeviceLost {
		return "device-lost"
	}
	return "user"
}

var (
	ErrInvalidState = errors.New("operation not valid in current capture state")
	ErrClosed       = errors.New("capture session closed")
)

// FrameFunc consumes one fixed-size frame. samples is only valid for the
// duration of the call.
type FrameFunc func(samples []float32, sampleRate int)

// Listener receives session notifications in order on a dedicated delivery
// goroutine, the same one that runs FrameFunc. A notification may arrive after
// the call that caused it has returned. Listener methods may call back into
// the session.
type Listener interface {
	OnStateChanged(state State)
	OnDeviceListChanged(devices []audio.Device, currentID string)
	OnSelectionChanged(sel audio.Selector, reason Reason)
	OnError(err error)
}

// NopListener ignores every notification
type NopListener struct{}

func (NopListener) OnStateChanged(State)                        {}
func (NopListener) OnDeviceListChanged([]audio.Device, string) {}
func (NopListener) OnSelectionChanged(audio.Selector, Reason)   {}
func (NopListener) OnError(error)                               {}

type DeviceCatalog interface {
	ListInputDevices(ctx context.Context) ([]audio.Device, error)
}

type StreamAcquirer interface {
	Acquire(ctx context.Context, sel audio.Selector) (audio.Stream, error)
}

type DeviceWatcher interface {
	SetCurrent(current func() string)
	Subscribe(onChange audio.ChangeFunc) *audio.Subscription
	Unsubscribe(sub *audio.Subscription)
}

type Config struct {
	Catalog  DeviceCatalog
	Acquirer StreamAcquirer
	Watcher  DeviceWatcher
	Listener Listener // Optional
	OnFrame  FrameFunc
	// FrameQueue bounds frames waiting for OnFrame; extra frames are dropped.
	FrameQueue int
	Logger     zerolog.Logger
}

// Session is the capture-session state machine. All state is owned by one
// goroutine; public methods post commands to it and wait for the result.
type Session struct {
	catalog  DeviceCatalog
	acquirer StreamAcquirer
	watcher  DeviceWatcher
	listener Listener
	onFrame  FrameFunc
	log      zerolog.Logger

	cmds   chan *command
	events chan any
	frames chan audio.Frame
	quit   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	poolSize  int

	// Notifications waiting for the delivery goroutine
	notifyMu sync.Mutex
	notes    []func()
	wake     chan struct{}

	// Generation of the wired graph, 0 when none; read by the delivery goroutine
	liveGen       atomic.Uint64
	stateMirror   atomic.Int32
	currentMirror atomic.Value // string
	framesDropped atomic.Uint64

	// Owned by the loop goroutine
	state      State
	selector   audio.Selector
	bufferSize int
	stream     audio.Stream
	graph      *audio.Graph
	sub        *audio.Subscription
	subToken   uint64
	generation uint64
	attempt    uint64
	queue      []*command
	inflight   *command
	cancel     context.CancelFunc
	canceled   bool
}

// New creates a session and starts its goroutine. Close releases it.
func New(cfg Config) *Session {
	listener := cfg.Listener
	if listener == nil {
		listener = NopListener{}
	}
	onFrame := cfg.OnFrame
	if onFrame == nil {
		onFrame = func([]float32, int) {}
	}
	queue := cfg.FrameQueue
	if queue <= 0 {
		queue = audio.DefaultPoolSize
	}

	s := &Session{
		catalog:  cfg.Catalog,
		acquirer: cfg.Acquirer,
		watcher:  cfg.Watcher,
		listener: listener,
		onFrame:  onFrame,
		log:      cfg.Logger.With().Str("component", "session").Logger(),
		cmds:     make(chan *command),
		events:   make(chan any),
		frames:   make(chan audio.Frame, queue),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		poolSize: queue + 2,
	}
	s.currentMirror.Store("")
	s.watcher.SetCurrent(s.currentID)

	go s.run()
	go s.deliverLoop()
	return s
}

// Start acquires a stream for sel and wires it to OnFrame in frames of
// bufferSize samples. Valid only from Idle.
func (s *Session) Start(ctx context.Context, bufferSize int, sel audio.Selector) error {
	return s.submit(ctx, &command{kind: opStart, bufferSize: bufferSize, sel: sel})
}

// SelectDevice switches capture to id, or to the system default when id is
// empty. Valid while Active or Rebuilding; an unknown id fails with
// audio.ErrDeviceUnavailable and leaves the running capture untouched.
func (s *Session) SelectDevice(ctx context.Context, id string) error {
	return s.submit(ctx, &command{kind: opSelect, sel: audio.Specific(id), reason: ReasonUser})
}

// Stop tears capture down and returns to Idle. It cancels any acquisition in
// flight and discards queued Start/SelectDevice calls. Stop from Idle is a no-op.
func (s *Session) Stop() {
	if err := s.submit(context.Background(), &command{kind: opStop}); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn().Err(err).Msg("Stop did not complete")
	}
}

// Close stops capture and ends the session goroutine. Notifications already
// queued are still delivered.
func (s *Session) Close() {
	s.Stop()
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.exited
}

// ListInputDevices queries the catalog. It does not touch session state.
func (s *Session) ListInputDevices(ctx context.Context) ([]audio.Device, error) {
	return s.catalog.ListInputDevices(ctx)
}

// State returns the most recently published state
func (s *Session) State() State {
	return State(s.stateMirror.Load())
}

// Selector returns the currently selected device
func (s *Session) Selector() audio.Selector {
	return audio.Specific(s.currentID())
}

// FramesDropped counts frames discarded because OnFrame fell behind
func (s *Session) FramesDropped() uint64 {
	return s.framesDropped.Load()
}

func (s *Session) currentID() string {
	id, _ := s.currentMirror.Load().(string)
	return id
}

func (s *Session) submit(ctx context.Context, cmd *command) error {
	select {
	case <-s.exited:
		return ErrClosed
	default:
	}

	cmd.done = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.exited:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-s.exited:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.exited)

	for {
		select {
		case cmd := <-s.cmds:
			s.enqueue(cmd)
		case ev := <-s.events:
			s.handle(ev)
		case <-s.quit:
			s.shutdown()
			return
		}
		s.pump()
	}
}

// post hands an async result to the loop. It reports false if the session
// has shut down.
func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// notify queues a Listener call for the delivery goroutine. It never blocks,
// so the loop keeps serving commands while callbacks run.
func (s *Session) notify(fn func()) {
	s.notifyMu.Lock()
	s.notes = append(s.notes, fn)
	s.notifyMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliverLoop runs every external callback: Listener notifications and
// OnFrame. It outlives the loop only to flush notifications queued before
// shutdown.
func (s *Session) deliverLoop() {
	for {
		select {
		case <-s.wake:
			s.runNotes()
		case f := <-s.frames:
			s.deliver(f)
		case <-s.exited:
			s.runNotes()
			for {
				select {
				case f := <-s.frames:
					f.Release()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) runNotes() {
	for {
		s.notifyMu.Lock()
		pending := s.notes
		s.notes = nil
		s.notifyMu.Unlock()

		if len(pending) == 0 {
			return
		}
		for _, fn := range pending {
			fn()
		}
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", state).Msg("State change")
	s.state = state
	s.stateMirror.Store(int32(state))
	s.notify(func() { s.listener.OnStateChanged(state) })
}

func (s *Session) setSelector(sel audio.Selector) {
	s.selector = sel
	s.currentMirror.Store(sel.ID())
}

// sink runs on the real-time capture thread and must never block
func (s *Session) sink(f audio.Frame) {
	select {
	case s.frames <- f:
	default:
		f.Release()
		s.framesDropped.Add(1)
	}
}

func (s *Session) deliver(f audio.Frame) {
	defer f.Release()

	// A frame from a torn-down graph carries an older generation
	if f.Generation != s.liveGen.Load() {
		return
	}
	s.onFrame(f.Samples, f.SampleRate)
}

func (s *Session) subscribe() {
	s.subToken++
	token := s.subToken
	s.sub = s.watcher.Subscribe(func(devices []audio.Device, currentID string) {
		s.post(deviceChange{token: token, devices: devices, currentID: currentID})
	})
}

func (s *Session) unsubscribe() {
	if s.sub == nil {
		return
	}
	s.watcher.Unsubscribe(s.sub)
	s.sub = nil
	s.subToken++
}

// releaseCurrent tears the graph down before closing the stream it reads from
func (s *Session) releaseCurrent() {
	s.liveGen.Store(0)
	s.generation++

	if s.graph != nil {
		s.graph.Teardown()
		s.log.Debug().
			Uint64("generation", s.graph.Generation()).
			Uint64("frames", s.graph.Delivered()).
			Uint64("dropped_samples", s.graph.Dropped()).
			Msg("Graph torn down")
		s.graph = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn().Err(err).Str("device", s.stream.DeviceID()).Msg("Failed to release stream")
		}
		s.stream = nil
	}
}

func (s *Session) toIdle() {
	s.releaseCurrent()
	s.unsubscribe()
	s.setState(Idle)
}

func (s *Session) shutdown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.inflight != nil {
		s.finish(s.inflight, ErrClosed)
	}
	for _, cmd := range s.queue {
		s.finish(cmd, ErrClosed)
	}
	s.queue = nil
	s.toIdle()
}
