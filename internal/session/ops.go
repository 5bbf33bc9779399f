package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/petems/mictap/internal/audio"
)

type opKind int

const (
	opStart opKind = iota
	opSelect
	opFallback
	opStop
)

func (k opKind) String() string {
	switch k {
	case opStart:
		return "start"
	case opSelect:
		return "select"
	case opFallback:
		return "fallback"
	default:
		return "stop"
	}
}

type command struct {
	kind       opKind
	bufferSize int
	sel        audio.Selector
	reason     Reason
	lost       string // fallback only: the device that disappeared

	// nil for internal commands; failures then go to OnError
	done chan error
}

type acquired struct {
	cmd     *command
	attempt uint64
	stream  audio.Stream
	err     error
}

type validated struct {
	cmd     *command
	attempt uint64
	devices []audio.Device
	err     error
}

type deviceChange struct {
	token     uint64
	devices   []audio.Device
	currentID string
}

func (s *Session) enqueue(cmd *command) {
	if cmd.kind == opStop {
		// Stop preempts: abandon the in-flight step and anything queued
		// that would otherwise start capture again.
		if s.inflight != nil {
			s.canceled = true
			if s.cancel != nil {
				s.cancel()
			}
		}
		kept := s.queue[:0]
		for _, q := range s.queue {
			if q.kind == opStop {
				kept = append(kept, q)
				continue
			}
			s.finish(q, fmt.Errorf("%w: superseded by stop", audio.ErrCanceled))
		}
		s.queue = kept
	}
	s.queue = append(s.queue, cmd)
}

// pump runs queued commands while nothing is in flight. Validity is judged
// against the state at the time each command runs.
func (s *Session) pump() {
	for s.inflight == nil && len(s.queue) > 0 {
		cmd := s.queue[0]
		s.queue = s.queue[1:]
		s.process(cmd)
	}
}

func (s *Session) process(cmd *command) {
	switch cmd.kind {
	case opStart:
		if s.state != Idle {
			s.finish(cmd, fmt.Errorf("%w: start while %s", ErrInvalidState, s.state))
			return
		}
		if cmd.bufferSize <= 0 {
			s.finish(cmd, fmt.Errorf("%w: invalid buffer size %d", audio.ErrGraphBuild, cmd.bufferSize))
			return
		}
		s.log.Info().Str("device", cmd.sel.String()).Int("buffer_size", cmd.bufferSize).Msg("Starting capture")
		s.bufferSize = cmd.bufferSize
		s.setSelector(cmd.sel)
		s.subscribe()
		s.setState(Acquiring)
		s.beginAcquire(cmd)

	case opSelect:
		if s.state != Active {
			s.finish(cmd, fmt.Errorf("%w: select device while %s", ErrInvalidState, s.state))
			return
		}
		if cmd.sel.IsDefault() {
			s.rebuild(cmd)
			return
		}
		s.beginValidate(cmd)

	case opFallback:
		// An explicit selection that completed first wins over the fallback
		if s.state != Active || s.selector.ID() != cmd.lost {
			s.log.Debug().Str("lost", cmd.lost).Msg("Fallback no longer needed")
			s.finish(cmd, nil)
			return
		}
		s.log.Warn().Str("device", cmd.lost).Msg("Selected device disappeared, falling back to default")
		s.rebuild(cmd)

	case opStop:
		if s.state == Idle {
			s.finish(cmd, nil)
			return
		}
		s.log.Info().Msg("Stopping capture")
		s.toIdle()
		s.finish(cmd, nil)
	}
}

func (s *Session) beginAcquire(cmd *command) {
	ctx, cancel := context.WithCancel(context.Background())
	s.inflight = cmd
	s.cancel = cancel
	s.canceled = false
	s.attempt++
	attempt := s.attempt
	sel := s.selector

	go func() {
		stream, err := s.acquirer.Acquire(ctx, sel)
		if !s.post(acquired{cmd: cmd, attempt: attempt, stream: stream, err: err}) && stream != nil {
			stream.Close()
		}
	}()
}

func (s *Session) beginValidate(cmd *command) {
	ctx, cancel := context.WithCancel(context.Background())
	s.inflight = cmd
	s.cancel = cancel
	s.canceled = false
	s.attempt++
	attempt := s.attempt

	go func() {
		devices, err := s.catalog.ListInputDevices(ctx)
		s.post(validated{cmd: cmd, attempt: attempt, devices: devices, err: err})
	}()
}

// rebuild swaps the running capture for cmd.sel. The old graph and stream
// are released before the new acquisition starts.
func (s *Session) rebuild(cmd *command) {
	s.log.Info().
		Str("from", s.selector.String()).
		Str("to", cmd.sel.String()).
		Stringer("reason", cmd.reason).
		Msg("Rebuilding capture")
	s.setState(Rebuilding)
	s.releaseCurrent()
	s.setSelector(cmd.sel)
	s.beginAcquire(cmd)
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case acquired:
		s.onAcquired(ev)
	case validated:
		s.onValidated(ev)
	case deviceChange:
		s.onDeviceChange(ev)
	}
}

func (s *Session) endAsync() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) onAcquired(ev acquired) {
	if s.inflight != ev.cmd || ev.attempt != s.attempt {
		if ev.stream != nil {
			ev.stream.Close()
		}
		return
	}
	canceled := s.canceled
	s.endAsync()

	if ev.err == nil && canceled {
		// Resolved after Stop; never wire it
		ev.stream.Close()
		ev.err = fmt.Errorf("%w: stopped during acquisition", audio.ErrCanceled)
	}
	if ev.err != nil {
		s.log.Error().Err(ev.err).Str("device", s.selector.String()).Stringer("op", ev.cmd.kind).Msg("Acquisition failed")
		s.toIdle()
		s.finish(ev.cmd, ev.err)
		return
	}

	s.generation++
	s.liveGen.Store(s.generation)
	graph, err := audio.BuildGraphWithPool(ev.stream, s.sink, s.bufferSize, s.generation, s.poolSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Graph build failed")
		ev.stream.Close()
		s.toIdle()
		s.finish(ev.cmd, err)
		return
	}

	s.stream = ev.stream
	s.graph = graph
	s.setState(Active)
	s.log.Info().
		Str("device", ev.stream.DeviceID()).
		Int("sample_rate", graph.SampleRate()).
		Int("buffer_size", graph.BufferSize()).
		Uint64("generation", graph.Generation()).
		Msg("Capture active")

	if ev.cmd.kind == opSelect || ev.cmd.kind == opFallback {
		sel, reason := s.selector, ev.cmd.reason
		s.notify(func() { s.listener.OnSelectionChanged(sel, reason) })
	}
	s.finish(ev.cmd, nil)
}

func (s *Session) onValidated(ev validated) {
	if s.inflight != ev.cmd || ev.attempt != s.attempt {
		return
	}
	canceled := s.canceled
	s.endAsync()

	switch {
	case canceled:
		s.finish(ev.cmd, fmt.Errorf("%w: stopped during device lookup", audio.ErrCanceled))
	case ev.err != nil:
		s.finish(ev.cmd, ev.err)
	case !audio.Contains(ev.devices, ev.cmd.sel.ID()):
		s.finish(ev.cmd, fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, ev.cmd.sel.ID()))
	case s.state != Active:
		s.finish(ev.cmd, fmt.Errorf("%w: select device while %s", ErrInvalidState, s.state))
	default:
		s.inflight = nil
		s.rebuild(ev.cmd)
	}
}

func (s *Session) onDeviceChange(ev deviceChange) {
	if s.sub == nil || ev.token != s.subToken {
		return
	}
	s.notify(func() { s.listener.OnDeviceListChanged(ev.devices, ev.currentID) })

	if s.state != Active || s.selector.IsDefault() || audio.Contains(ev.devices, s.selector.ID()) {
		return
	}
	lost := s.selector.ID()
	for _, q := range s.queue {
		if q.kind == opFallback && q.lost == lost {
			return
		}
	}
	s.enqueue(&command{kind: opFallback, sel: audio.Default(), reason: ReasonDeviceLost, lost: lost})
}

func (s *Session) finish(cmd *command, err error) {
	if s.inflight == cmd {
		s.inflight = nil
		s.canceled = false
	}
	if cmd.done != nil {
		cmd.done <- err
		return
	}
	if err != nil && !errors.Is(err, audio.ErrCanceled) {
		s.notify(func() { s.listener.OnError(err) })
	}
}
