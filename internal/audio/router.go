package audio

import (
	"errors"
	"sync"
)

var errAlreadyConnected = errors.New("stream already connected")

// router hands interleaved device callbacks to the connected ChunkFunc as
// mono chunks. Backends embed it in their Stream implementations.
type router struct {
	mu       sync.Mutex
	fn       ChunkFunc
	channels int
	scratch  []float32
}

func newRouter(channels, scratchFrames int) *router {
	if channels <= 0 {
		channels = 1
	}
	if scratchFrames <= 0 {
		scratchFrames = 4096
	}
	return &router{
		channels: channels,
		scratch:  make([]float32, scratchFrames),
	}
}

func (r *router) connect(fn ChunkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fn != nil {
		return errAlreadyConnected
	}
	r.fn = fn
	return nil
}

// disconnect waits for an in-flight route call to finish
func (r *router) disconnect() {
	r.mu.Lock()
	r.fn = nil
	r.mu.Unlock()
}

// route runs on the device callback thread
func (r *router) route(interleaved []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fn == nil {
		return
	}

	frames := len(interleaved) / r.channels
	for frames > 0 {
		n := frames
		if n > len(r.scratch) {
			n = len(r.scratch)
		}
		r.fn(downmixInto(r.scratch, interleaved, r.channels, n))
		interleaved = interleaved[n*r.channels:]
		frames -= n
	}
}
