package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the number of frame buffers preallocated per graph
const DefaultPoolSize = 8

// Frame is one fixed-size buffer of samples produced by a Graph
type Frame struct {
	Samples    []float32
	SampleRate int
	Generation uint64

	pool chan []float32
}

// Release hands the buffer back to its graph. The frame must not be used after.
func (f Frame) Release() {
	if f.pool == nil {
		return
	}
	select {
	case f.pool <- f.Samples[:cap(f.Samples)]:
	default:
	}
}

// SinkFunc receives completed frames on the real-time context. It takes
// ownership of the frame and must eventually Release it.
type SinkFunc func(Frame)

// Graph wires a Stream through a fixed-size framer into a sink
type Graph struct {
	stream     Stream
	sink       SinkFunc
	size       int
	sampleRate int
	generation uint64

	// mu guards the framer state; the platform may call from any thread
	mu      sync.Mutex
	pool    chan []float32
	current []float32
	fill    int
	torn    bool

	wired     atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// BuildGraph connects stream to sink so that sink receives frames of exactly
// bufferSize samples in arrival order. generation tags every frame.
func BuildGraph(stream Stream, sink SinkFunc, bufferSize int, generation uint64) (*Graph, error) {
	return BuildGraphWithPool(stream, sink, bufferSize, generation, DefaultPoolSize)
}

// BuildGraphWithPool is BuildGraph with an explicit number of frame buffers
func BuildGraphWithPool(stream Stream, sink SinkFunc, bufferSize int, generation uint64, poolSize int) (*Graph, error) {
	if stream == nil {
		return nil, fmt.Errorf("%w: no stream", ErrGraphBuild)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: no sink", ErrGraphBuild)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("%w: invalid buffer size %d", ErrGraphBuild, bufferSize)
	}
	if stream.SampleRate() <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrGraphBuild, stream.SampleRate())
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	g := &Graph{
		stream:     stream,
		sink:       sink,
		size:       bufferSize,
		sampleRate: stream.SampleRate(),
		generation: generation,
		pool:       make(chan []float32, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		g.pool <- make([]float32, bufferSize)
	}

	if err := stream.Connect(g.onChunk); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGraphBuild, err)
	}
	g.wired.Store(true)
	return g, nil
}

// onChunk re-blocks hardware chunks into frames of g.size samples
func (g *Graph) onChunk(samples []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.torn {
		return
	}

	for len(samples) > 0 {
		if g.current == nil {
			select {
			case buf := <-g.pool:
				g.current = buf[:g.size]
				g.fill = 0
			default:
				// Sink is lagging; drop rather than allocate
				g.dropped.Add(uint64(len(samples)))
				return
			}
		}

		n := copy(g.current[g.fill:], samples)
		g.fill += n
		samples = samples[n:]

		if g.fill == g.size {
			f := Frame{
				Samples:    g.current,
				SampleRate: g.sampleRate,
				Generation: g.generation,
				pool:       g.pool,
			}
			g.current = nil
			g.fill = 0
			g.delivered.Add(1)
			g.sink(f)
		}
	}
}

// Teardown disconnects the graph from its stream. It is idempotent and must
// run before the stream is closed. After it returns the sink is not called.
func (g *Graph) Teardown() {
	if g == nil {
		return
	}
	g.stream.Disconnect()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.torn {
		return
	}
	g.torn = true
	g.current = nil
	g.wired.Store(false)
}

// Wired reports whether source, framer and sink are all connected
func (g *Graph) Wired() bool {
	return g != nil && g.wired.Load()
}

func (g *Graph) Generation() uint64 {
	return g.generation
}

func (g *Graph) BufferSize() int {
	return g.size
}

func (g *Graph) SampleRate() int {
	return g.sampleRate
}

// Delivered returns the number of frames handed to the sink
func (g *Graph) Delivered() uint64 {
	return g.delivered.Load()
}

// Dropped returns the number of samples discarded because no buffer was free
func (g *Graph) Dropped() uint64 {
	return g.dropped.Load()
}
