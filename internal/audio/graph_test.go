package audio_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/audio/audiotest"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []audio.Frame
	copies [][]float32
}

func (r *frameRecorder) sink(f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	r.copies = append(r.copies, append([]float32(nil), f.Samples...))
	f.Release()
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func openStream(t *testing.T, p *audiotest.Platform) *audiotest.Stream {
	t.Helper()
	if _, err := p.Open(context.Background(), ""); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return p.Last()
}

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestGraphReblocksChunksInOrder(t *testing.T) {
	p := audiotest.NewPlatform(48000, audiotest.Input("mic"))
	stream := openStream(t, p)
	rec := &frameRecorder{}

	g, err := audio.BuildGraph(stream, rec.sink, 4, 7)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !g.Wired() {
		t.Fatal("graph should be wired after build")
	}

	// 3 + 6 + 1 samples = 10 samples: two full frames, two left over
	stream.Emit(ramp(0, 3))
	stream.Emit(ramp(3, 6))
	stream.Emit(ramp(9, 1))

	if rec.count() != 2 {
		t.Fatalf("expected 2 frames, got %d", rec.count())
	}
	for i, frame := range rec.copies {
		if len(frame) != 4 {
			t.Fatalf("frame %d: expected 4 samples, got %d", i, len(frame))
		}
		for j, v := range frame {
			if want := float32(i*4 + j); v != want {
				t.Fatalf("frame %d sample %d: expected %f, got %f", i, j, want, v)
			}
		}
	}
	for _, f := range rec.frames {
		if f.SampleRate != 48000 {
			t.Errorf("expected sample rate 48000, got %d", f.SampleRate)
		}
		if f.Generation != 7 {
			t.Errorf("expected generation 7, got %d", f.Generation)
		}
	}
	if g.Delivered() != 2 {
		t.Errorf("expected 2 delivered, got %d", g.Delivered())
	}
}

func TestGraphTeardownIsIdempotentAndStopsDelivery(t *testing.T) {
	p := audiotest.NewPlatform(16000, audiotest.Input("mic"))
	stream := openStream(t, p)
	rec := &frameRecorder{}

	g, err := audio.BuildGraph(stream, rec.sink, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	stream.Emit(ramp(0, 2))
	g.Teardown()
	g.Teardown()

	if g.Wired() {
		t.Error("graph should not be wired after teardown")
	}
	if stream.Connected() {
		t.Error("stream should be disconnected after teardown")
	}
	if stream.Emit(ramp(0, 2)) {
		t.Error("emit after teardown should not reach the graph")
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 frame, got %d", rec.count())
	}

	var nilGraph *audio.Graph
	nilGraph.Teardown()
}

func TestGraphDropsWhenPoolExhausted(t *testing.T) {
	p := audiotest.NewPlatform(16000, audiotest.Input("mic"))
	stream := openStream(t, p)

	var held []audio.Frame
	g, err := audio.BuildGraphWithPool(stream, func(f audio.Frame) { held = append(held, f) }, 2, 1, 2)
	if err != nil {
		t.Fatal(err)
	}

	stream.Emit(ramp(0, 8))

	if len(held) != 2 {
		t.Fatalf("expected 2 frames before exhaustion, got %d", len(held))
	}
	if g.Dropped() != 4 {
		t.Fatalf("expected 4 dropped samples, got %d", g.Dropped())
	}

	for _, f := range held {
		f.Release()
	}
	stream.Emit(ramp(0, 2))
	if len(held) != 3 {
		t.Fatalf("expected delivery to resume after release, got %d frames", len(held))
	}
}

func TestBuildGraphFailures(t *testing.T) {
	p := audiotest.NewPlatform(16000, audiotest.Input("mic"))
	stream := openStream(t, p)
	sink := func(f audio.Frame) { f.Release() }

	if _, err := audio.BuildGraph(stream, sink, 0, 1); !errors.Is(err, audio.ErrGraphBuild) {
		t.Errorf("expected ErrGraphBuild for zero buffer size, got %v", err)
	}
	if _, err := audio.BuildGraph(nil, sink, 16, 1); !errors.Is(err, audio.ErrGraphBuild) {
		t.Errorf("expected ErrGraphBuild for nil stream, got %v", err)
	}
	if _, err := audio.BuildGraph(stream, nil, 16, 1); !errors.Is(err, audio.ErrGraphBuild) {
		t.Errorf("expected ErrGraphBuild for nil sink, got %v", err)
	}

	p.FailConnect(errors.New("node refused"))
	failing := openStream(t, p)
	if _, err := audio.BuildGraph(failing, sink, 16, 1); !errors.Is(err, audio.ErrGraphBuild) {
		t.Errorf("expected ErrGraphBuild for connect failure, got %v", err)
	}
	if failing.Connected() {
		t.Error("failed build must not leave the stream connected")
	}
}
