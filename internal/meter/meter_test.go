package meter

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		wantRMS  float64
		wantPeak float32
	}{
		{"empty", nil, 0, 0},
		{"silence", []float32{0, 0, 0, 0}, 0, 0},
		{"constant", []float32{0.5, -0.5, 0.5, -0.5}, 0.5, 0.5},
		{"peak", []float32{0, 0, -1, 0}, 0.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rms, peak := Level(tt.samples)
			if math.Abs(rms-tt.wantRMS) > 1e-9 {
				t.Errorf("expected rms %f, got %f", tt.wantRMS, rms)
			}
			if peak != tt.wantPeak {
				t.Errorf("expected peak %f, got %f", tt.wantPeak, peak)
			}
		})
	}
}

func TestDBFS(t *testing.T) {
	if got := DBFS(1); got != 0 {
		t.Errorf("expected 0 dBFS at full scale, got %f", got)
	}
	if got := DBFS(0.1); math.Abs(got+20) > 1e-9 {
		t.Errorf("expected -20 dBFS, got %f", got)
	}
	if !math.IsInf(DBFS(0), -1) {
		t.Error("expected -Inf for silence")
	}
}

func TestMeterTracksFrames(t *testing.T) {
	m := New(zerolog.Nop(), 2)

	m.OnFrame([]float32{0.5, -0.5}, 48000)
	m.OnFrame([]float32{0.25, -0.25}, 48000)
	m.OnFrame([]float32{1, 0}, 48000)

	if m.Frames() != 3 {
		t.Fatalf("expected 3 frames, got %d", m.Frames())
	}
	_, peak := m.Last()
	if peak != 1 {
		t.Errorf("expected last peak 1, got %f", peak)
	}
}
