// Package meter is a frame sink that tracks input level. It stands in for
// real downstream processing and only reads the samples it is handed.
package meter

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// Meter computes RMS and peak per frame and logs a summary every ReportEvery frames
type Meter struct {
	ReportEvery int

	log zerolog.Logger

	mu     sync.Mutex
	frames uint64
	rms    float64
	peak   float32
	sumRMS float64
	maxPk  float32
}

func New(log zerolog.Logger, reportEvery int) *Meter {
	if reportEvery <= 0 {
		reportEvery = 50
	}
	return &Meter{
		ReportEvery: reportEvery,
		log:         log.With().Str("component", "meter").Logger(),
	}
}

// OnFrame matches session.FrameFunc
func (m *Meter) OnFrame(samples []float32, sampleRate int) {
	rms, peak := Level(samples)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.frames++
	m.rms = rms
	m.peak = peak
	m.sumRMS += rms
	if peak > m.maxPk {
		m.maxPk = peak
	}

	if m.frames%uint64(m.ReportEvery) == 0 {
		m.log.Debug().
			Uint64("frames", m.frames).
			Int("sample_rate", sampleRate).
			Int("frame_size", len(samples)).
			Float64("avg_rms_dbfs", DBFS(m.sumRMS/float64(m.ReportEvery))).
			Float64("peak_dbfs", DBFS(float64(m.maxPk))).
			Msg("Input level")
		m.sumRMS = 0
		m.maxPk = 0
	}
}

// Last returns the RMS and peak of the most recent frame
func (m *Meter) Last() (rms float64, peak float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rms, m.peak
}

// Frames returns how many frames the meter has seen
func (m *Meter) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Level returns the RMS and absolute peak of samples
func Level(samples []float32) (rms float64, peak float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

// DBFS converts a linear amplitude to decibels relative to full scale
func DBFS(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(v)
}
