// Package sim provides a deterministic optical-flow motion source for bench
// runs without a sensor.
package sim

import (
	"math"
	"sync"
)

// DefaultJitterPeriod is the number of samples in one jitter cycle.
const DefaultJitterPeriod = 50

type MotionConfig struct {
	// DX, DY are the constant drift per sample in sensor units.
	DX, DY int32
	// Jitter is the amplitude of the superimposed figure-eight wobble.
	Jitter  int32
	Quality uint8
	// JitterPeriod is in samples; 0 uses DefaultJitterPeriod.
	JitterPeriod int
}

// Motion replays constant drift plus a deterministic Lissajous jitter:
//
//	x = J*cos(w)
//	y = J/2*sin(2w)
//
// where w advances by 2π/JitterPeriod per sample.
type Motion struct {
	mu        sync.Mutex
	cfg       MotionConfig
	n         uint64
	available bool
}

func NewMotion(cfg MotionConfig) *Motion {
	if cfg.JitterPeriod <= 0 {
		cfg.JitterPeriod = DefaultJitterPeriod
	}
	return &Motion{cfg: cfg, available: true}
}

func (m *Motion) Motion() (dx, dy int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase := float64(m.n%uint64(m.cfg.JitterPeriod)) / float64(m.cfg.JitterPeriod)
	m.n++
	w := 2 * math.Pi * phase
	j := float64(m.cfg.Jitter)
	dx = m.cfg.DX + int32(math.Round(j*math.Cos(w)))
	dy = m.cfg.DY + int32(math.Round(0.5*j*math.Sin(2*w)))
	return dx, dy
}

func (m *Motion) SurfaceQuality() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Quality
}

func (m *Motion) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// SetDrift changes the constant per-sample drift.
func (m *Motion) SetDrift(dx, dy int32) {
	m.mu.Lock()
	m.cfg.DX, m.cfg.DY = dx, dy
	m.mu.Unlock()
}

// SetAvailable simulates the sensor dropping out.
func (m *Motion) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

// Samples is the number of Motion calls so far.
func (m *Motion) Samples() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}
