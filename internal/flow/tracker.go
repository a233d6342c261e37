// Package flow turns optical-flow motion deltas and altitude into a filtered
// velocity and an integrated horizontal position.
package flow

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"betafly-ng/internal/altitude"
)

// MotionSource yields raw sensor-unit deltas accumulated since the previous
// call, and the surface quality (SQUAL) of the last read.
type MotionSource interface {
	Motion() (dx, dy int32)
	SurfaceQuality() uint8
	Available() bool
}

// Tier parameterizes filtering for heights up to MaxHeight (inclusive).
// The last tier applies to every height above the previous one; its
// compensation grows by CompensationSlope per meter above that boundary.
type Tier struct {
	MaxHeight         float64
	ExtraWindow       int
	Compensation      float64
	CompensationSlope float64
}

func DefaultTiers() []Tier {
	return []Tier{
		{MaxHeight: 5, ExtraWindow: 0, Compensation: 1.00},
		{MaxHeight: 15, ExtraWindow: 2, Compensation: 1.05},
		{MaxHeight: 30, ExtraWindow: 5, Compensation: 1.15},
		{MaxHeight: math.Inf(1), ExtraWindow: 10, Compensation: 1.20, CompensationSlope: 0.01},
	}
}

type Config struct {
	ScaleFactor   float64
	InitialHeight float64
	BaseWindow    int
	MaxAltitude   float64

	QualityThresholdLowAlt  float64
	QualityThresholdHighAlt float64

	Tiers []Tier
}

const (
	minDT = time.Millisecond

	minValidHeight = 0.1

	// Above this height filtering switches to the linear-weighted mean.
	weightedFilterHeight = 10.0
	// Quality threshold interpolation spans 0..qualityRampHeight.
	qualityRampHeight = 30.0

	lowConfidence = 0.6
	warnInterval  = 5 * time.Second
)

// Tracker is updated from the control loop; accessors are safe to call from
// other goroutines.
type Tracker struct {
	cfg    Config
	motion MotionSource
	alt    altitude.Source

	mu sync.RWMutex

	height     float64
	x, y       float64
	vx, vy     float64
	confidence float64
	quality    uint8
	window     int
	comp       float64

	ringX, ringY *Ring

	lastAt   time.Time
	haveLast bool

	highAltWarnAt time.Time
	lowConfWarnAt time.Time
}

// New builds a tracker. alt may be nil, in which case the height only
// changes through SetHeight.
func New(cfg Config, motion MotionSource, alt altitude.Source) (*Tracker, error) {
	if motion == nil {
		return nil, fmt.Errorf("flow: motion source is nil")
	}
	if cfg.ScaleFactor <= 0 {
		return nil, fmt.Errorf("flow: scale factor must be > 0")
	}
	if cfg.BaseWindow < 1 {
		cfg.BaseWindow = 5
	}
	if cfg.InitialHeight <= 0 {
		cfg.InitialHeight = 0.5
	}
	if cfg.MaxAltitude <= 0 {
		cfg.MaxAltitude = 50
	}
	if cfg.QualityThresholdLowAlt <= 0 {
		cfg.QualityThresholdLowAlt = 50
	}
	if cfg.QualityThresholdHighAlt <= 0 {
		cfg.QualityThresholdHighAlt = 30
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	cfg.Tiers = append([]Tier(nil), cfg.Tiers...)
	cfg.Tiers[len(cfg.Tiers)-1].MaxHeight = math.Inf(1)
	for i, tr := range cfg.Tiers {
		if tr.Compensation <= 0 || tr.ExtraWindow < 0 {
			return nil, fmt.Errorf("flow: tier %d is invalid", i)
		}
		if i > 0 && tr.MaxHeight <= cfg.Tiers[i-1].MaxHeight {
			return nil, fmt.Errorf("flow: tier %d max height must be increasing", i)
		}
	}

	t := &Tracker{
		cfg:        cfg,
		motion:     motion,
		alt:        alt,
		height:     cfg.InitialHeight,
		confidence: 1.0,
		window:     cfg.BaseWindow,
		comp:       1.0,
		ringX:      NewRing(cfg.BaseWindow),
		ringY:      NewRing(cfg.BaseWindow),
	}
	return t, nil
}

// tierFor returns the filter window and scale compensation for height h.
func (t *Tracker) tierFor(h float64) (window int, comp float64) {
	lower := 0.0
	for _, tr := range t.cfg.Tiers {
		if h <= tr.MaxHeight {
			comp = tr.Compensation
			if tr.CompensationSlope > 0 && h > lower {
				comp += (h - lower) * tr.CompensationSlope
			}
			return t.cfg.BaseWindow + tr.ExtraWindow, comp
		}
		lower = tr.MaxHeight
	}
	// Unreachable: the last tier is open ended.
	return t.cfg.BaseWindow, 1.0
}

// qualityThreshold interpolates from the low- to the high-altitude
// threshold as height goes from 0 to 30 m.
func (t *Tracker) qualityThreshold(h float64) float64 {
	f := math.Max(0, math.Min(1, h/qualityRampHeight))
	lo, hi := t.cfg.QualityThresholdLowAlt, t.cfg.QualityThresholdHighAlt
	return lo + (hi-lo)*f
}

func altitudeConfidence(h float64) float64 {
	switch {
	case h <= 5:
		return 1.0
	case h <= 15:
		return 0.95
	case h <= 30:
		return 0.85
	default:
		return math.Max(0.5, 0.85-(h-30)*0.01)
	}
}

// Confidence combines surface quality and altitude into [0,1].
func (t *Tracker) confidenceFor(quality uint8, h float64) float64 {
	th := t.qualityThreshold(h)
	qc := 1.0
	if float64(quality) < th {
		qc = math.Max(0.3, float64(quality)/th)
	}
	return qc * altitudeConfidence(h)
}

// Update runs one tracking step and returns the position. A step less than
// 1 ms after the previous one returns the position unchanged. The first
// call only records the time.
func (t *Tracker) Update(now time.Time) (x, y float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haveLast {
		t.lastAt = now
		t.haveLast = true
		return t.x, t.y
	}
	elapsed := now.Sub(t.lastAt)
	if elapsed < minDT {
		return t.x, t.y
	}
	dt := elapsed.Seconds()

	if t.alt != nil {
		if h, ok := t.alt.Altitude(); ok && h > 0 {
			t.height = h
		}
	}
	h := t.height

	window, comp := t.tierFor(h)
	if window != t.window {
		t.ringX.Resize(window)
		t.ringY.Resize(window)
		t.window = window
	}
	t.comp = comp
	if h > 0.9*t.cfg.MaxAltitude && now.Sub(t.highAltWarnAt) >= warnInterval {
		t.highAltWarnAt = now
		log.Printf("flow: height %.1f m is near max altitude %.1f m", h, t.cfg.MaxAltitude)
	}

	var dx, dy int32
	if t.motion.Available() {
		dx, dy = t.motion.Motion()
		t.quality = t.motion.SurfaceQuality()
	} else {
		t.quality = 0
	}

	scale := t.cfg.ScaleFactor * h * comp * t.confidence / dt
	t.ringX.Push(float64(dx) * scale)
	t.ringY.Push(float64(dy) * scale)

	if h <= weightedFilterHeight {
		t.vx, t.vy = t.ringX.Mean(), t.ringY.Mean()
	} else {
		t.vx, t.vy = t.ringX.LinearWeightedMean(), t.ringY.LinearWeightedMean()
	}

	t.x += t.vx * dt
	t.y += t.vy * dt

	t.confidence = t.confidenceFor(t.quality, h)
	if t.confidence < lowConfidence && now.Sub(t.lowConfWarnAt) >= warnInterval {
		t.lowConfWarnAt = now
		log.Printf("flow: low tracking confidence %.2f (squal=%d height=%.1f m)", t.confidence, t.quality, h)
	}

	t.lastAt = now
	return t.x, t.y
}

func (t *Tracker) Position() (x, y float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.x, t.y
}

func (t *Tracker) Velocity() (vx, vy float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.vx, t.vy
}

func (t *Tracker) Height() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}

// SetHeight overrides the height; the altitude source, if any, replaces it
// on the next update that yields a value.
func (t *Tracker) SetHeight(h float64) error {
	if h < minValidHeight || h > t.cfg.MaxAltitude {
		return fmt.Errorf("flow: height %.2f outside [%.1f, %.1f]", h, minValidHeight, t.cfg.MaxAltitude)
	}
	t.mu.Lock()
	t.height = h
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Confidence() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.confidence
}

func (t *Tracker) SurfaceQuality() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.quality
}

// Window is the current filter window size.
func (t *Tracker) Window() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.window
}

// Compensation is the scale compensation applied on the last update.
func (t *Tracker) Compensation() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.comp
}

func (t *Tracker) AltitudeValid() bool {
	h := t.Height()
	return h >= minValidHeight && h <= t.cfg.MaxAltitude
}

func (t *Tracker) MaxAltitude() float64 { return t.cfg.MaxAltitude }

// AltitudeSource is the source given to New; nil when there is none.
func (t *Tracker) AltitudeSource() altitude.Source { return t.alt }

func (t *Tracker) MotionSource() MotionSource { return t.motion }

// Reset zeroes position and velocity and clears the filter history.
// Height and confidence are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.x, t.y = 0, 0
	t.vx, t.vy = 0, 0
	t.ringX.Reset()
	t.ringY.Reset()
	t.mu.Unlock()
	log.Printf("flow: position reset to origin")
}
