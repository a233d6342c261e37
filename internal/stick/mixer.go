package stick

import (
	"fmt"
	"math"
	"sync"

	"betafly-ng/internal/stabilizer"
)

const DefaultMaxManualAngle = 30.0

// Mixer blends stabilizer output with pilot input. The pilot's authority is
// the larger of |pitch| and |roll| after the deadzone, scaled by the mix
// ratio:
//
//	blend = max(|pitch|, |roll|) * mixRatio
//	out   = (1-blend)*stab + blend*stick*maxManualAngle
type Mixer struct {
	mu             sync.RWMutex
	mixRatio       float64
	deadzone       float64
	maxManualAngle float64
}

func NewMixer(mixRatio, deadzone, maxManualAngle float64) (*Mixer, error) {
	if deadzone < 0 || deadzone >= 1 {
		return nil, fmt.Errorf("stick: deadzone must be in [0,1)")
	}
	if maxManualAngle <= 0 {
		return nil, fmt.Errorf("stick: max manual angle must be > 0")
	}
	m := &Mixer{deadzone: deadzone, maxManualAngle: maxManualAngle}
	m.SetMixRatio(mixRatio)
	return m, nil
}

// SetMixRatio clamps r to [0,1].
func (m *Mixer) SetMixRatio(r float64) {
	if math.IsNaN(r) {
		r = 0
	}
	m.mu.Lock()
	m.mixRatio = math.Max(0, math.Min(1, r))
	m.mu.Unlock()
}

func (m *Mixer) MixRatio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mixRatio
}

// Deadzone zeroes |v| < deadzone and rescales the rest so the output still
// spans [-1, 1].
func (m *Mixer) Deadzone(v float64) float64 {
	m.mu.RLock()
	dz := m.deadzone
	m.mu.RUnlock()
	return applyDeadzone(v, dz)
}

func applyDeadzone(v, dz float64) float64 {
	a := math.Min(math.Abs(v), 1)
	if a < dz {
		return 0
	}
	return math.Copysign((a-dz)/(1-dz), v)
}

// Mix returns the final (pitch, roll) in degrees. In failsafe the pilot
// input is ignored.
func (m *Mixer) Mix(stabPitch, stabRoll float64, p Positions, failsafe bool) (pitch, roll float64) {
	if failsafe {
		return stabPitch, stabRoll
	}
	m.mu.RLock()
	ratio, dz, maxAngle := m.mixRatio, m.deadzone, m.maxManualAngle
	m.mu.RUnlock()

	sp := applyDeadzone(p.Pitch, dz)
	sr := applyDeadzone(p.Roll, dz)
	blend := math.Max(math.Abs(sp), math.Abs(sr)) * ratio

	pitch = (1-blend)*stabPitch + blend*sp*maxAngle
	roll = (1-blend)*stabRoll + blend*sr*maxAngle
	return pitch, roll
}

// ModeSwitch derives the stabilization mode from a 3-position switch:
// low is Off, middle VelocityDamping, high PositionHold.
type ModeSwitch struct {
	Channel int
}

func (s ModeSwitch) Mode(src Source) stabilizer.Mode {
	switch src.SwitchPosition(s.Channel, 3) {
	case 1:
		return stabilizer.VelocityDamping
	case 2:
		return stabilizer.PositionHold
	default:
		return stabilizer.Off
	}
}
