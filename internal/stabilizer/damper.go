package stabilizer

// Damper opposes measured velocity with a tilt proportional to it. With
// AltitudeAdaptive set the factor grows with height:
//
//	h <= 15:      base
//	15 < h <= 30: base * (1 + (h-15)/15*boost)
//	h > 30:       base * (1 + boost + (h-30)*0.02)
type Damper struct {
	Base             float64
	MaxCorrection    float64
	AltitudeAdaptive bool
	Boost            float64
}

// Factor returns the damping factor at height h.
func (d Damper) Factor(h float64) float64 {
	if !d.AltitudeAdaptive {
		return d.Base
	}
	switch {
	case h > 30:
		return d.Base * (1 + d.Boost + (h-30)*0.02)
	case h > 15:
		return d.Base * (1 + (h-15)/15*d.Boost)
	default:
		return d.Base
	}
}

// Compute returns (pitch, roll) in degrees. Roll opposes X velocity and
// pitch opposes Y velocity; each is clamped to ±MaxCorrection.
func (d Damper) Compute(vx, vy, h float64) (pitch, roll float64) {
	f := d.Factor(h)
	roll = clamp(-vx*f, -d.MaxCorrection, d.MaxCorrection)
	pitch = clamp(-vy*f, -d.MaxCorrection, d.MaxCorrection)
	return pitch, roll
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
