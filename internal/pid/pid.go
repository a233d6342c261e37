package pid

import "time"

// Gains are the proportional, integral and derivative gains of one axis.
type Gains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// DefaultIntegralLimit bounds the integral accumulator when no limit is given.
const DefaultIntegralLimit = 1.0

// Controller is a single-axis PID controller with anti-windup on the
// integral accumulator and a clamped output.
//
// Not safe for concurrent use.
type Controller struct {
	gains         Gains
	outMin        float64
	outMax        float64
	integralLimit float64

	integral  float64
	prevError float64
	prevAt    time.Time
	havePrev  bool
}

// State is a read-only view of the controller internals.
type State struct {
	Integral  float64
	PrevError float64
	PrevAt    time.Time
	HavePrev  bool
}

func New(g Gains, outMin, outMax float64) *Controller {
	if outMin > outMax {
		outMin, outMax = outMax, outMin
	}
	return &Controller{gains: g, outMin: outMin, outMax: outMax, integralLimit: DefaultIntegralLimit}
}

// SetIntegralLimit sets the symmetric bound of the integral accumulator.
// Non-positive values restore the default.
func (c *Controller) SetIntegralLimit(limit float64) {
	if limit <= 0 {
		limit = DefaultIntegralLimit
	}
	c.integralLimit = limit
	c.integral = clamp(c.integral, -limit, limit)
}

func (c *Controller) SetOutputLimits(min, max float64) {
	if min > max {
		min, max = max, min
	}
	c.outMin = min
	c.outMax = max
}

func (c *Controller) Gains() Gains { return c.gains }

// Update computes the control output for the given setpoint and measurement.
//
// The first call after New or Reset only records the error and timestamp and
// returns 0. A non-positive dt returns 0 and leaves the state untouched.
func (c *Controller) Update(setpoint, measured float64, now time.Time) float64 {
	err := setpoint - measured

	if !c.havePrev {
		c.prevError = err
		c.prevAt = now
		c.havePrev = true
		return 0
	}

	dt := now.Sub(c.prevAt).Seconds()
	if dt <= 0 {
		return 0
	}

	c.integral = clamp(c.integral+err*dt, -c.integralLimit, c.integralLimit)
	derivative := (err - c.prevError) / dt

	out := c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*derivative
	out = clamp(out, c.outMin, c.outMax)

	c.prevError = err
	c.prevAt = now
	return out
}

// Reset clears the accumulated state; the next Update behaves like a first call.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.prevAt = time.Time{}
	c.havePrev = false
}

func (c *Controller) State() State {
	return State{Integral: c.integral, PrevError: c.prevError, PrevAt: c.prevAt, HavePrev: c.havePrev}
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
