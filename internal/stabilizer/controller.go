// Package stabilizer turns the tracked position and velocity into pitch/roll
// tilt commands according to the active stabilization mode.
package stabilizer

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"betafly-ng/internal/pid"
)

// LockTolerance is the per-axis distance (m) within which the position is
// considered locked on target.
const LockTolerance = 0.05

type Config struct {
	GainsX pid.Gains
	GainsY pid.Gains

	IntegralLimit float64

	VelocityDamping          float64
	MaxTilt                  float64
	AltitudeAdaptive         bool
	HighAltitudeDampingBoost float64
}

// Command is a tilt correction in degrees. Positive roll moves +X, positive
// pitch moves +Y.
type Command struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Controller composes velocity damping and position-hold PID.
//
//	Off:             (0,0), nothing evaluated
//	VelocityDamping: damping only
//	PositionHold:    damping + PID toward the target
//
// In PositionHold each term is clamped to ±MaxTilt on its own and the sum is
// not clamped again, so the output may reach 2×MaxTilt.
type Controller struct {
	mu sync.Mutex

	damper Damper
	pidX   *pid.Controller // roll, X axis
	pidY   *pid.Controller // pitch, Y axis

	mode             Mode
	targetX, targetY float64
}

func New(cfg Config) (*Controller, error) {
	if cfg.MaxTilt <= 0 {
		return nil, fmt.Errorf("stabilizer: max tilt must be > 0")
	}
	if cfg.VelocityDamping < 0 {
		return nil, fmt.Errorf("stabilizer: velocity damping must be >= 0")
	}
	c := &Controller{
		damper: Damper{
			Base:             cfg.VelocityDamping,
			MaxCorrection:    cfg.MaxTilt,
			AltitudeAdaptive: cfg.AltitudeAdaptive,
			Boost:            cfg.HighAltitudeDampingBoost,
		},
		pidX: pid.New(cfg.GainsX, -cfg.MaxTilt, cfg.MaxTilt),
		pidY: pid.New(cfg.GainsY, -cfg.MaxTilt, cfg.MaxTilt),
		mode: Off,
	}
	c.pidX.SetIntegralLimit(cfg.IntegralLimit)
	c.pidY.SetIntegralLimit(cfg.IntegralLimit)
	return c, nil
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the mode. An invalid mode is logged and rejected with the
// state unchanged. Entering PositionHold from another mode resets both PID
// controllers; the caller sets the target first (see HoldCurrentPosition).
func (c *Controller) SetMode(m Mode) error {
	if !m.Valid() {
		log.Printf("stabilizer: rejected invalid mode %d", int(m))
		return fmt.Errorf("stabilizer: invalid mode %d", int(m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setModeLocked(m)
	return nil
}

func (c *Controller) setModeLocked(m Mode) {
	prev := c.mode
	c.mode = m
	if m == PositionHold && prev != PositionHold {
		c.pidX.Reset()
		c.pidY.Reset()
	}
	if prev != m {
		log.Printf("stabilizer: mode %s -> %s", prev, m)
	}
}

func (c *Controller) SetTarget(x, y float64) {
	c.mu.Lock()
	c.targetX, c.targetY = x, y
	c.mu.Unlock()
}

func (c *Controller) Target() (x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetX, c.targetY
}

// HoldCurrentPosition targets (x, y) and enters PositionHold. The PID state
// is reset even when already holding, since the hold point moved.
func (c *Controller) HoldCurrentPosition(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetX, c.targetY = x, y
	c.pidX.Reset()
	c.pidY.Reset()
	c.setModeLocked(PositionHold)
	log.Printf("stabilizer: holding position at (%.3f, %.3f)", x, y)
}

// Update computes the tilt command for the current estimate. altitude is
// the height used for adaptive damping; pass NaN when unknown.
func (c *Controller) Update(x, y, vx, vy, altitude float64, now time.Time) Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == Off {
		return Command{}
	}

	h := altitude
	if math.IsNaN(h) {
		h = 0
	}
	var out Command
	out.Pitch, out.Roll = c.damper.Compute(vx, vy, h)

	if c.mode == PositionHold {
		out.Roll += c.pidX.Update(c.targetX, x, now)
		out.Pitch += c.pidY.Update(c.targetY, y, now)
	}
	return out
}

// PositionLocked reports whether both axes are within LockTolerance.
func (c *Controller) PositionLocked(x, y float64) bool {
	ex, ey := c.PositionError(x, y)
	return math.Abs(ex) < LockTolerance && math.Abs(ey) < LockTolerance
}

// PositionError is target minus current, per axis.
func (c *Controller) PositionError(x, y float64) (ex, ey float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetX - x, c.targetY - y
}

// Reset clears both PID states and the target. The mode is kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.pidX.Reset()
	c.pidY.Reset()
	c.targetX, c.targetY = 0, 0
	c.mu.Unlock()
	log.Printf("stabilizer: reset")
}

// PIDState exposes the per-axis PID internals for diagnostics.
func (c *Controller) PIDState() (x, y pid.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pidX.State(), c.pidY.State()
}
