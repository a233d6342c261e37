// Package stick reads RC receiver channels and blends pilot stick input with
// the stabilizer output.
package stick

import (
	"sync"
	"time"
)

// Channel indices in the usual mode-2 order.
const (
	ChRoll     = 0
	ChPitch    = 1
	ChThrottle = 2
	ChYaw      = 3
	ChAux1     = 4
	ChAux2     = 5
)

// Pulse widths in microseconds.
const (
	PulseMin    = 1000
	PulseCenter = 1500
	PulseMax    = 2000
)

const DefaultFailsafeTimeout = 1 * time.Second

var nowFn = time.Now

// Positions are normalized stick deflections in [-1, 1].
type Positions struct {
	Roll     float64 `json:"roll"`
	Pitch    float64 `json:"pitch"`
	Throttle float64 `json:"throttle"`
	Yaw      float64 `json:"yaw"`
}

// Source is an RC input. Failsafe reports stale or receiver-flagged input.
type Source interface {
	Sticks() Positions
	Failsafe() bool
	SwitchPosition(channel, positions int) int
}

// Channels is the latest-value cell shared by receiver readers and the
// control loop. It reports failsafe until the first update.
type Channels struct {
	mu         sync.RWMutex
	values     []uint16
	lastUpdate time.Time
	rxFailsafe bool
	timeout    time.Duration
}

func NewChannels(n int, timeout time.Duration) *Channels {
	if n < ChAux1+1 {
		n = ChAux1 + 1
	}
	if timeout <= 0 {
		timeout = DefaultFailsafeTimeout
	}
	v := make([]uint16, n)
	for i := range v {
		v[i] = PulseCenter
	}
	return &Channels{values: v, timeout: timeout}
}

// Set publishes a full frame of pulse widths. Extra values are ignored;
// missing ones keep their previous value. rxFailsafe is the receiver's own
// failsafe flag.
func (c *Channels) Set(values []uint16, at time.Time, rxFailsafe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxFailsafe = rxFailsafe
	if rxFailsafe {
		return
	}
	for i := 0; i < len(c.values) && i < len(values); i++ {
		c.values[i] = clampPulse(int(values[i]))
	}
	c.lastUpdate = at
}

func clampPulse(v int) uint16 {
	if v < PulseMin {
		return PulseMin
	}
	if v > PulseMax {
		return PulseMax
	}
	return uint16(v)
}

// Values returns a copy of the pulse widths.
func (c *Channels) Values() []uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]uint16(nil), c.values...)
}

// Channel returns the pulse width, or center for an unknown channel.
func (c *Channels) Channel(ch int) uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch < 0 || ch >= len(c.values) {
		return PulseCenter
	}
	return c.values[ch]
}

// Normalized maps 1000..2000 us to -1..1.
func (c *Channels) Normalized(ch int) float64 {
	return (float64(c.Channel(ch)) - PulseCenter) / 500.0
}

func (c *Channels) Sticks() Positions {
	return Positions{
		Roll:     c.Normalized(ChRoll),
		Pitch:    c.Normalized(ChPitch),
		Throttle: c.Normalized(ChThrottle),
		Yaw:      c.Normalized(ChYaw),
	}
}

func (c *Channels) Failsafe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rxFailsafe || c.lastUpdate.IsZero() {
		return true
	}
	return nowFn().Sub(c.lastUpdate) > c.timeout
}

func (c *Channels) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// SwitchPosition thresholds a switch channel.
//
//	2 positions: <1400 -> 0, else 1
//	3 positions: <1300 -> 0, >1700 -> 2, else 1
func (c *Channels) SwitchPosition(ch, positions int) int {
	v := c.Channel(ch)
	if positions == 2 {
		if v < 1400 {
			return 0
		}
		return 1
	}
	switch {
	case v < 1300:
		return 0
	case v > 1700:
		return 2
	default:
		return 1
	}
}
