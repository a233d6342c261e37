// Package altitude provides height-above-ground sources for the flow tracker:
// fixed, barometric, rangefinder, flight-controller telemetry, and a weighted
// fusion of any of them.
package altitude

import (
	"context"
	"sync"
	"time"
)

// Source reports altitude above ground level in meters.
//
// Altitude returns ok=false when no value is available. Neither method may
// block on I/O; background readers publish into a latest-value cell.
type Source interface {
	Altitude() (meters float64, ok bool)
	Available() bool
}

var nowFn = time.Now

// Static is a settable fixed altitude; it is always available.
type Static struct {
	mu     sync.RWMutex
	meters float64
}

func NewStatic(meters float64) *Static {
	return &Static{meters: meters}
}

func (s *Static) Set(meters float64) {
	s.mu.Lock()
	s.meters = meters
	s.mu.Unlock()
}

func (s *Static) Altitude() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meters, true
}

func (s *Static) Available() bool { return true }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
