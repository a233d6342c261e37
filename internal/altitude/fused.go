package altitude

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fused combines a fixed set of sources with static weights.
//
// Weights are normalized to sum to 1 at construction. Each read polls every
// source and averages only the ones that produced a value, renormalizing
// their weights. When none produced a value the last fused altitude is
// returned; before the first fusion there is none.
type Fused struct {
	sources []Source
	weights []float64

	mu       sync.Mutex
	last     float64
	haveLast bool

	// scratch buffers reused per read
	vals []float64
	ws   []float64
}

func NewFused(sources []Source, weights []float64) (*Fused, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("altitude: fused source list is empty")
	}
	if len(weights) != len(sources) {
		return nil, fmt.Errorf("altitude: weights length %d does not match sources length %d", len(weights), len(sources))
	}
	for i, s := range sources {
		if s == nil {
			return nil, fmt.Errorf("altitude: source %d is nil", i)
		}
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("altitude: weight %d is invalid (%v)", i, w)
		}
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return nil, fmt.Errorf("altitude: weights sum to zero")
	}

	w := append([]float64(nil), weights...)
	floats.Scale(1/total, w)
	return &Fused{
		sources: append([]Source(nil), sources...),
		weights: w,
		vals:    make([]float64, 0, len(sources)),
		ws:      make([]float64, 0, len(sources)),
	}, nil
}

// Weights returns a copy of the normalized weights.
func (f *Fused) Weights() []float64 {
	return append([]float64(nil), f.weights...)
}

func (f *Fused) Altitude() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vals = f.vals[:0]
	f.ws = f.ws[:0]
	for i, s := range f.sources {
		if !s.Available() {
			continue
		}
		v, ok := s.Altitude()
		if !ok || math.IsNaN(v) {
			continue
		}
		f.vals = append(f.vals, v)
		f.ws = append(f.ws, f.weights[i])
	}

	// Zero-weight producers alone cannot form a weighted mean.
	if len(f.vals) == 0 || floats.Sum(f.ws) <= 0 {
		return f.last, f.haveLast
	}
	f.last = stat.Mean(f.vals, f.ws)
	f.haveLast = true
	return f.last, true
}

// Available reports whether any underlying source is live, independent of
// whether a value was produced on the last read.
func (f *Fused) Available() bool {
	for _, s := range f.sources {
		if s.Available() {
			return true
		}
	}
	return false
}
