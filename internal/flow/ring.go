package flow

import "gonum.org/v1/gonum/stat"

// Ring is a fixed-capacity buffer of float samples. Push evicts the oldest
// sample when full.
type Ring struct {
	buf   []float64
	start int
	n     int

	// scratch for the weighted mean
	vals []float64
	ws   []float64
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Len() int { return r.n }
func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Values appends the samples oldest first to dst.
func (r *Ring) Values(dst []float64) []float64 {
	for i := 0; i < r.n; i++ {
		dst = append(dst, r.buf[(r.start+i)%len(r.buf)])
	}
	return dst
}

// Resize changes the capacity. Growing keeps every sample; shrinking keeps
// the newest ones.
func (r *Ring) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(r.buf) {
		return
	}
	vals := r.Values(r.vals[:0])
	if len(vals) > capacity {
		vals = vals[len(vals)-capacity:]
	}
	buf := make([]float64, capacity)
	copy(buf, vals)
	r.buf = buf
	r.start = 0
	r.n = len(vals)
	r.vals = vals[:0]
}

func (r *Ring) Reset() {
	r.start = 0
	r.n = 0
}

// Mean is the arithmetic mean, 0 when empty.
func (r *Ring) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	r.vals = r.Values(r.vals[:0])
	return stat.Mean(r.vals, nil)
}

// LinearWeightedMean weights the oldest sample 1 and the newest N.
func (r *Ring) LinearWeightedMean() float64 {
	if r.n == 0 {
		return 0
	}
	r.vals = r.Values(r.vals[:0])
	r.ws = r.ws[:0]
	for i := range r.vals {
		r.ws = append(r.ws, float64(i+1))
	}
	return stat.Mean(r.vals, r.ws)
}
