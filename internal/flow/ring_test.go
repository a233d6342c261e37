package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_PushEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for _, v := range []float64{1, 2, 3, 4} {
		r.Push(v)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{2, 3, 4}, r.Values(nil))
	assert.InDelta(t, 3, r.Mean(), 1e-12)
}

func TestRing_ResizeGrowKeepsEntries(t *testing.T) {
	r := NewRing(3)
	for _, v := range []float64{1, 2, 3, 4} {
		r.Push(v)
	}
	r.Resize(5)
	assert.Equal(t, 5, r.Cap())
	assert.Equal(t, []float64{2, 3, 4}, r.Values(nil))

	r.Push(5)
	r.Push(6)
	r.Push(7)
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, r.Values(nil))
}

func TestRing_ResizeShrinkDropsOldest(t *testing.T) {
	r := NewRing(5)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Push(v)
	}
	r.Resize(2)
	assert.Equal(t, []float64{4, 5}, r.Values(nil))
	r.Push(6)
	assert.Equal(t, []float64{5, 6}, r.Values(nil))
}

func TestRing_LinearWeightedMean(t *testing.T) {
	r := NewRing(4)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	// (1*1 + 2*2 + 3*3) / (1+2+3)
	assert.InDelta(t, 14.0/6.0, r.LinearWeightedMean(), 1e-12)
}

func TestRing_EmptyMeans(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, 1, r.Cap())
	assert.Zero(t, r.Mean())
	assert.Zero(t, r.LinearWeightedMean())

	r.Push(9)
	r.Reset()
	assert.Zero(t, r.Len())
}
