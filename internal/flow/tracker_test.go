package flow

import (
	"bytes"
	"log"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betafly-ng/internal/altitude"
)

type constMotion struct {
	dx, dy  int32
	quality uint8
	down    bool
}

func (m *constMotion) Motion() (int32, int32) { return m.dx, m.dy }
func (m *constMotion) SurfaceQuality() uint8  { return m.quality }
func (m *constMotion) Available() bool        { return !m.down }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, m MotionSource, alt altitude.Source) *Tracker {
	t.Helper()
	tr, err := New(Config{ScaleFactor: 0.001, InitialHeight: 0.5, BaseWindow: 5, MaxAltitude: 50}, m, alt)
	require.NoError(t, err)
	return tr
}

func tick(tr *Tracker, n int, period time.Duration) time.Time {
	var now time.Time
	for i := 0; i <= n; i++ {
		now = t0.Add(time.Duration(i) * period)
		tr.Update(now)
	}
	return now
}

func TestTracker_ZeroDeltaKeepsPosition(t *testing.T) {
	m := &constMotion{quality: 200}
	tr := newTracker(t, m, altitude.NewStatic(3))
	tick(tr, 10, 20*time.Millisecond)

	x, y := tr.Position()
	assert.InDelta(t, 0, x, 1e-12)
	assert.InDelta(t, 0, y, 1e-12)
	vx, vy := tr.Velocity()
	assert.Zero(t, vx)
	assert.Zero(t, vy)
}

func TestTracker_FirstUpdateOnlyRecordsTime(t *testing.T) {
	m := &constMotion{dx: 100, quality: 200}
	tr := newTracker(t, m, nil)
	x, _ := tr.Update(t0)
	assert.Zero(t, x)
	vx, _ := tr.Velocity()
	assert.Zero(t, vx)
}

func TestTracker_ShortDTIsNoOp(t *testing.T) {
	m := &constMotion{dx: 10, quality: 200}
	tr := newTracker(t, m, nil)
	tr.Update(t0)
	x1, _ := tr.Update(t0.Add(20 * time.Millisecond))
	require.NotZero(t, x1)

	x2, _ := tr.Update(t0.Add(20*time.Millisecond + 500*time.Microsecond))
	assert.Equal(t, x1, x2)
	// The skipped tick does not advance the reference time.
	vx1, _ := tr.Velocity()
	tr.Update(t0.Add(40 * time.Millisecond))
	vx2, _ := tr.Velocity()
	assert.InDelta(t, vx1, vx2, 1e-9)
}

func TestTracker_LowAltitudeVelocity(t *testing.T) {
	// 1 m, tier 1: window 5, compensation 1.0, confidence 1.0.
	m := &constMotion{dx: 4, dy: -2, quality: 200}
	tr := newTracker(t, m, altitude.NewStatic(1))
	tick(tr, 10, 20*time.Millisecond)

	vx, vy := tr.Velocity()
	assert.InDelta(t, 4*0.001*1/0.02, vx, 1e-9)
	assert.InDelta(t, -2*0.001*1/0.02, vy, 1e-9)
	assert.Equal(t, 5, tr.Window())
	assert.Equal(t, 1.0, tr.Confidence())
}

func TestTracker_EndToEndTwentyMeters(t *testing.T) {
	// 100 counts/s at 50 Hz: 2 counts per tick at 20 m.
	m := &constMotion{dx: 2, quality: 200}
	tr := newTracker(t, m, altitude.NewStatic(20))
	tick(tr, 50, 20*time.Millisecond)

	raw := 100 * 0.001 * 20 * 1.15
	require.InDelta(t, 2.3, raw, 1e-12)
	assert.Equal(t, 10, tr.Window())
	assert.InDelta(t, 1.15, tr.Compensation(), 1e-12)
	assert.InDelta(t, 0.85, tr.Confidence(), 1e-12)

	// Velocity is attenuated by tracking confidence (0.85 at 20 m).
	vx, vy := tr.Velocity()
	assert.InDelta(t, raw*0.85, vx, 1e-9)
	assert.Zero(t, vy)

	x, y := tr.Position()
	assert.InDelta(t, raw*0.85, x, 0.05)
	assert.Zero(t, y)
}

func TestTracker_HeightTiers(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	cases := []struct {
		h      float64
		window int
		comp   float64
	}{
		{0.5, 5, 1.0},
		{5, 5, 1.0},
		{5.1, 7, 1.05},
		{15, 7, 1.05},
		{20, 10, 1.15},
		{30, 10, 1.15},
		{40, 15, 1.30},
	}
	for _, tc := range cases {
		w, c := tr.tierFor(tc.h)
		assert.Equal(t, tc.window, w, "h=%v", tc.h)
		assert.InDelta(t, tc.comp, c, 1e-9, "h=%v", tc.h)
	}
}

func TestTracker_ConfiguredTiers(t *testing.T) {
	tr, err := New(Config{
		ScaleFactor: 0.001,
		BaseWindow:  3,
		Tiers: []Tier{
			{MaxHeight: 2, Compensation: 1},
			{MaxHeight: 99, ExtraWindow: 4, Compensation: 2, CompensationSlope: 0.5},
		},
	}, &constMotion{}, nil)
	require.NoError(t, err)

	w, c := tr.tierFor(4)
	assert.Equal(t, 7, w)
	assert.InDelta(t, 3, c, 1e-12)

	_, err = New(Config{ScaleFactor: 0.001, Tiers: []Tier{{MaxHeight: 5, Compensation: 0}}}, &constMotion{}, nil)
	assert.Error(t, err)
}

func TestTracker_ConfidenceHighAltitudeLower(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	for _, q := range []uint8{0, 40, 60, 255} {
		assert.Less(t, tr.confidenceFor(q, 40), tr.confidenceFor(q, 10), "quality=%d", q)
	}
}

func TestTracker_ConfidenceInversionBand(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	// The quality threshold drops from ~43.3 at 10 m to 30 at 40 m, which
	// lifts mid-range qualities by more than the altitude factor takes away.
	assert.InDelta(t, 0.6577, tr.confidenceFor(30, 10), 1e-4)
	assert.InDelta(t, 0.75, tr.confidenceFor(30, 40), 1e-12)

	for q := 0; q <= 255; q++ {
		at10, at40 := tr.confidenceFor(uint8(q), 10), tr.confidenceFor(uint8(q), 40)
		if q >= 12 && q <= 34 {
			assert.Greater(t, at40, at10, "quality=%d", q)
		} else {
			assert.Less(t, at40, at10, "quality=%d", q)
		}
	}
}

func TestTracker_ConfidenceNonIncreasingAboveFiveMeters(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	prev := math.Inf(1)
	for h := 5.0; h <= 80; h += 0.25 {
		c := tr.confidenceFor(200, h)
		assert.LessOrEqual(t, c, prev, "h=%v", h)
		prev = c
	}
	assert.Equal(t, 0.5, tr.confidenceFor(200, 80))
}

func TestTracker_QualityConfidence(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	// threshold 50 at ground level.
	assert.InDelta(t, 0.5, tr.confidenceFor(25, 0), 1e-12)
	assert.InDelta(t, 0.3, tr.confidenceFor(5, 0), 1e-12)
	// threshold 30 at and above 30 m.
	assert.InDelta(t, 0.85, tr.confidenceFor(30, 30), 1e-12)
	assert.InDelta(t, 40.0, tr.qualityThreshold(15), 1e-12)
}

func TestTracker_LowConfidenceAttenuatesVelocity(t *testing.T) {
	m := &constMotion{dx: 10, quality: 10}
	tr := newTracker(t, m, altitude.NewStatic(1))
	tick(tr, 10, 20*time.Millisecond)

	// quality 10 below threshold ~49.3: confidence floors at 0.3.
	assert.InDelta(t, 0.3, tr.Confidence(), 1e-12)
	vx, _ := tr.Velocity()
	assert.InDelta(t, 10*0.001*1/0.02*0.3, vx, 1e-9)
}

func TestTracker_MotionUnavailable(t *testing.T) {
	m := &constMotion{dx: 10, quality: 200, down: true}
	tr := newTracker(t, m, nil)
	tick(tr, 5, 20*time.Millisecond)
	x, _ := tr.Position()
	assert.Zero(t, x)
	assert.Zero(t, tr.SurfaceQuality())
}

type seqAltitude struct {
	vals []float64
	i    int
}

func (s *seqAltitude) Altitude() (float64, bool) {
	if s.i >= len(s.vals) {
		return 0, false
	}
	v := s.vals[s.i]
	s.i++
	return v, !math.IsNaN(v)
}
func (s *seqAltitude) Available() bool { return true }

func TestTracker_HeightOnlyReplacedByPositiveValue(t *testing.T) {
	alt := &seqAltitude{vals: []float64{3, 0, -1, math.NaN()}}
	tr := newTracker(t, &constMotion{}, alt)
	tick(tr, 5, 20*time.Millisecond)
	assert.Equal(t, 3.0, tr.Height())
}

func TestTracker_SetHeightAndValidity(t *testing.T) {
	tr := newTracker(t, &constMotion{}, nil)
	require.NoError(t, tr.SetHeight(12))
	assert.Equal(t, 12.0, tr.Height())
	assert.True(t, tr.AltitudeValid())

	assert.Error(t, tr.SetHeight(0.05))
	assert.Error(t, tr.SetHeight(51))
	assert.Equal(t, 12.0, tr.Height())
}

func TestTracker_AltitudeValidBounds(t *testing.T) {
	tr := newTracker(t, &constMotion{}, altitude.NewStatic(60))
	tick(tr, 1, 20*time.Millisecond)
	assert.False(t, tr.AltitudeValid())
}

func TestTracker_WindowShrinkOnDescent(t *testing.T) {
	s := altitude.NewStatic(40)
	tr := newTracker(t, &constMotion{dx: 1, quality: 200}, s)
	now := tick(tr, 20, 20*time.Millisecond)
	assert.Equal(t, 15, tr.Window())

	s.Set(2)
	tr.Update(now.Add(20 * time.Millisecond))
	assert.Equal(t, 5, tr.Window())
	assert.Equal(t, 5, tr.ringX.Len())
}

func TestTracker_Reset(t *testing.T) {
	tr := newTracker(t, &constMotion{dx: 5, quality: 200}, nil)
	tick(tr, 5, 20*time.Millisecond)
	tr.Reset()
	x, y := tr.Position()
	vx, vy := tr.Velocity()
	assert.Zero(t, x+y+vx+vy)
	assert.Zero(t, tr.ringX.Len())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ScaleFactor: 0.001}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{}, &constMotion{}, nil)
	assert.Error(t, err)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
	return &buf
}

func TestTracker_LowConfidenceWarningOncePerFiveSeconds(t *testing.T) {
	buf := captureLog(t)
	tr := newTracker(t, &constMotion{quality: 10}, altitude.NewStatic(1))
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 20 * time.Millisecond) }
	count := func() int { return strings.Count(buf.String(), "low tracking confidence") }

	// The first warning comes from the first real step at 20 ms.
	for i := 0; i <= 250; i++ {
		tr.Update(at(i))
	}
	assert.Equal(t, 1, count(), "through 5.00 s")

	tr.Update(at(251))
	assert.Equal(t, 2, count(), "5 s after the first warning")

	for i := 252; i <= 600; i++ {
		tr.Update(at(i))
	}
	assert.Equal(t, 3, count(), "through 12 s")
}

func TestTracker_NearMaxAltitudeWarningOncePerFiveSeconds(t *testing.T) {
	buf := captureLog(t)
	tr := newTracker(t, &constMotion{quality: 200}, altitude.NewStatic(46))
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 20 * time.Millisecond) }

	for i := 0; i <= 600; i++ {
		tr.Update(at(i))
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "near max altitude"))
	assert.NotContains(t, buf.String(), "low tracking confidence")

	buf.Reset()
	below := newTracker(t, &constMotion{quality: 200}, altitude.NewStatic(45))
	for i := 0; i <= 100; i++ {
		below.Update(at(i))
	}
	assert.NotContains(t, buf.String(), "near max altitude", "45 m is not above 90% of 50 m")
}
