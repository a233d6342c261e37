package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betafly-ng/internal/altitude"
	"betafly-ng/internal/flightlog"
	"betafly-ng/internal/flow"
	"betafly-ng/internal/pid"
	"betafly-ng/internal/stabilizer"
	"betafly-ng/internal/stick"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const step = 20 * time.Millisecond

type fakeMotion struct {
	dx, dy  int32
	quality uint8
}

func (f *fakeMotion) Motion() (int32, int32) { return f.dx, f.dy }
func (f *fakeMotion) SurfaceQuality() uint8  { return f.quality }
func (f *fakeMotion) Available() bool        { return true }

type fakeSticks struct {
	pos       stick.Positions
	failsafe  bool
	switchPos int
}

func (f *fakeSticks) Sticks() stick.Positions     { return f.pos }
func (f *fakeSticks) Failsafe() bool              { return f.failsafe }
func (f *fakeSticks) SwitchPosition(_, _ int) int { return f.switchPos }

type fakeRecorder struct {
	rows []flightlog.Row
}

func (r *fakeRecorder) WriteRow(row flightlog.Row) error {
	r.rows = append(r.rows, row)
	return nil
}

type sinkFunc func(State) error

func (f sinkFunc) Publish(s State) error { return f(s) }

type rig struct {
	motion *fakeMotion
	ctrl   *stabilizer.Controller
	loop   *Loop
}

func newRig(t *testing.T, c Components) rig {
	t.Helper()
	m := &fakeMotion{quality: 200}
	tr, err := flow.New(flow.Config{ScaleFactor: 0.001}, m, altitude.NewStatic(2))
	require.NoError(t, err)
	g := pid.Gains{Kp: 0.5, Ki: 0.1, Kd: 0.2}
	ctrl, err := stabilizer.New(stabilizer.Config{
		GainsX: g, GainsY: g, IntegralLimit: 1,
		VelocityDamping: 0.3, MaxTilt: 15, AltitudeAdaptive: true, HighAltitudeDampingBoost: 0.5,
	})
	require.NoError(t, err)
	c.Tracker = tr
	c.Controller = ctrl
	l, err := New(Config{SessionID: "test-session"}, c)
	require.NoError(t, err)
	return rig{motion: m, ctrl: ctrl, loop: l}
}

func (r rig) run(n int, from time.Time) State {
	var st State
	for i := 0; i < n; i++ {
		st = r.loop.Tick(from.Add(time.Duration(i) * step))
	}
	return st
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Components{})
	assert.Error(t, err)

	r := newRig(t, Components{})
	_, err = New(Config{RateHz: -1}, Components{Tracker: r.loop.c.Tracker, Controller: r.ctrl})
	assert.Error(t, err)

	l, err := New(Config{}, Components{Tracker: r.loop.c.Tracker, Controller: r.ctrl})
	require.NoError(t, err)
	assert.Len(t, l.SessionID(), 36, "uuid session id")
	assert.Equal(t, 20*time.Millisecond, l.Period())
}

func TestTick_OffPublishesZeroCorrections(t *testing.T) {
	r := newRig(t, Components{})
	r.motion.dx = 50

	st := r.run(5, t0)
	assert.Equal(t, stabilizer.Off, st.Mode)
	assert.Equal(t, stabilizer.Command{}, st.Corrections)
	assert.Equal(t, uint64(4), st.Tick)
	assert.InDelta(t, 0.08, st.ElapsedSec, 1e-9)
	assert.Greater(t, st.Position.X, 0.0)
	assert.Nil(t, st.Stick)

	if diff := cmp.Diff(st, r.loop.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-tick +snapshot):\n%s", diff)
	}
}

func TestTick_ModeSwitchEntersHoldAtCurrentPosition(t *testing.T) {
	sticks := &fakeSticks{switchPos: 1}
	r := newRig(t, Components{Sticks: sticks, ModeSwitch: &stick.ModeSwitch{Channel: stick.ChAux1}})
	r.motion.dx = 100

	st := r.run(3, t0)
	require.Equal(t, stabilizer.VelocityDamping, st.Mode)

	sticks.switchPos = 2
	st = r.loop.Tick(t0.Add(3 * step))
	require.Equal(t, stabilizer.PositionHold, st.Mode)
	assert.Equal(t, st.Position, st.Target)
	assert.True(t, st.PositionLocked)

	// Staying on the same switch position must not reset the PIDs.
	r.loop.Tick(t0.Add(4 * step))
	last := t0.Add(5 * step)
	r.loop.Tick(last)
	px, _ := r.ctrl.PIDState()
	assert.True(t, px.PrevAt.Equal(last))
	assert.NotZero(t, px.Integral)
}

func TestTick_FailsafeIgnoresSticksAndSwitch(t *testing.T) {
	sticks := &fakeSticks{failsafe: true, switchPos: 2, pos: stick.Positions{Pitch: 1, Roll: -1}}
	mixer, err := stick.NewMixer(1, 0.05, 30)
	require.NoError(t, err)
	r := newRig(t, Components{Sticks: sticks, Mixer: mixer, ModeSwitch: &stick.ModeSwitch{Channel: stick.ChAux1}})
	require.NoError(t, r.ctrl.SetMode(stabilizer.VelocityDamping))
	r.motion.dx = 100

	st := r.run(4, t0)
	assert.Equal(t, stabilizer.VelocityDamping, st.Mode)
	assert.Equal(t, st.Stabilizer, st.Corrections)
	assert.NotZero(t, st.Corrections.Roll)
	require.NotNil(t, st.Stick)
	assert.True(t, st.Stick.Failsafe)
	assert.Equal(t, stick.Positions{}, st.Stick.Positions)
	assert.Equal(t, 1.0, st.Stick.MixRatio)
}

func TestTick_MixesStickInput(t *testing.T) {
	sticks := &fakeSticks{switchPos: 1, pos: stick.Positions{Pitch: 1}}
	mixer, err := stick.NewMixer(1, 0.05, 30)
	require.NoError(t, err)
	r := newRig(t, Components{Sticks: sticks, Mixer: mixer, ModeSwitch: &stick.ModeSwitch{Channel: stick.ChAux1}})
	r.motion.dx = 100

	st := r.run(3, t0)
	assert.InDelta(t, 30, st.Corrections.Pitch, 1e-9)
	assert.InDelta(t, 0, st.Corrections.Roll, 1e-9)
	assert.NotZero(t, st.Stabilizer.Roll)

	row := st.Row()
	assert.Equal(t, 500, row.StickPitch)
	assert.Equal(t, "velocity_damping", row.Mode)
	assert.Equal(t, 200, row.Squal)
}

func TestTick_RecordsEveryNthTick(t *testing.T) {
	rec := &fakeRecorder{}
	r := newRig(t, Components{Recorder: rec})
	r.loop.cfg.RecordEvery = 10

	r.run(25, t0)
	require.Len(t, rec.rows, 3)
	assert.InDelta(t, 0, rec.rows[0].Time, 1e-9)
	assert.InDelta(t, 0.2, rec.rows[1].Time, 1e-9)
	assert.InDelta(t, 0.4, rec.rows[2].Time, 1e-9)
}

func TestTick_SinkErrorsDoNotStopLoop(t *testing.T) {
	var calls int
	failing := sinkFunc(func(State) error {
		calls++
		return errors.New("link down")
	})
	var got []State
	ok := sinkFunc(func(s State) error {
		got = append(got, s)
		return nil
	})
	r := newRig(t, Components{Sinks: []Sink{failing, ok}})
	buf := captureLog(t)

	r.run(3, t0)
	assert.Equal(t, 3, calls)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, strings.Count(buf.String(), "sink publish failed"))

	r.loop.Tick(t0.Add(5 * time.Second))
	assert.Equal(t, 2, strings.Count(buf.String(), "sink publish failed"))
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

func TestCommands(t *testing.T) {
	mixer, err := stick.NewMixer(0.5, 0.05, 30)
	require.NoError(t, err)
	r := newRig(t, Components{})
	r.motion.dx = 100
	r.run(4, t0)

	assert.Error(t, r.loop.SetMode(stabilizer.Mode(5)))
	assert.Equal(t, stabilizer.Off, r.ctrl.Mode())

	require.NoError(t, r.loop.SetMode(stabilizer.PositionHold))
	x, y := r.loop.c.Tracker.Position()
	tx, ty := r.ctrl.Target()
	assert.Equal(t, x, tx)
	assert.Equal(t, y, ty)

	r.loop.ResetPosition()
	x, y = r.loop.c.Tracker.Position()
	assert.Zero(t, x)
	assert.Zero(t, y)
	tx, ty = r.ctrl.Target()
	assert.Zero(t, tx)
	assert.Zero(t, ty)
	assert.Equal(t, stabilizer.PositionHold, r.ctrl.Mode())

	r.run(3, t0.Add(time.Second))
	r.loop.HoldPosition()
	x, _ = r.loop.c.Tracker.Position()
	tx, _ = r.ctrl.Target()
	assert.Equal(t, x, tx)

	assert.Error(t, r.loop.SetHeight(0.05))
	assert.Error(t, r.loop.SetHeight(500))
	require.NoError(t, r.loop.SetHeight(3))

	assert.Error(t, r.loop.SetMixRatio(0.2))
	r.loop.c.Mixer = mixer
	require.NoError(t, r.loop.SetMixRatio(0.2))
	assert.Equal(t, 0.2, mixer.MixRatio())
}

func TestCommands_SnapshotReflectsCommandBeforeNextTick(t *testing.T) {
	sticks := &fakeSticks{switchPos: 1}
	mixer, err := stick.NewMixer(0.5, 0.05, 30)
	require.NoError(t, err)
	r := newRig(t, Components{Sticks: sticks, Mixer: mixer})
	r.motion.dx = 100
	before := r.run(4, t0)
	require.Equal(t, stabilizer.Off, before.Mode)

	require.NoError(t, r.loop.SetMode(stabilizer.PositionHold))
	st := r.loop.Snapshot()
	assert.Equal(t, stabilizer.PositionHold, st.Mode)
	assert.Equal(t, st.Position, st.Target)
	assert.True(t, st.PositionLocked)
	assert.Equal(t, before.Tick, st.Tick, "no tick ran")
	assert.Equal(t, before.Corrections, st.Corrections)

	r.loop.ResetPosition()
	st = r.loop.Snapshot()
	assert.Equal(t, Vec2{}, st.Position)
	assert.Equal(t, Vec2{}, st.Target)
	assert.Equal(t, Vec2{}, st.Velocity)

	require.NoError(t, r.loop.SetHeight(7))
	assert.Equal(t, 7.0, r.loop.Snapshot().Height)

	require.NoError(t, r.loop.SetMixRatio(0.8))
	require.NotNil(t, r.loop.Snapshot().Stick)
	assert.Equal(t, 0.8, r.loop.Snapshot().Stick.MixRatio)
	assert.Equal(t, 0.5, before.Stick.MixRatio, "published states are not mutated")

	assert.Error(t, r.loop.SetHeight(500))
	assert.Equal(t, 7.0, r.loop.Snapshot().Height)
}

type erroringMotion struct{ fakeMotion }

func (erroringMotion) LastError() string { return "spi: timeout" }

func TestSources(t *testing.T) {
	sticks := &fakeSticks{failsafe: true}
	r := newRig(t, Components{Sticks: sticks})
	r.run(2, t0)

	src := r.loop.Sources()
	assert.True(t, src.Motion.Available)
	assert.Equal(t, uint8(200), src.Motion.SurfaceQuality)
	assert.Empty(t, src.Motion.LastError)
	require.NotNil(t, src.Altitude)
	assert.Equal(t, "static", src.Altitude.Type)
	require.NotNil(t, src.Stick)
	assert.True(t, src.Stick.Failsafe)

	// A static source has nothing to calibrate.
	assert.Error(t, r.loop.CalibrateAltitude())

	m := &erroringMotion{}
	tr, err := flow.New(flow.Config{ScaleFactor: 0.001}, m, nil)
	require.NoError(t, err)
	l, err := New(Config{}, Components{Tracker: tr, Controller: r.ctrl})
	require.NoError(t, err)
	src = l.Sources()
	assert.Equal(t, "spi: timeout", src.Motion.LastError)
	assert.Nil(t, src.Altitude)
	assert.Nil(t, src.Stick)
	assert.ErrorContains(t, l.CalibrateAltitude(), "no altitude source")
}

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func withFakes(t *testing.T, clock *stepClock, sleepFn func(context.Context, time.Duration) bool) {
	t.Helper()
	prevNow, prevSleep := nowFn, sleep
	nowFn = clock.now
	sleep = sleepFn
	t.Cleanup(func() {
		nowFn = prevNow
		sleep = prevSleep
	})
}

func TestRun_SleepsRemainderOfPeriod(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slept []time.Duration
	withFakes(t, &stepClock{t: t0, step: 5 * time.Millisecond}, func(_ context.Context, d time.Duration) bool {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
			return false
		}
		return true
	})
	r := newRig(t, Components{})

	require.NoError(t, r.loop.Run(ctx))
	assert.Equal(t, []time.Duration{15 * time.Millisecond, 15 * time.Millisecond, 15 * time.Millisecond}, slept)
	assert.Equal(t, uint64(2), r.loop.Snapshot().Tick)
	assert.Zero(t, r.loop.Snapshot().Overruns)
}

func TestRun_OverrunSkipsSleepWithoutCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	withFakes(t, &stepClock{t: t0, step: 30 * time.Millisecond}, func(context.Context, time.Duration) bool {
		sleeps++
		return true
	})
	var ticks int
	counter := sinkFunc(func(State) error {
		ticks++
		if ticks == 4 {
			cancel()
		}
		return nil
	})
	r := newRig(t, Components{Sinks: []Sink{counter}})

	require.NoError(t, r.loop.Run(ctx))
	assert.Equal(t, 4, ticks, "one tick per iteration")
	assert.Zero(t, sleeps)
	// The last overrun is counted after its tick published.
	assert.Equal(t, uint64(3), r.loop.Snapshot().Overruns)
}

func TestRun_SlowLoopWarningOncePerFiveSeconds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every tick takes 30 ms against a 20 ms period, so iteration k starts
	// at 30+60k ms and every iteration overruns.
	withFakes(t, &stepClock{t: t0, step: 30 * time.Millisecond}, func(context.Context, time.Duration) bool {
		return true
	})
	var ticks int
	counter := sinkFunc(func(State) error {
		ticks++
		if ticks == 200 {
			cancel()
		}
		return nil
	})
	r := newRig(t, Components{Sinks: []Sink{counter}})
	buf := captureLog(t)

	require.NoError(t, r.loop.Run(ctx))
	assert.Equal(t, uint64(199), r.loop.Snapshot().Overruns)
	// Warnings at k=0 (0.03 s), k=84 (5.07 s) and k=168 (10.11 s).
	assert.Equal(t, 3, strings.Count(buf.String(), "loop running slow"))
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRig(t, Components{})
	require.NoError(t, r.loop.Run(ctx))
	assert.Zero(t, r.loop.Snapshot().Tick)
	assert.True(t, r.loop.Snapshot().UpdatedUTC.IsZero())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestJoinWithTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := JoinWithTimeout([]Named{
		{Name: "ok", Closer: closerFunc(func() error { return nil })},
		{Name: "bad", Closer: closerFunc(func() error { return io.ErrClosedPipe })},
		{Name: "stuck", Closer: closerFunc(func() error { <-release; return nil })},
		{Name: "nil"},
	}, 50*time.Millisecond)

	assert.Less(t, time.Since(start), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Contains(t, err.Error(), "bad")

	assert.NoError(t, JoinWithTimeout(nil, time.Second))
}
