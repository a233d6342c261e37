// Package control runs the fixed-rate estimation and stabilization loop and
// publishes its state.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"betafly-ng/internal/flightlog"
	"betafly-ng/internal/flow"
	"betafly-ng/internal/stabilizer"
	"betafly-ng/internal/stick"
)

const (
	DefaultRateHz      = 50.0
	DefaultRecordEvery = 10
	DefaultStatusEvery = 50

	warnInterval = 5 * time.Second
)

var (
	nowFn = time.Now
	sleep = func(ctx context.Context, d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
)

// Sink receives every published state, e.g. the corrections link or the
// status LED. Errors are logged and never stop the loop.
type Sink interface {
	Publish(State) error
}

// Recorder persists flight log rows.
type Recorder interface {
	WriteRow(flightlog.Row) error
}

type Config struct {
	RateHz      float64
	RecordEvery int
	StatusEvery int
	SessionID   string
}

// Components are the collaborators of a Loop. Tracker and Controller are
// required. Mixer and ModeSwitch only take effect with Sticks set.
type Components struct {
	Tracker    *flow.Tracker
	Controller *stabilizer.Controller

	Sticks     stick.Source
	Mixer      *stick.Mixer
	ModeSwitch *stick.ModeSwitch

	Sinks    []Sink
	Recorder Recorder
}

type Loop struct {
	cfg Config
	c   Components

	// tickMu serializes ticks with commands that touch both the tracker
	// and the controller.
	tickMu sync.Mutex
	start  time.Time
	ticks  uint64

	stateMu sync.RWMutex
	state   State

	overruns   uint64
	slowWarnAt time.Time
	sinkWarnAt time.Time
	recWarnAt  time.Time
}

func New(cfg Config, c Components) (*Loop, error) {
	if c.Tracker == nil {
		return nil, errors.New("control: tracker is nil")
	}
	if c.Controller == nil {
		return nil, errors.New("control: controller is nil")
	}
	if cfg.RateHz == 0 {
		cfg.RateHz = DefaultRateHz
	}
	if cfg.RateHz < 0 {
		return nil, fmt.Errorf("control: rate must be > 0")
	}
	if cfg.RecordEvery <= 0 {
		cfg.RecordEvery = DefaultRecordEvery
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = DefaultStatusEvery
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	l := &Loop{cfg: cfg, c: c}
	l.state = State{SessionID: cfg.SessionID, Mode: c.Controller.Mode()}
	return l, nil
}

func (l *Loop) SessionID() string { return l.cfg.SessionID }

// Period is the target tick period.
func (l *Loop) Period() time.Duration {
	return time.Duration(float64(time.Second) / l.cfg.RateHz)
}

// Tick runs one control step at now and publishes the resulting state.
func (l *Loop) Tick(now time.Time) State {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	if l.start.IsZero() {
		l.start = now
	}
	tr, ctrl := l.c.Tracker, l.c.Controller

	x, y := tr.Update(now)
	vx, vy := tr.Velocity()

	var sticks *StickState
	if l.c.Sticks != nil {
		sticks = &StickState{Failsafe: l.c.Sticks.Failsafe()}
		if !sticks.Failsafe {
			sticks.Positions = l.c.Sticks.Sticks()
			if l.c.ModeSwitch != nil {
				if m := l.c.ModeSwitch.Mode(l.c.Sticks); m != ctrl.Mode() {
					log.Printf("control: mode switch selects %s", m)
					l.applyModeLocked(m, x, y)
				}
			}
		}
		if l.c.Mixer != nil {
			sticks.MixRatio = l.c.Mixer.MixRatio()
		}
	}

	h := tr.Height()
	stab := ctrl.Update(x, y, vx, vy, h, now)
	out := stab
	if sticks != nil && l.c.Mixer != nil {
		out.Pitch, out.Roll = l.c.Mixer.Mix(stab.Pitch, stab.Roll, sticks.Positions, sticks.Failsafe)
	}

	tx, ty := ctrl.Target()
	st := State{
		SessionID:      l.cfg.SessionID,
		Tick:           l.ticks,
		UpdatedUTC:     now.UTC(),
		ElapsedSec:     now.Sub(l.start).Seconds(),
		Mode:           ctrl.Mode(),
		Position:       Vec2{X: x, Y: y},
		Velocity:       Vec2{X: vx, Y: vy},
		Target:         Vec2{X: tx, Y: ty},
		PositionLocked: ctrl.PositionLocked(x, y),
		Height:         h,
		AltitudeValid:  tr.AltitudeValid(),
		Confidence:     tr.Confidence(),
		SurfaceQuality: tr.SurfaceQuality(),
		FilterWindow:   tr.Window(),
		Stabilizer:     stab,
		Corrections:    out,
		Stick:          sticks,
	}

	l.stateMu.Lock()
	st.Overruns = l.overruns
	l.state = st
	l.stateMu.Unlock()

	for _, s := range l.c.Sinks {
		if err := s.Publish(st); err != nil && now.Sub(l.sinkWarnAt) >= warnInterval {
			l.sinkWarnAt = now
			log.Printf("control: sink publish failed: %v", err)
		}
	}
	if l.c.Recorder != nil && l.ticks%uint64(l.cfg.RecordEvery) == 0 {
		if err := l.c.Recorder.WriteRow(st.Row()); err != nil && now.Sub(l.recWarnAt) >= warnInterval {
			l.recWarnAt = now
			log.Printf("control: flight log write failed: %v", err)
		}
	}
	if l.ticks%uint64(l.cfg.StatusEvery) == 0 {
		logStatus(st)
	}
	l.ticks++
	return st
}

func logStatus(st State) {
	msg := fmt.Sprintf("control: pos=(%.3f, %.3f)m vel=(%.3f, %.3f)m/s cmd=(p %.2f, r %.2f) alt=%.1fm conf=%.2f squal=%d mode=%s",
		st.Position.X, st.Position.Y, st.Velocity.X, st.Velocity.Y,
		st.Corrections.Pitch, st.Corrections.Roll, st.Height, st.Confidence, st.SurfaceQuality, st.Mode)
	if st.Stick != nil {
		if st.Stick.Failsafe {
			msg += " sticks=failsafe"
		} else {
			p := st.Stick.Positions
			msg += fmt.Sprintf(" sticks=(p %d, r %d, t %d)", stickLogValue(p.Pitch), stickLogValue(p.Roll), stickLogValue(p.Throttle))
		}
	}
	log.Print(msg)
}

// Run ticks at the configured rate until ctx is done. Each period sleeps
// for whatever the tick left over; an overrun skips the sleep without
// running extra ticks. Cancellation lets the in-flight tick finish.
func (l *Loop) Run(ctx context.Context) error {
	period := l.Period()
	log.Printf("control: loop running at %.0f Hz session=%s", l.cfg.RateHz, l.cfg.SessionID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := nowFn()
		l.Tick(start)
		elapsed := nowFn().Sub(start)

		wait := period - elapsed
		if wait <= 0 {
			l.noteOverrun(start, elapsed)
			continue
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (l *Loop) noteOverrun(now time.Time, elapsed time.Duration) {
	l.stateMu.Lock()
	l.overruns++
	n := l.overruns
	warn := now.Sub(l.slowWarnAt) >= warnInterval
	if warn {
		l.slowWarnAt = now
	}
	l.stateMu.Unlock()
	if warn {
		log.Printf("control: loop running slow: tick took %.1fms (period %s, overruns=%d)",
			float64(elapsed)/float64(time.Millisecond), l.Period(), n)
	}
}

// Snapshot returns the last published state.
func (l *Loop) Snapshot() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	s := l.state
	if s.Stick != nil {
		cp := *s.Stick
		s.Stick = &cp
	}
	return s
}

// applyModeLocked enters m. Entering PositionHold holds at (x, y).
func (l *Loop) applyModeLocked(m stabilizer.Mode, x, y float64) error {
	ctrl := l.c.Controller
	if m == stabilizer.PositionHold && ctrl.Mode() != stabilizer.PositionHold {
		ctrl.HoldCurrentPosition(x, y)
		return nil
	}
	return ctrl.SetMode(m)
}

// SetMode switches the stabilization mode. Entering PositionHold holds the
// current position. An invalid mode is rejected and nothing changes.
func (l *Loop) SetMode(m stabilizer.Mode) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	x, y := l.c.Tracker.Position()
	if err := l.applyModeLocked(m, x, y); err != nil {
		return err
	}
	l.refreshLocked()
	return nil
}

// HoldPosition makes the current position the hold target and enters
// PositionHold.
func (l *Loop) HoldPosition() {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	x, y := l.c.Tracker.Position()
	l.c.Controller.HoldCurrentPosition(x, y)
	l.refreshLocked()
}

// ResetPosition moves the origin to the current location and clears the
// controller target and PID state. The mode is kept.
func (l *Loop) ResetPosition() {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	l.c.Tracker.Reset()
	l.c.Controller.Reset()
	l.refreshLocked()
}

// SetHeight overrides the tracker height.
func (l *Loop) SetHeight(h float64) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	if err := l.c.Tracker.SetHeight(h); err != nil {
		return err
	}
	l.refreshLocked()
	return nil
}

func (l *Loop) SetMixRatio(r float64) error {
	if l.c.Mixer == nil {
		return errors.New("control: stick mixing is not enabled")
	}
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	l.c.Mixer.SetMixRatio(r)
	l.refreshLocked()
	return nil
}

// refreshLocked folds a command's effect on mode, target, position, height
// and mix ratio into the published state, so a Snapshot taken right after
// a command reflects it. Corrections are only recomputed by the next tick.
func (l *Loop) refreshLocked() {
	tr, ctrl := l.c.Tracker, l.c.Controller
	x, y := tr.Position()
	vx, vy := tr.Velocity()
	tx, ty := ctrl.Target()

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.state.Mode = ctrl.Mode()
	l.state.Position = Vec2{X: x, Y: y}
	l.state.Velocity = Vec2{X: vx, Y: vy}
	l.state.Target = Vec2{X: tx, Y: ty}
	l.state.PositionLocked = ctrl.PositionLocked(x, y)
	l.state.Height = tr.Height()
	l.state.AltitudeValid = tr.AltitudeValid()
	if l.state.Stick != nil && l.c.Mixer != nil {
		cp := *l.state.Stick
		cp.MixRatio = l.c.Mixer.MixRatio()
		l.state.Stick = &cp
	}
}
