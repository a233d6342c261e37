package control

import (
	"errors"

	"betafly-ng/internal/altitude"
	"betafly-ng/internal/stick"
)

type MotionStatus struct {
	Available      bool   `json:"available"`
	SurfaceQuality uint8  `json:"surface_quality"`
	LastError      string `json:"last_error,omitempty"`
}

// Sources describes the inputs of the loop. Altitude and Stick are nil when
// not configured.
type Sources struct {
	Motion   MotionStatus     `json:"motion"`
	Altitude *altitude.Status `json:"altitude,omitempty"`
	Stick    *stick.Status    `json:"stick,omitempty"`
}

// Sources reports the current diagnostics of every input source. It reads
// the sources directly and does not wait for a tick.
func (l *Loop) Sources() Sources {
	tr := l.c.Tracker
	m := tr.MotionSource()
	out := Sources{Motion: MotionStatus{Available: m.Available(), SurfaceQuality: tr.SurfaceQuality()}}
	if e, ok := m.(interface{ LastError() string }); ok {
		out.Motion.LastError = e.LastError()
	}
	if alt := tr.AltitudeSource(); alt != nil {
		st := altitude.Describe(alt)
		out.Altitude = &st
	}
	if l.c.Sticks != nil {
		st := stick.Describe(l.c.Sticks)
		out.Stick = &st
	}
	return out
}

// CalibrateAltitude captures the current barometric reading as ground
// level. Call it on the ground before takeoff.
func (l *Loop) CalibrateAltitude() error {
	alt := l.c.Tracker.AltitudeSource()
	if alt == nil {
		return errors.New("control: no altitude source configured")
	}
	return altitude.CalibrateGround(alt)
}
