package control

import (
	"time"

	"betafly-ng/internal/flightlog"
	"betafly-ng/internal/stabilizer"
	"betafly-ng/internal/stick"
)

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StickState is present only when an RC source is wired. Positions are
// zero while in failsafe.
type StickState struct {
	Positions stick.Positions `json:"positions"`
	Failsafe  bool            `json:"failsafe"`
	MixRatio  float64         `json:"mix_ratio"`
}

// State is the snapshot published once per tick.
type State struct {
	SessionID  string    `json:"session_id"`
	Tick       uint64    `json:"tick"`
	UpdatedUTC time.Time `json:"updated_utc"`
	ElapsedSec float64   `json:"elapsed_sec"`

	Mode           stabilizer.Mode `json:"mode"`
	Position       Vec2            `json:"position"`
	Velocity       Vec2            `json:"velocity"`
	Target         Vec2            `json:"target"`
	PositionLocked bool            `json:"position_locked"`

	Height         float64 `json:"height"`
	AltitudeValid  bool    `json:"altitude_valid"`
	Confidence     float64 `json:"tracking_confidence"`
	SurfaceQuality uint8   `json:"surface_quality"`
	FilterWindow   int     `json:"filter_window"`

	// Stabilizer is the controller output before stick mixing; Corrections
	// is what goes to the sinks.
	Stabilizer  stabilizer.Command `json:"stabilizer"`
	Corrections stabilizer.Command `json:"corrections"`

	Stick *StickState `json:"stick,omitempty"`

	Overruns uint64 `json:"loop_overruns"`
}

// stickLogValue is the flight-log encoding of a normalized stick value.
func stickLogValue(v float64) int {
	return int(v * 500)
}

// Row converts the state into a flight log row.
func (s State) Row() flightlog.Row {
	r := flightlog.Row{
		Time:     s.ElapsedSec,
		PosX:     s.Position.X,
		PosY:     s.Position.Y,
		VelX:     s.Velocity.X,
		VelY:     s.Velocity.Y,
		PitchCmd: s.Corrections.Pitch,
		RollCmd:  s.Corrections.Roll,
		Mode:     s.Mode.String(),
		Squal:    int(s.SurfaceQuality),
	}
	if s.Stick != nil {
		r.StickPitch = stickLogValue(s.Stick.Positions.Pitch)
		r.StickRoll = stickLogValue(s.Stick.Positions.Roll)
		r.StickThrottle = stickLogValue(s.Stick.Positions.Throttle)
		r.StickYaw = stickLogValue(s.Stick.Positions.Yaw)
	}
	return r
}
