package stabilizer

import (
	"encoding/json"
	"fmt"
)

type Mode int

const (
	Off Mode = iota
	VelocityDamping
	PositionHold
)

var modeNames = [...]string{
	Off:             "off",
	VelocityDamping: "velocity_damping",
	PositionHold:    "position_hold",
}

func (m Mode) Valid() bool { return m >= Off && m <= PositionHold }

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode accepts the names used in config files and the web API.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if s == n {
			return Mode(i), nil
		}
	}
	return Off, fmt.Errorf("stabilizer: invalid mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
