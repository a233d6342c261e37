package stick

import "time"

// Status is a diagnostic view of an RC source.
type Status struct {
	Failsafe      bool       `json:"failsafe"`
	LastUpdateUTC string     `json:"last_update_utc,omitempty"`
	Pulses        []uint16   `json:"pulses_us,omitempty"`
	SBUS          *SBUSStats `json:"sbus,omitempty"`
}

func Describe(src Source) Status {
	st := Status{Failsafe: src.Failsafe()}
	if c, ok := src.(interface {
		LastUpdate() time.Time
		Values() []uint16
	}); ok {
		if at := c.LastUpdate(); !at.IsZero() {
			st.LastUpdateUTC = at.UTC().Format(time.RFC3339Nano)
		}
		st.Pulses = c.Values()
	}
	if s, ok := src.(*SBUS); ok {
		stats := s.Stats()
		st.SBUS = &stats
	}
	return st
}
