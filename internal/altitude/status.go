package altitude

import (
	"errors"
	"fmt"
	"log"

	"betafly-ng/internal/ndjson"
)

// Status is a diagnostic view of a source for the status API. Fields that
// do not apply to the source type are omitted.
type Status struct {
	Type       string           `json:"type"`
	Available  bool             `json:"available"`
	Altitude   *float64         `json:"altitude_m,omitempty"`
	Weight     float64          `json:"weight,omitempty"`
	Calibrated *bool            `json:"calibrated,omitempty"`
	Frames     uint64           `json:"frames,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	Link       *ndjson.Snapshot `json:"link,omitempty"`
	Sources    []Status         `json:"sources,omitempty"`
}

type statusReporter interface {
	Status() Status
}

// Describe reports the diagnostics of src. Sources from outside this
// package get the generic fields only.
func Describe(src Source) Status {
	if src == nil {
		return Status{Type: "none"}
	}
	if r, ok := src.(statusReporter); ok {
		return r.Status()
	}
	return baseStatus("custom", src)
}

func baseStatus(typ string, src Source) Status {
	st := Status{Type: typ, Available: src.Available()}
	if v, ok := src.Altitude(); ok {
		st.Altitude = &v
	}
	return st
}

func (s *Static) Status() Status { return baseStatus("static", s) }

func (b *Barometer) Status() Status {
	st := baseStatus("barometer", b)
	cal := b.Calibrated()
	st.Calibrated = &cal
	st.LastError = b.LastError()
	return st
}

func (r *Rangefinder) Status() Status {
	st := baseStatus("rangefinder", r)
	st.Frames = r.Frames()
	st.LastError = r.LastError()
	return st
}

func (t *Telemetry) Status() Status {
	st := baseStatus("telemetry", t)
	link := t.Link()
	st.Link = &link
	st.LastError = link.LastError
	return st
}

func (f *Fused) Status() Status {
	st := baseStatus("fused", f)
	st.Sources = make([]Status, len(f.sources))
	for i, s := range f.sources {
		st.Sources[i] = Describe(s)
		st.Sources[i].Weight = f.weights[i]
	}
	return st
}

// Calibrator is a source whose zero is the takeoff point.
type Calibrator interface {
	CalibrateTakeoff() error
}

// CalibrateGround takes the current reading of every calibratable source
// under src as ground level. It is meant to be called on the ground before
// takeoff, typically when calibrate_on_start is off.
func CalibrateGround(src Source) error {
	var cals []Calibrator
	collectCalibrators(src, &cals)
	if len(cals) == 0 {
		return errors.New("altitude: no source needs ground calibration")
	}
	var errs []error
	for i, c := range cals {
		if err := c.CalibrateTakeoff(); err != nil {
			errs = append(errs, fmt.Errorf("calibrator %d: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Printf("altitude: ground calibrated (%d source(s))", len(cals))
	return nil
}

func collectCalibrators(src Source, out *[]Calibrator) {
	switch s := src.(type) {
	case *Fused:
		for _, sub := range s.sources {
			collectCalibrators(sub, out)
		}
	case Calibrator:
		*out = append(*out, s)
	}
}
