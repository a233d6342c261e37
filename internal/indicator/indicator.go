// Package indicator drives a status LED from the published control state.
//
//	PositionHold, locked:     on
//	PositionHold, not locked: blinking
//	otherwise:                off
package indicator

import (
	"fmt"
	"sync"
	"time"

	"betafly-ng/internal/control"
	"betafly-ng/internal/stabilizer"
)

type line interface {
	SetValue(v int) error
	Close() error
}

var openLineFn = openLine

const DefaultBlinkPeriod = 500 * time.Millisecond

type Config struct {
	// Pin is BCM GPIO numbering.
	Pin         int
	BlinkPeriod time.Duration
}

type LED struct {
	cfg Config

	mu     sync.Mutex
	line   line
	level  int
	primed bool
}

func Open(cfg Config) (*LED, error) {
	if cfg.BlinkPeriod <= 0 {
		cfg.BlinkPeriod = DefaultBlinkPeriod
	}
	l, err := openLineFn(cfg.Pin)
	if err != nil {
		return nil, err
	}
	return &LED{cfg: cfg, line: l}, nil
}

// Level is the LED level for st.
func (d *LED) Level(st control.State) int {
	if st.Mode != stabilizer.PositionHold {
		return 0
	}
	if st.PositionLocked {
		return 1
	}
	half := d.cfg.BlinkPeriod / 2
	if half <= 0 {
		return 1
	}
	if (st.UpdatedUTC.UnixNano()/int64(half))%2 == 0 {
		return 1
	}
	return 0
}

// Publish implements control.Sink. The line is only written on change.
func (d *LED) Publish(st control.State) error {
	v := d.Level(st)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.line == nil {
		return fmt.Errorf("indicator: closed")
	}
	if d.primed && v == d.level {
		return nil
	}
	if err := d.line.SetValue(v); err != nil {
		return fmt.Errorf("indicator: set gpio %d: %w", d.cfg.Pin, err)
	}
	d.level = v
	d.primed = true
	return nil
}

// Close turns the LED off and releases the line.
func (d *LED) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.line == nil {
		return nil
	}
	err := d.line.Close()
	d.line = nil
	return err
}
