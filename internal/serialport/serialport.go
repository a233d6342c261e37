// Package serialport opens UART devices for the rangefinder and RC receiver.
package serialport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port used by the readers in this module.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Options describes the line settings of a port.
type Options struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// Normalize validates the options and applies defaults for unset values.
func (o Options) Normalize() (Options, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("serialport: invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("serialport: invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("serialport: unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// Mode converts the options into a go.bug.st/serial mode.
func (o Options) Mode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	// serial.StopBits is an enum (OneStopBit=0), not a count.
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// OpenFn is swapped in tests.
var OpenFn = func(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Open opens path with the given options and a short read timeout so reader
// goroutines can observe cancellation.
func Open(path string, opts Options, readTimeout time.Duration) (Port, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("serialport: path is required")
	}
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	p, err := OpenFn(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("serialport: %s: set read timeout: %w", path, err)
		}
	}
	return p, nil
}
