// Package flightlog reads, writes and replays the per-tick CSV flight log.
package flightlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Log format: CSV with a header line.
//
//	basic:    time,pos_x,pos_y,vel_x,vel_y,pitch_cmd,roll_cmd,mode,squal
//	advanced: time,pos_x,pos_y,vel_x,vel_y,pitch_cmd,roll_cmd,
//	          stick_pitch,stick_roll,stick_throttle,stick_yaw,mode,squal
//
// time is seconds since the control loop started (3 decimals), positions
// and velocities have 6 decimals, commands 4. Stick columns are the
// normalized deflection times 500, truncated.

var (
	basicColumns    = []string{"time", "pos_x", "pos_y", "vel_x", "vel_y", "pitch_cmd", "roll_cmd", "mode", "squal"}
	advancedColumns = []string{"time", "pos_x", "pos_y", "vel_x", "vel_y", "pitch_cmd", "roll_cmd", "stick_pitch", "stick_roll", "stick_throttle", "stick_yaw", "mode", "squal"}
)

// Header returns the header line columns for the chosen variant.
func Header(advanced bool) []string {
	if advanced {
		return append([]string(nil), advancedColumns...)
	}
	return append([]string(nil), basicColumns...)
}

type Row struct {
	Time     float64
	PosX     float64
	PosY     float64
	VelX     float64
	VelY     float64
	PitchCmd float64
	RollCmd  float64

	StickPitch    int
	StickRoll     int
	StickThrottle int
	StickYaw      int

	Mode  string
	Squal int
}

// At is the row time as a duration since loop start.
func (r Row) At() time.Duration {
	return time.Duration(r.Time * float64(time.Second))
}

// FlushInterval bounds how long a written row may sit in the buffer.
const FlushInterval = time.Second

var nowFn = time.Now

type Writer struct {
	f         *os.File
	w         *bufio.Writer
	advanced  bool
	closed    bool
	lastFlush time.Time
}

func CreateWriter(path string, advanced bool) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("flightlog: %w", err)
	}
	w, err := newWriter(f, advanced)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.f = f
	return w, nil
}

func newWriter(out io.Writer, advanced bool) (*Writer, error) {
	bw := bufio.NewWriterSize(out, 64*1024)
	if _, err := bw.WriteString(strings.Join(Header(advanced), ",") + "\n"); err != nil {
		return nil, fmt.Errorf("flightlog: write header: %w", err)
	}
	return &Writer{w: bw, advanced: advanced}, nil
}

func (ww *Writer) Advanced() bool { return ww.advanced }

// WriteRow appends one row. The buffer is flushed on the first row and then
// at most once per FlushInterval, so a crash loses about a second of log.
func (ww *Writer) WriteRow(r Row) error {
	if ww.closed {
		return errors.New("flightlog: writer is closed")
	}
	var err error
	if ww.advanced {
		_, err = fmt.Fprintf(ww.w, "%.3f,%.6f,%.6f,%.6f,%.6f,%.4f,%.4f,%d,%d,%d,%d,%s,%d\n",
			r.Time, r.PosX, r.PosY, r.VelX, r.VelY, r.PitchCmd, r.RollCmd,
			r.StickPitch, r.StickRoll, r.StickThrottle, r.StickYaw, r.Mode, r.Squal)
	} else {
		_, err = fmt.Fprintf(ww.w, "%.3f,%.6f,%.6f,%.6f,%.6f,%.4f,%.4f,%s,%d\n",
			r.Time, r.PosX, r.PosY, r.VelX, r.VelY, r.PitchCmd, r.RollCmd, r.Mode, r.Squal)
	}
	if err != nil {
		return err
	}
	if now := nowFn(); now.Sub(ww.lastFlush) >= FlushInterval {
		ww.lastFlush = now
		return ww.w.Flush()
	}
	return nil
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	err := ww.w.Flush()
	if ww.f != nil {
		if cerr := ww.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadAll parses a basic or advanced log. Columns are located by header
// name, so either variant is accepted; stick fields stay zero for a basic
// log.
func (rr *Reader) ReadAll() ([]Row, error) {
	cr := csv.NewReader(rr.r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flightlog: read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, name := range basicColumns {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("flightlog: header is missing column %q", name)
		}
	}
	_, advanced := idx["stick_pitch"]

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("flightlog: line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("flightlog: line %d: got %d fields, want %d", line, len(rec), len(header))
		}
		p := fieldParser{rec: rec, idx: idx}
		r := Row{
			Time:     p.float("time"),
			PosX:     p.float("pos_x"),
			PosY:     p.float("pos_y"),
			VelX:     p.float("vel_x"),
			VelY:     p.float("vel_y"),
			PitchCmd: p.float("pitch_cmd"),
			RollCmd:  p.float("roll_cmd"),
			Mode:     strings.TrimSpace(rec[idx["mode"]]),
			Squal:    p.int("squal"),
		}
		if advanced {
			r.StickPitch = p.int("stick_pitch")
			r.StickRoll = p.int("stick_roll")
			r.StickThrottle = p.int("stick_throttle")
			r.StickYaw = p.int("stick_yaw")
		}
		if p.err != nil {
			return nil, fmt.Errorf("flightlog: line %d: %w", line, p.err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

type fieldParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *fieldParser) float(name string) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(p.rec[p.idx[name]]), 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *fieldParser) int(name string) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(p.rec[p.idx[name]]))
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays rows with their relative timing. A row whose time goes
// backwards starts a new segment and is played without waiting.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits).
func Play(rows []Row, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(Row) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("flightlog: speed multiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("flightlog: callback is nil")
	}
	if len(rows) == 0 {
		return errors.New("flightlog: no rows")
	}

	for {
		var lastAt time.Duration
		haveLast := false
		for _, r := range rows {
			at := r.At()
			if haveLast && at > lastAt {
				wait := time.Duration(float64(at-lastAt) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}
			if err := cb(r); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}
		if !loop {
			return nil
		}
	}
}
