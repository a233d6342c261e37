package altitude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"betafly-ng/internal/latest"
	"betafly-ng/internal/serialport"
)

// Rangefinder protocols.
const (
	ProtocolBenewake  = "benewake"
	ProtocolLightWare = "lightware"
)

const benewakeFrameLen = 9

var errBadFrame = errors.New("bad frame")

type RangefinderConfig struct {
	Port     string
	Baud     int
	Protocol string
	Timeout  time.Duration
}

// Rangefinder reads a downward-facing laser rangefinder over a UART.
// Available while the last valid frame is younger than Timeout.
type Rangefinder struct {
	cfg  RangefinderConfig
	port serialport.Port

	dist latest.Cell[float64]

	mu      sync.Mutex
	frames  uint64
	lastErr string

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func OpenRangefinder(ctx context.Context, cfg RangefinderConfig) (*Rangefinder, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolBenewake
	}
	if cfg.Protocol != ProtocolBenewake && cfg.Protocol != ProtocolLightWare {
		return nil, fmt.Errorf("altitude: rangefinder protocol %q is not supported", cfg.Protocol)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1 * time.Second
	}
	p, err := serialport.Open(cfg.Port, serialport.Options{BaudRate: cfg.Baud}, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("altitude: rangefinder: %w", err)
	}
	return startRangefinder(ctx, cfg, p), nil
}

func startRangefinder(ctx context.Context, cfg RangefinderConfig, p serialport.Port) *Rangefinder {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Rangefinder{cfg: cfg, port: p, cancel: cancel, done: make(chan struct{})}
	go r.readLoop(runCtx)
	return r
}

func (r *Rangefinder) readLoop(ctx context.Context) {
	defer close(r.done)
	br := bufio.NewReaderSize(timeoutReader{ctx: ctx, r: r.port}, 256)
	for {
		var (
			m   float64
			err error
		)
		if r.cfg.Protocol == ProtocolLightWare {
			m, err = readLightWare(br)
		} else {
			m, err = readBenewake(br)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			r.setErr(err.Error())
			if !errors.Is(err, errBadFrame) && !sleepCtx(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		r.dist.Store(m, nowFn())
		r.mu.Lock()
		r.frames++
		r.lastErr = ""
		r.mu.Unlock()
	}
}

func (r *Rangefinder) setErr(msg string) {
	r.mu.Lock()
	r.lastErr = msg
	r.mu.Unlock()
}

func (r *Rangefinder) Altitude() (float64, bool) {
	return r.dist.Fresh(nowFn(), r.cfg.Timeout)
}

func (r *Rangefinder) Available() bool {
	_, ok := r.dist.Fresh(nowFn(), r.cfg.Timeout)
	return ok
}

func (r *Rangefinder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *Rangefinder) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Close stops the reader, closes the port and waits for the reader to exit.
func (r *Rangefinder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.port.Close()
		<-r.done
	})
	return err
}

// timeoutReader turns the port's (0, nil) read timeouts into cancellation
// checks so bufio does not spin on empty reads.
type timeoutReader struct {
	ctx context.Context
	r   io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	for {
		if err := t.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := t.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// readBenewake scans for a TFmini frame: 0x59 0x59, distance (cm, LE),
// strength (LE), 2 reserved bytes, checksum (low byte of the sum of the
// first 8 bytes).
func readBenewake(br *bufio.Reader) (float64, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != 0x59 {
			continue
		}
		next, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if next[0] != 0x59 {
			continue
		}
		var frame [benewakeFrameLen]byte
		frame[0] = 0x59
		if _, err := io.ReadFull(br, frame[1:]); err != nil {
			return 0, err
		}
		return parseBenewake(frame[:])
	}
}

func parseBenewake(frame []byte) (float64, error) {
	if len(frame) != benewakeFrameLen || frame[0] != 0x59 || frame[1] != 0x59 {
		return 0, fmt.Errorf("benewake: header: %w", errBadFrame)
	}
	var sum byte
	for _, b := range frame[:8] {
		sum += b
	}
	if sum != frame[8] {
		return 0, fmt.Errorf("benewake: checksum 0x%02X want 0x%02X: %w", frame[8], sum, errBadFrame)
	}
	cm := int(frame[2]) | int(frame[3])<<8
	return float64(cm) / 100.0, nil
}

// readLightWare reads one ASCII line carrying the distance in meters.
func readLightWare(br *bufio.Reader) (float64, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return parseLightWare(line)
}

func parseLightWare(line string) (float64, error) {
	s := strings.TrimSpace(line)
	// Some firmware appends the unit, e.g. "12.34 m".
	s = strings.TrimSpace(strings.TrimSuffix(s, "m"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("lightware: %q: %w", strings.TrimSpace(line), errBadFrame)
	}
	if v < 0 {
		return 0, fmt.Errorf("lightware: negative distance %v: %w", v, errBadFrame)
	}
	return v, nil
}
