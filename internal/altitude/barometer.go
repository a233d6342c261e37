package altitude

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"betafly-ng/internal/latest"
	"betafly-ng/internal/sensors/bmp280"
)

// PressureSensor reads compensated temperature (C) and pressure (Pa).
type PressureSensor interface {
	Read() (tempC, pressPa float64, err error)
}

type BarometerConfig struct {
	// Open (re)initializes the sensor. It is called at start and again
	// after repeated read failures.
	Open func() (PressureSensor, error)

	SeaLevelPa   float64
	PollInterval time.Duration
	Timeout      time.Duration

	// CalibrateOnStart averages the first CalibrationSamples readings into
	// the takeoff reference.
	CalibrateOnStart   bool
	CalibrationSamples int
}

// Barometer reports altitude above the takeoff point from pressure.
// It is unavailable until a takeoff reference has been captured.
type Barometer struct {
	cfg BarometerConfig

	pressure latest.Cell[float64]

	mu         sync.Mutex
	refMSL     float64
	calibrated bool
	calib      []float64
	lastErr    string

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

const (
	baroReinitAfter   = 10
	baroReinitBackoff = 2 * time.Second
)

func NewBarometer(cfg BarometerConfig) (*Barometer, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("altitude: barometer open func is nil")
	}
	if cfg.SeaLevelPa <= 0 {
		cfg.SeaLevelPa = bmp280.SeaLevelPa
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1 * time.Second
	}
	if cfg.CalibrationSamples <= 0 {
		cfg.CalibrationSamples = 10
	}
	return &Barometer{cfg: cfg, done: make(chan struct{})}, nil
}

// Start launches the poll goroutine. Sensor open failures are retried.
func (b *Barometer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.done)
		b.run(runCtx)
	}()
}

func (b *Barometer) run(ctx context.Context) {
	var sensor PressureSensor
	failures := 0
	var nextOpen time.Time

	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()
	for {
		if sensor == nil && !nowFn().Before(nextOpen) {
			s, err := b.cfg.Open()
			if err != nil {
				b.setErr(fmt.Sprintf("open: %v", err))
				nextOpen = nowFn().Add(baroReinitBackoff)
			} else {
				sensor = s
				failures = 0
			}
		}
		if sensor != nil {
			if _, p, err := sensor.Read(); err != nil {
				failures++
				b.setErr(err.Error())
				if failures >= baroReinitAfter {
					log.Printf("barometer: %d consecutive read failures, reinitializing", failures)
					sensor = nil
					nextOpen = nowFn().Add(baroReinitBackoff)
				}
			} else {
				failures = 0
				b.observe(p, nowFn())
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (b *Barometer) observe(pressPa float64, now time.Time) {
	b.pressure.Store(pressPa, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = ""
	if b.calibrated || !b.cfg.CalibrateOnStart {
		return
	}
	b.calib = append(b.calib, bmp280.PressureAltitude(pressPa, b.cfg.SeaLevelPa))
	if len(b.calib) >= b.cfg.CalibrationSamples {
		b.refMSL = stat.Mean(b.calib, nil)
		b.calibrated = true
		b.calib = nil
		log.Printf("barometer: takeoff reference %.2f m MSL", b.refMSL)
	}
}

func (b *Barometer) setErr(msg string) {
	b.mu.Lock()
	b.lastErr = msg
	b.mu.Unlock()
}

// CalibrateTakeoff captures the current pressure altitude as ground level.
func (b *Barometer) CalibrateTakeoff() error {
	p, ok := b.pressure.Fresh(nowFn(), b.cfg.Timeout)
	if !ok {
		return fmt.Errorf("altitude: barometer has no recent reading")
	}
	msl := bmp280.PressureAltitude(p, b.cfg.SeaLevelPa)
	b.mu.Lock()
	b.refMSL = msl
	b.calibrated = true
	b.calib = nil
	b.mu.Unlock()
	log.Printf("barometer: takeoff reference %.2f m MSL", msl)
	return nil
}

func (b *Barometer) Calibrated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calibrated
}

func (b *Barometer) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Barometer) Altitude() (float64, bool) {
	p, ok := b.pressure.Fresh(nowFn(), b.cfg.Timeout)
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	ref, calibrated := b.refMSL, b.calibrated
	b.mu.Unlock()
	if !calibrated {
		return 0, false
	}
	return bmp280.PressureAltitude(p, b.cfg.SeaLevelPa) - ref, true
}

func (b *Barometer) Available() bool {
	_, ok := b.pressure.Fresh(nowFn(), b.cfg.Timeout)
	return ok && b.Calibrated()
}

// Close stops the poll goroutine and waits for it.
func (b *Barometer) Close() error {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			close(b.done)
			return
		}
		b.cancel()
		<-b.done
	})
	return nil
}
