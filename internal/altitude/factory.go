package altitude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"betafly-ng/internal/config"
	"betafly-ng/internal/i2c"
	"betafly-ng/internal/sensors/bmp280"
)

// closers closes in reverse order and joins the errors.
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// FromConfig builds the source selected by cfg.Type. The returned closer
// stops any background readers; it is never nil when err is nil.
func FromConfig(ctx context.Context, cfg config.AltitudeConfig) (Source, io.Closer, error) {
	var cl closers
	src, err := build(ctx, cfg, &cl)
	if err != nil {
		_ = cl.Close()
		return nil, nil, err
	}
	return src, cl, nil
}

func build(ctx context.Context, cfg config.AltitudeConfig, cl *closers) (Source, error) {
	switch cfg.Type {
	case config.AltitudeStatic:
		log.Printf("altitude: static %.2f m", cfg.FixedAltitude)
		return NewStatic(cfg.FixedAltitude), nil

	case config.AltitudeTelemetry:
		t, err := StartTelemetry(ctx, TelemetryConfig{Addr: cfg.Addr, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		*cl = append(*cl, t)
		log.Printf("altitude: telemetry from %s", cfg.Addr)
		return t, nil

	case config.AltitudeRangefinder:
		r, err := OpenRangefinder(ctx, RangefinderConfig{Port: cfg.Port, Baud: cfg.Baud, Protocol: cfg.Protocol, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		*cl = append(*cl, r)
		log.Printf("altitude: %s rangefinder on %s", cfg.Protocol, cfg.Port)
		return r, nil

	case config.AltitudeBarometer:
		bus, err := i2c.OpenBus(cfg.I2CBus)
		if err != nil {
			return nil, fmt.Errorf("altitude: barometer: %w", err)
		}
		*cl = append(*cl, closerFunc(bus.Close))
		dev := bus.Dev(cfg.I2CAddr)
		calibrate := cfg.CalibrateOnStart == nil || *cfg.CalibrateOnStart
		b, err := NewBarometer(BarometerConfig{
			Open: func() (PressureSensor, error) {
				d, err := bmp280.New(dev, bmp280.Config{})
				if err != nil {
					return nil, err
				}
				return d, nil
			},
			SeaLevelPa:       cfg.SeaLevelPa,
			Timeout:          cfg.Timeout,
			CalibrateOnStart: calibrate,
		})
		if err != nil {
			return nil, err
		}
		b.Start(ctx)
		*cl = append(*cl, b)
		log.Printf("altitude: bmp280 barometer on %s addr=0x%02X", bus.Path(), cfg.I2CAddr)
		return b, nil

	case config.AltitudeFused:
		srcs := make([]Source, 0, len(cfg.Sources))
		weights := make([]float64, 0, len(cfg.Sources))
		for i, sub := range cfg.Sources {
			if sub.Type == config.AltitudeFused {
				return nil, fmt.Errorf("altitude: sources[%d]: fused sources cannot be nested", i)
			}
			s, err := build(ctx, sub, cl)
			if err != nil {
				return nil, fmt.Errorf("altitude: sources[%d]: %w", i, err)
			}
			srcs = append(srcs, s)
			weights = append(weights, sub.Weight)
		}
		f, err := NewFused(srcs, weights)
		if err != nil {
			return nil, err
		}
		log.Printf("altitude: fused %d sources weights=%v", len(srcs), f.Weights())
		return f, nil
	}
	return nil, fmt.Errorf("altitude: unknown source type %q", cfg.Type)
}
