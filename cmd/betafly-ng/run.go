package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"betafly-ng/internal/altitude"
	"betafly-ng/internal/config"
	"betafly-ng/internal/control"
	"betafly-ng/internal/flightlog"
	"betafly-ng/internal/flow"
	"betafly-ng/internal/indicator"
	"betafly-ng/internal/pid"
	"betafly-ng/internal/sensors/pmw3901"
	"betafly-ng/internal/sim"
	"betafly-ng/internal/stabilizer"
	"betafly-ng/internal/stick"
	"betafly-ng/internal/udp"
	"betafly-ng/internal/web"
)

const logBufferLines = 2000

// runtime owns everything the control loop needs plus the background
// sources that must be closed on shutdown.
type runtime struct {
	cfg        config.Config
	configPath string
	loop       *control.Loop
	motion     flow.MotionSource
	closers    []control.Named
}

func runFromConfig(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logs := web.NewLogBuffer(logBufferLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	rt.configPath = configPath
	return rt.run(ctx, logs)
}

func newRuntime(ctx context.Context, cfg config.Config) (rt *runtime, err error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, err
	}
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
			rt = nil
		}
	}()

	motion, cl, err := openMotion(cfg.Motion)
	if err != nil {
		return nil, err
	}
	rt.motion = motion
	if cl != nil {
		rt.closers = append(rt.closers, control.Named{Name: "motion", Closer: cl})
	}

	var alt altitude.Source
	if cfg.Altitude.Enable {
		src, cl, err := altitude.FromConfig(ctx, cfg.Altitude)
		if err != nil {
			return nil, err
		}
		alt = src
		rt.closers = append(rt.closers, control.Named{Name: "altitude", Closer: cl})
	}

	tracker, err := flow.New(trackerConfig(cfg.Tracker), rt.motion, alt)
	if err != nil {
		return nil, err
	}

	ctrl, err := newController(cfg)
	if err != nil {
		return nil, err
	}

	comps := control.Components{Tracker: tracker, Controller: ctrl}

	if cfg.Stick.Enable {
		src, cl, err := openSticks(ctx, cfg.Stick)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, control.Named{Name: "stick", Closer: cl})
		mixer, err := stick.NewMixer(*cfg.Stick.MixRatio, *cfg.Stick.Deadzone, cfg.Stick.MaxManualAngle)
		if err != nil {
			return nil, err
		}
		comps.Sticks = src
		comps.Mixer = mixer
		comps.ModeSwitch = &stick.ModeSwitch{Channel: *cfg.Stick.ModeChannel}
		log.Printf("stick: %s mix_ratio=%.2f deadzone=%.2f mode_channel=%d",
			cfg.Stick.Protocol, *cfg.Stick.MixRatio, *cfg.Stick.Deadzone, *cfg.Stick.ModeChannel)
	}

	if cfg.Output.Dest != "" {
		b, err := udp.NewBroadcaster(cfg.Output.Dest)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, control.Named{Name: "udp", Closer: b})
		comps.Sinks = append(comps.Sinks, b)
		log.Printf("udp: corrections to %s", cfg.Output.Dest)
	}

	if cfg.Indicator.Enable {
		// A missing GPIO chip only disables the LED.
		led, err := indicator.Open(indicator.Config{Pin: cfg.Indicator.Pin})
		if err != nil {
			log.Printf("indicator: disabled: %v", err)
		} else {
			rt.closers = append(rt.closers, control.Named{Name: "indicator", Closer: led})
			comps.Sinks = append(comps.Sinks, led)
		}
	}

	if cfg.Log.Enable {
		w, err := flightlog.CreateWriter(cfg.Log.Path, *cfg.Log.Advanced)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, control.Named{Name: "flight log", Closer: w})
		comps.Recorder = w
		log.Printf("flightlog: writing %s every %d ticks (advanced=%t)", cfg.Log.Path, cfg.Log.Every, *cfg.Log.Advanced)
	}

	rt.loop, err = control.New(control.Config{
		RateHz:      cfg.Control.RateHz,
		RecordEvery: cfg.Log.Every,
	}, comps)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func trackerConfig(c config.TrackerConfig) flow.Config {
	fc := flow.Config{
		ScaleFactor:             c.ScaleFactor,
		InitialHeight:           c.InitialHeight,
		BaseWindow:              c.FilterWindow,
		MaxAltitude:             c.MaxAltitude,
		QualityThresholdLowAlt:  c.QualityThresholdLowAlt,
		QualityThresholdHighAlt: c.QualityThresholdHighAlt,
	}
	for _, t := range c.Tiers {
		fc.Tiers = append(fc.Tiers, flow.Tier{
			MaxHeight:         t.MaxHeight,
			ExtraWindow:       t.ExtraWindow,
			Compensation:      t.Compensation,
			CompensationSlope: t.CompensationSlope,
		})
	}
	return fc
}

func newController(cfg config.Config) (*stabilizer.Controller, error) {
	g := func(c *config.GainsConfig) pid.Gains { return pid.Gains{Kp: c.Kp, Ki: c.Ki, Kd: c.Kd} }
	ctrl, err := stabilizer.New(stabilizer.Config{
		GainsX:                   g(cfg.PID.PositionX),
		GainsY:                   g(cfg.PID.PositionY),
		IntegralLimit:            cfg.PID.IntegralLimit,
		VelocityDamping:          cfg.Stabilizer.VelocityDamping,
		MaxTilt:                  cfg.Stabilizer.MaxTiltAngle,
		AltitudeAdaptive:         *cfg.Stabilizer.AltitudeAdaptive,
		HighAltitudeDampingBoost: *cfg.Stabilizer.HighAltitudeDampingBoost,
	})
	if err != nil {
		return nil, err
	}
	mode, err := stabilizer.ParseMode(cfg.Stabilizer.InitialMode)
	if err != nil {
		return nil, err
	}
	if err := ctrl.SetMode(mode); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func openMotion(c config.MotionConfig) (flow.MotionSource, io.Closer, error) {
	switch c.Type {
	case "pmw3901":
		p := c.PMW3901
		d, err := pmw3901.Open(p.SPIBus, p.SPIDevice, uint32(p.SpeedHz), pmw3901.Config{Rotation: p.Rotation})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("motion: pmw3901 on /dev/spidev%d.%d speed=%dHz rotation=%d",
			p.SPIBus, p.SPIDevice, p.SpeedHz, p.Rotation)
		return d, d, nil
	case "sim":
		m := sim.NewMotion(sim.MotionConfig{
			DX:      c.Sim.DX,
			DY:      c.Sim.DY,
			Jitter:  c.Sim.Jitter,
			Quality: uint8(c.Sim.Quality),
		})
		log.Printf("motion: sim drift=(%d,%d) jitter=%d quality=%d",
			c.Sim.DX, c.Sim.DY, c.Sim.Jitter, c.Sim.Quality)
		return m, nil, nil
	default:
		return nil, nil, fmt.Errorf("motion: unsupported type %q", c.Type)
	}
}

func openSticks(ctx context.Context, c config.StickConfig) (stick.Source, io.Closer, error) {
	switch c.Protocol {
	case "sbus":
		s, err := stick.OpenSBUS(ctx, c.Device, c.Channels, c.FailsafeTimeout)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "mock":
		m := stick.NewMock(c.Channels, c.FailsafeTimeout)
		m.Start(ctx)
		return m, m, nil
	default:
		return nil, nil, fmt.Errorf("stick: unsupported protocol %q", c.Protocol)
	}
}

// run blocks until ctx is done, then stops the background sources. A web
// server failure is logged and does not stop the control loop.
func (rt *runtime) run(ctx context.Context, logs *web.LogBuffer) error {
	log.Printf("betafly-ng starting session=%s", rt.loop.SessionID())

	if rt.cfg.Web.Listen != "" {
		log.Printf("web: listening on %s", rt.cfg.Web.Listen)
		go func() {
			settings := &web.SettingsStore{ConfigPath: rt.configPath, Running: rt.cfg}
			if err := web.Serve(ctx, rt.cfg.Web.Listen, rt.loop, logs, settings); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("web: server stopped: %v", err)
			}
		}()
	}

	err := rt.loop.Run(ctx)

	log.Printf("betafly-ng stopping")
	if cerr := rt.close(); cerr != nil {
		log.Printf("shutdown: %v", cerr)
	}
	return err
}

func (rt *runtime) close() error {
	return control.JoinWithTimeout(rt.closers, rt.cfg.Control.JoinTimeout)
}
