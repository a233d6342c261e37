package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Motion     MotionConfig     `yaml:"motion"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Altitude   AltitudeConfig   `yaml:"altitude"`
	PID        PIDConfig        `yaml:"pid"`
	Stabilizer StabilizerConfig `yaml:"stabilizer"`
	Stick      StickConfig      `yaml:"stick"`
	Control    ControlConfig    `yaml:"control"`
	Log        LogConfig        `yaml:"log"`
	Web        WebConfig        `yaml:"web"`
	Output     OutputConfig     `yaml:"output"`
	Indicator  IndicatorConfig  `yaml:"indicator"`
}

// MotionConfig selects the motion source: "pmw3901" reads the optical flow
// sensor over spidev, "sim" feeds a deterministic drift for bench runs.
type MotionConfig struct {
	Type    string          `yaml:"type"`
	Sim     SimMotionConfig `yaml:"sim"`
	PMW3901 PMW3901Config   `yaml:"pmw3901"`
}

type PMW3901Config struct {
	SPIBus    int `yaml:"spi_bus"`
	SPIDevice int `yaml:"spi_device"`
	SpeedHz   int `yaml:"speed_hz"`
	// Rotation is the sensor mounting angle in degrees.
	Rotation int `yaml:"rotation"`
}

type SimMotionConfig struct {
	DX      int32 `yaml:"dx"`
	DY      int32 `yaml:"dy"`
	Jitter  int32 `yaml:"jitter"`
	Quality int   `yaml:"quality"`
}

type TrackerConfig struct {
	ScaleFactor   float64 `yaml:"scale_factor"`
	InitialHeight float64 `yaml:"initial_height"`
	FilterWindow  int     `yaml:"filter_window"`
	MaxAltitude   float64 `yaml:"max_altitude"`

	QualityThresholdLowAlt  float64 `yaml:"quality_threshold_low_alt"`
	QualityThresholdHighAlt float64 `yaml:"quality_threshold_high_alt"`

	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig overrides one altitude tier of the tracker. Tiers apply to
// heights up to and including MaxHeight; the last tier is open ended and its
// compensation grows by CompensationSlope per meter above the previous tier.
type TierConfig struct {
	MaxHeight         float64 `yaml:"max_height"`
	ExtraWindow       int     `yaml:"extra_window"`
	Compensation      float64 `yaml:"compensation"`
	CompensationSlope float64 `yaml:"compensation_slope"`
}

// Altitude source types.
const (
	AltitudeStatic      = "static"
	AltitudeTelemetry   = "telemetry"
	AltitudeRangefinder = "rangefinder"
	AltitudeBarometer   = "barometer"
	AltitudeFused       = "fused"
)

// AltitudeConfig is a tagged union keyed by Type. Only the fields of the
// selected type are meaningful; Sources is used by "fused".
type AltitudeConfig struct {
	Enable bool    `yaml:"enable"`
	Type   string  `yaml:"type"`
	Weight float64 `yaml:"weight"`

	// static
	FixedAltitude float64 `yaml:"fixed_altitude"`

	// telemetry (NDJSON over TCP)
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`

	// rangefinder (serial)
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	Protocol string `yaml:"protocol"`

	// barometer (I2C)
	I2CBus           int     `yaml:"i2c_bus"`
	I2CAddr          uint16  `yaml:"i2c_addr"`
	CalibrateOnStart *bool   `yaml:"calibrate_on_start"`
	SeaLevelPa       float64 `yaml:"sea_level_pa"`

	Sources []AltitudeConfig `yaml:"sources"`
}

type GainsConfig struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

type PIDConfig struct {
	PositionX     *GainsConfig `yaml:"position_x"`
	PositionY     *GainsConfig `yaml:"position_y"`
	IntegralLimit float64      `yaml:"integral_limit"`
}

type StabilizerConfig struct {
	VelocityDamping          float64  `yaml:"velocity_damping"`
	MaxTiltAngle             float64  `yaml:"max_tilt_angle"`
	AltitudeAdaptive         *bool    `yaml:"altitude_adaptive"`
	HighAltitudeDampingBoost *float64 `yaml:"high_altitude_damping_boost"`
	InitialMode              string   `yaml:"initial_mode"`
}

type StickConfig struct {
	Enable          bool          `yaml:"enable"`
	Protocol        string        `yaml:"protocol"`
	Device          string        `yaml:"device"`
	Channels        int           `yaml:"channels"`
	MixRatio        *float64      `yaml:"mix_ratio"`
	Deadzone        *float64      `yaml:"deadzone"`
	MaxManualAngle  float64       `yaml:"max_manual_angle"`
	ModeChannel     *int          `yaml:"mode_channel"`
	FailsafeTimeout time.Duration `yaml:"failsafe_timeout"`
}

type ControlConfig struct {
	RateHz      float64       `yaml:"rate_hz"`
	JoinTimeout time.Duration `yaml:"join_timeout"`
}

type LogConfig struct {
	Enable   bool   `yaml:"enable"`
	Path     string `yaml:"path"`
	Every    int    `yaml:"every"`
	Advanced *bool  `yaml:"advanced"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type OutputConfig struct {
	Dest string `yaml:"dest"`
}

type IndicatorConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

// Load reads a YAML config file, rejects unknown keys and applies defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldDetail(err))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unknownFieldDetail strips yaml's "yaml: unmarshal errors:\n  line N: " prefix.
func unknownFieldDetail(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": field "); i >= 0 {
		return strings.TrimSpace(msg[i+2:])
	}
	return msg
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func gains(kp, ki, kd float64) *GainsConfig {
	return &GainsConfig{Kp: kp, Ki: ki, Kd: kd}
}

// DefaultAndValidate fills defaults in place and validates the result.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// Motion.
	if cfg.Motion.Type == "" {
		cfg.Motion.Type = "sim"
	}
	switch cfg.Motion.Type {
	case "sim":
	case "pmw3901":
		p := &cfg.Motion.PMW3901
		if p.SPIBus < 0 || p.SPIDevice < 0 {
			return fmt.Errorf("motion.pmw3901.spi_bus and spi_device must be >= 0")
		}
		if p.SpeedHz == 0 {
			p.SpeedHz = 2000000
		}
		if p.SpeedHz < 0 || p.SpeedHz > 2000000 {
			return fmt.Errorf("motion.pmw3901.speed_hz must be in (0,2000000]")
		}
		switch p.Rotation {
		case 0, 90, 180, 270:
		default:
			return fmt.Errorf("motion.pmw3901.rotation must be 0, 90, 180 or 270")
		}
	default:
		return fmt.Errorf("motion.type %q is not supported (want sim or pmw3901)", cfg.Motion.Type)
	}
	if cfg.Motion.Sim.Quality == 0 {
		cfg.Motion.Sim.Quality = 120
	}
	if cfg.Motion.Sim.Quality < 0 || cfg.Motion.Sim.Quality > 255 {
		return fmt.Errorf("motion.sim.quality must be in [0,255]")
	}
	if cfg.Motion.Sim.Jitter < 0 {
		return fmt.Errorf("motion.sim.jitter must be >= 0")
	}

	// Tracker.
	t := &cfg.Tracker
	if t.ScaleFactor == 0 {
		t.ScaleFactor = 0.001
	}
	if t.ScaleFactor < 0 {
		return fmt.Errorf("tracker.scale_factor must be > 0")
	}
	if t.InitialHeight == 0 {
		t.InitialHeight = 0.5
	}
	if t.InitialHeight < 0 {
		return fmt.Errorf("tracker.initial_height must be > 0")
	}
	if t.FilterWindow == 0 {
		t.FilterWindow = 5
	}
	if t.FilterWindow < 1 {
		return fmt.Errorf("tracker.filter_window must be >= 1")
	}
	if t.MaxAltitude == 0 {
		t.MaxAltitude = 50
	}
	if t.MaxAltitude < 0.1 {
		return fmt.Errorf("tracker.max_altitude must be >= 0.1")
	}
	if t.QualityThresholdLowAlt == 0 {
		t.QualityThresholdLowAlt = 50
	}
	if t.QualityThresholdHighAlt == 0 {
		t.QualityThresholdHighAlt = 30
	}
	if t.QualityThresholdLowAlt < 0 || t.QualityThresholdHighAlt < 0 {
		return fmt.Errorf("tracker quality thresholds must be > 0")
	}
	prev := 0.0
	for i, tier := range t.Tiers {
		last := i == len(t.Tiers)-1
		if !last && tier.MaxHeight <= prev {
			return fmt.Errorf("tracker.tiers[%d].max_height must be increasing", i)
		}
		if tier.ExtraWindow < 0 {
			return fmt.Errorf("tracker.tiers[%d].extra_window must be >= 0", i)
		}
		if tier.Compensation <= 0 {
			return fmt.Errorf("tracker.tiers[%d].compensation must be > 0", i)
		}
		if tier.CompensationSlope < 0 {
			return fmt.Errorf("tracker.tiers[%d].compensation_slope must be >= 0", i)
		}
		prev = tier.MaxHeight
	}

	// Altitude.
	if cfg.Altitude.Enable {
		if err := defaultAltitude(&cfg.Altitude, "altitude", false); err != nil {
			return err
		}
	}

	// PID.
	if cfg.PID.PositionX == nil {
		cfg.PID.PositionX = gains(0.5, 0.1, 0.2)
	}
	if cfg.PID.PositionY == nil {
		cfg.PID.PositionY = gains(0.5, 0.1, 0.2)
	}
	if cfg.PID.IntegralLimit == 0 {
		cfg.PID.IntegralLimit = 1.0
	}
	if cfg.PID.IntegralLimit < 0 {
		return fmt.Errorf("pid.integral_limit must be > 0")
	}

	// Stabilizer.
	s := &cfg.Stabilizer
	if s.VelocityDamping == 0 {
		s.VelocityDamping = 0.3
	}
	if s.VelocityDamping < 0 {
		return fmt.Errorf("stabilizer.velocity_damping must be >= 0")
	}
	if s.MaxTiltAngle == 0 {
		s.MaxTiltAngle = 15
	}
	if s.MaxTiltAngle < 0 || s.MaxTiltAngle > 45 {
		return fmt.Errorf("stabilizer.max_tilt_angle must be in (0,45]")
	}
	if s.AltitudeAdaptive == nil {
		s.AltitudeAdaptive = boolPtr(true)
	}
	if s.HighAltitudeDampingBoost == nil {
		s.HighAltitudeDampingBoost = floatPtr(0.5)
	}
	if *s.HighAltitudeDampingBoost < 0 {
		return fmt.Errorf("stabilizer.high_altitude_damping_boost must be >= 0")
	}
	if s.InitialMode == "" {
		s.InitialMode = "velocity_damping"
	}
	switch s.InitialMode {
	case "off", "velocity_damping", "position_hold":
	default:
		return fmt.Errorf("stabilizer.initial_mode %q is invalid (want off, velocity_damping or position_hold)", s.InitialMode)
	}

	// Stick.
	st := &cfg.Stick
	if st.Protocol == "" {
		st.Protocol = "mock"
	}
	switch st.Protocol {
	case "mock":
	case "sbus":
		if st.Enable && strings.TrimSpace(st.Device) == "" {
			return fmt.Errorf("stick.device is required when stick.protocol is 'sbus'")
		}
	default:
		return fmt.Errorf("stick.protocol %q is not supported (want sbus or mock)", st.Protocol)
	}
	if st.Channels == 0 {
		st.Channels = 8
	}
	if st.Channels < 5 || st.Channels > 16 {
		return fmt.Errorf("stick.channels must be in [5,16]")
	}
	if st.MixRatio == nil {
		st.MixRatio = floatPtr(0.5)
	}
	if *st.MixRatio < 0 || *st.MixRatio > 1 {
		return fmt.Errorf("stick.mix_ratio must be in [0,1]")
	}
	if st.Deadzone == nil {
		st.Deadzone = floatPtr(0.05)
	}
	if *st.Deadzone < 0 || *st.Deadzone >= 1 {
		return fmt.Errorf("stick.deadzone must be in [0,1)")
	}
	if st.MaxManualAngle == 0 {
		st.MaxManualAngle = 30
	}
	if st.MaxManualAngle < 0 {
		return fmt.Errorf("stick.max_manual_angle must be > 0")
	}
	if st.ModeChannel == nil {
		st.ModeChannel = intPtr(4)
	}
	if *st.ModeChannel < 0 || *st.ModeChannel >= st.Channels {
		return fmt.Errorf("stick.mode_channel must be in [0,%d)", st.Channels)
	}
	if st.FailsafeTimeout <= 0 {
		st.FailsafeTimeout = 1 * time.Second
	}

	// Control.
	if cfg.Control.RateHz == 0 {
		cfg.Control.RateHz = 50
	}
	if cfg.Control.RateHz < 1 || cfg.Control.RateHz > 1000 {
		return fmt.Errorf("control.rate_hz must be in [1,1000]")
	}
	if cfg.Control.JoinTimeout <= 0 {
		cfg.Control.JoinTimeout = 2 * time.Second
	}

	// Log.
	if cfg.Log.Path == "" {
		cfg.Log.Path = "flight_log.csv"
	}
	if cfg.Log.Every == 0 {
		cfg.Log.Every = 10
	}
	if cfg.Log.Every < 1 {
		return fmt.Errorf("log.every must be >= 1")
	}
	if cfg.Log.Advanced == nil {
		cfg.Log.Advanced = boolPtr(true)
	}

	// Indicator.
	if cfg.Indicator.Pin == 0 {
		cfg.Indicator.Pin = 17
	}
	if cfg.Indicator.Pin < 0 {
		return fmt.Errorf("indicator.pin must be > 0")
	}

	return nil
}

func defaultAltitude(a *AltitudeConfig, path string, nested bool) error {
	if a.Type == "" {
		a.Type = AltitudeStatic
	}
	if nested {
		if a.Weight == 0 {
			a.Weight = 1.0
		}
		if a.Weight < 0 || math.IsNaN(a.Weight) {
			return fmt.Errorf("%s.weight must be > 0", path)
		}
	}
	switch a.Type {
	case AltitudeStatic:
		if a.FixedAltitude == 0 {
			a.FixedAltitude = 0.5
		}
		if a.FixedAltitude < 0 {
			return fmt.Errorf("%s.fixed_altitude must be >= 0", path)
		}
	case AltitudeTelemetry:
		if strings.TrimSpace(a.Addr) == "" {
			return fmt.Errorf("%s.addr is required when type is 'telemetry'", path)
		}
		if a.Timeout <= 0 {
			a.Timeout = 2 * time.Second
		}
	case AltitudeRangefinder:
		if strings.TrimSpace(a.Port) == "" {
			a.Port = "/dev/ttyUSB0"
		}
		if a.Baud == 0 {
			a.Baud = 115200
		}
		if a.Protocol == "" {
			a.Protocol = "benewake"
		}
		if a.Protocol != "benewake" && a.Protocol != "lightware" {
			return fmt.Errorf("%s.protocol %q is not supported (want benewake or lightware)", path, a.Protocol)
		}
		if a.Timeout <= 0 {
			a.Timeout = 1 * time.Second
		}
	case AltitudeBarometer:
		if a.I2CBus == 0 {
			a.I2CBus = 1
		}
		if a.I2CAddr == 0 {
			a.I2CAddr = 0x76
		}
		if a.I2CAddr > 0x7F {
			return fmt.Errorf("%s.i2c_addr must be a 7-bit address", path)
		}
		if a.CalibrateOnStart == nil {
			a.CalibrateOnStart = boolPtr(true)
		}
		if a.SeaLevelPa == 0 {
			a.SeaLevelPa = 101325
		}
		if a.Timeout <= 0 {
			a.Timeout = 1 * time.Second
		}
	case AltitudeFused:
		if nested {
			return fmt.Errorf("%s: fused sources cannot be nested", path)
		}
		if len(a.Sources) == 0 {
			return fmt.Errorf("%s.sources is required when type is 'fused'", path)
		}
		for i := range a.Sources {
			if err := defaultAltitude(&a.Sources[i], fmt.Sprintf("%s.sources[%d]", path, i), true); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s.type %q is invalid (want static, telemetry, rangefinder, barometer or fused)", path, a.Type)
	}
	if a.Type != AltitudeFused && len(a.Sources) > 0 {
		return fmt.Errorf("%s.sources is only valid when type is 'fused'", path)
	}
	return nil
}
