package bmp280

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"betafly-ng/internal/i2c"
)

var sleep = time.Sleep

// BMP280 barometer driver.
//
// Reads compensated temperature/pressure and converts pressure to altitude
// with the international standard atmosphere.

const (
	addrDefault = 0x76

	regID        = 0xD0
	chipIDBMP280 = 0x58

	regReset = 0xE0
	resetCmd = 0xB6

	regCalib00 = 0x88
	calibLen   = 24

	regCtrlMeas = 0xF4
	regConfig   = 0xF5
	regPressMsb = 0xF7

	// SeaLevelPa is the ISA standard sea level pressure.
	SeaLevelPa = 101325.0
)

// Oversampling codes for ctrl_meas osrs_t / osrs_p.
type Oversampling byte

const (
	OversamplingSkip Oversampling = 0
	Oversampling1x   Oversampling = 1
	Oversampling2x   Oversampling = 2
	Oversampling4x   Oversampling = 3
	Oversampling8x   Oversampling = 4
	Oversampling16x  Oversampling = 5
)

// Filter codes for the config register IIR filter.
type Filter byte

const (
	FilterOff Filter = 0
	Filter2   Filter = 1
	Filter4   Filter = 2
	Filter8   Filter = 3
	Filter16  Filter = 4
)

// Config selects the measurement settings. Zero values pick settings suited
// to altitude hold: x2 temperature, x16 pressure, IIR coefficient 4.
type Config struct {
	Temperature Oversampling
	Pressure    Oversampling
	Filter      Filter
	// FilterSet distinguishes an explicit FilterOff from the default.
	FilterSet bool
}

type Device struct {
	dev regIO
	cfg Config

	// Calibration.
	digT1 uint16
	digT2 int16
	digT3 int16
	digP1 uint16
	digP2 int16
	digP3 int16
	digP4 int16
	digP5 int16
	digP6 int16
	digP7 int16
	digP8 int16
	digP9 int16

	tFine int32
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp280: dev is nil")
	}
	return newWithIO(dev, cfg)
}

func (c Config) withDefaults() Config {
	if c.Temperature == OversamplingSkip {
		c.Temperature = Oversampling2x
	}
	if c.Pressure == OversamplingSkip {
		c.Pressure = Oversampling16x
	}
	if !c.FilterSet && c.Filter == FilterOff {
		c.Filter = Filter4
	}
	return c
}

func newWithIO(dev regIO, cfg Config) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("bmp280: dev is nil")
	}
	cfg = cfg.withDefaults()
	if cfg.Temperature > Oversampling16x || cfg.Pressure > Oversampling16x {
		return nil, fmt.Errorf("bmp280: invalid oversampling t=%d p=%d", cfg.Temperature, cfg.Pressure)
	}
	if cfg.Filter > Filter16 {
		return nil, fmt.Errorf("bmp280: invalid filter %d", cfg.Filter)
	}
	d := &Device{dev: dev, cfg: cfg}

	id, err := d.dev.ReadRegU8(regID)
	if err != nil {
		return nil, fmt.Errorf("bmp280: id read failed: %w", err)
	}
	if id != chipIDBMP280 {
		return nil, fmt.Errorf("bmp280: chip id=0x%02X want 0x%02X", id, chipIDBMP280)
	}

	// NVM calibration is copied after reset; reading too early returns zeros.
	_ = d.dev.WriteReg(regReset, resetCmd)
	sleep(5 * time.Millisecond)

	var calibErr error
	for i := 0; i < 3; i++ {
		calibErr = d.readCalibration()
		if calibErr != nil {
			sleep(5 * time.Millisecond)
			continue
		}
		if d.digT1 != 0 && d.digP1 != 0 {
			calibErr = nil
			break
		}
		calibErr = fmt.Errorf("bmp280: calibration invalid (digT1=%d digP1=%d)", d.digT1, d.digP1)
		sleep(5 * time.Millisecond)
	}
	if calibErr != nil {
		return nil, calibErr
	}

	// config: t_sb=0.5ms, IIR filter, spi3w off.
	if err := d.dev.WriteReg(regConfig, configByte(cfg)); err != nil {
		return nil, fmt.Errorf("bmp280: config write failed: %w", err)
	}
	if err := d.dev.WriteReg(regCtrlMeas, ctrlMeasByte(cfg)); err != nil {
		return nil, fmt.Errorf("bmp280: ctrl_meas write failed: %w", err)
	}

	return d, nil
}

func configByte(cfg Config) byte {
	return byte(cfg.Filter&0x07) << 2
}

// ctrlMeasByte packs osrs_t, osrs_p and normal mode (11).
func ctrlMeasByte(cfg Config) byte {
	return byte(cfg.Temperature&0x07)<<5 | byte(cfg.Pressure&0x07)<<2 | 0x03
}

func (d *Device) readCalibration() error {
	buf := make([]byte, calibLen)
	if err := d.dev.ReadReg(regCalib00, buf); err != nil {
		return fmt.Errorf("bmp280: read calib failed: %w", err)
	}
	le := binary.LittleEndian
	d.digT1 = le.Uint16(buf[0:2])
	d.digT2 = int16(le.Uint16(buf[2:4]))
	d.digT3 = int16(le.Uint16(buf[4:6]))
	d.digP1 = le.Uint16(buf[6:8])
	d.digP2 = int16(le.Uint16(buf[8:10]))
	d.digP3 = int16(le.Uint16(buf[10:12]))
	d.digP4 = int16(le.Uint16(buf[12:14]))
	d.digP5 = int16(le.Uint16(buf[14:16]))
	d.digP6 = int16(le.Uint16(buf[16:18]))
	d.digP7 = int16(le.Uint16(buf[18:20]))
	d.digP8 = int16(le.Uint16(buf[20:22]))
	d.digP9 = int16(le.Uint16(buf[22:24]))
	return nil
}

// Read returns compensated temperature (C) and pressure (Pa).
func (d *Device) Read() (tempC float64, pressPa float64, err error) {
	buf := make([]byte, 6)
	if err := d.dev.ReadReg(regPressMsb, buf); err != nil {
		return 0, 0, fmt.Errorf("bmp280: read data failed: %w", err)
	}

	adcP := int32(buf[0])<<12 | int32(buf[1])<<4 | int32(buf[2])>>4
	adcT := int32(buf[3])<<12 | int32(buf[4])<<4 | int32(buf[5])>>4

	tFine, t := d.compensateTemp(adcT)
	d.tFine = tFine
	p := d.compensatePress(adcP)
	if p <= 0 {
		return t, 0, fmt.Errorf("bmp280: pressure invalid (%.1f Pa)", p)
	}
	return t, p, nil
}

// ReadAltitude reads pressure and converts it to meters above the level
// where pressure equals seaLevelPa.
func (d *Device) ReadAltitude(seaLevelPa float64) (float64, error) {
	_, p, err := d.Read()
	if err != nil {
		return 0, err
	}
	return PressureAltitude(p, seaLevelPa), nil
}

// PressureAltitude converts pressure to altitude in meters (ISA):
// h = 44330 * (1 - (p/p0)^(1/5.255)).
func PressureAltitude(pressurePa, seaLevelPa float64) float64 {
	if seaLevelPa <= 0 {
		seaLevelPa = SeaLevelPa
	}
	return 44330.0 * (1.0 - math.Pow(pressurePa/seaLevelPa, 1.0/5.255))
}

func (d *Device) compensateTemp(adcT int32) (tFine int32, tempC float64) {
	var1 := (float64(adcT)/16384.0 - float64(d.digT1)/1024.0) * float64(d.digT2)
	var2 := (float64(adcT)/131072.0 - float64(d.digT1)/8192.0)
	var2 = var2 * var2 * float64(d.digT3)
	tFineF := var1 + var2
	tFine = int32(tFineF)
	tempC = tFineF / 5120.0
	return tFine, tempC
}

func (d *Device) compensatePress(adcP int32) float64 {
	// Datasheet floating point algorithm.
	var1 := float64(d.tFine)/2.0 - 64000.0
	var2 := var1 * var1 * float64(d.digP6) / 32768.0
	var2 = var2 + var1*float64(d.digP5)*2.0
	var2 = var2/4.0 + float64(d.digP4)*65536.0
	var1 = (float64(d.digP3)*var1*var1/524288.0 + float64(d.digP2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(d.digP1)
	if var1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adcP)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(d.digP9) * p * p / 2147483648.0
	var2 = p * float64(d.digP8) / 32768.0
	p = p + (var1+var2+float64(d.digP7))/16.0
	return p
}
