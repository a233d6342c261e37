package pmw3901

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"betafly-ng/internal/spi"
)

var (
	sleep = time.Sleep
	nowFn = time.Now
)

// PMW3901 optical flow driver over SPI (mode 3).
//
// Register reads clock out the address with bit 7 clear followed by a dummy
// byte; the value arrives in the second byte. Writes set bit 7.

const (
	regProductID   = 0x00
	regMotion      = 0x02
	regDeltaXL     = 0x03
	regDeltaXH     = 0x04
	regDeltaYL     = 0x05
	regDeltaYH     = 0x06
	regSqual       = 0x07
	regPowerUpRst  = 0x3A
	regShutdown    = 0x3B
	regBankSelect  = 0x7F
	powerUpRstCmd  = 0x5A
	shutdownCmd    = 0xB6
	productID      = 0x49
	motionReady    = 0x80
	defaultSpeedHz = 2000000

	// DefaultMaxFailures consecutive failed reads mark the sensor
	// unavailable.
	DefaultMaxFailures = 5
	// RetryInterval paces product ID checks while unavailable.
	RetryInterval = time.Second
)

type regWrite struct{ reg, val byte }

// initSequence is the vendor tuning sequence. It ends by selecting
// register bank 0 so motion registers are addressable.
var initSequence = []regWrite{
	{regBankSelect, 0x00},
	{0x55, 0x01},
	{0x50, 0x07},
	{regBankSelect, 0x0E},
	{0x43, 0x10},
	{regBankSelect, 0x00},
}

// Conn is a full-duplex SPI transfer.
type Conn interface {
	Tx(w, r []byte) error
}

type Config struct {
	// Rotation is the mounting angle in degrees: 0, 90, 180 or 270.
	Rotation    int
	MaxFailures int
}

// Device implements flow.MotionSource.
type Device struct {
	mu     sync.Mutex
	conn   Conn
	closer io.Closer
	cfg    Config

	quality   uint8
	failures  int
	lastTry   time.Time
	lastError string
	closed    bool
}

// Open opens /dev/spidev<bus>.<dev> and initializes the sensor.
func Open(bus, dev int, speedHz uint32, cfg Config) (*Device, error) {
	if speedHz == 0 {
		speedHz = defaultSpeedHz
	}
	c, err := spi.Open(bus, dev, spi.Config{Mode: spi.Mode3, SpeedHz: speedHz})
	if err != nil {
		return nil, err
	}
	d, err := New(c, cfg)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	d.closer = c
	return d, nil
}

// New resets and initializes the sensor on conn, then checks the product ID.
func New(conn Conn, cfg Config) (*Device, error) {
	if conn == nil {
		return nil, fmt.Errorf("pmw3901: conn is nil")
	}
	switch cfg.Rotation {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("pmw3901: rotation %d is invalid (want 0, 90, 180 or 270)", cfg.Rotation)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	d := &Device{conn: conn, cfg: cfg}

	if err := d.write(regPowerUpRst, powerUpRstCmd); err != nil {
		return nil, fmt.Errorf("pmw3901: reset failed: %w", err)
	}
	sleep(5 * time.Millisecond)

	for _, w := range initSequence {
		if err := d.write(w.reg, w.val); err != nil {
			return nil, fmt.Errorf("pmw3901: init failed: %w", err)
		}
		sleep(time.Millisecond)
	}
	sleep(10 * time.Millisecond)

	id, err := d.read(regProductID)
	if err != nil {
		return nil, fmt.Errorf("pmw3901: id read failed: %w", err)
	}
	if id != productID {
		return nil, fmt.Errorf("pmw3901: product id=0x%02X want 0x%02X", id, productID)
	}
	return d, nil
}

func (d *Device) read(reg byte) (byte, error) {
	var r [2]byte
	if err := d.conn.Tx([]byte{reg & 0x7F, 0x00}, r[:]); err != nil {
		return 0, fmt.Errorf("read 0x%02X: %w", reg, err)
	}
	sleep(10 * time.Microsecond)
	return r[1], nil
}

func (d *Device) write(reg, val byte) error {
	if err := d.conn.Tx([]byte{reg | 0x80, val}, nil); err != nil {
		return fmt.Errorf("write 0x%02X: %w", reg, err)
	}
	sleep(10 * time.Microsecond)
	return nil
}

// Motion returns the accumulated deltas since the last call, rotated into
// the body frame. It returns zeros when no motion is latched or a read
// fails. Surface quality is sampled in the same burst.
func (d *Device) Motion() (dx, dy int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, 0
	}

	m, err := d.read(regMotion)
	if err != nil {
		d.failLocked(err)
		return 0, 0
	}
	if m&motionReady != 0 {
		var b [4]byte
		for i, reg := range []byte{regDeltaXL, regDeltaXH, regDeltaYL, regDeltaYH} {
			if b[i], err = d.read(reg); err != nil {
				d.failLocked(err)
				return 0, 0
			}
		}
		x := int32(int16(uint16(b[1])<<8 | uint16(b[0])))
		y := int32(int16(uint16(b[3])<<8 | uint16(b[2])))
		dx, dy = rotate(x, y, d.cfg.Rotation)
	}

	q, err := d.read(regSqual)
	if err != nil {
		d.failLocked(err)
		return 0, 0
	}
	d.quality = q
	d.failures = 0
	return dx, dy
}

func rotate(x, y int32, deg int) (int32, int32) {
	switch deg {
	case 90:
		return y, -x
	case 180:
		return -x, -y
	case 270:
		return -y, x
	}
	return x, y
}

// SurfaceQuality is the SQUAL value read with the last Motion call.
func (d *Device) SurfaceQuality() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quality
}

// Available reports false after MaxFailures consecutive read failures.
// While unavailable it re-reads the product ID at most once per
// RetryInterval and recovers when it matches.
func (d *Device) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.failures < d.cfg.MaxFailures {
		return true
	}
	now := nowFn()
	if now.Sub(d.lastTry) < RetryInterval {
		return false
	}
	d.lastTry = now
	id, err := d.read(regProductID)
	if err != nil {
		d.lastError = err.Error()
		return false
	}
	if id != productID {
		d.lastError = fmt.Sprintf("product id=0x%02X want 0x%02X", id, productID)
		return false
	}
	log.Printf("pmw3901: sensor recovered after %d failed reads", d.failures)
	d.failures = 0
	d.lastError = ""
	return true
}

func (d *Device) failLocked(err error) {
	d.failures++
	d.lastError = err.Error()
	d.quality = 0
	if d.failures == d.cfg.MaxFailures {
		d.lastTry = nowFn()
		log.Printf("pmw3901: unavailable after %d failed reads: %v", d.failures, err)
	}
}

func (d *Device) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// Close puts the sensor into shutdown and releases the SPI device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.write(regShutdown, shutdownCmd)
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("pmw3901: close: %w", err)
	}
	return nil
}
