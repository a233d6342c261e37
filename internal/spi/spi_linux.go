//go:build linux

package spi

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux SPI backed by /dev/spidev<bus>.<cs>.
//
// Each Tx is a single full-duplex SPI_IOC_MESSAGE(1) transfer, so chip
// select stays asserted for the whole write/read.

const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00
)

// transfer mirrors struct spi_ioc_transfer (32 bytes).
type transfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Conn is an opened spidev. Transfers are serialized.
type Conn struct {
	mu   sync.Mutex
	f    *os.File
	path string
	cfg  Config
}

// Open opens /dev/spidev<bus>.<dev> and applies mode, word size and clock.
func Open(bus, dev int, cfg Config) (*Conn, error) {
	return OpenPath(fmt.Sprintf("/dev/spidev%d.%d", bus, dev), cfg)
}

func OpenPath(path string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if cfg.Mode > Mode3 {
		return nil, fmt.Errorf("spi: invalid mode %d", cfg.Mode)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", path, err)
	}
	c := &Conn{f: f, path: path, cfg: cfg}

	mode := uint8(cfg.Mode)
	bits := cfg.BitsPerWord
	speed := cfg.SpeedHz
	for _, s := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIocWrMode, unsafe.Pointer(&mode)},
		{"bits per word", spiIocWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max speed", spiIocWrMaxSpeedHz, unsafe.Pointer(&speed)},
	} {
		if err := c.ioctl(s.req, s.arg); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("spi: %s: set %s: %w", path, s.name, err)
		}
	}
	return c, nil
}

func (c *Conn) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *Conn) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// Tx clocks out w while clocking in len(w) bytes into r. r may be nil;
// otherwise it must be as long as w.
func (c *Conn) Tx(w, r []byte) error {
	if c == nil {
		return errors.New("spi conn is nil")
	}
	if len(w) == 0 {
		return nil
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("spi: rx len %d != tx len %d", len(r), len(w))
	}

	xfer := transfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		len:         uint32(len(w)),
		speedHz:     c.cfg.SpeedHz,
		bitsPerWord: c.cfg.BitsPerWord,
	}
	if r != nil {
		xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&r[0])))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return errors.New("spi conn is closed")
	}
	err := c.ioctl(spiIocMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	if err != nil {
		return fmt.Errorf("spi: %s: transfer: %w", c.path, err)
	}
	return nil
}
