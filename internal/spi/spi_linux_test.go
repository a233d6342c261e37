//go:build linux

package spi

import (
	"os"
	"strings"
	"testing"
	"unsafe"
)

func devNullConn(t *testing.T) *Conn {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	return &Conn{f: f, path: "/dev/null", cfg: Config{}.withDefaults()}
}

func TestTransferLayout(t *testing.T) {
	if n := unsafe.Sizeof(transfer{}); n != 32 {
		t.Fatalf("sizeof(transfer)=%d want 32", n)
	}
}

func TestTx_EmptyIsNoop(t *testing.T) {
	c := devNullConn(t)
	defer c.Close()

	if err := c.Tx(nil, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestTx_LengthMismatch(t *testing.T) {
	c := devNullConn(t)
	defer c.Close()

	err := c.Tx([]byte{0x02, 0x00}, make([]byte, 1))
	if err == nil || !strings.Contains(err.Error(), "rx len") {
		t.Fatalf("err=%v want length mismatch", err)
	}
}

func TestTx_NotASPIDevice(t *testing.T) {
	c := devNullConn(t)
	defer c.Close()

	err := c.Tx([]byte{0x00, 0x00}, make([]byte, 2))
	if err == nil || !strings.Contains(err.Error(), "transfer") {
		t.Fatalf("err=%v want ioctl failure", err)
	}
}

func TestTx_Closed(t *testing.T) {
	c := devNullConn(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := c.Tx([]byte{0x00}, nil)
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("err=%v want conn closed", err)
	}
	// Second close is a no-op.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(250, 3, Config{Mode: Mode3})
	if err == nil || !strings.Contains(err.Error(), "/dev/spidev250.3") {
		t.Fatalf("err=%v want open error naming the device", err)
	}
}

func TestOpen_InvalidMode(t *testing.T) {
	_, err := OpenPath("/dev/null", Config{Mode: 4})
	if err == nil || !strings.Contains(err.Error(), "invalid mode") {
		t.Fatalf("err=%v want invalid mode", err)
	}
}
