package serialport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakePort struct {
	timeout time.Duration
	closed  bool
}

func (f *fakePort) Read(p []byte) (int, error) { return 0, nil }
func (f *fakePort) Close() error               { f.closed = true; return nil }
func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.timeout = t
	return nil
}

func TestOptions_NormalizeDefaults(t *testing.T) {
	got, err := Options{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, Options{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, got)
}

func TestOptions_NormalizeRejects(t *testing.T) {
	_, err := Options{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = Options{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = Options{Parity: "mark"}.Normalize()
	assert.Error(t, err)
}

func TestOptions_ModeSBUS(t *testing.T) {
	mode, err := Options{BaudRate: 100000, StopBits: 2, Parity: "even"}.Mode()
	require.NoError(t, err)
	assert.Equal(t, 100000, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)
}

func TestOptions_ModeOneStopBit(t *testing.T) {
	mode, err := Options{}.Mode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestOpen_SetsReadTimeout(t *testing.T) {
	fp := &fakePort{}
	orig := OpenFn
	t.Cleanup(func() { OpenFn = orig })
	var gotPath string
	OpenFn = func(path string, mode *serial.Mode) (Port, error) {
		gotPath = path
		return fp, nil
	}

	p, err := Open("/dev/ttyS9", Options{}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, fp, p)
	assert.Equal(t, "/dev/ttyS9", gotPath)
	assert.Equal(t, 100*time.Millisecond, fp.timeout)
}

func TestOpen_WrapsError(t *testing.T) {
	orig := OpenFn
	t.Cleanup(func() { OpenFn = orig })
	cause := errors.New("no such device")
	OpenFn = func(string, *serial.Mode) (Port, error) { return nil, cause }

	_, err := Open("/dev/ttyS9", Options{}, 0)
	require.ErrorIs(t, err, cause)

	_, err = Open("  ", Options{}, 0)
	assert.EqualError(t, err, "serialport: path is required")
}
