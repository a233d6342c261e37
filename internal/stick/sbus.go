package stick

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"betafly-ng/internal/serialport"
)

// SBUS frame layout: 0x0F, 22 bytes of 16 packed 11-bit channels (LSB
// first), a flags byte, 0x00.
const (
	sbusFrameLen  = 25
	sbusStartByte = 0x0F
	sbusEndByte   = 0x00
	sbusChannels  = 16

	sbusFlagFrameLost = 0x04
	sbusFlagFailsafe  = 0x08

	sbusRawMin = 172
	sbusRawMax = 1811
)

type SBUSStats struct {
	Frames    uint64 `json:"frames"`
	Dropped   uint64 `json:"dropped"`
	FrameLost uint64 `json:"frame_lost"`
	Failsafe  uint64 `json:"failsafe"`
}

// SBUS reads an inverted-UART SBUS receiver (100000 baud, 8E2).
type SBUS struct {
	*Channels

	port serialport.Port

	mu    sync.Mutex
	stats SBUSStats

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func OpenSBUS(ctx context.Context, device string, channels int, timeout time.Duration) (*SBUS, error) {
	p, err := serialport.Open(device, serialport.Options{BaudRate: 100000, DataBits: 8, StopBits: 2, Parity: "E"}, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("stick: sbus: %w", err)
	}
	log.Printf("stick: sbus receiver on %s", device)
	return startSBUS(ctx, p, NewChannels(channels, timeout)), nil
}

func startSBUS(ctx context.Context, p serialport.Port, ch *Channels) *SBUS {
	runCtx, cancel := context.WithCancel(ctx)
	s := &SBUS{Channels: ch, port: p, cancel: cancel, done: make(chan struct{})}
	go s.readLoop(runCtx)
	return s
}

func (s *SBUS) readLoop(ctx context.Context) {
	defer close(s.done)
	br := bufio.NewReaderSize(ctxReader{ctx: ctx, r: s.port}, 128)
	var frame [sbusFrameLen]byte
	for {
		if err := readSBUSFrame(br, frame[:]); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, errBadFrame) {
				s.count(func(st *SBUSStats) { st.Dropped++ })
				continue
			}
			log.Printf("stick: sbus read: %v", err)
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		raw, flags := decodeSBUS(frame[:])
		var pulses [sbusChannels]uint16
		for i, v := range raw {
			pulses[i] = sbusToPulse(v)
		}
		failsafe := flags&sbusFlagFailsafe != 0
		s.count(func(st *SBUSStats) {
			st.Frames++
			if flags&sbusFlagFrameLost != 0 {
				st.FrameLost++
			}
			if failsafe {
				st.Failsafe++
			}
		})
		s.Set(pulses[:], nowFn(), failsafe)
	}
}

func (s *SBUS) count(f func(*SBUSStats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *SBUS) Stats() SBUSStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SBUS) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.port.Close()
		<-s.done
	})
	return err
}

var errBadFrame = errors.New("bad sbus frame")

// readSBUSFrame syncs on the start byte and reads one frame into dst.
func readSBUSFrame(br *bufio.Reader, dst []byte) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if b == sbusStartByte {
			break
		}
	}
	dst[0] = sbusStartByte
	if _, err := io.ReadFull(br, dst[1:sbusFrameLen]); err != nil {
		return err
	}
	if dst[sbusFrameLen-1] != sbusEndByte {
		return errBadFrame
	}
	return nil
}

// decodeSBUS unpacks the 16 channels and the flags byte of a full frame.
func decodeSBUS(frame []byte) (ch [sbusChannels]uint16, flags byte) {
	data := frame[1:23]
	bit := 0
	for i := range ch {
		var v uint16
		for b := 0; b < 11; b++ {
			if data[bit/8]&(1<<(bit%8)) != 0 {
				v |= 1 << b
			}
			bit++
		}
		ch[i] = v
	}
	return ch, frame[23]
}

// sbusToPulse maps raw 172..1811 to 1000..2000 us.
func sbusToPulse(v uint16) uint16 {
	us := int(float64(int(v)-sbusRawMin)*1000/float64(sbusRawMax-sbusRawMin) + 1000)
	return clampPulse(us)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
