package stick

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Mock is a bench RC source. It republishes its stored pulses at a fixed
// rate, with optional ±Jitter us noise on roll and pitch.
type Mock struct {
	*Channels

	Jitter int

	mu      sync.Mutex
	pulses  []uint16
	lostRx  bool
	stopped bool
}

func NewMock(channels int, timeout time.Duration) *Mock {
	ch := NewChannels(channels, timeout)
	return &Mock{Channels: ch, pulses: ch.Values()}
}

// SetPulse sets one channel's pulse width in microseconds.
func (m *Mock) SetPulse(ch int, us uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch >= 0 && ch < len(m.pulses) {
		m.pulses[ch] = us
	}
}

// SetReceiverFailsafe simulates the receiver reporting signal loss.
func (m *Mock) SetReceiverFailsafe(v bool) {
	m.mu.Lock()
	m.lostRx = v
	m.mu.Unlock()
}

// Publish pushes the stored pulses as one frame.
func (m *Mock) Publish() {
	m.mu.Lock()
	frame := append([]uint16(nil), m.pulses...)
	lost := m.lostRx
	jitter := m.Jitter
	m.mu.Unlock()

	if jitter > 0 {
		for _, ch := range []int{ChRoll, ChPitch} {
			if ch < len(frame) {
				frame[ch] = clampPulse(int(frame[ch]) + rand.IntN(2*jitter+1) - jitter)
			}
		}
	}
	m.Set(frame, nowFn(), lost)
}

// Start publishes at 50 Hz until ctx is done or Close is called.
func (m *Mock) Start(ctx context.Context) {
	m.Publish()
	go func() {
		t := time.NewTicker(20 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.mu.Lock()
				stopped := m.stopped
				m.mu.Unlock()
				if stopped {
					return
				}
				m.Publish()
			}
		}
	}()
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return nil
}
