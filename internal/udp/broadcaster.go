// Package udp sends tilt corrections to the flight controller link as one
// compact JSON datagram per tick.
package udp

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"betafly-ng/internal/control"
	"betafly-ng/internal/flightlog"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

func dialUDP(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	return net.DialUDP(network, laddr, raddr)
}

type Broadcaster struct {
	dest string
	conn udpConn

	mu  sync.Mutex
	seq uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, dialUDP)
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// Correction is the datagram body. T is seconds since the loop started.
type Correction struct {
	Session  string  `json:"session,omitempty"`
	Seq      uint64  `json:"seq"`
	T        float64 `json:"t"`
	Mode     string  `json:"mode"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
	Locked   bool    `json:"locked"`
	Failsafe bool    `json:"failsafe,omitempty"`
}

func FromState(st control.State) Correction {
	c := Correction{
		Session: st.SessionID,
		T:       st.ElapsedSec,
		Mode:    st.Mode.String(),
		Pitch:   st.Corrections.Pitch,
		Roll:    st.Corrections.Roll,
		Locked:  st.PositionLocked,
	}
	if st.Stick != nil {
		c.Failsafe = st.Stick.Failsafe
	}
	return c
}

func FromRow(r flightlog.Row) Correction {
	return Correction{T: r.Time, Mode: r.Mode, Pitch: r.PitchCmd, Roll: r.RollCmd}
}

// SendCorrection stamps the next sequence number and sends c.
func (b *Broadcaster) SendCorrection(c Correction) error {
	b.mu.Lock()
	c.Seq = b.seq
	b.seq++
	b.mu.Unlock()

	p, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("udp: marshal correction: %w", err)
	}
	return b.Send(p)
}

// Publish implements control.Sink.
func (b *Broadcaster) Publish(st control.State) error {
	return b.SendCorrection(FromState(st))
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
