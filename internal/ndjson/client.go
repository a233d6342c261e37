// Package ndjson reads newline-delimited JSON objects from a TCP endpoint,
// reconnecting on failure. Flight-controller bridges (mavlink2rest,
// mavlink-router JSON output) publish telemetry this way.
package ndjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	Name string
	Addr string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	MaxLineBytes   int
}

// Handler receives each JSON object line. It runs on the reader goroutine
// and must not block.
type Handler func(raw json.RawMessage) error

type Client struct {
	cfg Config

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	count    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_seen_utc,omitempty"`
	Messages    uint64 `json:"messages"`
}

func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("ndjson: name is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("ndjson: %s: addr is required", cfg.Name)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Client{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

func (c *Client) Start(ctx context.Context, h Handler) error {
	if c.closed.Load() {
		return fmt.Errorf("ndjson: %s: client is closed", c.cfg.Name)
	}
	if h == nil {
		return fmt.Errorf("ndjson: %s: handler is nil", c.cfg.Name)
	}
	if c.started.Swap(true) {
		return fmt.Errorf("ndjson: %s: already started", c.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")
	go func() {
		defer close(c.done)
		c.run(runCtx, h)
	}()
	return nil
}

// Close stops the reader and waits for it. Safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if !c.started.Load() {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Name:      c.cfg.Name,
		Addr:      c.cfg.Addr,
		State:     c.state,
		LastError: c.lastErr,
		Messages:  c.count,
	}
	if !c.lastSeen.IsZero() {
		out.LastSeenUTC = c.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) run(ctx context.Context, h Handler) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	for ctx.Err() == nil {
		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.setState("error", err.Error())
		} else {
			c.setState("connected", "")
			c.readConn(ctx, conn, h)
		}
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			break
		}
	}
	c.setState("stopped", "")
}

func (c *Client) readConn(ctx context.Context, conn net.Conn, h Handler) {
	// Unblock the pending read on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), c.cfg.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			c.setState("error", "json parse: invalid object")
			continue
		}
		raw := append(json.RawMessage(nil), line...)
		if err := h(raw); err != nil {
			c.setState("error", "handler: "+err.Error())
			continue
		}
		c.mu.Lock()
		c.state = "connected"
		c.lastSeen = time.Now().UTC()
		c.count++
		c.mu.Unlock()
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		c.setState("disconnected", err.Error())
		return
	}
	c.setState("disconnected", "")
}

func (c *Client) setState(state, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
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
