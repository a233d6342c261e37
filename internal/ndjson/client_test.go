package ndjson

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if _, err := New(Config{Name: "x"}); err == nil {
		t.Fatalf("expected error for missing addr")
	}
}

func TestClient_StartTwice(t *testing.T) {
	c, err := New(Config{Name: "x", Addr: "127.0.0.1:1", ReconnectDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := func(json.RawMessage) error { return nil }
	if err := c.Start(context.Background(), h); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := c.Start(context.Background(), h); err == nil {
		t.Fatalf("expected error on second Start")
	}
	_ = c.Close()
	if got := c.Snapshot().State; got != "stopped" {
		t.Fatalf("state=%q want stopped", got)
	}
	if err := c.Start(context.Background(), h); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestClient_ReadsObjectsAndSkipsInvalid(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	release := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintln(conn, `{"a":1}`)
		fmt.Fprintln(conn, `not json`)
		fmt.Fprintln(conn, ``)
		fmt.Fprintln(conn, `{"a":2}`)
		<-release
	}()
	defer close(release)

	var mu sync.Mutex
	var got []string
	c, err := New(Config{Name: "test", Addr: ln.Addr().String()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	err = c.Start(context.Background(), func(raw json.RawMessage) error {
		mu.Lock()
		got = append(got, string(raw))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Messages == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap := c.Snapshot()
	if snap.Messages != 2 {
		t.Fatalf("messages=%d want 2", snap.Messages)
	}
	if snap.LastSeenUTC == "" {
		t.Fatalf("expected last_seen_utc")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"a":2}` {
		t.Fatalf("got=%v", got)
	}
}
