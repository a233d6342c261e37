package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"betafly-ng/internal/altitude"
	"betafly-ng/internal/control"
	"betafly-ng/internal/stabilizer"
	"betafly-ng/internal/stick"
)

func TestStatusSnapshot_TickAge(t *testing.T) {
	last := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fc := &fakeController{state: control.State{
		SessionID:  "abc",
		Mode:       stabilizer.PositionHold,
		Tick:       42,
		UpdatedUTC: last,
		Overruns:   3,
	}}

	got := statusSnapshot(fc, last.Add(1500*time.Millisecond))
	if got.Mode != "position_hold" || got.Tick != 42 || got.Overruns != 3 {
		t.Fatalf("status=%+v", got)
	}
	if got.TickAgeSec != 1.5 {
		t.Fatalf("tick_age_sec=%v", got.TickAgeSec)
	}
	if got.LastTickUTC != "2024-01-01T12:00:00Z" {
		t.Fatalf("last_tick_utc=%q", got.LastTickUTC)
	}

	idle := statusSnapshot(&fakeController{}, last)
	if idle.LastTickUTC != "" || idle.TickAgeSec != 0 {
		t.Fatalf("before first tick: %+v", idle)
	}
}

func TestAPIStatus(t *testing.T) {
	alt := 2.5
	calibrated := false
	baro := altitude.Status{Type: "barometer", Calibrated: &calibrated, LastError: "i2c: nack"}
	rf := altitude.Status{Type: "rangefinder", Available: true, Frames: 120, Altitude: &alt}

	fc := &fakeController{}
	fc.sources.Motion = control.MotionStatus{LastError: "spi: timeout"}
	fc.sources.Altitude = &altitude.Status{Type: "fused", Available: true, Altitude: &alt, Sources: []altitude.Status{baro, rf}}
	fc.sources.Stick = &stick.Status{Failsafe: true, SBUS: &stick.SBUSStats{Frames: 10, FrameLost: 2}}

	ts := httptest.NewServer(Handler(fc, nil, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if raw["service"] != serviceName {
		t.Fatalf("service=%v", raw["service"])
	}
	sources, _ := raw["sources"].(map[string]any)
	motion, _ := sources["motion"].(map[string]any)
	if motion["last_error"] != "spi: timeout" || motion["available"] != false {
		t.Fatalf("motion=%v", motion)
	}
	alti, _ := sources["altitude"].(map[string]any)
	subs, _ := alti["sources"].([]any)
	if len(subs) != 2 {
		t.Fatalf("altitude sources=%v", alti["sources"])
	}
	gotBaro, _ := subs[0].(map[string]any)
	if gotBaro["last_error"] != "i2c: nack" || gotBaro["calibrated"] != false {
		t.Fatalf("barometer=%v", gotBaro)
	}
	gotRF, _ := subs[1].(map[string]any)
	if gotRF["frames"] != float64(120) {
		t.Fatalf("rangefinder=%v", gotRF)
	}
	st, _ := sources["stick"].(map[string]any)
	if st["failsafe"] != true {
		t.Fatalf("stick=%v", st)
	}
	if _, ok := st["sbus"].(map[string]any); !ok {
		t.Fatalf("stick.sbus missing: %v", st)
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(&fakeController{}, nil, nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}
