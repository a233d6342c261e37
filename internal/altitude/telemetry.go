package altitude

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"betafly-ng/internal/latest"
	"betafly-ng/internal/ndjson"
)

type TelemetryConfig struct {
	Addr    string
	Timeout time.Duration
}

// Telemetry takes the flight controller's relative altitude from a JSON
// bridge. Messages of type GLOBAL_POSITION_INT carry relative_alt in
// millimeters, either at the top level or under "message".
type Telemetry struct {
	cfg    TelemetryConfig
	client *ndjson.Client
	alt    latest.Cell[float64]

	mu       sync.Mutex
	warnedAt time.Time
}

type positionMsg struct {
	Type        string   `json:"type"`
	MsgID       *int     `json:"msgid,omitempty"`
	RelativeAlt *float64 `json:"relative_alt"`
}

type bridgeEnvelope struct {
	positionMsg
	Message *positionMsg `json:"message"`
}

const globalPositionIntID = 33

func StartTelemetry(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	cl, err := ndjson.New(ndjson.Config{Name: "telemetry", Addr: cfg.Addr})
	if err != nil {
		return nil, fmt.Errorf("altitude: %w", err)
	}
	t := &Telemetry{cfg: cfg, client: cl}
	if err := cl.Start(ctx, t.handle); err != nil {
		return nil, fmt.Errorf("altitude: %w", err)
	}
	return t, nil
}

func (t *Telemetry) handle(raw json.RawMessage) error {
	m, ok, err := parseRelativeAlt(raw)
	if err != nil {
		return err
	}
	if ok {
		t.alt.Store(m, nowFn())
	}
	return nil
}

// parseRelativeAlt returns the altitude in meters when raw is a
// GLOBAL_POSITION_INT message; other message types are ignored.
func parseRelativeAlt(raw []byte) (float64, bool, error) {
	var env bridgeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, false, err
	}
	msg := env.positionMsg
	if env.Message != nil {
		msg = *env.Message
	}
	isPos := msg.Type == "GLOBAL_POSITION_INT" || (msg.MsgID != nil && *msg.MsgID == globalPositionIntID)
	if !isPos || msg.RelativeAlt == nil {
		return 0, false, nil
	}
	return *msg.RelativeAlt / 1000.0, true, nil
}

// Altitude returns the last value until it is older than the timeout.
func (t *Telemetry) Altitude() (float64, bool) {
	v, ok := t.alt.Fresh(nowFn(), t.cfg.Timeout)
	if !ok {
		if _, _, ever := t.alt.Load(); ever {
			t.warnTimeout()
		}
	}
	return v, ok
}

func (t *Telemetry) warnTimeout() {
	now := nowFn()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.warnedAt) < 5*time.Second {
		return
	}
	t.warnedAt = now
	log.Printf("telemetry altitude timeout (no data for %s)", t.cfg.Timeout)
}

func (t *Telemetry) Available() bool {
	_, ok := t.alt.Fresh(nowFn(), t.cfg.Timeout)
	return ok
}

// Link reports the bridge connection state.
func (t *Telemetry) Link() ndjson.Snapshot { return t.client.Snapshot() }

func (t *Telemetry) Close() error { return t.client.Close() }
