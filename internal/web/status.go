package web

import (
	"net/http"
	"time"

	"betafly-ng/internal/control"
)

// StatusResponse is the /api/status body: loop health plus per-source
// diagnostics.
type StatusResponse struct {
	Service     string          `json:"service"`
	NowUTC      string          `json:"now_utc"`
	SessionID   string          `json:"session_id"`
	Mode        string          `json:"mode"`
	Tick        uint64          `json:"tick"`
	LastTickUTC string          `json:"last_tick_utc,omitempty"`
	TickAgeSec  float64         `json:"tick_age_sec,omitempty"`
	Overruns    uint64          `json:"loop_overruns"`
	Sources     control.Sources `json:"sources"`
}

func statusSnapshot(ctl Controller, now time.Time) StatusResponse {
	st := ctl.Snapshot()
	resp := StatusResponse{
		Service:   serviceName,
		NowUTC:    now.UTC().Format(time.RFC3339Nano),
		SessionID: st.SessionID,
		Mode:      st.Mode.String(),
		Tick:      st.Tick,
		Overruns:  st.Overruns,
		Sources:   ctl.Sources(),
	}
	if !st.UpdatedUTC.IsZero() {
		resp.LastTickUTC = st.UpdatedUTC.Format(time.RFC3339Nano)
		resp.TickAgeSec = now.Sub(st.UpdatedUTC).Seconds()
	}
	return resp
}

func statusHandler(ctl Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, statusSnapshot(ctl, time.Now()))
	})
}
