package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

const serviceName = "betafly-ng"

var readBuildInfo = debug.ReadBuildInfo

type AboutResponse struct {
	Service   string  `json:"service"`
	SessionID string  `json:"session_id,omitempty"`
	StartedAt string  `json:"started_utc"`
	UptimeSec float64 `json:"uptime_sec"`
	GoVersion string  `json:"go_version"`
	Version   string  `json:"version,omitempty"`
	Commit    string  `json:"commit,omitempty"`
	Dirty     bool    `json:"dirty,omitempty"`
}

// buildAbout fills the static part of the response once.
func buildAbout() AboutResponse {
	a := AboutResponse{Service: serviceName, GoVersion: runtime.Version()}
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return a
	}
	a.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			a.Commit = s.Value
		case "vcs.modified":
			a.Dirty = s.Value == "true"
		}
	}
	return a
}

// AboutHandler reports build info plus the session of ctl and the time
// since the handler was created.
func AboutHandler(ctl Controller) http.Handler {
	base := buildAbout()
	started := time.Now()
	base.StartedAt = started.UTC().Format(time.RFC3339)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := base
		resp.UptimeSec = time.Since(started).Seconds()
		if ctl != nil {
			resp.SessionID = ctl.Snapshot().SessionID
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
