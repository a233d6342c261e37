package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"betafly-ng/internal/control"
	"betafly-ng/internal/stabilizer"
)

// Controller is the subset of the control loop the API drives.
// Implementations must be safe to call concurrently.
type Controller interface {
	Snapshot() control.State
	SetMode(stabilizer.Mode) error
	ResetPosition()
	HoldPosition()
	SetHeight(float64) error
	SetMixRatio(float64) error
	CalibrateAltitude() error
	Sources() control.Sources
}

// ModeRequest is the POST /api/mode body.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// CommandRequest is the POST /api/command body. Params depend on the
// command: set_mode takes "mode", set_height takes "height" and
// set_mix_ratio takes "ratio". calibrate_altitude takes none and must be
// sent on the ground.
type CommandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// CommandResponse carries the state published after the command ran. Mode,
// target, position and height already reflect the command; corrections are
// those of the last tick.
type CommandResponse struct {
	OK    bool          `json:"ok"`
	Error string        `json:"error,omitempty"`
	State control.State `json:"state"`
}

type commandParams struct {
	Mode   *string  `json:"mode"`
	Height *float64 `json:"height"`
	Ratio  *float64 `json:"ratio"`
}

const maxBodyBytes = 64 << 10

// Handler serves the JSON API. /api/logs and /api/config are only served
// when logs and settings are non-nil.
func Handler(ctl Controller, logs *LogBuffer, settings *SettingsStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	})

	mux.HandleFunc("/api/mode", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ModeRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m, err := stabilizer.ParseMode(req.Mode)
		if err == nil {
			err = ctl.SetMode(m)
		}
		respond(w, ctl, err)
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req CommandRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respond(w, ctl, runCommand(ctl, req))
	})

	if settings != nil {
		mux.Handle("/api/config", settings.Handler())
	}

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.Handle("/api/about", AboutHandler(ctl))
	mux.Handle("/api/status", statusHandler(ctl))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" && path.Dir(r.URL.Path) == "/api" {
			http.NotFound(w, r)
			return
		}

		st := ctl.Snapshot()
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Betafly-NG</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>Betafly-NG</h1>")
		_, _ = fmt.Fprintf(w, "<p>Live state: <a href=\"/api/state\">/api/state</a>, sources: <a href=\"/api/status\">/api/status</a>, logs: <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>session=%s\nmode=%s\nposition=(%.3f, %.3f) m\nheight=%.2f m\nconfidence=%.2f\n</pre>",
			html.EscapeString(st.SessionID), st.Mode, st.Position.X, st.Position.Y, st.Height, st.Confidence,
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func runCommand(ctl Controller, req CommandRequest) error {
	var p commandParams
	if len(bytes.TrimSpace(req.Params)) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}

	switch strings.TrimSpace(req.Command) {
	case "reset_position":
		ctl.ResetPosition()
		return nil
	case "hold_position":
		ctl.HoldPosition()
		return nil
	case "set_mode":
		if p.Mode == nil {
			return errors.New("set_mode requires params.mode")
		}
		m, err := stabilizer.ParseMode(*p.Mode)
		if err != nil {
			return err
		}
		return ctl.SetMode(m)
	case "set_height":
		if p.Height == nil {
			return errors.New("set_height requires params.height")
		}
		return ctl.SetHeight(*p.Height)
	case "set_mix_ratio":
		if p.Ratio == nil {
			return errors.New("set_mix_ratio requires params.ratio")
		}
		return ctl.SetMixRatio(*p.Ratio)
	case "calibrate_altitude":
		return ctl.CalibrateAltitude()
	case "":
		return errors.New("command is required")
	default:
		return fmt.Errorf("unknown command %q", req.Command)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); !strings.HasPrefix(ct, "application/json") {
		return errors.New("content-type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

// respond reports a command result together with the state after it ran.
// Rejected commands leave the state untouched and answer 400.
func respond(w http.ResponseWriter, ctl Controller, err error) {
	resp := CommandResponse{OK: err == nil, State: ctl.Snapshot()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, ctl Controller, logs *LogBuffer, settings *SettingsStore) error {
	if ctl == nil {
		return errors.New("web: controller is nil")
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(ctl, logs, settings),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
