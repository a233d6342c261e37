package web

import (
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"betafly-ng/internal/config"
)

const maxConfigBytes = 1 << 20 // 1 MiB

// SettingsStore serves the running config and replaces the config file.
// A saved config takes effect on the next start.
type SettingsStore struct {
	// ConfigPath is where POST writes. Empty disables saving.
	ConfigPath string
	// Running is the effective config of this process.
	Running config.Config
}

type SettingsResponse struct {
	OK              bool   `json:"ok"`
	Path            string `json:"path"`
	RestartRequired bool   `json:"restart_required"`
}

// save writes cfg with defaults filled in, via a temp file in the same
// directory and a rename so a crash never leaves a partial file.
func (s *SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.ConfigPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.ConfigPath)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.ConfigPath)
}

// Handler serves /api/config. GET returns the running config as YAML. POST
// takes a complete config document, as YAML or JSON, validates it like the
// config file and saves it.
func (s *SettingsStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			b, err := yaml.Marshal(&s.Running)
			if err != nil {
				http.Error(w, "marshal failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.Header().Set("Cache-Control", "no-store")
			_, _ = w.Write(b)

		case http.MethodPost:
			if strings.TrimSpace(s.ConfigPath) == "" {
				http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
				return
			}
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || !configMediaType(mt) {
				http.Error(w, "content-type must be application/yaml or application/json", http.StatusUnsupportedMediaType)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxConfigBytes)
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(string(body)) == "" {
				http.Error(w, "invalid config: body is empty", http.StatusBadRequest)
				return
			}
			cfg, err := config.Parse(body)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
				return
			}
			if err := s.save(cfg); err != nil {
				http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
				return
			}
			log.Printf("web: config saved to %s (restart to apply)", s.ConfigPath)
			writeJSON(w, http.StatusOK, SettingsResponse{OK: true, Path: s.ConfigPath, RestartRequired: true})

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func configMediaType(mt string) bool {
	switch mt {
	case "application/json", "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}
