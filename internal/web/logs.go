package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogLines = 2000
	defaultLogTail  = 200
	maxLogTail      = 5000
	// Longer partial lines are flushed as-is.
	maxPartialLine = 64 << 10
)

// LogBuffer keeps the last max complete log lines. It is an io.Writer so it
// can sit behind log.SetOutput next to stderr. Every line gets a sequence
// number so clients can poll with ?since= and receive only new lines.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	nextSeq uint64
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = defaultLogLines
	}
	return &LogBuffer{max: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			b.partial = append(b.partial, data...)
			if len(b.partial) > maxPartialLine {
				b.appendLocked(string(b.partial))
				b.partial = b.partial[:0]
			}
			break
		}
		line := data[:i]
		if len(b.partial) > 0 {
			line = append(b.partial, line...)
			b.partial = b.partial[:0]
		}
		b.appendLocked(string(line))
		data = data[i+1:]
	}
	return len(p), nil
}

func (b *LogBuffer) appendLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	b.nextSeq++
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC string `json:"now_utc"`
	// Next is the sequence number of the next line to be written; pass it
	// back as ?since= to fetch only newer lines.
	Next    uint64   `json:"next"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns at most tail lines, newest last, restricted to lines
// with sequence >= since.
func (b *LogBuffer) Snapshot(tail int, since uint64) LogsResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = defaultLogTail
	}
	first := b.nextSeq - uint64(len(b.lines))
	start := 0
	if since > first {
		start = int(min(since-first, uint64(len(b.lines))))
	}
	if n := len(b.lines) - start; n > tail {
		start += n - tail
	}
	return LogsResponse{
		Next:    b.nextSeq,
		Dropped: b.dropped,
		Lines:   append([]string(nil), b.lines[start:]...),
	}
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		tail := defaultLogTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}
		var since uint64
		if s := strings.TrimSpace(q.Get("since")); s != "" {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
				return
			}
			since = v
		}

		resp := b.Snapshot(tail, since)
		resp.NowUTC = time.Now().UTC().Format(time.RFC3339Nano)

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			for _, line := range resp.Lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
