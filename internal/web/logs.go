package web

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LogBuffer is an io.Writer that keeps the newest complete log lines in a
// ring for /api/logs. Every line gets a sequence number so pollers can ask
// only for lines they have not seen.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []logLine
	head    int // index of the oldest line
	n       int
	seq     uint64
	partial []byte
}

type logLine struct {
	seq  uint64
	text string
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]logLine, maxLines)}
}

// Write holds bytes after the last newline until the line completes.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := rest[:i]
		if len(b.partial) > 0 {
			line = append(b.partial, line...)
			b.partial = nil
		}
		b.pushLocked(string(bytes.TrimRight(line, "\r")))
		rest = rest[i+1:]
	}
	if len(rest) > 0 {
		b.partial = append(b.partial, rest...)
	}
	return len(p), nil
}

func (b *LogBuffer) pushLocked(text string) {
	if text == "" {
		return
	}
	b.seq++
	l := logLine{seq: b.seq, text: text}
	if b.n < len(b.ring) {
		b.ring[(b.head+b.n)%len(b.ring)] = l
		b.n++
		return
	}
	b.ring[b.head] = l
	b.head = (b.head + 1) % len(b.ring)
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Next    uint64   `json:"next"`
	Lines   []string `json:"lines"`
}

// Query returns up to tail of the newest lines with a sequence number above
// after that contain match, oldest first. Dropped counts lines that fell out
// of the ring; Next is the cursor for the following poll.
func (b *LogBuffer) Query(tail int, match string, after uint64) LogsResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = 200
	}
	resp := LogsResponse{
		NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		Dropped: b.seq - uint64(b.n),
		Next:    b.seq,
	}
	for i := b.n - 1; i >= 0 && len(resp.Lines) < tail; i-- {
		l := b.ring[(b.head+i)%len(b.ring)]
		if l.seq <= after {
			break
		}
		if match == "" || strings.Contains(l.text, match) {
			resp.Lines = append(resp.Lines, l.text)
		}
	}
	slices.Reverse(resp.Lines)
	return resp
}

// Handler serves ?tail=N&q=substring&after=seq, as JSON or with
// format=text as plain lines.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()

		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}
		var after uint64
		if s := strings.TrimSpace(q.Get("after")); s != "" {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, "after must be a line sequence number", http.StatusBadRequest)
				return
			}
			after = v
		}

		resp := b.Query(tail, q.Get("q"), after)
		if !strings.EqualFold(q.Get("format"), "text") {
			writeJSON(w, resp)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if resp.Dropped > 0 {
			_, _ = fmt.Fprintf(w, "[dropped=%d]\n", resp.Dropped)
		}
		for _, line := range resp.Lines {
			_, _ = fmt.Fprintln(w, line)
		}
	})
}
