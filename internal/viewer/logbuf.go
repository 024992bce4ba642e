// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/util"
)

// LogEntry is one captured log line. Tag is the subsystem prefix
// ("ROOM", "SYNC", "CALL", ...) when the line carries one.
type LogEntry struct {
	TS  time.Time `json:"ts"`
	Tag string    `json:"tag,omitempty"`
	Msg string    `json:"msg"`
}

// tagRe finds the upper-case subsystem tag after the log timestamp, as in
// "2026/01/02 15:04:05 ROOM [AB12CD]: joined".
var tagRe = regexp.MustCompile(`(?:^|\s)([A-Z]{2,})(?: \[[^\]]*\])?:`)

// LogBuffer keeps the last lines written to the process log and fans new
// lines out to stream subscribers. It is installed with log.SetOutput.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer. Partial lines are held until their newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: time.Now(), Tag: tagOf(line), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber
			}
		}
	}
	return len(p), nil
}

func tagOf(line string) string {
	if m := tagRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// Tail returns up to n of the newest entries matching tag ("" matches all).
func (b *LogBuffer) Tail(n int, tag string) []LogEntry {
	all := b.entries.Snapshot()
	out := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if tag == "" || e.Tag == tag {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?n=100&tag=ROOM
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Tail(n, strings.ToUpper(r.URL.Query().Get("tag"))))
}

// GET /api/logs/stream?tag=ROOM (Server-Sent Events), new lines only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	tag := strings.ToUpper(r.URL.Query().Get("tag"))

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if tag != "" && e.Tag != tag {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
