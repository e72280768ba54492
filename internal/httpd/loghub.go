package httpd

import (
	"net/http"
	"sync"
	"time"
)

// RequestRecord is a compact per-request line for the file-manager UI
// debug panel.
type RequestRecord struct {
	ID         uint64 `json:"id"`
	TimeUnixMs int64  `json:"time_unix_ms"`
	RemoteIP   string `json:"remote_ip"`
	Path       string `json:"path"`
	Query      string `json:"query,omitempty"`
	IsError    bool   `json:"is_error"`
	RespBytes  int    `json:"resp_bytes"`
	DurationMs int64  `json:"duration_ms"`
}

// logHub keeps a ring buffer of recent request records and broadcasts
// new ones to websocket subscribers.
type logHub struct {
	mu      sync.Mutex
	ring    []RequestRecord
	cap     int
	nextPos int
	count   int
	nextID  uint64
	subs    map[chan RequestRecord]struct{}
}

func newLogHub(capacity int) *logHub {
	if capacity <= 0 {
		capacity = 512
	}
	return &logHub{
		ring: make([]RequestRecord, capacity),
		cap:  capacity,
		subs: make(map[chan RequestRecord]struct{}),
	}
}

func (h *logHub) add(e RequestRecord) {
	if e.TimeUnixMs == 0 {
		e.TimeUnixMs = time.Now().UnixMilli()
	}

	h.mu.Lock()
	h.nextID++
	e.ID = h.nextID

	h.ring[h.nextPos] = e
	h.nextPos = (h.nextPos + 1) % h.cap
	if h.count < h.cap {
		h.count++
	}
	// Broadcast best-effort; a slow subscriber drops records.
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *logHub) snapshot(limit int) []RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	if limit == 0 {
		return nil
	}

	start := h.nextPos - h.count
	if start < 0 {
		start += h.cap
	}
	start = (start + (h.count - limit)) % h.cap

	out := make([]RequestRecord, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, h.ring[(start+i)%h.cap])
	}
	return out
}

func (h *logHub) subscribe() (ch chan RequestRecord, cancel func()) {
	ch = make(chan RequestRecord, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// handleLogStream serves /ws/log: the recent backlog followed by live
// records, one JSON object per websocket message.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.logs.subscribe()
	defer cancel()

	for _, e := range s.logs.snapshot(100) {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}

	// Drain client frames so closes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}
