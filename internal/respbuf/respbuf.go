// Package respbuf provides the single shared JSON response buffer used
// by the CGI handlers.
//
// The embedded server owns exactly one of these per instance: every
// handler overwrites it, and only one logical response is in flight at
// a time (the HTTP layer serializes requests around it). Capacity is
// checked before every write, never after, so an oversized response is
// reported instead of silently truncated on the wire.
package respbuf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultCapacity matches the firmware's 4 KiB JSON payload buffer.
const DefaultCapacity = 4096

// PartSize is the segment size used when streaming the buffer to the
// client, mirroring the templating layer's 128-byte insert parts.
const PartSize = 128

var ErrOverflow = errors.New("response buffer overflow")

// Buffer is a fixed-capacity byte buffer for one JSON response.
type Buffer struct {
	b   []byte
	cap int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{b: make([]byte, 0, capacity), cap: capacity}
}

func (r *Buffer) Reset()         { r.b = r.b[:0] }
func (r *Buffer) Len() int       { return len(r.b) }
func (r *Buffer) Cap() int       { return r.cap }
func (r *Buffer) Bytes() []byte  { return r.b }
func (r *Buffer) String() string { return string(r.b) }

// WriteString appends s if it fits, ErrOverflow otherwise. On overflow
// the buffer is left unchanged.
func (r *Buffer) WriteString(s string) error {
	if len(r.b)+len(s) > r.cap {
		return ErrOverflow
	}
	r.b = append(r.b, s...)
	return nil
}

// SetJSON replaces the buffer content with the JSON encoding of v.
func (r *Buffer) SetJSON(v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(enc) > r.cap {
		return ErrOverflow
	}
	r.b = append(r.b[:0], enc...)
	return nil
}

// SetError replaces the buffer content with {"error":"..."}.
// The message is clipped so the envelope always fits.
func (r *Buffer) SetError(msg string) {
	const framing = len(`{"error":""}`)
	if len(msg)+framing > r.cap {
		keep := r.cap - framing
		if keep < 0 {
			keep = 0
		}
		msg = msg[:keep]
	}
	// The clip above guarantees SetJSON cannot overflow; Marshal can
	// still grow the message through escaping, so clip again if needed.
	if err := r.SetJSON(map[string]string{"error": msg}); err != nil {
		r.b = append(r.b[:0], `{"error":"internal"}`...)
	}
}

func (r *Buffer) SetErrorf(format string, args ...any) {
	r.SetError(fmt.Sprintf(format, args...))
}

// SetStatus replaces the buffer content with {"status":"..."}.
func (r *Buffer) SetStatus(status string) {
	if err := r.SetJSON(map[string]string{"status": status}); err != nil {
		r.b = append(r.b[:0], `{"error":"internal"}`...)
	}
}

// StreamTo writes the buffer to w in parts of at most PartSize bytes,
// flushing between parts when w supports it. This is how the firmware's
// template tag delivered the JSON payload, and it keeps per-write
// memory bounded on the embedded side.
func (r *Buffer) StreamTo(w io.Writer) error {
	fl, _ := w.(http.Flusher)
	for off := 0; off < len(r.b); off += PartSize {
		end := off + PartSize
		if end > len(r.b) {
			end = len(r.b)
		}
		if _, err := w.Write(r.b[off:end]); err != nil {
			return err
		}
		if fl != nil {
			fl.Flush()
		}
	}
	return nil
}

// ArrayWriter incrementally builds a JSON array in the buffer, stopping
// before a configured headroom is consumed. It backs the paginated
// directory listing: when an element no longer fits, the caller closes
// the array with a sentinel and the client resumes from the next index.
type ArrayWriter struct {
	r        *Buffer
	headroom int
	n        int
	closed   bool
}

// BeginArray resets the buffer and opens a JSON array. headroom bytes
// are kept free for the sentinel and the closing bracket.
func (r *Buffer) BeginArray(headroom int) *ArrayWriter {
	if headroom < 0 {
		headroom = 0
	}
	r.b = append(r.b[:0], '[')
	return &ArrayWriter{r: r, headroom: headroom}
}

// Append marshals v and appends it as the next element. It returns
// false without writing when the element would cross into the headroom;
// the caller should then emit the sentinel and stop.
func (a *ArrayWriter) Append(v any) (bool, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	need := len(enc)
	if a.n > 0 {
		need++ // comma
	}
	if len(a.r.b)+need > a.r.cap-a.headroom {
		return false, nil
	}
	if a.n > 0 {
		a.r.b = append(a.r.b, ',')
	}
	a.r.b = append(a.r.b, enc...)
	a.n++
	return true, nil
}

// CloseTruncated appends the {} "more data" sentinel and closes the
// array. The reserved headroom guarantees it fits.
func (a *ArrayWriter) CloseTruncated() {
	if a.closed {
		return
	}
	if a.n > 0 {
		a.r.b = append(a.r.b, ',')
	}
	a.r.b = append(a.r.b, '{', '}', ']')
	a.closed = true
}

// Close closes the array without a sentinel.
func (a *ArrayWriter) Close() {
	if a.closed {
		return
	}
	a.r.b = append(a.r.b, ']')
	a.closed = true
}

// Count reports how many elements have been appended.
func (a *ArrayWriter) Count() int { return a.n }
