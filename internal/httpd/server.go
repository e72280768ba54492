// Package httpd serves the web file manager: CGI-style directory and
// transfer endpoints, the URL download redirect page, a status page,
// the live request-log stream and the UDP LAN discovery responder.
//
// All CGI handlers share one response buffer and are serialized around
// it, the same single-response-in-flight model the embedded server
// enforced by being single-threaded.
package httpd

import (
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cartbridge/internal/config"
	"cartbridge/internal/fetch"
	"cartbridge/internal/fsops"
	"cartbridge/internal/param"
	"cartbridge/internal/pathutil"
	"cartbridge/internal/respbuf"
	"cartbridge/internal/transfer"
	"cartbridge/internal/version"
)

// lsHeadroom is the buffer space reserved when building a directory
// listing page, enough for the sentinel element and closing bracket
// with margin.
const lsHeadroom = 100

type Server struct {
	cfg       config.Config
	rootAbs   string
	transfers *transfer.Manager
	fetcher   *fetch.Engine
	logs      *logHub
	log       zerolog.Logger

	// reqMu serializes CGI handlers around the shared response buffer.
	reqMu sync.Mutex
	resp  *respbuf.Buffer

	upgrader websocket.Upgrader
	discOnce sync.Once
}

// New builds a server over an absolute storage root.
func New(cfg config.Config, log zerolog.Logger, transfers *transfer.Manager, fetcher *fetch.Engine) (*Server, error) {
	rootAbs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		rootAbs:   rootAbs,
		transfers: transfers,
		fetcher:   fetcher,
		logs:      newLogHub(512),
		log:       log.With().Str("component", "httpd").Logger(),
		resp:      respbuf.New(cfg.ResponseBufSize),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Root returns the absolute storage root.
func (s *Server) Root() string { return s.rootAbs }

// Handler returns the full endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/folder.cgi", s.cgi(s.handleFolder))
	mux.HandleFunc("/ls.cgi", s.cgi(s.handleLs))
	mux.HandleFunc("/mkdir.cgi", s.cgi(s.handleMkdir))
	mux.HandleFunc("/ren.cgi", s.cgi(s.handleRename))
	mux.HandleFunc("/del.cgi", s.cgi(s.handleDelete))
	mux.HandleFunc("/attr.cgi", s.cgi(s.handleAttr))

	mux.HandleFunc("/upload_start.cgi", s.cgi(s.handleUploadStart))
	mux.HandleFunc("/upload_chunk.cgi", s.cgi(s.handleUploadChunk))
	mux.HandleFunc("/upload_end.cgi", s.cgi(s.handleUploadEnd))
	mux.HandleFunc("/upload_cancel.cgi", s.cgi(s.handleUploadCancel))

	mux.HandleFunc("/download_start.cgi", s.cgi(s.handleDownloadStart))
	mux.HandleFunc("/download_chunk.cgi", s.cgi(s.handleDownloadChunk))
	mux.HandleFunc("/download_end.cgi", s.cgi(s.handleDownloadEnd))
	mux.HandleFunc("/download_cancel.cgi", s.cgi(s.handleDownloadCancel))

	mux.HandleFunc("/download.cgi", s.handleFetchRequest)
	mux.HandleFunc("/status.cgi", s.cgi(s.handleStatus))
	mux.HandleFunc("/ws/log", s.handleLogStream)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cartbridge-manager " + version.Get().String() + "\n"))
	})
	return mux
}

// cgi wraps a handler that fills the shared response buffer. It takes
// the request lock, resets the buffer, runs the handler and streams
// the buffer back in fixed-size parts.
func (s *Server) cgi(fn func(*http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// The lock is held through the stream: the buffer is the
		// response, and only one may be in flight.
		s.reqMu.Lock()
		s.resp.Reset()
		fn(r)
		w.Header().Set("Content-Type", "application/json")
		isErr := strings.HasPrefix(s.resp.String(), `{"error"`)
		respBytes := s.resp.Len()
		_ = s.resp.StreamTo(w)
		s.reqMu.Unlock()

		rec := RequestRecord{
			RemoteIP:   clientIP(r),
			Path:       r.URL.Path,
			Query:      r.URL.RawQuery,
			IsError:    isErr,
			RespBytes:  respBytes,
			DurationMs: time.Since(start).Milliseconds(),
		}
		s.logs.add(rec)
		if s.cfg.LogRequests {
			s.log.Info().
				Str("remote", rec.RemoteIP).
				Str("path", rec.Path).
				Bool("error", rec.IsError).
				Int("bytes", rec.RespBytes).
				Msg("request")
		}
	}
}

// setJSON fills the response buffer with v. An encoding that does not
// fit degrades to a clipped JSON error so the client never sees an
// empty body.
func (s *Server) setJSON(v any) {
	if err := s.resp.SetJSON(v); err != nil {
		s.resp.SetError("response too large")
	}
}

// rawParam extracts the still-encoded value of name from the query
// string. The stdlib would decode it, but the handlers run the same
// decoder the firmware used, so values are pulled out raw.
func rawParam(r *http.Request, name string) (string, bool) {
	q := r.URL.RawQuery
	for q != "" {
		pair := q
		if i := strings.IndexByte(q, '&'); i >= 0 {
			pair, q = q[:i], q[i+1:]
		} else {
			q = ""
		}
		key, val := pair, ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, val = pair[:i], pair[i+1:]
		}
		if key == name {
			return val, true
		}
	}
	return "", false
}

// decodeParam returns the percent-decoded value of name, truncated to
// capacity. ok is false when the parameter is absent or the decode
// fails.
func decodeParam(r *http.Request, name string, capacity int) (string, bool) {
	raw, found := rawParam(r, name)
	if !found {
		return "", false
	}
	return param.Decode(raw, capacity)
}

// resolve turns a decoded client path into an absolute path under the
// storage root.
func (s *Server) resolve(raw string) (string, error) {
	norm, err := pathutil.Normalize(raw, s.cfg.MaxPath, s.cfg.MaxName)
	if err != nil {
		return "", err
	}
	return fsops.ToOSPath(s.rootAbs, norm)
}

// resolveChild resolves folder/name under the storage root.
func (s *Server) resolveChild(folder, name string) (string, error) {
	rel, err := pathutil.Join(folder, name, s.cfg.MaxPath, s.cfg.MaxName)
	if err != nil {
		return "", err
	}
	return fsops.ToOSPath(s.rootAbs, rel)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
