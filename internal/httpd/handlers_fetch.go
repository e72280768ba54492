package httpd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"cartbridge/internal/pathutil"
	"cartbridge/internal/version"
)

// Redirect targets for the URL download flow. The pages themselves are
// static UI assets; the manager only steers the browser between them.
const (
	progressPage = "/downloading.shtml"
	errorPage    = "/error.shtml"
)

// Error codes carried on the error page redirect.
const (
	fetchErrInvalidFolder = 1
	fetchErrInvalidURL    = 2
	fetchErrBadRequest    = 3
)

// handleFetchRequest serves /download.cgi: it records the requested
// URL and destination folder, marks the download engine as requested
// and redirects to either the progress page or the error page. Unlike
// the CGI endpoints this one answers with a redirect, not JSON.
func (s *Server) handleFetchRequest(w http.ResponseWriter, r *http.Request) {
	folder, ok := decodeParam(r, "folder", s.cfg.MaxPath)
	if !ok {
		s.redirectError(w, r, fetchErrInvalidFolder, "Invalid folder")
		return
	}
	if _, err := pathutil.Normalize(folder, s.cfg.MaxPath, s.cfg.MaxName); err != nil {
		s.redirectError(w, r, fetchErrInvalidFolder, "Invalid folder")
		return
	}
	rawURL, ok := decodeParam(r, "url", s.cfg.MaxPath)
	if !ok || rawURL == "" {
		s.redirectError(w, r, fetchErrInvalidURL, "Invalid url")
		return
	}
	if err := s.fetcher.Request(folder, rawURL); err != nil {
		s.redirectError(w, r, fetchErrBadRequest, "Bad request")
		return
	}
	http.Redirect(w, r, progressPage, http.StatusFound)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	target := fmt.Sprintf("%s?error=%d&error_msg=%s", errorPage, code, url.QueryEscape(msg))
	http.Redirect(w, r, target, http.StatusFound)
}

type downloadStatus struct {
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	Received int64  `json:"received"`
	Total    int64  `json:"total"`
	Error    string `json:"error,omitempty"`
}

type statusPayload struct {
	Storage   bool           `json:"storage"`
	Version   string         `json:"version"`
	Uploads   int            `json:"uploads"`
	Downloads int            `json:"downloads"`
	Download  downloadStatus `json:"download"`
}

// handleStatus answers /status.cgi with the state the firmware exposed
// through its template tags: storage availability, version, transfer
// slot usage and the download engine snapshot.
func (s *Server) handleStatus(r *http.Request) {
	_, statErr := os.Stat(s.rootAbs)
	uploads, downloads := s.transfers.Stats()
	snap := s.fetcher.Snapshot()

	s.setJSON(statusPayload{
		Storage:   statErr == nil,
		Version:   version.Get().Version,
		Uploads:   uploads,
		Downloads: downloads,
		Download: downloadStatus{
			Status:   snap.Status.String(),
			URL:      snap.URL,
			Filename: snap.Filename,
			Received: snap.Received,
			Total:    snap.Total,
			Error:    snap.Error,
		},
	})
}
