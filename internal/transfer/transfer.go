// Package transfer implements the chunked, resumable, token-addressed
// upload and download engine behind the file manager's CGI endpoints.
//
// Each direction has an independent fixed-capacity pool of sessions.
// A session is created by start, advanced by chunk (addressed by a
// fixed-size chunk index, so a retried chunk overwrites the same byte
// range), and destroyed by end or cancel.
package transfer

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// UploadChunkSize is the default stride for upload chunk offsets.
	// Clients must send equal-size chunks except possibly the last.
	UploadChunkSize = 4096

	// DownloadChunkSize is the default raw byte count per download
	// chunk. It is sized so base64 expansion plus JSON framing fits
	// the 4 KiB shared response buffer (2048*4/3 ≈ 2731 encoded bytes).
	DownloadChunkSize = 2048
)

// Manager owns the upload and download pools and serializes all
// access, standing in for the firmware's single-threaded poll loop.
//
// The chunk strides are fixed per Manager: every session, and every
// chunkSize value the HTTP layer advertises, uses the same two
// numbers, so a chunk index always addresses the same byte range.
type Manager struct {
	mu            sync.Mutex
	uploads       Pool
	downloads     Pool
	uploadChunk   int
	downloadChunk int
	log           zerolog.Logger
}

// NewManager builds a manager with the given chunk strides. Values
// of zero or less fall back to the package defaults.
func NewManager(log zerolog.Logger, uploadChunk, downloadChunk int) *Manager {
	if uploadChunk <= 0 {
		uploadChunk = UploadChunkSize
	}
	if downloadChunk <= 0 {
		downloadChunk = DownloadChunkSize
	}
	return &Manager{
		uploadChunk:   uploadChunk,
		downloadChunk: downloadChunk,
		log:           log.With().Str("component", "transfer").Logger(),
	}
}

// UploadChunkSize reports the upload stride advertised to clients.
func (m *Manager) UploadChunkSize() int { return m.uploadChunk }

// DownloadChunkSize reports the per-chunk byte count for downloads.
func (m *Manager) DownloadChunkSize() int { return m.downloadChunk }

// Stats reports occupied slots per direction.
func (m *Manager) Stats() (uploads, downloads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads.InUse(), m.downloads.InUse()
}

// ExpireIdle releases sessions idle for longer than maxAge so an
// abandoned client cannot pin the pools forever. Expired uploads also
// lose their partial file. Returns the number of released sessions.
func (m *Manager) ExpireIdle(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.uploads.expire(maxAge) {
		m.removePartial(c.path)
		m.log.Info().Str("token", c.token).Msg("expired idle upload context")
		n++
	}
	for _, c := range m.downloads.expire(maxAge) {
		m.log.Info().Str("token", c.token).Msg("expired idle download context")
		n++
	}
	return n
}

func chunkOffset(index, stride int) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("negative chunk index %d", index)
	}
	return int64(index) * int64(stride), nil
}

var b64 = base64.StdEncoding
