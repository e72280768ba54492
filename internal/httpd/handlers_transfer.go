package httpd

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"cartbridge/internal/transfer"
)

func (s *Server) handleUploadStart(r *http.Request) {
	token, ok1 := decodeParam(r, "token", transfer.TokenMax+1)
	fullpath, ok2 := decodeParam(r, "fullpath", s.cfg.MaxPath)
	if !ok1 || !ok2 || token == "" {
		s.resp.SetError("missing parameters")
		return
	}
	osPath, err := s.resolve(fullpath)
	if err != nil {
		s.resp.SetError("invalid path")
		return
	}
	if err := s.transfers.StartUpload(token, osPath); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.setJSON(struct {
		Status    string `json:"status"`
		ChunkSize int    `json:"chunkSize"`
		Method    string `json:"method"`
	}{"started", s.transfers.UploadChunkSize(), "POST"})
}

// handleUploadChunk accepts a chunk either as a form parameter
// (percent-encoded base64) or, on POST with a body, as raw bytes
// written straight to the seeked file.
func (s *Server) handleUploadChunk(r *http.Request) {
	token, ok1 := decodeParam(r, "token", transfer.TokenMax+1)
	chunkRaw, ok2 := decodeParam(r, "chunk", 16)
	if !ok1 || !ok2 || token == "" {
		s.resp.SetError("invalid parameters")
		return
	}
	index, err := strconv.Atoi(chunkRaw)
	if err != nil || index < 0 {
		s.resp.SetError("invalid parameters")
		return
	}

	if r.Method == http.MethodPost {
		s.handleRawChunk(r, token, index)
		return
	}

	// Capacity for a whole encoded chunk plus padding.
	payloadCap := (s.transfers.UploadChunkSize()+2)/3*4 + 8
	payload, ok := decodeParam(r, "payload", payloadCap)
	if !ok {
		s.resp.SetError("invalid payload encoding")
		return
	}
	if err := s.transfers.UploadChunk(token, index, payload); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.resp.SetStatus("chunk_ok")
}

// handleRawChunk is the binary ingestion path: the file is seeked once
// at request open and the body streamed to it without decoding.
func (s *Server) handleRawChunk(r *http.Request, token string, index int) {
	w, err := s.transfers.BeginRawChunk(token, index)
	if err != nil {
		s.resp.SetError(err.Error())
		return
	}
	body := http.MaxBytesReader(nil, r.Body, int64(s.transfers.UploadChunkSize()))
	if _, err := io.Copy(w, body); err != nil {
		s.resp.SetError("write failed")
		return
	}
	s.resp.SetStatus("chunk_ok")
}

func (s *Server) handleUploadEnd(r *http.Request) {
	token, ok := decodeParam(r, "token", transfer.TokenMax+1)
	if !ok || token == "" {
		s.resp.SetError("invalid token")
		return
	}
	if err := s.transfers.EndUpload(token); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.resp.SetStatus("completed")
}

func (s *Server) handleUploadCancel(r *http.Request) {
	token, ok := decodeParam(r, "token", transfer.TokenMax+1)
	if !ok || token == "" {
		s.resp.SetError("invalid token")
		return
	}
	if err := s.transfers.CancelUpload(token); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.resp.SetStatus("cancelled")
}

func (s *Server) handleDownloadStart(r *http.Request) {
	token, ok1 := decodeParam(r, "token", transfer.TokenMax+1)
	fullpath, ok2 := decodeParam(r, "fullpath", s.cfg.MaxPath)
	if !ok1 || !ok2 || token == "" {
		s.resp.SetError("missing parameters")
		return
	}
	osPath, err := s.resolve(fullpath)
	if err != nil {
		s.resp.SetError("invalid path")
		return
	}
	size, err := s.transfers.StartDownload(token, osPath)
	if err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.setJSON(struct {
		Status    string `json:"status"`
		ChunkSize int    `json:"chunkSize"`
		FileSize  int64  `json:"fileSize"`
	}{"started", s.transfers.DownloadChunkSize(), size})
}

func (s *Server) handleDownloadChunk(r *http.Request) {
	token, ok1 := decodeParam(r, "token", transfer.TokenMax+1)
	chunkRaw, ok2 := decodeParam(r, "chunk", 16)
	if !ok1 || !ok2 || token == "" {
		s.resp.SetError("invalid parameters")
		return
	}
	index, err := strconv.Atoi(chunkRaw)
	if err != nil || index < 0 {
		s.resp.SetError("invalid parameters")
		return
	}
	data, err := s.transfers.DownloadChunk(token, index)
	if err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			s.resp.SetError("invalid token")
			return
		}
		s.resp.SetError("read failed")
		return
	}
	// Config validation guarantees the encoded chunk plus framing
	// fits the response buffer.
	s.setJSON(struct {
		Status string `json:"status"`
		Length int    `json:"length"`
		Data   string `json:"data"`
	}{"chunk", len(data), transfer.EncodeChunk(data)})
}

func (s *Server) handleDownloadEnd(r *http.Request) {
	token, ok := decodeParam(r, "token", transfer.TokenMax+1)
	if !ok || token == "" {
		s.resp.SetError("invalid token")
		return
	}
	if err := s.transfers.EndDownload(token); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.resp.SetStatus("completed")
}

func (s *Server) handleDownloadCancel(r *http.Request) {
	token, ok := decodeParam(r, "token", transfer.TokenMax+1)
	if !ok || token == "" {
		s.resp.SetError("invalid token")
		return
	}
	if err := s.transfers.CancelDownload(token); err != nil {
		s.resp.SetError(err.Error())
		return
	}
	s.resp.SetStatus("cancelled")
}
