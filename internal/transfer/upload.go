package transfer

import (
	"fmt"
	"io"
	"os"
)

// StartUpload opens osPath for writing (truncating existing content)
// under a freshly allocated session slot. A failed open never leaks
// the slot.
func (m *Manager) StartUpload(token, osPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.uploads.Allocate(token)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(osPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		m.uploads.Release(ctx)
		return fmt.Errorf("cannot open file: %w", err)
	}
	ctx.file = f
	ctx.path = osPath
	m.log.Debug().Str("token", ctx.token).Str("path", osPath).Msg("upload started")
	return nil
}

// UploadChunk decodes a base64 payload and writes it at
// index times the upload stride. The index is not required to be monotonic:
// retrying chunk i overwrites the same byte range.
func (m *Manager) UploadChunk(token string, index int, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.uploads.Find(token)
	if err != nil {
		return err
	}
	data, err := b64.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	off, err := chunkOffset(index, m.uploadChunk)
	if err != nil {
		return err
	}
	n, err := ctx.file.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("write failed: short write %d of %d", n, len(data))
	}
	ctx.touch()
	m.log.Debug().Str("token", ctx.token).Int("chunk", index).Int("bytes", n).Msg("upload chunk")
	return nil
}

// BeginRawChunk prepares the raw-binary ingestion path: the session's
// file is seeked once to the chunk's offset and a writer for the
// request body is returned. Body segments are then written without any
// decoding, which is the whole point of this path.
func (m *Manager) BeginRawChunk(token string, index int) (io.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.uploads.Find(token)
	if err != nil {
		return nil, err
	}
	off, err := chunkOffset(index, m.uploadChunk)
	if err != nil {
		return nil, err
	}
	if _, err := ctx.file.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek failed: %w", err)
	}
	ctx.touch()
	m.log.Debug().Str("token", ctx.token).Int("chunk", index).Msg("raw upload chunk")
	return ctx.file, nil
}

// EndUpload closes the session. It succeeds regardless of how many
// chunks were written; completeness is the client's claim to make.
func (m *Manager) EndUpload(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.uploads.Find(token)
	if err != nil {
		return err
	}
	m.log.Debug().Str("token", ctx.token).Str("path", ctx.path).Msg("upload completed")
	m.uploads.Release(ctx)
	return nil
}

// CancelUpload closes the session and removes the partial file. The
// destination path is retained in the context precisely to make this
// cleanup possible.
func (m *Manager) CancelUpload(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.uploads.Find(token)
	if err != nil {
		return err
	}
	path := ctx.path
	m.uploads.Release(ctx)
	m.removePartial(path)
	m.log.Debug().Str("token", token).Str("path", path).Msg("upload cancelled")
	return nil
}

func (m *Manager) removePartial(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("path", path).Msg("could not remove partial upload")
	}
}
