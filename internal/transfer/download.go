package transfer

import (
	"fmt"
	"io"
	"os"
)

// StartDownload opens osPath for reading under a fresh session slot
// and reports the file size so the client can compute the chunk count.
// It fails if the file does not exist; a failed open never leaks the
// slot.
func (m *Manager) StartDownload(token, osPath string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.downloads.Allocate(token)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(osPath)
	if err != nil {
		m.downloads.Release(ctx)
		return 0, fmt.Errorf("cannot open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		m.downloads.Release(ctx)
		return 0, fmt.Errorf("cannot open file: %w", err)
	}
	ctx.file = f
	ctx.path = osPath
	m.log.Debug().Str("token", ctx.token).Str("path", osPath).Int64("size", fi.Size()).Msg("download started")
	return fi.Size(), nil
}

// DownloadChunk reads up to one download stride of raw bytes at the
// chunk's offset. A read at or past EOF returns zero bytes, which the
// client treats as the end marker. The caller base64-encodes the
// bytes into the JSON envelope.
func (m *Manager) DownloadChunk(token string, index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.downloads.Find(token)
	if err != nil {
		return nil, err
	}
	off, err := chunkOffset(index, m.downloadChunk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, m.downloadChunk)
	n, err := ctx.file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	ctx.touch()
	m.log.Debug().Str("token", ctx.token).Int("chunk", index).Int("bytes", n).Msg("download chunk")
	return buf[:n], nil
}

// EncodeChunk base64-encodes a chunk for the JSON envelope.
func EncodeChunk(data []byte) string {
	return b64.EncodeToString(data)
}

// EndDownload releases the session.
func (m *Manager) EndDownload(token string) error {
	return m.releaseDownload(token, "download completed")
}

// CancelDownload releases the session. Nothing on disk needs cleanup;
// downloads never write.
func (m *Manager) CancelDownload(token string) error {
	return m.releaseDownload(token, "download cancelled")
}

func (m *Manager) releaseDownload(token, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, err := m.downloads.Find(token)
	if err != nil {
		return err
	}
	m.log.Debug().Str("token", ctx.token).Msg(msg)
	m.downloads.Release(ctx)
	return nil
}
