// Package fetch pulls a remote file over HTTP into the managed
// filesystem. One transfer runs at a time; the browser requests it,
// then polls the status page while the engine's tick loop drives the
// state machine.
package fetch

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cartbridge/internal/fsops"
	"cartbridge/internal/pathutil"
)

// Status is the lifecycle of the single transfer slot.
type Status int

const (
	StatusIdle Status = iota
	StatusRequested
	StatusNotStarted
	StatusStarted
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRequested:
		return "requested"
	case StatusNotStarted:
		return "not_started"
	case StatusStarted:
		return "started"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultFilename names the target when the URL path carries no final
// segment.
const DefaultFilename = "default.bin"

// ParsedURL is the split form of a download URL.
type ParsedURL struct {
	Protocol string
	Host     string
	URI      string
}

// ParseURL splits raw into protocol, host and URI. The URI keeps its
// leading slash and is empty when the URL ends at the host. The second
// result is the filename taken from the last URI segment, or
// DefaultFilename when the path ends in a slash or is absent.
func ParseURL(raw string) (ParsedURL, string, error) {
	var p ParsedURL
	sep := strings.Index(raw, "://")
	if sep < 0 {
		return p, "", fmt.Errorf("parse url %q: missing protocol separator", raw)
	}
	p.Protocol = raw[:sep]

	rest := raw[sep+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		p.Host = rest[:slash]
		p.URI = rest[slash:]
	} else {
		p.Host = rest
	}

	name := p.URI
	if last := strings.LastIndexByte(p.URI, '/'); last >= 0 {
		name = p.URI[last+1:]
	}
	if name == "" {
		name = DefaultFilename
	}
	return p, name, nil
}

// Snapshot is a point-in-time view of the engine for the status page.
type Snapshot struct {
	Status   Status
	URL      string
	Folder   string
	Filename string
	Received int64
	Total    int64
	Error    string
}

// Engine owns the transfer slot. Request records what to download;
// Tick advances the state machine and must be called from the main
// loop. The HTTP copy itself runs on a goroutine so a slow server
// never stalls the loop.
type Engine struct {
	root       string
	maxPath    int
	maxName    int
	startDelay time.Duration
	client     *http.Client
	log        zerolog.Logger

	mu       sync.Mutex
	status   Status
	rawURL   string
	folder   string
	parsed   ParsedURL
	filename string
	deadline time.Time
	lastErr  string
	file     *os.File
	done     chan error

	received atomic.Int64
	total    atomic.Int64
}

// NewEngine returns an idle engine writing under root.
func NewEngine(log zerolog.Logger, root string, maxPath, maxName int, startDelay time.Duration) *Engine {
	return &Engine{
		root:       root,
		maxPath:    maxPath,
		maxName:    maxName,
		startDelay: startDelay,
		client:     &http.Client{Timeout: 5 * time.Minute},
		log:        log.With().Str("component", "fetch").Logger(),
	}
}

// Request schedules a download of url into folder. It fails while a
// previous transfer is still moving through the state machine.
func (e *Engine) Request(folder, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusIdle, StatusFailed:
	default:
		return fmt.Errorf("download already in progress (%s)", e.status)
	}

	parsed, filename, err := ParseURL(url)
	if err != nil {
		return err
	}
	if _, err := pathutil.Join(folder, filename, e.maxPath, e.maxName); err != nil {
		return fmt.Errorf("download target: %w", err)
	}

	e.rawURL = url
	e.folder = folder
	e.parsed = parsed
	e.filename = filename
	e.lastErr = ""
	e.received.Store(0)
	e.total.Store(0)
	e.status = StatusRequested
	e.log.Info().Str("url", url).Str("folder", folder).Msg("download requested")
	return nil
}

// Tick advances the transfer by one step.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case StatusRequested:
		e.deadline = time.Now().Add(e.startDelay)
		e.status = StatusNotStarted
	case StatusNotStarted:
		if time.Now().After(e.deadline) {
			e.start()
		}
	case StatusStarted, StatusInProgress:
		select {
		case err := <-e.done:
			e.finish(err)
		default:
			e.status = StatusInProgress
		}
	case StatusCompleted:
		e.status = StatusIdle
	}
}

// start opens the target and launches the copy. Caller holds the lock.
func (e *Engine) start() {
	rel, err := pathutil.Join(e.folder, e.filename, e.maxPath, e.maxName)
	if err != nil {
		e.fail(err)
		return
	}
	osPath, err := fsops.ToOSPath(e.root, rel)
	if err != nil {
		e.fail(err)
		return
	}

	// A leftover read-only target would make the create fail.
	fsops.ClearReadOnly(osPath)

	f, err := os.OpenFile(osPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		e.fail(fmt.Errorf("cannot open file: %w", err))
		return
	}

	e.file = f
	e.done = make(chan error, 1)
	e.status = StatusStarted
	e.log.Info().Str("path", rel).Str("host", e.parsed.Host).Msg("download started")

	url := e.parsed.Protocol + "://" + e.parsed.Host + e.parsed.URI
	go e.run(url, f)
}

// run performs the HTTP copy off the main loop.
func (e *Engine) run(url string, f *os.File) {
	resp, err := e.client.Get(url)
	if err != nil {
		e.done <- fmt.Errorf("cannot start download: %w", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.done <- fmt.Errorf("server returned %s", resp.Status)
		return
	}
	if resp.ContentLength > 0 {
		e.total.Store(resp.ContentLength)
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				e.done <- fmt.Errorf("cannot write file: %w", werr)
				return
			}
			e.received.Add(int64(n))
		}
		if rerr == io.EOF {
			e.done <- nil
			return
		}
		if rerr != nil {
			e.done <- fmt.Errorf("download aborted: %w", rerr)
			return
		}
	}
}

// finish closes the target and records the outcome. Caller holds the
// lock. A failed transfer keeps the partial file on disk.
func (e *Engine) finish(err error) {
	if e.file != nil {
		if cerr := e.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("cannot close file: %w", cerr)
		}
		e.file = nil
	}
	e.done = nil
	if err != nil {
		e.fail(err)
		return
	}
	e.status = StatusCompleted
	e.log.Info().
		Str("filename", e.filename).
		Int64("bytes", e.received.Load()).
		Msg("download completed")
}

// fail records the error string shown on the status page. Caller holds
// the lock.
func (e *Engine) fail(err error) {
	e.status = StatusFailed
	e.lastErr = err.Error()
	e.log.Error().Err(err).Str("url", e.rawURL).Msg("download failed")
}

// Status returns the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ErrorString describes the last failure, or "no error".
func (e *Engine) ErrorString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == "" {
		return "no error"
	}
	return e.lastErr
}

// Snapshot returns the full state for the status page.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:   e.status,
		URL:      e.rawURL,
		Folder:   e.folder,
		Filename: e.filename,
		Received: e.received.Load(),
		Total:    e.total.Load(),
		Error:    e.lastErr,
	}
}
