package httpd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cartbridge/internal/config"
	"cartbridge/internal/fetch"
	"cartbridge/internal/transfer"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	return newTestServerWith(t, nil)
}

// newTestServerWith builds a server over a fresh temp root, letting
// the test adjust the config before it is validated and applied.
func newTestServerWith(t *testing.T, mod func(*config.Config)) (*Server, *httptest.Server, string) {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Root = root
	cfg.LogRequests = false
	cfg.Discovery.Enabled = false
	if mod != nil {
		mod(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config rejected: %v", err)
	}

	tm := transfer.NewManager(zerolog.Nop(), cfg.UploadChunkSize, cfg.DownloadChunkSize)
	fe := fetch.NewEngine(zerolog.Nop(), root, cfg.MaxPath, cfg.MaxName, 0)
	s, err := New(cfg, zerolog.Nop(), tm, fe)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, root
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func getMap(t *testing.T, url string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(get(t, url)), &m); err != nil {
		t.Fatalf("GET %s: bad JSON: %v", url, err)
	}
	return m
}

func TestFolderListsOnlyDirectories(t *testing.T) {
	_, ts, root := newTestServer(t)
	for _, d := range []string{"games", "demos"} {
		if err := os.Mkdir(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var names []string
	if err := json.Unmarshal([]byte(get(t, ts.URL+"/folder.cgi?folder=%2F")), &names); err != nil {
		t.Fatal(err)
	}
	want := []string{"demos", "games"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestFolderInvalidYieldsEmptyArray(t *testing.T) {
	_, ts, _ := newTestServer(t)
	if body := get(t, ts.URL+"/folder.cgi?folder=..%2F.."); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
	if body := get(t, ts.URL+"/folder.cgi"); body != "[]" {
		t.Errorf("missing param body = %q, want []", body)
	}
}

// lsPage fetches one listing page and reports the entries plus whether
// the truncation sentinel was present.
func lsPage(t *testing.T, base, folder string, next int) ([]map[string]any, bool) {
	t.Helper()
	body := get(t, fmt.Sprintf("%s/ls.cgi?folder=%s&nextItem=%d", base, url.QueryEscape(folder), next))
	var arr []map[string]any
	if err := json.Unmarshal([]byte(body), &arr); err != nil {
		t.Fatalf("ls response not an array: %v (%q)", err, body)
	}
	if len(arr) > 0 && len(arr[len(arr)-1]) == 0 {
		return arr[:len(arr)-1], true
	}
	return arr, false
}

func TestLsPaginationNoDuplicatesNoGaps(t *testing.T) {
	_, ts, root := newTestServer(t)

	const total = 200
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("file_%03d_with_a_reasonably_long_name.prg", i)
		if err := os.WriteFile(filepath.Join(root, name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var all []string
	next := 0
	sawSentinel := false
	for {
		page, truncated := lsPage(t, ts.URL, "/", next)
		for _, e := range page {
			all = append(all, e["n"].(string))
		}
		next += len(page)
		if !truncated {
			break
		}
		sawSentinel = true
		if len(page) == 0 {
			t.Fatal("truncated page with no entries")
		}
	}

	if !sawSentinel {
		t.Fatal("listing fit one page; test needs more entries to exercise the sentinel")
	}
	if len(all) != total {
		t.Fatalf("collected %d entries, want %d", len(all), total)
	}
	seen := map[string]bool{}
	for _, n := range all {
		if seen[n] {
			t.Fatalf("duplicate entry %q across pages", n)
		}
		seen[n] = true
	}
}

func TestLsEntryShape(t *testing.T) {
	_, ts, root := newTestServer(t)
	if err := os.WriteFile(filepath.Join(root, "demo.prg"), []byte("123456"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	page, truncated := lsPage(t, ts.URL, "/", 0)
	if truncated {
		t.Fatal("unexpected sentinel")
	}
	if len(page) != 2 {
		t.Fatalf("got %d entries, want 2", len(page))
	}
	file := page[0]
	if file["n"] != "demo.prg" || file["s"].(float64) != 6 {
		t.Errorf("file entry = %v", file)
	}
	dir := page[1]
	if int(dir["a"].(float64))&0x10 == 0 {
		t.Errorf("directory attribute bit missing: %v", dir)
	}
}

func TestMkdirRenameDelete(t *testing.T) {
	_, ts, root := newTestServer(t)

	m := getMap(t, ts.URL+"/mkdir.cgi?folder=%2F&src=stuff")
	if m["status"] != "created" {
		t.Fatalf("mkdir: %v", m)
	}
	if fi, err := os.Stat(filepath.Join(root, "stuff")); err != nil || !fi.IsDir() {
		t.Fatal("directory not created")
	}

	m = getMap(t, ts.URL+"/ren.cgi?folder=%2F&src=stuff&dst=things")
	if m["status"] != "renamed" {
		t.Fatalf("ren: %v", m)
	}
	if _, err := os.Stat(filepath.Join(root, "things")); err != nil {
		t.Fatal("rename did not happen")
	}

	m = getMap(t, ts.URL+"/del.cgi?folder=%2F&src=things")
	if m["status"] != "deleted" {
		t.Fatalf("del: %v", m)
	}
	if _, err := os.Stat(filepath.Join(root, "things")); !os.IsNotExist(err) {
		t.Fatal("delete did not happen")
	}
}

func TestDeleteNonEmptyDirRefused(t *testing.T) {
	_, ts, root := newTestServer(t)
	if err := os.MkdirAll(filepath.Join(root, "full"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "full", "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := getMap(t, ts.URL+"/del.cgi?folder=%2F&src=full")
	if m["error"] != "directory not empty" {
		t.Fatalf("del: %v", m)
	}
	if _, err := os.Stat(filepath.Join(root, "full", "x")); err != nil {
		t.Fatal("refused delete must not mutate")
	}
}

func TestMutationMissingParams(t *testing.T) {
	_, ts, _ := newTestServer(t)
	m := getMap(t, ts.URL+"/mkdir.cgi?folder=%2F")
	if m["error"] != "missing parameters" {
		t.Fatalf("mkdir without src: %v", m)
	}
}

func TestAttrReadOnly(t *testing.T) {
	_, ts, root := newTestServer(t)
	target := filepath.Join(root, "lock.bin")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := getMap(t, ts.URL+"/attr.cgi?folder=%2F&src=lock.bin&hidden=0&readonly=1")
	if m["status"] != "attributes updated" {
		t.Fatalf("attr: %v", m)
	}
	fi, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o200 != 0 {
		t.Error("read-only bit not applied")
	}
}

func TestUploadFlowOverHTTP(t *testing.T) {
	_, ts, root := newTestServer(t)
	content := bytes.Repeat([]byte{0xA5}, transfer.UploadChunkSize+700)

	m := getMap(t, ts.URL+"/upload_start.cgi?token=tok1&fullpath=%2Fout.bin")
	if m["status"] != "started" || int(m["chunkSize"].(float64)) != transfer.UploadChunkSize {
		t.Fatalf("upload_start: %v", m)
	}

	for i := 0; i*transfer.UploadChunkSize < len(content); i++ {
		lo := i * transfer.UploadChunkSize
		hi := min(lo+transfer.UploadChunkSize, len(content))
		payload := url.QueryEscape(base64.StdEncoding.EncodeToString(content[lo:hi]))
		m = getMap(t, fmt.Sprintf("%s/upload_chunk.cgi?token=tok1&chunk=%d&payload=%s", ts.URL, i, payload))
		if m["status"] != "chunk_ok" {
			t.Fatalf("chunk %d: %v", i, m)
		}
	}

	m = getMap(t, ts.URL+"/upload_end.cgi?token=tok1")
	if m["status"] != "completed" {
		t.Fatalf("upload_end: %v", m)
	}

	got, err := os.ReadFile(filepath.Join(root, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("uploaded content mismatch: %d bytes, want %d", len(got), len(content))
	}
}

func TestUploadRawChunkPost(t *testing.T) {
	_, ts, root := newTestServer(t)
	chunk0 := bytes.Repeat([]byte{1}, transfer.UploadChunkSize)
	chunk1 := []byte("tail data")

	if m := getMap(t, ts.URL+"/upload_start.cgi?token=raw&fullpath=%2Fraw.bin"); m["status"] != "started" {
		t.Fatalf("upload_start: %v", m)
	}
	for i, body := range [][]byte{chunk0, chunk1} {
		resp, err := http.Post(
			fmt.Sprintf("%s/upload_chunk.cgi?token=raw&chunk=%d", ts.URL, i),
			"application/octet-stream", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(b), "chunk_ok") {
			t.Fatalf("raw chunk %d: %s", i, b)
		}
	}
	if m := getMap(t, ts.URL+"/upload_end.cgi?token=raw"); m["status"] != "completed" {
		t.Fatalf("upload_end: %v", m)
	}

	got, err := os.ReadFile(filepath.Join(root, "raw.bin"))
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), chunk0...), chunk1...)
	if !bytes.Equal(got, want) {
		t.Errorf("raw upload mismatch: %d bytes, want %d", len(got), len(want))
	}
}

func TestUploadCancelRemovesFile(t *testing.T) {
	_, ts, root := newTestServer(t)
	if m := getMap(t, ts.URL+"/upload_start.cgi?token=c&fullpath=%2Fpartial.bin"); m["status"] != "started" {
		t.Fatalf("upload_start: %v", m)
	}
	if m := getMap(t, ts.URL+"/upload_cancel.cgi?token=c"); m["status"] != "cancelled" {
		t.Fatalf("upload_cancel: %v", m)
	}
	if _, err := os.Stat(filepath.Join(root, "partial.bin")); !os.IsNotExist(err) {
		t.Error("partial file not removed on cancel")
	}
}

func TestUploadPoolExhaustion(t *testing.T) {
	_, ts, _ := newTestServer(t)
	for i := 0; i < transfer.PoolCapacity; i++ {
		u := fmt.Sprintf("%s/upload_start.cgi?token=t%d&fullpath=%%2Ff%d.bin", ts.URL, i, i)
		if m := getMap(t, u); m["status"] != "started" {
			t.Fatalf("start %d: %v", i, m)
		}
	}
	m := getMap(t, ts.URL+"/upload_start.cgi?token=extra&fullpath=%2Fextra.bin")
	if m["error"] != "no context available" {
		t.Fatalf("5th start: %v", m)
	}
	if m := getMap(t, ts.URL+"/upload_end.cgi?token=t0"); m["status"] != "completed" {
		t.Fatalf("end: %v", m)
	}
	if m := getMap(t, ts.URL+"/upload_start.cgi?token=extra&fullpath=%2Fextra.bin"); m["status"] != "started" {
		t.Fatalf("start after free: %v", m)
	}
}

func TestDownloadFlowOverHTTP(t *testing.T) {
	_, ts, root := newTestServer(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 600) // 9600 bytes
	if err := os.WriteFile(filepath.Join(root, "image.d64"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	m := getMap(t, ts.URL+"/download_start.cgi?token=dl&fullpath=%2Fimage.d64")
	if m["status"] != "started" {
		t.Fatalf("download_start: %v", m)
	}
	if int64(m["fileSize"].(float64)) != int64(len(content)) {
		t.Fatalf("fileSize = %v, want %d", m["fileSize"], len(content))
	}
	chunkSize := int(m["chunkSize"].(float64))

	var assembled []byte
	sum := 0
	for i := 0; ; i++ {
		cm := getMap(t, fmt.Sprintf("%s/download_chunk.cgi?token=dl&chunk=%d", ts.URL, i))
		if cm["status"] != "chunk" {
			t.Fatalf("chunk %d: %v", i, cm)
		}
		length := int(cm["length"].(float64))
		data, err := base64.StdEncoding.DecodeString(cm["data"].(string))
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != length {
			t.Fatalf("chunk %d: length %d but %d decoded bytes", i, length, len(data))
		}
		assembled = append(assembled, data...)
		sum += length
		if length < chunkSize {
			break
		}
	}

	if sum != len(content) {
		t.Errorf("chunk lengths sum to %d, want %d", sum, len(content))
	}
	if !bytes.Equal(assembled, content) {
		t.Error("assembled content differs from file")
	}
	if m := getMap(t, ts.URL+"/download_end.cgi?token=dl"); m["status"] != "completed" {
		t.Fatalf("download_end: %v", m)
	}
}

func TestDownloadStartMissingFile(t *testing.T) {
	_, ts, _ := newTestServer(t)
	m := getMap(t, ts.URL+"/download_start.cgi?token=x&fullpath=%2Fnope.bin")
	if _, isErr := m["error"]; !isErr {
		t.Fatalf("expected error, got %v", m)
	}
}

func TestDownloadChunkInvalidToken(t *testing.T) {
	_, ts, _ := newTestServer(t)
	m := getMap(t, ts.URL+"/download_chunk.cgi?token=ghost&chunk=0")
	if m["error"] != "invalid token" {
		t.Fatalf("got %v", m)
	}
}

func TestDownloadChunkSizeFromConfig(t *testing.T) {
	_, ts, root := newTestServerWith(t, func(c *config.Config) {
		c.ResponseBufSize = 1024
		c.DownloadChunkSize = 512
	})
	content := bytes.Repeat([]byte("zyxw"), 325) // 1300 bytes
	if err := os.WriteFile(filepath.Join(root, "small.prg"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	m := getMap(t, ts.URL+"/download_start.cgi?token=cf&fullpath=%2Fsmall.prg")
	if m["status"] != "started" {
		t.Fatalf("download_start: %v", m)
	}
	if got := int(m["chunkSize"].(float64)); got != 512 {
		t.Fatalf("chunkSize = %d, want the configured 512", got)
	}

	// Every chunk must arrive as a well-formed JSON envelope that fits
	// the shrunken response buffer.
	var assembled []byte
	for i := 0; ; i++ {
		cm := getMap(t, fmt.Sprintf("%s/download_chunk.cgi?token=cf&chunk=%d", ts.URL, i))
		if cm["status"] != "chunk" {
			t.Fatalf("chunk %d: %v", i, cm)
		}
		length := int(cm["length"].(float64))
		if length > 512 {
			t.Fatalf("chunk %d: length %d exceeds configured size", i, length)
		}
		data, err := base64.StdEncoding.DecodeString(cm["data"].(string))
		if err != nil {
			t.Fatal(err)
		}
		assembled = append(assembled, data...)
		if length < 512 {
			break
		}
	}
	if !bytes.Equal(assembled, content) {
		t.Error("assembled content differs from file")
	}
}

func TestOversizedResponseReportsError(t *testing.T) {
	// A buffer too small for the status payload but large enough to
	// pass validation against the (tiny) download chunk.
	_, ts, _ := newTestServerWith(t, func(c *config.Config) {
		c.ResponseBufSize = 100
		c.DownloadChunkSize = 24
	})
	m := getMap(t, ts.URL+"/status.cgi")
	if m["error"] != "response too large" {
		t.Fatalf("got %v, want overflow error", m)
	}
}

func TestFetchRedirects(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(ts.URL + "/download.cgi?folder=%2F&url=http%3A%2F%2Fexample.com%2Fa.bin")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/downloading.shtml" {
		t.Errorf("Location = %q, want /downloading.shtml", loc)
	}

	resp, err = client.Get(ts.URL + "/download.cgi?folder=%2F")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/error.shtml?error=") {
		t.Errorf("Location = %q, want error page", loc)
	}
}

func TestStatusPage(t *testing.T) {
	_, ts, _ := newTestServer(t)
	m := getMap(t, ts.URL+"/status.cgi")
	if m["storage"] != true {
		t.Errorf("storage = %v, want true", m["storage"])
	}
	dl, ok := m["download"].(map[string]any)
	if !ok || dl["status"] != "idle" {
		t.Errorf("download = %v", m["download"])
	}
}
