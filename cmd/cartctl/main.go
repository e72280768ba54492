// cartctl drives the cartbridge manager's CGI endpoints from the
// command line: listing and mutating the storage tree and running the
// chunked transfer protocol, for operators and integration checks.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"cartbridge/internal/version"
)

func main() {
	var base string
	var showVersion bool
	flag.StringVar(&base, "url", "http://127.0.0.1:8080", "Manager base URL")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(base, "/")}

	cmd := strings.ToLower(args[0])
	var err error
	switch cmd {
	case "version":
		fmt.Println(version.Get().String())
		return
	case "ls":
		err = c.ls(arg(args, 1, "/"))
	case "folders":
		err = c.folders(arg(args, 1, "/"))
	case "mkdir":
		err = c.mutate("/mkdir.cgi", map[string]string{"folder": arg(args, 1, "/"), "src": need(args, 2, "mkdir <folder> <name>")})
	case "rm":
		err = c.mutate("/del.cgi", map[string]string{"folder": arg(args, 1, "/"), "src": need(args, 2, "rm <folder> <name>")})
	case "ren":
		err = c.mutate("/ren.cgi", map[string]string{
			"folder": arg(args, 1, "/"),
			"src":    need(args, 2, "ren <folder> <old> <new>"),
			"dst":    need(args, 3, "ren <folder> <old> <new>"),
		})
	case "attr":
		err = c.mutate("/attr.cgi", map[string]string{
			"folder":   arg(args, 1, "/"),
			"src":      need(args, 2, "attr <folder> <name> <hidden 0|1> <readonly 0|1>"),
			"hidden":   need(args, 3, "attr <folder> <name> <hidden 0|1> <readonly 0|1>"),
			"readonly": need(args, 4, "attr <folder> <name> <hidden 0|1> <readonly 0|1>"),
		})
	case "upload":
		err = c.upload(need(args, 1, "upload <local-file> <remote-path>"), need(args, 2, "upload <local-file> <remote-path>"))
	case "download":
		err = c.download(need(args, 1, "download <remote-path> <local-file>"), need(args, 2, "download <remote-path> <local-file>"))
	case "fetch":
		err = c.fetch(arg(args, 1, "/"), need(args, 2, "fetch <folder> <url>"))
	case "status":
		err = c.status()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("cartctl -url <base> <command>")
	fmt.Println("  ls [folder]")
	fmt.Println("  folders [folder]")
	fmt.Println("  mkdir <folder> <name>")
	fmt.Println("  rm <folder> <name>")
	fmt.Println("  ren <folder> <old> <new>")
	fmt.Println("  attr <folder> <name> <hidden 0|1> <readonly 0|1>")
	fmt.Println("  upload <local-file> <remote-path>")
	fmt.Println("  download <remote-path> <local-file>")
	fmt.Println("  fetch <folder> <url>")
	fmt.Println("  status")
	fmt.Println("  version")
}

func arg(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func need(args []string, i int, use string) string {
	if i >= len(args) {
		fmt.Println(use)
		os.Exit(2)
	}
	return args[i]
}

type client struct {
	base string
}

// get runs one CGI request and decodes the JSON object reply,
// translating {"error":...} into a Go error.
func (c *client) get(path string, params map[string]string) (map[string]any, error) {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	resp, err := http.Get(c.base + path + "?" + q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("bad response %q: %w", body, err)
	}
	if msg, ok := m["error"]; ok {
		return nil, fmt.Errorf("%v", msg)
	}
	return m, nil
}

func (c *client) mutate(path string, params map[string]string) error {
	m, err := c.get(path, params)
	if err != nil {
		return err
	}
	fmt.Println(m["status"])
	return nil
}

func (c *client) ls(folder string) error {
	next := 0
	for {
		q := url.Values{}
		q.Set("folder", folder)
		q.Set("nextItem", fmt.Sprint(next))
		resp, err := http.Get(c.base + "/ls.cgi?" + q.Encode())
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		var entries []map[string]any
		if err := json.Unmarshal(body, &entries); err != nil {
			return fmt.Errorf("bad listing %q: %w", body, err)
		}
		truncated := false
		for _, e := range entries {
			if len(e) == 0 {
				truncated = true
				break
			}
			attr := int(e["a"].(float64))
			kind := "file"
			if attr&0x10 != 0 {
				kind = "dir"
			}
			fmt.Printf("%-4s %10.0f  %s\n", kind, e["s"].(float64), e["n"])
			next++
		}
		if !truncated {
			return nil
		}
	}
}

func (c *client) folders(folder string) error {
	q := url.Values{}
	q.Set("folder", folder)
	resp, err := http.Get(c.base + "/folder.cgi?" + q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func (c *client) upload(local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	token := uuid.NewString()[:16]

	m, err := c.get("/upload_start.cgi", map[string]string{"token": token, "fullpath": remote})
	if err != nil {
		return err
	}
	chunkSize := int(m["chunkSize"].(float64))

	for i := 0; i*chunkSize < len(data); i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		// The POST raw-binary path skips base64 entirely.
		u := fmt.Sprintf("%s/upload_chunk.cgi?token=%s&chunk=%d", c.base, token, i)
		resp, err := http.Post(u, "application/octet-stream", bytes.NewReader(data[lo:hi]))
		if err != nil {
			c.abort("/upload_cancel.cgi", token)
			return err
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(body), "chunk_ok") {
			c.abort("/upload_cancel.cgi", token)
			return fmt.Errorf("chunk %d: %s", i, body)
		}
	}

	if _, err := c.get("/upload_end.cgi", map[string]string{"token": token}); err != nil {
		return err
	}
	fmt.Printf("uploaded %d bytes to %s\n", len(data), remote)
	return nil
}

func (c *client) download(remote, local string) error {
	token := uuid.NewString()[:16]

	m, err := c.get("/download_start.cgi", map[string]string{"token": token, "fullpath": remote})
	if err != nil {
		return err
	}
	chunkSize := int(m["chunkSize"].(float64))
	fileSize := int64(m["fileSize"].(float64))

	out, err := os.Create(local)
	if err != nil {
		c.abort("/download_cancel.cgi", token)
		return err
	}
	defer out.Close()

	var written int64
	for i := 0; ; i++ {
		cm, err := c.get("/download_chunk.cgi", map[string]string{"token": token, "chunk": fmt.Sprint(i)})
		if err != nil {
			c.abort("/download_cancel.cgi", token)
			return err
		}
		data, err := base64.StdEncoding.DecodeString(cm["data"].(string))
		if err != nil {
			c.abort("/download_cancel.cgi", token)
			return err
		}
		if _, err := out.Write(data); err != nil {
			c.abort("/download_cancel.cgi", token)
			return err
		}
		written += int64(len(data))
		if len(data) < chunkSize {
			break
		}
	}

	if _, err := c.get("/download_end.cgi", map[string]string{"token": token}); err != nil {
		return err
	}
	if written != fileSize {
		return fmt.Errorf("received %d bytes, server reported %d", written, fileSize)
	}
	fmt.Printf("downloaded %d bytes to %s\n", written, local)
	return nil
}

// abort best-effort releases a transfer slot after a failure.
func (c *client) abort(path, token string) {
	_, _ = c.get(path, map[string]string{"token": token})
}

func (c *client) fetch(folder, fileURL string) error {
	q := url.Values{}
	q.Set("folder", folder)
	q.Set("url", fileURL)
	// The endpoint answers with a redirect to the progress page.
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(c.base + "/download.cgi?" + q.Encode())
	if err != nil {
		return err
	}
	resp.Body.Close()
	loc := resp.Header.Get("Location")
	if strings.HasPrefix(loc, "/error.shtml") {
		return fmt.Errorf("request rejected: %s", loc)
	}
	fmt.Println("download requested; poll with: cartctl status")
	return nil
}

func (c *client) status() error {
	m, err := c.get("/status.cgi", nil)
	if err != nil {
		return err
	}
	enc, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}
