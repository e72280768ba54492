package httpd

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestLogHubRingAndSnapshot(t *testing.T) {
	h := newLogHub(4)
	for i := 0; i < 6; i++ {
		h.add(RequestRecord{Path: "/ls.cgi", RespBytes: i})
	}

	snap := h.snapshot(0)
	if len(snap) != 4 {
		t.Fatalf("snapshot length = %d, want ring capacity 4", len(snap))
	}
	// Oldest two records were overwritten.
	if snap[0].RespBytes != 2 || snap[3].RespBytes != 5 {
		t.Errorf("snapshot window = %v", snap)
	}
	if snap[3].ID != 6 {
		t.Errorf("latest id = %d, want 6", snap[3].ID)
	}
}

func TestLogHubSubscribe(t *testing.T) {
	h := newLogHub(8)
	ch, cancel := h.subscribe()
	defer cancel()

	h.add(RequestRecord{Path: "/mkdir.cgi"})
	select {
	case e := <-ch:
		if e.Path != "/mkdir.cgi" {
			t.Errorf("path = %q", e.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	cancel()
	cancel() // must be idempotent
}

func TestLogStreamWebsocket(t *testing.T) {
	_, ts, _ := newTestServer(t)

	// Produce one record before connecting so the backlog has content.
	get(t, ts.URL+"/status.cgi")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/log"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var rec RequestRecord
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Path != "/status.cgi" {
		t.Errorf("backlog record path = %q, want /status.cgi", rec.Path)
	}
}
