package transfer

import (
	"strings"
	"testing"
	"time"
)

func TestPoolAllocateUntilFull(t *testing.T) {
	var p Pool
	for i, tok := range []string{"a", "b", "c", "d"} {
		if _, err := p.Allocate(tok); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := p.Allocate("e"); err != ErrNoContext {
		t.Errorf("Expected ErrNoContext for 5th allocation, got %v", err)
	}

	// Freeing one slot makes allocation succeed again.
	c, err := p.Find("b")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	p.Release(c)
	if _, err := p.Allocate("e"); err != nil {
		t.Errorf("Allocate after release failed: %v", err)
	}
}

func TestPoolFind(t *testing.T) {
	var p Pool
	if _, err := p.Allocate("session-1"); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	c, err := p.Find("session-1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if c.Token() != "session-1" {
		t.Errorf("Token mismatch: %q", c.Token())
	}
	if _, err := p.Find("session-2"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPoolTokenTruncation(t *testing.T) {
	var p Pool
	long := strings.Repeat("t", TokenMax+10)
	if _, err := p.Allocate(long); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	c, err := p.Find(long)
	if err != nil {
		t.Fatalf("Find with over-long token failed: %v", err)
	}
	if len(c.Token()) != TokenMax {
		t.Errorf("Expected token truncated to %d bytes, got %d", TokenMax, len(c.Token()))
	}
	// The truncated form addresses the same slot.
	if _, err := p.Find(long[:TokenMax]); err != nil {
		t.Errorf("Find with truncated token failed: %v", err)
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	var p Pool
	c, err := p.Allocate("x")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	p.Release(c)
	p.Release(c) // no-op
	p.Release(nil)
	if p.InUse() != 0 {
		t.Errorf("Expected empty pool, got %d in use", p.InUse())
	}
}

func TestPoolExpire(t *testing.T) {
	var p Pool
	c, err := p.Allocate("old")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	c.lastUsed = time.Now().Add(-time.Hour)
	if _, err := p.Allocate("fresh"); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	expired := p.expire(10 * time.Minute)
	if len(expired) != 1 || expired[0].token != "old" {
		t.Fatalf("Expected only 'old' to expire, got %+v", expired)
	}
	if _, err := p.Find("fresh"); err != nil {
		t.Errorf("Fresh context disappeared: %v", err)
	}
	if _, err := p.Find("old"); err != ErrNotFound {
		t.Errorf("Expired context still findable")
	}
}
