package transfer

import (
	"errors"
	"os"
	"time"
)

// PoolCapacity bounds concurrent transfer sessions per direction. Four
// slots is deliberate: the device the protocol was designed for cannot
// afford more open files, and exhausting the pool is a normal failure
// surfaced to the client, not a fault.
const PoolCapacity = 4

// TokenMax is the longest token kept per slot. Longer tokens are
// truncated on allocation, not rejected.
const TokenMax = 31

var (
	// ErrNoContext is returned when all slots are occupied.
	ErrNoContext = errors.New("no context available")
	// ErrNotFound is returned when no active slot matches a token.
	ErrNotFound = errors.New("invalid token")
)

// Context is one transfer session slot. A token maps to at most one
// active slot per pool; the slot is identified purely by token string
// equality, so token entropy is the client's responsibility.
type Context struct {
	token    string
	file     *os.File
	path     string // destination path, kept so cancel can remove partial uploads
	inUse    bool
	lastUsed time.Time
}

func (c *Context) Token() string { return c.token }

func (c *Context) touch() { c.lastUsed = time.Now() }

// Pool is a fixed table of transfer slots addressed by token.
//
// Pool itself is not goroutine-safe; the Manager serializes access the
// same way the firmware's cooperative loop did.
type Pool struct {
	slots [PoolCapacity]Context
}

// Allocate claims the first free slot for token, truncating the token
// to TokenMax bytes. It fails closed with ErrNoContext when the pool
// is full; callers retry or give up.
func (p *Pool) Allocate(token string) (*Context, error) {
	if len(token) > TokenMax {
		token = token[:TokenMax]
	}
	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i] = Context{token: token, inUse: true}
			p.slots[i].touch()
			return &p.slots[i], nil
		}
	}
	return nil, ErrNoContext
}

// Find returns the active slot matching token exactly.
func (p *Pool) Find(token string) (*Context, error) {
	if len(token) > TokenMax {
		token = token[:TokenMax]
	}
	for i := range p.slots {
		if p.slots[i].inUse && p.slots[i].token == token {
			return &p.slots[i], nil
		}
	}
	return nil, ErrNotFound
}

// Release closes the slot's file if open and frees the slot. Releasing
// an already-free slot is a no-op.
func (p *Pool) Release(c *Context) {
	if c == nil || !c.inUse {
		return
	}
	if c.file != nil {
		_ = c.file.Close()
	}
	*c = Context{}
}

// InUse counts occupied slots.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			n++
		}
	}
	return n
}

// expire releases slots idle for longer than maxAge and reports them.
func (p *Pool) expire(maxAge time.Duration) []Context {
	var out []Context
	cutoff := time.Now().Add(-maxAge)
	for i := range p.slots {
		if p.slots[i].inUse && p.slots[i].lastUsed.Before(cutoff) {
			out = append(out, p.slots[i])
			p.Release(&p.slots[i])
		}
	}
	return out
}
