package hostcmd

import "sync/atomic"

// Mailbox holds at most one pending frame between the bus interrupt
// path (producer) and the poll loop (consumer). A new frame always
// overwrites the slot: if the consumer has not collected the previous
// one it is lost, which mirrors how the host is expected to wait for
// the replay token before issuing the next command.
//
// The valid flag is atomic but the slot copy is not, so a Post racing
// a Take can hand the consumer a torn frame. In practice the producer
// runs from a single interrupt context and the host serializes
// commands, so the window never opens.
type Mailbox struct {
	slot  Frame
	valid atomic.Bool
}

// Post stores f, replacing any undelivered frame.
func (m *Mailbox) Post(f *Frame) {
	m.slot = *f
	m.valid.Store(true)
}

// Take removes and returns the pending frame, or ok=false when the
// mailbox is empty.
func (m *Mailbox) Take() (Frame, bool) {
	if !m.valid.Load() {
		return Frame{}, false
	}
	f := m.slot
	m.valid.Store(false)
	return f, true
}
