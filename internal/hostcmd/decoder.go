package hostcmd

import (
	"math/rand"

	"github.com/rs/zerolog"
)

// Decoder ties the bus front-end to command handling: it extracts
// protocol words from captured bus addresses, frames them, and
// executes complete commands from the poll loop.
type Decoder struct {
	parser  *Parser
	mailbox Mailbox
	shared  *SharedMemory
	randFn  func() uint32
	log     zerolog.Logger

	onModeSwitch func()
	restart      bool
}

// NewDecoder wires a decoder over the given shared-memory window.
// onModeSwitch runs when the host requests a firmware handoff; it may
// be nil.
func NewDecoder(log zerolog.Logger, shared *SharedMemory, onModeSwitch func()) *Decoder {
	d := &Decoder{
		shared:       shared,
		randFn:       rand.Uint32,
		onModeSwitch: onModeSwitch,
		log:          log.With().Str("component", "hostcmd").Logger(),
	}
	d.parser = NewParser(log, d.mailbox.Post)
	return d
}

// Init publishes the first random seed so the host can issue its
// initial command.
func (d *Decoder) Init() {
	d.shared.SetRandomSeed(d.randFn())
}

// HandleBusAddress inspects one captured 32-bit bus address. Addresses
// without the sentinel bit are ordinary cartridge reads and are
// ignored; for the rest the low word, with its high bit flipped back,
// is fed to the frame parser. Runs from the interrupt path, so it
// must not block.
func (d *Decoder) HandleBusAddress(addr uint32) {
	if addr&AddressSentinelBit == 0 {
		return
	}
	d.parser.Feed(uint16(addr) ^ AddressHighBit)
}

// Poll consumes at most one pending frame. Called from the main loop.
func (d *Decoder) Poll() {
	f, ok := d.mailbox.Take()
	if !ok {
		return
	}
	d.execute(&f)
}

func (d *Decoder) execute(f *Frame) {
	d.log.Debug().
		Uint16("command", f.CommandID).
		Uint16("payload_size", f.PayloadSize).
		Msg("executing host command")

	switch f.CommandID {
	case CmdModeSwitch:
		if d.onModeSwitch != nil {
			d.onModeSwitch()
		}
		d.restart = true
	default:
		d.log.Warn().Uint16("command", f.CommandID).Msg("unknown host command")
	}

	// Echo the token the host embedded, then publish a fresh seed for
	// the next command.
	if token, ok := PayloadU32(f, 0); ok {
		d.shared.SetRandomToken(token)
	}
	d.shared.SetRandomSeed(d.randFn())
}

// RestartRequested reports whether a mode switch was executed.
func (d *Decoder) RestartRequested() bool { return d.restart }
