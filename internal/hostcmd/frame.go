// Package hostcmd decodes the binary command protocol arriving from
// the host computer over the memory-mapped cartridge bus.
//
// The bus front-end (DMA interrupt glue, out of scope here) observes
// read transactions and hands each captured 32-bit address to
// Decoder.HandleBusAddress. Addresses targeting the decoder carry one
// 16-bit protocol word each; words accumulate into a framed message
// with a fixed 8-byte header and a checksummed payload. A complete,
// valid frame lands in a single-slot mailbox consumed by the poll
// loop.
package hostcmd

const (
	// AddressSentinelBit marks a bus transaction addressed to the
	// command decoder rather than plain cartridge ROM.
	AddressSentinelBit = 0x00010000

	// AddressHighBit is XORed out of the low address word to recover
	// the 16-bit protocol word.
	AddressHighBit = 0x8000

	// FrameMagic opens every frame.
	FrameMagic = 0xCB64

	// HeaderSize is the fixed frame header: magic, command id, payload
	// size and checksum, four 16-bit words.
	HeaderSize = 8

	// MaxPayloadSize caps the payload copied into the mailbox. Larger
	// declared payloads are consumed from the bus but clamped on copy.
	MaxPayloadSize = 64
)

// Command ids.
const (
	// CmdModeSwitch asks the manager to hand control to the next
	// firmware stage.
	CmdModeSwitch = 0x0000
)

// Frame is one decoded host command. It doubles as the mailbox slot
// layout: header fields plus the clamped payload.
type Frame struct {
	CommandID   uint16
	PayloadSize uint16
	BytesRead   uint16
	Checksum    uint16
	Payload     [MaxPayloadSize]byte
}

// PayloadBytes returns the valid portion of the payload.
func (f *Frame) PayloadBytes() []byte {
	n := int(f.PayloadSize)
	if n > MaxPayloadSize {
		n = MaxPayloadSize
	}
	return f.Payload[:n]
}
