package hostcmd

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrChecksum reports a completed frame whose additive checksum did
// not match the header. The frame is discarded, never delivered.
var ErrChecksum = errors.New("frame checksum mismatch")

type parseState int

const (
	stateMagic parseState = iota
	stateCommand
	stateSize
	stateChecksum
	statePayload
)

// Parser reassembles frames from a stream of 16-bit protocol words.
// Words arrive one per bus transaction, in header order, then payload
// words low byte first. Any word that does not fit the expected
// position resets the parser to hunt for the next magic word.
type Parser struct {
	state   parseState
	frame   Frame
	sum     uint16
	words   int
	deliver func(*Frame)
	log     zerolog.Logger
}

// NewParser returns a parser that calls deliver for each complete
// frame with a valid checksum.
func NewParser(log zerolog.Logger, deliver func(*Frame)) *Parser {
	return &Parser{
		deliver: deliver,
		log:     log.With().Str("component", "hostcmd").Logger(),
	}
}

func (p *Parser) reset() {
	p.state = stateMagic
	p.frame = Frame{}
	p.sum = 0
	p.words = 0
}

// Feed consumes one protocol word.
func (p *Parser) Feed(w uint16) {
	switch p.state {
	case stateMagic:
		if w == FrameMagic {
			p.state = stateCommand
		}
	case stateCommand:
		p.frame.CommandID = w
		p.sum += w
		p.state = stateSize
	case stateSize:
		p.frame.PayloadSize = w
		p.sum += w
		p.state = stateChecksum
	case stateChecksum:
		p.frame.Checksum = w
		if p.frame.PayloadSize == 0 {
			p.finish()
			return
		}
		p.words = (int(p.frame.PayloadSize) + 1) / 2
		p.state = statePayload
	case statePayload:
		p.sum += w
		if p.frame.BytesRead < MaxPayloadSize {
			PutWord(p.frame.Payload[:], int(p.frame.BytesRead), w)
		}
		p.frame.BytesRead += 2
		p.words--
		if p.words <= 0 {
			p.finish()
		}
	}
}

func (p *Parser) finish() {
	if p.sum != p.frame.Checksum {
		p.log.Warn().
			Uint16("command", p.frame.CommandID).
			Uint16("want", p.frame.Checksum).
			Uint16("got", p.sum).
			Err(ErrChecksum).
			Msg("dropping frame")
		p.reset()
		return
	}
	f := p.frame
	p.reset()
	p.deliver(&f)
}
