package hostcmd

import "encoding/binary"

// Shared-memory offsets the host polls for replay tokens. The token
// slot echoes the value carried in the last processed command; the
// seed slot publishes the random value the host must embed in its
// next command.
const (
	SharedMemorySize  = 0x10000
	RandomTokenOffset = 0xF000
	RandomSeedOffset  = 0xF004
)

// SharedMemory is the RAM window visible to the host over the bus.
// Values are little-endian, matching the bus word order.
type SharedMemory struct {
	mem []byte
}

// NewSharedMemory returns a zeroed 64 KiB window.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{mem: make([]byte, SharedMemorySize)}
}

// Bytes exposes the raw window for the bus front-end.
func (s *SharedMemory) Bytes() []byte { return s.mem }

func (s *SharedMemory) putU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.mem[off:off+4], v)
}

func (s *SharedMemory) getU32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.mem[off : off+4])
}

// SetRandomToken echoes the token of the command just processed.
func (s *SharedMemory) SetRandomToken(v uint32) { s.putU32(RandomTokenOffset, v) }

// RandomToken returns the last echoed token.
func (s *SharedMemory) RandomToken() uint32 { return s.getU32(RandomTokenOffset) }

// SetRandomSeed publishes the token the next command must carry.
func (s *SharedMemory) SetRandomSeed(v uint32) { s.putU32(RandomSeedOffset, v) }

// RandomSeed returns the currently published seed.
func (s *SharedMemory) RandomSeed() uint32 { return s.getU32(RandomSeedOffset) }
