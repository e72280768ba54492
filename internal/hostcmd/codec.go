package hostcmd

import "encoding/binary"

// Payload fields are little-endian, matching the bus word order.

// PayloadU16 reads a 16-bit field at byte offset off. ok is false when
// the field does not fit in the valid payload.
func PayloadU16(f *Frame, off int) (uint16, bool) {
	p := f.PayloadBytes()
	if off < 0 || off+2 > len(p) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(p[off:]), true
}

// PayloadU32 reads a 32-bit field at byte offset off.
func PayloadU32(f *Frame, off int) (uint32, bool) {
	p := f.PayloadBytes()
	if off < 0 || off+4 > len(p) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(p[off:]), true
}

// PutWord stores one protocol word into buf at byte offset off,
// clamping at the buffer end so a final odd byte keeps only the low
// half of the word.
func PutWord(buf []byte, off int, w uint16) {
	if off < 0 || off >= len(buf) {
		return
	}
	buf[off] = byte(w)
	if off+1 < len(buf) {
		buf[off+1] = byte(w >> 8)
	}
}
