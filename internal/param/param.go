// Package param decodes percent-encoded CGI parameters into
// fixed-capacity buffers, mirroring the constraints of the embedded
// HTTP server the handlers were written for.
package param

// Decode percent-decodes in into a buffer of at most capacity bytes.
// One byte of capacity is reserved for the terminator of the embedded
// string contract, so at most capacity-1 decoded bytes are returned.
//
// Rules:
//   - "%XX" with two hex digits (case-insensitive) decodes to one byte
//   - '+' decodes to a space
//   - every other byte is copied verbatim, including '%' followed by
//     anything that is not two hex digits
//
// Input longer than the capacity is truncated silently; truncation is
// not an error. Decode returns ok=false only when capacity is not
// positive, in which case the returned string is empty.
func Decode(in string, capacity int) (string, bool) {
	if capacity <= 0 {
		return "", false
	}
	out := make([]byte, 0, min(len(in), capacity-1))
	for i := 0; i < len(in) && len(out) < capacity-1; i++ {
		c := in[i]
		switch {
		case c == '%' && i+2 < len(in) && isHex(in[i+1]) && isHex(in[i+2]):
			out = append(out, hexVal(in[i+1])<<4|hexVal(in[i+2]))
			i += 2
		case c == '+':
			out = append(out, ' ')
		default:
			out = append(out, c)
		}
	}
	return string(out), true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	default:
		return c - '0'
	}
}
