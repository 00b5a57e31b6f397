package capsule

// QUIC variable-length integer encoding (RFC 9000 section 16): the two
// high bits of the first byte select a 1, 2, 4 or 8 byte encoding, and
// the remaining bits carry the value big-endian.

// MaxVarint is the largest value representable as a varint (2^62 - 1).
const MaxVarint = 1<<62 - 1

// ReadVarint decodes one varint from the cursor and advances past it.
// It reports false, consuming nothing, if the remaining bytes do not hold
// a complete varint.
func (c *Cursor) ReadVarint() (uint64, bool) {
	if c.Remaining() < 1 {
		return 0, false
	}
	first := c.buf[c.off]
	n := 1 << (first >> 6)
	if c.Remaining() < n {
		return 0, false
	}
	v := uint64(first & 0x3f)
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(c.buf[c.off+i])
	}
	c.off += n
	return v, true
}

// AppendVarint appends the varint encoding of v to b and returns the
// extended buffer. It panics if v exceeds MaxVarint.
func AppendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, 0x40|byte(v>>8), byte(v))
	case v < 1<<30:
		return append(b, 0x80|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	case v <= MaxVarint:
		return append(b,
			0xc0|byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("capsule: varint value out of range")
	}
}

// VarintLen returns the number of bytes AppendVarint uses for v.
// It panics if v exceeds MaxVarint.
func VarintLen(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<30:
		return 4
	case v <= MaxVarint:
		return 8
	default:
		panic("capsule: varint value out of range")
	}
}
