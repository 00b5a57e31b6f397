package capsule

// Cursor is a position-tracking read view over a byte buffer. Reads
// advance the position; a read that would run past the end of the buffer
// fails without consuming anything. A Cursor never copies the underlying
// buffer until data is explicitly extracted with ReadBytes.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// Consumed returns the number of bytes read or skipped so far.
func (c *Cursor) Consumed() int {
	return c.off
}

// ReadBytes copies the next n bytes out of the buffer and advances past
// them. The returned slice is an independent copy that does not alias the
// buffer. It reports false, consuming nothing, if fewer than n bytes
// remain.
func (c *Cursor) ReadBytes(n int) ([]byte, bool) {
	if n < 0 || n > c.Remaining() {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+n])
	c.off += n
	return out, true
}

// Skip advances past n bytes without copying them. It reports false,
// consuming nothing, if fewer than n bytes remain.
func (c *Cursor) Skip(n int) bool {
	if n < 0 || n > c.Remaining() {
		return false
	}
	c.off += n
	return true
}
