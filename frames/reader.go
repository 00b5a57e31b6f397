package frames

import (
	"math"

	"github.com/WaterWhisperer/capsuletun/capsule"
)

// Reader is the incremental dispatch layer over a frame byte sequence.
// Callers Push transport chunks as they arrive; Next parses frame
// headers from the retained bytes, waits for each frame to buffer in
// full, and routes it through the configured Decoder. Frames of types
// the decoder does not claim are discarded whole, payload uninspected.
//
// Transport chunks may split the byte sequence anywhere, including
// mid-header. Reader owns the retained-bytes contract: nothing is
// discarded until a frame is complete, so a header read that starves is
// simply re-run against the same bytes on the next call.
type Reader struct {
	dec Decoder
	buf []byte
}

// NewReader returns a Reader dispatching through dec.
func NewReader(dec Decoder) *Reader {
	return &Reader{dec: dec}
}

// Push appends newly arrived transport bytes to the retained buffer.
func (r *Reader) Push(data []byte) {
	r.buf = append(r.buf, data...)
}

// Buffered returns the number of retained, not yet dispatched bytes.
// Callers use it to bound how much an unfinished frame may pin.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Next returns the next frame the decoder produces from the retained
// bytes. A (nil, nil) return means the buffer does not yet hold one:
// Push more bytes and call again. Decoder errors are returned unchanged
// with the buffer left untouched.
func (r *Reader) Next() (Frame, error) {
	for {
		cur := capsule.NewCursor(r.buf)
		frameType, ok := cur.ReadVarint()
		if !ok {
			return nil, nil
		}
		frameLen, ok := cur.ReadVarint()
		if !ok {
			return nil, nil
		}
		if frameLen > math.MaxInt-uint64(cur.Consumed()) {
			return nil, ErrFrameFormat
		}
		total := cur.Consumed() + int(frameLen)

		if len(r.buf) < total {
			if !r.dec.IsKnownType(Type(frameType)) {
				return nil, nil
			}
			// Claimed type, frame still in flight: the decoder sees the
			// header but no data.
			f, err := r.dec.Decode(Type(frameType), frameLen, nil)
			if err != nil {
				return nil, err
			}
			return f, nil
		}

		if !r.dec.IsKnownType(Type(frameType)) {
			r.buf = r.buf[total:]
			continue
		}

		f, err := r.dec.Decode(Type(frameType), frameLen, r.buf[:total])
		if err != nil {
			return nil, err
		}
		r.buf = r.buf[total:]
		if f != nil {
			return f, nil
		}
	}
}
