// Package capsule implements the wire codec for the tunnel's datagram
// capsules: varint type tag, varint payload length, opaque payload.
//
// The decoder is incremental. Bytes arrive from a streaming transport in
// arbitrary chunks, so "the buffer does not yet hold a complete capsule"
// is an ordinary outcome, reported as a nil capsule with a nil error and
// never as a decode failure. Errors are reserved for encodings that more
// bytes cannot repair.
package capsule

import (
	"errors"
	"math"
)

// Type identifies a capsule on the wire. Types are varint-range values;
// every type except TypeDatagram is unknown at this layer and skipped.
type Type uint64

// TypeDatagram is the well-known capsule type carrying one datagram.
const TypeDatagram Type = 0x00

// ErrCapsuleFormat reports a malformed capsule encoding, as opposed to a
// merely incomplete one. It indicates a corrupt or hostile sender; the
// caller decides the connection-level consequences.
var ErrCapsuleFormat = errors.New("capsule: malformed capsule encoding")

// Capsule is one decoded capsule. The variant set is closed: it is fixed
// by the protocol version, so the interface is sealed to this package and
// new kinds are a deliberate extension, not a plugin point.
type Capsule interface {
	// CapsuleType returns the wire type tag of the capsule.
	CapsuleType() Type

	sealed()
}

// Datagram carries one opaque datagram payload. The payload is an
// independent copy; it does not alias the buffer it was decoded from.
type Datagram struct {
	Payload []byte
}

// CapsuleType returns TypeDatagram.
func (Datagram) CapsuleType() Type { return TypeDatagram }

func (Datagram) sealed() {}

// Decode parses one capsule from the front of cur.
//
// A (nil, nil) return means no capsule was produced this call: either the
// cursor does not yet hold a complete capsule, or a complete capsule of
// an unknown type was consumed and skipped. The two cases look identical
// to the caller, and in both the correct action is the same — produce
// nothing now and call again once more bytes are available.
//
// Prefix bytes consumed before an incomplete payload is detected are not
// un-read. Streaming callers retry against a cursor rebuilt over the
// original, unconsumed buffer; the frames.Reader dispatcher owns that
// buffering.
func Decode(cur *Cursor) (Capsule, error) {
	capsuleType, ok := cur.ReadVarint()
	if !ok {
		return nil, nil
	}

	capsuleLen, ok := cur.ReadVarint()
	if !ok {
		return nil, nil
	}
	if capsuleLen > math.MaxInt {
		return nil, ErrCapsuleFormat
	}
	n := int(capsuleLen)

	if cur.Remaining() < n {
		return nil, nil
	}

	if Type(capsuleType) != TypeDatagram {
		cur.Skip(n)
		return nil, nil
	}

	payload, ok := cur.ReadBytes(n)
	if !ok {
		return nil, ErrCapsuleFormat
	}
	return Datagram{Payload: payload}, nil
}

// Append appends the wire encoding of c to b and returns the extended
// buffer.
func Append(b []byte, c Capsule) []byte {
	switch c := c.(type) {
	case Datagram:
		b = AppendVarint(b, uint64(TypeDatagram))
		b = AppendVarint(b, uint64(len(c.Payload)))
		return append(b, c.Payload...)
	default:
		panic("capsule: unknown capsule variant")
	}
}
