// Package frames defines the contract between the mux's frame dispatch
// layer and the decoders that claim individual frame types, plus the
// decoder for the datagram capsule extension.
//
// The dispatch layer identifies a frame by a numeric type and buffers its
// declared length before handing the payload over; a decoder either owns
// the type and produces a domain frame from the payload, or declines it.
package frames

import "errors"

// ErrFrameFormat reports a frame header that more bytes cannot repair,
// such as a declared length the platform cannot represent.
var ErrFrameFormat = errors.New("frames: malformed frame header")

// Type is an opaque numeric frame-type identifier. The dispatch layer
// compares it against the well-known constants; nothing else inspects it.
type Type uint64

// TypeDatagram is the frame type owned by the datagram capsule extension.
const TypeDatagram Type = 0x00

// Frame is one decoded domain frame. The variant set is closed per
// protocol version, so the interface is sealed to this package.
type Frame interface {
	sealedFrame()
}

// DatagramFrame carries the payload of one decoded datagram capsule.
type DatagramFrame struct {
	Payload []byte
}

func (DatagramFrame) sealedFrame() {}

// Decoder is the contract the dispatch layer routes frames through.
//
// Decode receives the frame's numeric type, its declared payload length,
// and the frame's bytes once the dispatcher has buffered the frame in
// full; a nil data slice means the frame has not fully arrived yet. A
// (nil, nil) return means no frame was produced this call — the decoder
// does not own the type, the frame is not buffered, or the bytes held
// nothing decodable — and is not an error. A non-nil error is a protocol
// violation, fatal to the dispatch attempt.
//
// IsKnownType reports whether Decode would claim the type at all; the
// dispatcher uses it to treat unclaimed frames as opaque.
type Decoder interface {
	Decode(frameType Type, frameLen uint64, data []byte) (Frame, error)
	IsKnownType(frameType Type) bool
}
