package frames

import "github.com/WaterWhisperer/capsuletun/capsule"

// DatagramDecoder decodes datagram capsule frames. It declines every
// frame type except TypeDatagram without touching the payload.
type DatagramDecoder struct{}

var _ Decoder = DatagramDecoder{}

// Decode re-parses a fully buffered datagram frame payload through the
// capsule codec. Capsule decode errors propagate unchanged; a payload the
// codec produced nothing from (truncated inner encoding, or a capsule the
// codec skipped) yields no frame.
func (DatagramDecoder) Decode(frameType Type, _ uint64, data []byte) (Frame, error) {
	if frameType != TypeDatagram {
		return nil, nil
	}
	if data == nil {
		return nil, nil
	}

	c, err := capsule.Decode(capsule.NewCursor(data))
	if err != nil {
		return nil, err
	}
	switch c := c.(type) {
	case capsule.Datagram:
		return DatagramFrame{Payload: c.Payload}, nil
	}
	return nil, nil
}

// IsKnownType reports whether this decoder owns frameType; true only for
// TypeDatagram.
func (DatagramDecoder) IsKnownType(frameType Type) bool {
	return frameType == TypeDatagram
}
