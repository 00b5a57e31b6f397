package protocol

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/WaterWhisperer/capsuletun/capsule"
	"github.com/WaterWhisperer/capsuletun/frames"
)

// MaxDatagramSize is the largest datagram payload WriteDatagram accepts.
// It leaves room for the capsule header inside one DATAGRAM frame.
const MaxDatagramSize = MaxPayloadSize - 16

// maxPendingCapsule bounds how many undecoded capsule bytes ReadDatagram
// retains while waiting for a capsule to complete. A peer that declares a
// length beyond this can never be satisfied, so the flow fails instead of
// buffering without bound.
const maxPendingCapsule = MaxDatagramSize + 16

var ErrDatagramTooLarge = errors.New("protocol: datagram exceeds maximum size")

// DatagramStream is the datagram flow of a Stream: a sequence of
// capsule-encoded datagrams carried in DATAGRAM frames.
//
// DATAGRAM frames chunk the capsule byte sequence at arbitrary
// boundaries. A frames.Reader reassembles the sequence and dispatches
// each complete capsule through the datagram decoder; ReadDatagram feeds
// it chunks as they arrive and blocks until it yields one.
type DatagramStream struct {
	s *Stream

	// rdMu serialises ReadDatagram; rd and err are the reassembly state
	// it guards.
	rdMu sync.Mutex
	rd   *frames.Reader
	err  error

	// wrMu serialises WriteDatagram.
	wrMu sync.Mutex
}

func newDatagramStream(s *Stream) *DatagramStream {
	return &DatagramStream{
		s:  s,
		rd: frames.NewReader(frames.DatagramDecoder{}),
	}
}

// StreamID returns the ID of the underlying stream.
func (d *DatagramStream) StreamID() uint32 {
	return d.s.ID
}

// WriteDatagram encodes payload as a Datagram capsule and sends it in a
// single DATAGRAM frame.
func (d *DatagramStream) WriteDatagram(payload []byte) error {
	if len(payload) > MaxDatagramSize {
		return ErrDatagramTooLarge
	}

	select {
	case <-d.s.closed:
		return ErrStreamClosed
	default:
	}

	d.wrMu.Lock()
	defer d.wrMu.Unlock()

	buf := capsule.Append(nil, capsule.Datagram{Payload: payload})
	return d.s.writeDgramFn(buf)
}

// ReadDatagram returns the payload of the next Datagram capsule on the
// flow. It blocks until a complete capsule has arrived, the stream
// closes (io.EOF), or ctx is done. Unknown capsule types are consumed
// silently. A malformed capsule encoding poisons the flow: the error is
// returned now and on every later call.
func (d *DatagramStream) ReadDatagram(ctx context.Context) ([]byte, error) {
	d.rdMu.Lock()
	defer d.rdMu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	for {
		f, err := d.rd.Next()
		if err != nil {
			d.err = err
			return nil, err
		}
		if f != nil {
			dg, ok := f.(frames.DatagramFrame)
			if !ok {
				// The decoder's frame kinds are exactly the closed variant
				// set; reaching here means it grew a kind this flow does
				// not carry.
				d.err = capsule.ErrCapsuleFormat
				return nil, d.err
			}
			return dg.Payload, nil
		}

		if d.rd.Buffered() > maxPendingCapsule {
			d.err = ErrDatagramTooLarge
			return nil, d.err
		}

		// Not enough bytes for a complete capsule: wait for the next
		// DATAGRAM frame chunk, keeping what we have.
		select {
		case chunk, ok := <-d.s.dgramCh:
			if !ok {
				return nil, io.EOF
			}
			d.rd.Push(chunk)
		case <-d.s.closed:
			// Drain anything already delivered before giving up.
			select {
			case chunk, ok := <-d.s.dgramCh:
				if !ok {
					return nil, io.EOF
				}
				d.rd.Push(chunk)
			default:
				return nil, io.EOF
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
