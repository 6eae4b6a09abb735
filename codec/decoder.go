package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/caststream/caststream/ring"
)

// decoderState tracks where the Decoder is within a single message.
type decoderState int

const (
	stateBeforeEnvelope decoderState = iota
	stateHaveEnvelope
)

// ProtocolError reports an unrecognized message type on the wire. It is
// fatal for the connection that produced it.
type ProtocolError struct {
	Type uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("codec: unknown message type %d", e.Type)
}

// OnBody is invoked once per MP3-body message, with the buffer it may read
// payload bytes from directly (without an intervening copy) and the
// declared payload size. It must eventually call done() after having
// committed exactly size bytes from buf — not necessarily before OnBody
// returns.
type OnBody func(buf *ring.Buffer, size uint32, done func())

// Decoder drives the length-prefixed framing state machine over a single
// ring.Buffer. It is re-entrant: Advance parses as many complete messages
// as the buffer currently holds, yielding as soon as it cannot make
// progress. The text sink only ever sees a fully received payload; the body
// sink is invoked as soon as a type-2 envelope has arrived, and streams the
// payload out of the buffer as it comes in.
type Decoder struct {
	buf *ring.Buffer

	state   decoderState
	envType uint32
	envSize uint32

	bodyDispatched bool

	onText func(payload []byte)
	onBody OnBody
}

// NewDecoder returns a Decoder reading from buf. onText is called once per
// complete type-1/type-3 message with its full payload; onBody once per
// type-2 message as described on OnBody.
func NewDecoder(buf *ring.Buffer, onText func(payload []byte), onBody OnBody) *Decoder {
	return &Decoder{buf: buf, onText: onText, onBody: onBody}
}

// Advance parses as far as the buffer currently allows. It returns a
// non-nil error only for an unrecognized message type, which is fatal for
// the connection; underflow (not enough bytes yet) is not an error and
// simply causes Advance to return with no further progress possible.
func (d *Decoder) Advance() error {
	for {
		switch d.state {
		case stateBeforeEnvelope:
			if d.buf.FilledSize() < EnvelopeSize {
				return nil
			}
			hdr := d.buf.ReadableUpto(EnvelopeSize)
			env := parseEnvelope(hdr)
			d.buf.Commit(EnvelopeSize)
			d.envType = env.Type
			d.envSize = env.Size
			d.state = stateHaveEnvelope

		case stateHaveEnvelope:
			switch d.envType {
			case TypeTime, TypeText:
				if uint32(d.buf.FilledSize()) < d.envSize {
					return nil
				}
				payload := make([]byte, d.envSize)
				copy(payload, d.buf.ReadableUpto(int(d.envSize)))
				if d.onText != nil {
					d.onText(payload)
				}
				d.buf.Commit(int(d.envSize))
				d.resetToBeforeEnvelope()

			case TypeMP3Body:
				if d.bodyDispatched {
					return nil
				}
				d.bodyDispatched = true
				if d.onBody != nil {
					d.onBody(d.buf, d.envSize, d.completeBody)
				} else {
					d.completeBody()
				}
				return nil

			default:
				return &ProtocolError{Type: d.envType}
			}
		}
	}
}

// completeBody is passed to onBody as its done callback: it resets the
// decoder to BeforeEnvelope. Callers that drive the read loop should call
// Advance again after this fires, since more messages may already be
// buffered.
func (d *Decoder) completeBody() {
	d.bodyDispatched = false
	d.resetToBeforeEnvelope()
}

func (d *Decoder) resetToBeforeEnvelope() {
	d.state = stateBeforeEnvelope
	d.envType = 0
	d.envSize = 0
}

func parseEnvelope(hdr []byte) Envelope {
	return Envelope{
		Type: binary.LittleEndian.Uint32(hdr[0:4]),
		Size: binary.LittleEndian.Uint32(hdr[4:8]),
	}
}
