// Package codec implements the length-prefixed framing protocol layered
// directly over a ring.Buffer: an 8-byte envelope (message type + size)
// followed by a payload of exactly that size.
package codec

import "encoding/binary"

// Message types carried in an Envelope.
const (
	TypeTime    uint32 = 1 // server time string, UTF-8-ish text
	TypeMP3Body uint32 = 2 // raw MP3 bytes, streamed as-is
	TypeText    uint32 = 3 // client-to-server text
)

// EnvelopeSize is the fixed on-wire width of an Envelope.
const EnvelopeSize = 8

// Envelope is the 8-byte message header: a little-endian message type and
// a little-endian message size.
type Envelope struct {
	Type uint32
	Size uint32
}

// putEnvelope writes e's 8 bytes into buf (which must have length >= 8).
func putEnvelope(buf []byte, e Envelope) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Type)
	binary.LittleEndian.PutUint32(buf[4:8], e.Size)
}
