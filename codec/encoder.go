package codec

import "github.com/caststream/caststream/ring"

// WriteEnvelope copies the 8-byte envelope for (msgType, size) into buf.
func WriteEnvelope(buf *ring.Buffer, msgType, size uint32) {
	var hdr [EnvelopeSize]byte
	putEnvelope(hdr[:], Envelope{Type: msgType, Size: size})
	buf.MemcpyIn(hdr[:])
}

// WriteTime writes a type-1 envelope followed by text into buf.
func WriteTime(buf *ring.Buffer, text string) {
	WriteEnvelope(buf, TypeTime, uint32(len(text)))
	buf.MemcpyIn([]byte(text))
}

// WriteMP3Header writes a type-2 envelope announcing an MP3 body of size
// bytes. The body itself is transmitted out-of-band by sender.FileSender,
// not through this buffer.
func WriteMP3Header(buf *ring.Buffer, size uint32) {
	WriteEnvelope(buf, TypeMP3Body, size)
}

// WriteText writes a type-3 (client-to-server) envelope followed by text.
func WriteText(buf *ring.Buffer, text string) {
	WriteEnvelope(buf, TypeText, uint32(len(text)))
	buf.MemcpyIn([]byte(text))
}
