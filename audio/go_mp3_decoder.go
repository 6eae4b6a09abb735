package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// pcmChunkBytes is sized for one standard 1152-sample MPEG Layer III
// frame, stereo, 16-bit: 1152 * 2 channels * 2 bytes.
const pcmChunkBytes = 1152 * 2 * 2

// spanReader serves bytes from a caller-supplied slice, reporting EOF once
// exhausted so go-mp3 treats the end of the current linear span as the
// end of the stream it has seen so far.
type spanReader struct {
	data []byte
	pos  int
}

func (r *spanReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// GoMP3Decoder adapts github.com/hajimehoshi/go-mp3's stream-oriented
// decoder to the frame-at-a-time DecodeFrame contract: each call rebinds
// the decoder's underlying reader to the newly available linear slice and
// asks it for one frame's worth of PCM, tracking exactly how many input
// bytes that consumed so the caller knows how much to commit.
type GoMP3Decoder struct {
	span *spanReader
	dec  *gomp3.Decoder

	pcmBuf []byte
}

// NewGoMP3Decoder returns a FrameDecoder with no frames decoded yet.
func NewGoMP3Decoder() *GoMP3Decoder {
	return &GoMP3Decoder{
		span:   &spanReader{},
		pcmBuf: make([]byte, pcmChunkBytes),
	}
}

// SampleRate returns 0 until the stream header has been parsed by the
// first successful DecodeFrame call.
func (d *GoMP3Decoder) SampleRate() int {
	if d.dec == nil {
		return 0
	}
	return d.dec.SampleRate()
}

// DecodeFrame implements FrameDecoder.
func (d *GoMP3Decoder) DecodeFrame(in []byte) (Frame, error) {
	d.span.data = in
	d.span.pos = 0

	if d.dec == nil {
		dec, err := gomp3.NewDecoder(d.span)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, nil
			}
			return Frame{}, err
		}
		d.dec = dec
	}

	n, err := d.dec.Read(d.pcmBuf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return Frame{}, nil
		}
		return Frame{}, err
	}

	samples := n / 4 // 2 channels * 2 bytes per int16 sample
	pcmFloat := make([]byte, samples*2*4)
	for i := 0; i < samples*2; i++ {
		s := int16(binary.LittleEndian.Uint16(d.pcmBuf[i*2 : i*2+2]))
		f := float32(s) / 32768.0
		binary.LittleEndian.PutUint32(pcmFloat[i*4:i*4+4], math.Float32bits(f))
	}

	return Frame{
		FrameBytes: d.span.pos,
		Samples:    samples,
		PCM:        pcmFloat,
	}, nil
}
