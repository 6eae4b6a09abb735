package client

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caststream/caststream/audio"
)

// passthroughDecoder treats its entire input span as one "frame", useful
// for driving the pipeline deterministically without real MP3 data.
type passthroughDecoder struct{}

func (passthroughDecoder) DecodeFrame(in []byte) (audio.Frame, error) {
	if len(in) == 0 {
		return audio.Frame{}, nil
	}
	samples := len(in)
	return audio.Frame{FrameBytes: len(in), Samples: samples, PCM: make([]byte, samples*2*4)}, nil
}

func (passthroughDecoder) SampleRate() int { return 44100 }

func writeEnvelope(t *testing.T, conn net.Conn, msgType, size uint32) {
	t.Helper()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], msgType)
	binary.LittleEndian.PutUint32(hdr[4:8], size)
	_, err := conn.Write(hdr[:])
	require.NoError(t, err)
}

func TestClientReceivesTimeAndFeedsBodyToPipeline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	body := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		text := "2026-07-30T00:00:00Z"
		writeEnvelope(t, conn, 1, uint32(len(text)))
		_, _ = conn.Write([]byte(text))

		writeEnvelope(t, conn, 2, uint32(len(body)))
		_, _ = conn.Write(body)
	}()

	sink := &audio.NullSink{}
	cl := New(Options{
		DialAddr:           ln.Addr().String(),
		InputRingSize:      4096,
		InputLowWatermark:  512,
		InputHighWatermark: 2048,
		PCMRingSize:        65536,
		PCMLowWatermark:    32,
		PCMHighWatermark:   49152,
		Decoder:            passthroughDecoder{},
		Sink:               sink,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = cl.Run(ctx)
	require.NoError(t, err)
	require.True(t, sink.Started())
}

func TestClientSurfacesProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Send a malformed envelope (unknown message type) and let the
		// decoder surface a protocol error.
		writeEnvelope(t, conn, 99, 0)
	}()

	cl := New(Options{
		DialAddr:           ln.Addr().String(),
		InputRingSize:      4096,
		InputLowWatermark:  512,
		InputHighWatermark: 2048,
		PCMRingSize:        4096,
		PCMLowWatermark:    512,
		PCMHighWatermark:   2048,
		Decoder:            passthroughDecoder{},
		Sink:               &audio.NullSink{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = cl.Run(ctx)
	require.Error(t, err)
}
