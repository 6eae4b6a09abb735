// Package audio holds the MP3-decode-to-PCM pump and the audio sink
// abstraction it drives.
package audio

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/caststream/caststream/channel"
)

const bytesPerSample = 4 // float32
const outputChannels = 2 // fixed stereo, matching the decoder's output

// PipelineStats is a snapshot of the pipeline's running counters.
type PipelineStats struct {
	UnderflowCount uint64
}

// Pipeline pumps MP3 bytes from an input Channel through a FrameDecoder
// into a PCM Channel, and drives a Sink's pull callback from the PCM ring.
// Two rings let the network side and the audio-device side each run at
// their own natural block size.
type Pipeline struct {
	mu sync.Mutex

	input   *channel.Channel
	pcm     *channel.Channel
	decoder FrameDecoder
	sink    Sink
	log     *zap.SugaredLogger

	sinkStarted bool
	waiting     bool

	bodyRemaining uint32
	bodyDone      func()

	underflowCount uint64

	post func(func())
}

// New returns a Pipeline over the given input/PCM channels.
func New(input, pcm *channel.Channel, decoder FrameDecoder, sink Sink, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		input:   input,
		pcm:     pcm,
		decoder: decoder,
		sink:    sink,
		log:     log,
	}
}

// SetPoster installs the function used to schedule DecodeNext back onto
// the event-loop thread when the audio thread's pull callback observes
// the PCM channel dropping below its low watermark. Typically the event
// loop's post-to-loop primitive (internal/loop.Loop.Post).
func (p *Pipeline) SetPoster(post func(func())) {
	p.mu.Lock()
	p.post = post
	p.mu.Unlock()
}

// FeedBody begins (or resumes) decoding size bytes of MP3 body from the
// input channel; done is called once exactly that many bytes have been
// committed. It corresponds to the decoder's on_body sink for a type-2
// message.
func (p *Pipeline) FeedBody(size uint32, done func()) {
	p.mu.Lock()
	p.bodyRemaining = size
	p.bodyDone = done
	p.mu.Unlock()

	p.DecodeNext()
}

// DecodeNext pumps as many frames as currently fit: while the input
// channel holds bytes and the PCM channel is below its high watermark, it
// decodes one frame, commits the consumed input bytes, and writes the
// resulting PCM into the PCM channel. When a frame would overflow the PCM
// channel, it registers a WakeRequest for exactly the space that frame
// needs and returns; the wake callback resumes pumping once the audio
// thread has drained enough of the PCM ring.
func (p *Pipeline) DecodeNext() {
	p.mu.Lock()

	for p.bodyRemaining > 0 && p.input.FilledSize() > 0 && p.pcm.BelowHighWatermark() {
		span := p.input.Buffer().Readable()
		if uint32(len(span)) > p.bodyRemaining {
			span = span[:p.bodyRemaining]
		}

		frame, err := p.decoder.DecodeFrame(span)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("mp3 frame decode failed", "error", err)
			}
			break
		}
		if frame.FrameBytes == 0 {
			break // not enough input yet for a full frame
		}

		required := frame.Samples * outputChannels * bytesPerSample
		if required > p.pcm.NonFilledSize() {
			p.waiting = true
			p.pcm.OnWritable(required, p.onPCMWritable)
			break
		}

		p.input.Commit(frame.FrameBytes)
		p.pcm.MemcpyIn(frame.PCM)
		p.bodyRemaining -= uint32(frame.FrameBytes)

		if p.bodyRemaining == 0 {
			done := p.bodyDone
			p.bodyDone = nil
			if done != nil {
				p.mu.Unlock()
				done()
				p.mu.Lock()
			}
		}
	}

	startSink := !p.sinkStarted && !p.pcm.BelowLowWatermark()
	if startSink {
		p.sinkStarted = true
	}
	p.mu.Unlock()

	if startSink {
		p.startSink()
	}
}

// onPCMWritable is the WakeRequest callback registered when a decoded
// frame would overflow the PCM channel. It is always invoked off the
// commit that satisfies it (channel.Channel's contract), so it is safe to
// re-enter DecodeNext directly even though the original DecodeNext call
// may have been made on a different goroutine.
func (p *Pipeline) onPCMWritable() {
	p.mu.Lock()
	p.waiting = false
	p.mu.Unlock()

	p.DecodeNext()
}

func (p *Pipeline) startSink() {
	if err := p.sink.Start(p.pull); err != nil && p.log != nil {
		p.log.Errorw("failed to start audio sink", "error", err)
	}
}

// pull is the sink's pull callback, invoked on the audio thread. It fills
// stream from the PCM channel, zero-padding and counting an underflow if
// the channel holds less than requested, then schedules DecodeNext on the
// event loop if the channel has dropped below its low watermark.
func (p *Pipeline) pull(stream []float32) {
	want := len(stream) * bytesPerSample
	buf := make([]byte, want)

	p.mu.Lock()
	avail := p.pcm.FilledSize()
	n := avail
	if n > want {
		n = want
	}
	p.mu.Unlock()

	if n > 0 {
		p.pcm.MemcpyOut(buf[:n])
	}
	if n < want {
		p.mu.Lock()
		p.underflowCount++
		p.mu.Unlock()
	}

	for i := range stream {
		off := i * bytesPerSample
		if off+bytesPerSample <= n {
			stream[i] = decodeFloat32LE(buf[off : off+bytesPerSample])
		} else {
			stream[i] = 0
		}
	}

	p.mu.Lock()
	belowLow := p.pcm.BelowLowWatermark()
	post := p.post
	p.mu.Unlock()

	if belowLow {
		if post != nil {
			post(p.DecodeNext)
		} else {
			go p.DecodeNext()
		}
	}
}

// Stats returns a snapshot of the pipeline's running counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{UnderflowCount: p.underflowCount}
}

func decodeFloat32LE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
