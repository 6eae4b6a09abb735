package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSink drives a real output device via github.com/gordonklaus/portaudio's
// callback-mode stream, adapted from a int16-mono chat-audio callback to
// float32-stereo framing at a fixed sample rate and buffer size.
type PortAudioSink struct {
	sampleRate      float64
	channels        int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewPortAudioSink returns a Sink for the given device parameters. The
// caller is responsible for calling portaudio.Initialize once at process
// startup and portaudio.Terminate at shutdown.
func NewPortAudioSink(sampleRate float64, channels, framesPerBuffer int) *PortAudioSink {
	return &PortAudioSink{
		sampleRate:      sampleRate,
		channels:        channels,
		framesPerBuffer: framesPerBuffer,
	}
}

// Start opens and starts the output stream, routing every callback
// invocation to pull.
func (s *PortAudioSink) Start(pull func(out []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return fmt.Errorf("audio: sink already started")
	}

	stream, err := portaudio.OpenDefaultStream(
		0, s.channels,
		s.sampleRate,
		s.framesPerBuffer,
		func(out []float32) {
			pull(out)
		},
	)
	if err != nil {
		return fmt.Errorf("audio: open output stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start output stream: %w", err)
	}

	s.stream = stream
	return nil
}

// Stop aborts and closes the stream. Idempotent.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	// Abort rather than Stop: we want an immediate halt, not a drain.
	abortErr := s.stream.Abort()
	closeErr := s.stream.Close()
	s.stream = nil

	if abortErr != nil {
		return fmt.Errorf("audio: abort output stream: %w", abortErr)
	}
	if closeErr != nil {
		return fmt.Errorf("audio: close output stream: %w", closeErr)
	}
	return nil
}
