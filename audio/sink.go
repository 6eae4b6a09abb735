package audio

// Sink is the opaque audio output device the pipeline drives: it pulls
// interleaved float32 samples on demand rather than being pushed to.
type Sink interface {
	// Start begins calling pull on its own thread whenever it needs more
	// samples. pull must fill out completely; if fewer samples are
	// available than out can hold, the implementation zero-pads the rest.
	Start(pull func(out []float32)) error
	// Stop halts the device and releases its resources. Idempotent.
	Stop() error
}
