// Package client implements the per-connection state machine that reads
// the server's time/envelope/MP3-body stream and feeds the MP3 body into
// an audio.Pipeline.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caststream/caststream/audio"
	"github.com/caststream/caststream/channel"
	"github.com/caststream/caststream/codec"
	"github.com/caststream/caststream/internal/loop"
	"github.com/caststream/caststream/ring"
)

const defaultReadChunk = 32 * 1024

// Connection drives one dialed socket: a read loop that feeds the codec
// decoder, whose on_body sink hands MP3 payload bytes straight to an
// audio.Pipeline.
type Connection struct {
	conn     *net.TCPConn
	input    *channel.Channel
	pipeline *audio.Pipeline
	decoder  *codec.Decoder
	loop     *loop.Loop
	log      *zap.SugaredLogger

	readChunk int

	mu       sync.Mutex
	finished bool
	err      error
	done     chan struct{}
}

func newConnection(conn *net.TCPConn, input *channel.Channel, pipeline *audio.Pipeline, lp *loop.Loop, log *zap.SugaredLogger) *Connection {
	c := &Connection{
		conn:      conn,
		input:     input,
		pipeline:  pipeline,
		loop:      lp,
		log:       log,
		readChunk: defaultReadChunk,
		done:      make(chan struct{}),
	}
	input.SetPoster(lp.Post)
	c.decoder = codec.NewDecoder(input.Buffer(), c.onText, c.onBody)
	return c
}

// Start begins the read loop. Must run on the connection's loop goroutine.
func (c *Connection) Start() {
	c.readLoop()
}

// Done is closed once the connection has ended, successfully or not.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended; nil if the peer closed the
// socket (EOF), whether or not the whole MP3 body had arrived.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) onText(payload []byte) {
	if c.log != nil {
		c.log.Infow("server message", "text", string(payload))
	}
}

func (c *Connection) onBody(_ *ring.Buffer, size uint32, done func()) {
	c.pipeline.FeedBody(size, done)
}

// readLoop implements the read side of the connection: if the input
// channel currently has no writable space, register a WakeRequest for 1
// free byte and re-enter the loop once it fires; otherwise issue an async
// socket read into the writable region.
func (c *Connection) readLoop() {
	writable := c.input.Buffer().WritableUpto(c.readChunk)
	if len(writable) == 0 {
		c.input.OnWritable(1, c.readLoop)
		return
	}
	c.issueRead(writable)
}

// issueRead performs a blocking socket read on a fresh goroutine — the
// runtime's network poller parks it without blocking the loop goroutine —
// and delivers the result back onto the loop via Post.
func (c *Connection) issueRead(dst []byte) {
	go func() {
		n, err := c.conn.Read(dst)
		c.loop.Post(func() { c.handleRead(n, err) })
	}()
}

func (c *Connection) handleRead(n int, err error) {
	if n > 0 {
		c.input.Consume(n)
		if advErr := c.decoder.Advance(); advErr != nil {
			c.end(advErr)
			return
		}
		// The decoder commits envelope/text bytes directly on the shared
		// ring.Buffer to stay zero-copy, bypassing the channel's own
		// Commit path, so nudge it to re-check any WakeRequest this
		// freed-up read-side space may have satisfied.
		c.input.Nudge()
		// MP3 body bytes that arrive after the type-2 envelope reach the
		// pipeline here; FeedBody only pumps what was buffered at the time.
		c.pipeline.DecodeNext()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.end(nil)
		} else {
			c.end(fmt.Errorf("client: read: %w", err))
		}
		return
	}
	c.readLoop()
}

func (c *Connection) end(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = err
	c.mu.Unlock()

	if c.log != nil {
		if err != nil {
			c.log.Errorw("connection ended", "remote", c.conn.RemoteAddr(), "error", err)
		} else {
			c.log.Infow("connection ended", "remote", c.conn.RemoteAddr())
		}
	}
	_ = c.conn.Close()
	close(c.done)
}

// Options configures a Client dial.
type Options struct {
	DialAddr string

	InputRingSize      int
	InputLowWatermark  int
	InputHighWatermark int

	PCMRingSize      int
	PCMLowWatermark  int
	PCMHighWatermark int

	Decoder audio.FrameDecoder
	Sink    audio.Sink

	// HousekeepingInterval controls the fixed-period stats log (underflow
	// count). Zero disables it.
	HousekeepingInterval time.Duration

	Log *zap.SugaredLogger
}

// Client dials the server once and drives the resulting Connection to
// completion.
type Client struct {
	opts Options
}

// New returns a Client configured by opts.
func New(opts Options) *Client {
	return &Client{opts: opts}
}

// Run dials the server, wires the input/PCM channels and audio pipeline,
// and runs the connection's event loop until the stream ends or ctx is
// canceled.
func (cl *Client) Run(ctx context.Context) error {
	addr, err := net.ResolveTCPAddr("tcp", cl.opts.DialAddr)
	if err != nil {
		return fmt.Errorf("client: resolve dial addr: %w", err)
	}
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	input, err := channel.New(cl.opts.InputRingSize, cl.opts.InputLowWatermark, cl.opts.InputHighWatermark)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("client: input channel: %w", err)
	}
	pcm, err := channel.New(cl.opts.PCMRingSize, cl.opts.PCMLowWatermark, cl.opts.PCMHighWatermark)
	if err != nil {
		_ = input.Close()
		_ = conn.Close()
		return fmt.Errorf("client: pcm channel: %w", err)
	}
	defer pcm.Close()
	defer input.Close()

	lp := loop.New()
	pipeline := audio.New(input, pcm, cl.opts.Decoder, cl.opts.Sink, cl.opts.Log)
	pipeline.SetPoster(lp.Post)

	c := newConnection(conn, input, pipeline, lp, cl.opts.Log)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go lp.Run(loopCtx)
	go cl.housekeeping(loopCtx, pipeline)

	lp.Post(c.Start)

	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		_ = conn.Close()
		<-c.Done()
		return ctx.Err()
	}
}

// housekeeping logs the pipeline's running stats at a fixed interval, until
// ctx is canceled. A zero HousekeepingInterval disables it.
func (cl *Client) housekeeping(ctx context.Context, pipeline *audio.Pipeline) {
	if cl.opts.HousekeepingInterval <= 0 || cl.opts.Log == nil {
		return
	}
	ticker := time.NewTicker(cl.opts.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pipeline.Stats()
			cl.opts.Log.Infow("housekeeping", "underflow_count", stats.UnderflowCount)
		}
	}
}
