// Package server implements the per-connection state machine that streams
// one MP3 file to every accepted client: current time, MP3 envelope, MP3
// body via a zero-copy sender.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caststream/caststream/channel"
	"github.com/caststream/caststream/codec"
	"github.com/caststream/caststream/internal/loop"
	"github.com/caststream/caststream/sender"
)

type connState int

const (
	stateSendingTime connState = iota
	stateSendingMp3Envelope
	stateSendingMp3Body
	stateDone
	stateFailed
)

// inputRingSize and inputReadChunk size the optional inbound read loop that
// decodes client->server text messages. The steady one-song pipeline never
// sends anything upstream, so this stays small.
const (
	inputRingSize  = 4096
	inputReadChunk = 4096
)

// Connection drives one accepted socket through SendingTime ->
// SendingMp3Envelope -> SendingMp3Body -> Done/Failed on the write side.
// State only ever advances. Independently, it runs an inbound read loop that
// decodes any client->server text messages and hands them to textHandler.
type Connection struct {
	mu sync.Mutex

	conn   *net.TCPConn
	output *channel.Channel
	loop   *loop.Loop
	log    *zap.SugaredLogger

	mp3Path string
	mp3Size int64

	state      connState
	fileSender *sender.FileSender
	tornDown   bool
	bytesSent  int64

	input       *channel.Channel
	decoder     *codec.Decoder
	textHandler func(remote net.Addr, text string)

	cancel context.CancelFunc
	onDone func()
}

func newConnection(conn *net.TCPConn, mp3Path string, mp3Size int64, outputRingSize int, lp *loop.Loop, log *zap.SugaredLogger, textHandler func(net.Addr, string)) (*Connection, error) {
	output, err := channel.New(outputRingSize, 1, outputRingSize)
	if err != nil {
		return nil, err
	}
	output.SetPoster(lp.Post)

	input, err := channel.New(inputRingSize, 1, inputRingSize)
	if err != nil {
		_ = output.Close()
		return nil, err
	}
	input.SetPoster(lp.Post)

	c := &Connection{
		conn:        conn,
		output:      output,
		loop:        lp,
		log:         log,
		mp3Path:     mp3Path,
		mp3Size:     mp3Size,
		state:       stateSendingTime,
		input:       input,
		textHandler: textHandler,
	}
	c.decoder = codec.NewDecoder(input.Buffer(), c.onClientText, nil)
	return c, nil
}

// start begins the write-side state machine and the inbound read loop. It
// must run on the connection's loop goroutine.
func (c *Connection) start() {
	text := time.Now().UTC().Format(time.RFC3339)
	codec.WriteTime(c.output.Buffer(), text)
	c.drainWrite(c.enterSendingMp3Envelope)
	c.readLoop()
}

func (c *Connection) onClientText(payload []byte) {
	if c.textHandler != nil {
		c.textHandler(c.conn.RemoteAddr(), string(payload))
	}
}

// readLoop decodes client->server text messages; nothing in the steady
// one-song pipeline sends them, but a future control channel has somewhere
// to land. Mirrors client.Connection's read loop shape.
func (c *Connection) readLoop() {
	writable := c.input.Buffer().WritableUpto(inputReadChunk)
	if len(writable) == 0 {
		c.input.OnWritable(1, c.readLoop)
		return
	}
	go func() {
		n, err := c.conn.Read(writable)
		c.loop.Post(func() { c.handleClientRead(n, err) })
	}()
}

func (c *Connection) handleClientRead(n int, err error) {
	c.mu.Lock()
	tornDown := c.tornDown
	c.mu.Unlock()
	if tornDown {
		return
	}

	if n > 0 {
		c.input.Consume(n)
		if advErr := c.decoder.Advance(); advErr != nil {
			c.fail(advErr)
			return
		}
		c.input.Nudge()
	}
	if err != nil {
		return // client closed its write half or the socket failed; the write-side state machine owns teardown
	}
	c.readLoop()
}

func (c *Connection) enterSendingMp3Envelope() {
	c.setState(stateSendingMp3Envelope)
	codec.WriteMP3Header(c.output.Buffer(), uint32(c.mp3Size))
	c.drainWrite(c.enterSendingMp3Body)
}

func (c *Connection) enterSendingMp3Body() {
	c.setState(stateSendingMp3Body)

	file, err := os.Open(c.mp3Path)
	if err != nil {
		c.fail(fmt.Errorf("open mp3 file: %w", err))
		return
	}

	s := sender.New(file, c.conn, c.mp3Size, c.loop.Post, func(bytesRemaining int64) {
		c.mu.Lock()
		c.bytesSent = c.mp3Size - bytesRemaining
		c.mu.Unlock()

		if bytesRemaining > 0 {
			return // FileSender re-drives itself; this is just a progress report
		}
		file.Close()
		c.finish()
	})

	c.mu.Lock()
	c.fileSender = s
	c.mu.Unlock()

	s.Send()
}

// drainWrite writes output.Buffer().Readable() to the socket until the
// buffer is empty, then invokes next on the loop goroutine. The blocking
// writes run on a fresh goroutine, with the continuation delivered back
// via Loop.Post — the same pattern sender.FileSender uses for its own
// transfer goroutine.
func (c *Connection) drainWrite(next func()) {
	go func() {
		buf := c.output.Buffer()
		for {
			readable := buf.Readable()
			if len(readable) == 0 {
				break
			}
			n, err := c.conn.Write(readable)
			if n > 0 {
				c.output.Commit(n)
			}
			if err != nil {
				c.loop.Post(func() { c.fail(err) })
				return
			}
		}
		c.loop.Post(next)
	}()
}

func (c *Connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state == stateDone || c.state == stateFailed {
		c.mu.Unlock()
		return
	}
	c.state = stateFailed
	c.mu.Unlock()

	if c.log != nil {
		c.log.Errorw("connection failed", "remote", c.conn.RemoteAddr(), "error", err)
	}
	c.teardown()
}

func (c *Connection) finish() {
	c.mu.Lock()
	c.state = stateDone
	c.mu.Unlock()

	if c.log != nil {
		c.log.Infow("connection finished", "remote", c.conn.RemoteAddr())
	}
	c.teardown()
}

// BytesSent returns how many MP3-body bytes the FileSender has reported as
// sent so far. A transfer that ends early (peer closed, or a send error) is
// reported with nothing remaining, so it then counts the full file size.
func (c *Connection) BytesSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent
}

// cancelConnection is the server's external shutdown path: it cancels the
// in-flight FileSender before closing the socket, since the sender may hold
// a platform handle (an overlapped event, a syscall.RawConn) that would
// otherwise block a graceful close.
func (c *Connection) cancelConnection() {
	c.mu.Lock()
	fs := c.fileSender
	c.mu.Unlock()

	if fs != nil {
		fs.Cancel()
	}
	c.teardown()
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	c.mu.Unlock()

	_ = c.conn.Close()
	_ = c.output.Close()
	_ = c.input.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if c.onDone != nil {
		c.onDone()
	}
}

// Server accepts connections and drives each through its own Connection
// state machine, streaming the same MP3 file to every client.
type Server struct {
	mu       sync.Mutex
	listener *net.TCPListener

	mp3Path string
	mp3Size int64

	outputRingSize       int
	housekeepingInterval time.Duration

	log *zap.SugaredLogger

	conns map[*Connection]struct{}

	textHandler func(remote net.Addr, text string)
}

// New resolves listenAddr, stats mp3Path, and binds the listening socket.
func New(listenAddr, mp3Path string, outputRingSize int, housekeepingInterval time.Duration, log *zap.SugaredLogger) (*Server, error) {
	fi, err := os.Stat(mp3Path)
	if err != nil {
		return nil, fmt.Errorf("server: stat mp3 file: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("server: resolve listen addr: %w", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	return &Server{
		listener:             ln,
		mp3Path:              mp3Path,
		mp3Size:              fi.Size(),
		outputRingSize:       outputRingSize,
		housekeepingInterval: housekeepingInterval,
		log:                  log,
		conns:                make(map[*Connection]struct{}),
	}, nil
}

// Addr returns the bound listening address, useful when listenAddr used a
// ":0" port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SetClientTextHandler installs an optional callback invoked once per
// client->server text message a connection decodes. Nothing in the steady
// one-song pipeline sends one today; this gives a future control channel
// somewhere to land. Must be called before Run.
func (s *Server) SetClientTextHandler(handler func(remote net.Addr, text string)) {
	s.mu.Lock()
	s.textHandler = handler
	s.mu.Unlock()
}

// Run accepts connections until ctx is canceled. On cancellation it closes
// the listener, then cancels every live connection: each connection's
// FileSender is canceled before its socket is closed.
func (s *Server) Run(ctx context.Context) error {
	go s.housekeeping(ctx)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.listener.Close()
			s.cancelAll()
		case <-done:
		}
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn *net.TCPConn) {
	lp := loop.New()
	s.mu.Lock()
	textHandler := s.textHandler
	s.mu.Unlock()

	c, err := newConnection(conn, s.mp3Path, s.mp3Size, s.outputRingSize, lp, s.log, textHandler)
	if err != nil {
		if s.log != nil {
			s.log.Errorw("failed to set up connection", "remote", conn.RemoteAddr(), "error", err)
		}
		_ = conn.Close()
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.onDone = func() { s.remove(c) }

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infow("accepted connection", "remote", conn.RemoteAddr())
	}

	go lp.Run(connCtx)
	lp.Post(c.start)
}

func (s *Server) remove(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancelConnection()
	}
}

func (s *Server) housekeeping(ctx context.Context) {
	if s.housekeepingInterval <= 0 || s.log == nil {
		return
	}
	ticker := time.NewTicker(s.housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := make([]*Connection, 0, len(s.conns))
			for c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()

			var totalSent int64
			for _, c := range conns {
				totalSent += c.BytesSent()
			}
			s.log.Infow("housekeeping", "active_connections", len(conns), "bytes_sent", totalSent)
		}
	}
}
