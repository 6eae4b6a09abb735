//go:build linux || darwin

package sender

import (
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// FileSender drives a file -> socket transfer via the platform's sendfile
// syscall, integrated with the event loop through a post-to-loop callback
// rather than by running on the loop goroutine itself: the transfer
// goroutine blocks in the runtime's network poller between chunks, and
// delivers each completion back onto the loop via post.
type FileSender struct {
	mu        sync.Mutex
	file      *os.File
	conn      *net.TCPConn
	cursor    SenderCursor
	cancelled bool
	started   bool

	post        func(func())
	onChunkSent OnChunkSent
}

// New returns a FileSender that will transmit total bytes of file to conn.
func New(file *os.File, conn *net.TCPConn, total int64, post func(func()), onChunkSent OnChunkSent) *FileSender {
	return &FileSender{
		file:        file,
		conn:        conn,
		cursor:      SenderCursor{Total: total},
		post:        post,
		onChunkSent: onChunkSent,
	}
}

// Send starts the transfer. It returns immediately; progress is reported
// through the OnChunkSent callback supplied to New, each invocation
// delivered via post so it always runs on the loop goroutine.
func (s *FileSender) Send() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Cancel releases the sender's hold on the socket's write deadline and
// suppresses any further OnChunkSent invocation. It is idempotent.
func (s *FileSender) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	// Unblocks any in-flight sendfile wait on writability so run() observes
	// cancellation promptly instead of waiting for the peer.
	_ = s.conn.SetWriteDeadline(time.Now())
}

func (s *FileSender) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *FileSender) run() {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		s.reportFatal()
		return
	}

	for {
		if s.isCancelled() {
			return
		}

		s.mu.Lock()
		remaining := s.cursor.Remaining()
		offset := s.cursor.Sent
		s.mu.Unlock()

		if remaining <= 0 {
			s.complete()
			return
		}

		var n int
		var sendErr error
		off := offset
		ctlErr := raw.Write(func(fd uintptr) bool {
			n, sendErr = unix.Sendfile(int(fd), int(s.file.Fd()), &off, int(remaining))
			if sendErr == unix.EAGAIN {
				return false // ask the runtime poller to wait for writability, then retry
			}
			return true
		})

		if n > 0 {
			s.mu.Lock()
			s.cursor.Sent += int64(n)
			remaining = s.cursor.Remaining()
			s.mu.Unlock()

			if s.isCancelled() {
				return
			}
			s.deliver(remaining)
			if remaining <= 0 {
				return
			}
		}

		if ctlErr != nil {
			s.reportFatal()
			return
		}
		if sendErr != nil {
			if peerClosed(sendErr) {
				s.complete()
				return
			}
			if s.isCancelled() {
				return
			}
			s.reportFatal()
			return
		}
	}
}

func (s *FileSender) complete() {
	s.mu.Lock()
	s.cursor.Sent = s.cursor.Total
	s.mu.Unlock()
	s.deliver(0)
}

// reportFatal reports the transfer as ended (bytesRemaining=0) on any
// error that is not peer-closed and not cancellation; the caller's
// on-chunk-sent handler sees no distinction between "finished" and
// "gave up on error" beyond whatever it logs, matching the event loop's
// own error-handling policy of tearing down the connection either way.
func (s *FileSender) reportFatal() {
	if s.isCancelled() {
		return
	}
	s.deliver(0)
}

func (s *FileSender) deliver(bytesRemaining int64) {
	if s.isCancelled() {
		return
	}
	cb := s.onChunkSent
	post := s.post
	if cb == nil {
		return
	}
	if post != nil {
		post(func() { cb(bytesRemaining) })
	} else {
		cb(bytesRemaining)
	}
}

func peerClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
