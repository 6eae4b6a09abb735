//go:build windows

package sender

import (
	"fmt"
	"net"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// maxChunkBytes bounds a single TransmitFile call so progress stays
// observable even on a very large file.
const maxChunkBytes = 100 * 1024

var (
	modmswsock       = windows.NewLazySystemDLL("mswsock.dll")
	procTransmitFile = modmswsock.NewProc("TransmitFile")
)

// FileSender drives a file -> socket transfer via TransmitFile, using one
// overlapped chunk at a time and a dedicated wait goroutine per chunk that
// blocks on the chunk's event handle, then posts the completion back onto
// the event loop.
type FileSender struct {
	mu        sync.Mutex
	file      *os.File
	conn      *net.TCPConn
	cursor    SenderCursor
	cancelled bool
	started   bool

	curEvent windows.Handle

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

// Send starts the transfer.
func (s *FileSender) Send() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sendNextChunk()
}

// Cancel releases the current chunk's event handle and suppresses further
// OnChunkSent delivery. Idempotent.
func (s *FileSender) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	ev := s.curEvent
	s.curEvent = 0
	s.mu.Unlock()

	if ev != 0 {
		windows.CloseHandle(ev)
	}
}

func (s *FileSender) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *FileSender) sendNextChunk() {
	if s.isCancelled() {
		return
	}

	s.mu.Lock()
	remaining := s.cursor.Remaining()
	offset := s.cursor.Sent
	s.mu.Unlock()

	if remaining <= 0 {
		s.deliver(0)
		return
	}

	chunk := remaining
	if chunk > maxChunkBytes {
		chunk = maxChunkBytes
	}

	ev, err := windows.CreateEvent(nil, 1 /* manual reset */, 0, nil)
	if err != nil {
		s.reportFatal()
		return
	}

	s.mu.Lock()
	s.curEvent = ev
	s.mu.Unlock()

	var overlapped windows.Overlapped
	overlapped.HEvent = ev
	overlapped.OffsetHigh = uint32(uint64(offset) >> 32)
	overlapped.Offset = uint32(uint64(offset))

	sock, err := s.conn.SyscallConn()
	if err != nil {
		windows.CloseHandle(ev)
		s.reportFatal()
		return
	}

	var callErr error
	ctlErr := sock.Control(func(fd uintptr) {
		callErr = transmitFile(windows.Handle(fd), windows.Handle(s.file.Fd()), uint32(chunk), 0, &overlapped, 0)
	})
	if ctlErr != nil {
		windows.CloseHandle(ev)
		s.reportFatal()
		return
	}

	if callErr != nil && callErr != windows.ERROR_IO_PENDING {
		windows.CloseHandle(ev)
		if s.isCancelled() {
			return
		}
		s.reportFatal()
		return
	}

	windows.WaitForSingleObject(ev, windows.INFINITE)

	s.mu.Lock()
	s.curEvent = 0
	s.mu.Unlock()
	windows.CloseHandle(ev)

	if s.isCancelled() {
		return
	}

	var transferred, flags uint32
	if gerr := getOverlappedResult(s.conn, &overlapped, &transferred, &flags); gerr != nil {
		s.reportFatal()
		return
	}

	s.mu.Lock()
	s.cursor.Sent += int64(transferred)
	remaining = s.cursor.Remaining()
	s.mu.Unlock()

	s.deliver(remaining)
	if remaining > 0 {
		go s.sendNextChunk()
	}
}

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

func transmitFile(socket, file windows.Handle, bytesToWrite, bytesPerSend uint32, overlapped *windows.Overlapped, flags uint32) error {
	r0, _, err := procTransmitFile.Call(
		uintptr(socket),
		uintptr(file),
		uintptr(bytesToWrite),
		uintptr(bytesPerSend),
		uintptr(unsafe.Pointer(overlapped)),
		0,
		uintptr(flags),
	)
	if r0 == 0 {
		return err
	}
	return nil
}

func getOverlappedResult(conn *net.TCPConn, overlapped *windows.Overlapped, transferred, flags *uint32) error {
	sock, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var gerr error
	cerr := sock.Control(func(fd uintptr) {
		gerr = windows.GetOverlappedResult(windows.Handle(fd), overlapped, transferred, false)
	})
	if cerr != nil {
		return cerr
	}
	if gerr != nil {
		return fmt.Errorf("sender: GetOverlappedResult: %w", gerr)
	}
	return nil
}
