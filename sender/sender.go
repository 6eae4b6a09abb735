// Package sender implements the zero-copy file-to-socket transfer that
// streams an MP3 body over the wire without copying it through user-space
// buffers, using each platform's native sendfile-family primitive.
package sender

// SenderCursor tracks transfer progress. Sent only ever increases.
type SenderCursor struct {
	Sent  int64
	Total int64
}

// Done reports whether the transfer has moved every byte.
func (c SenderCursor) Done() bool { return c.Sent >= c.Total }

// Remaining returns Total - Sent.
func (c SenderCursor) Remaining() int64 { return c.Total - c.Sent }

// OnChunkSent is invoked after each chunk of the transfer completes (or
// the transfer is discovered already complete). bytesRemaining is 0 on the
// final call, including the case where the peer closed its read side
// before reading everything: from the sender's point of view that also
// means there is nothing more it can do, so it is reported the same way.
type OnChunkSent func(bytesRemaining int64)
