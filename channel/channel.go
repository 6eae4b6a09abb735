// Package channel layers watermark-based backpressure and one-shot wake
// callbacks on top of a ring.Buffer.
package channel

import (
	"fmt"
	"sync"

	"github.com/caststream/caststream/ring"
)

// WakeRequest is a deferred callback requesting that the buffer's
// non-filled size reach minFreeBytes. It stays queued exactly while
// minFreeBytes > the buffer's current non-filled size.
type WakeRequest struct {
	minFreeBytes int
	callback     func()
}

// Channel wraps a ring.Buffer and adds low/high watermarks plus an ordered
// list of pending WakeRequests.
//
// Channel's mutex guards the four cursors and the pending-request list.
// MemcpyIn/MemcpyOut hold it for both the cursor update and the byte copy;
// slices taken through Buffer() are read and written outside it.
type Channel struct {
	mu sync.Mutex

	buf *ring.Buffer

	lowWatermark  int
	highWatermark int

	pending []*WakeRequest

	// post, if set, is used to dispatch a satisfied WakeRequest's callback
	// asynchronously instead of running it inline, modeling "schedule on
	// the event loop". If nil, the callbacks ready after one commit run, in
	// FIFO order, on a fresh goroutine, which preserves the same never-inline,
	// no-ordering-with-the-caller guarantee without requiring an event loop
	// to exist.
	post func(func())
}

// New allocates a ring.Buffer of size bytes and wraps it in a Channel with
// the given watermarks. 0 < lowWatermark <= highWatermark <= size.
func New(size, lowWatermark, highWatermark int) (*Channel, error) {
	if !(0 < lowWatermark && lowWatermark <= highWatermark && highWatermark <= size) {
		return nil, fmt.Errorf("channel: watermarks must satisfy 0 < low <= high <= size (got low=%d high=%d size=%d)", lowWatermark, highWatermark, size)
	}
	b, err := ring.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &Channel{
		buf:           b,
		lowWatermark:  lowWatermark,
		highWatermark: highWatermark,
	}, nil
}

// SetPoster installs the function used to dispatch satisfied WakeRequest
// callbacks. Typically the event loop's post-to-loop primitive
// (internal/loop.Loop.Post).
func (c *Channel) SetPoster(post func(func())) {
	c.mu.Lock()
	c.post = post
	c.mu.Unlock()
}

// Close releases the underlying ring.Buffer.
func (c *Channel) Close() error {
	return c.buf.Close()
}

// Buffer returns the underlying ring.Buffer for direct access by producers
// and consumers that want to place bytes without an extra copy. Cursor
// mutation should go through Channel's own Consume/Commit wrappers below so
// that commits continue to drive wake dispatch; a caller that commits on
// the returned Buffer directly must follow up with Nudge.
func (c *Channel) Buffer() *ring.Buffer { return c.buf }

// Consume marks k bytes filled (producer side). It does not affect wake
// dispatch: WakeRequests fire on Commit (bytes becoming free), not Consume.
func (c *Channel) Consume(k int) {
	c.mu.Lock()
	c.buf.Consume(k)
	c.mu.Unlock()
}

// Commit marks k bytes non-filled (consumer side) and then dispatches any
// WakeRequest whose threshold is now satisfied.
func (c *Channel) Commit(k int) {
	c.mu.Lock()
	c.buf.Commit(k)
	ready := c.drainSatisfied()
	c.mu.Unlock()

	c.dispatch(ready)
}

// MemcpyIn copies src into the writable region, consumes that many bytes,
// and returns.
func (c *Channel) MemcpyIn(src []byte) {
	c.mu.Lock()
	c.buf.MemcpyIn(src)
	c.mu.Unlock()
}

// MemcpyOut copies len(dst) bytes out of the readable region into dst,
// commits that many bytes, and dispatches any satisfied WakeRequests.
func (c *Channel) MemcpyOut(dst []byte) {
	c.mu.Lock()
	c.buf.MemcpyOut(dst)
	ready := c.drainSatisfied()
	c.mu.Unlock()

	c.dispatch(ready)
}

// FilledSize returns the buffer's current filled size.
func (c *Channel) FilledSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.FilledSize()
}

// NonFilledSize returns the buffer's current non-filled size.
func (c *Channel) NonFilledSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.NonFilledSize()
}

// BelowLowWatermark reports whether filledSize < lowWatermark — the
// "please refill" signal.
func (c *Channel) BelowLowWatermark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.FilledSize() < c.lowWatermark
}

// BelowHighWatermark reports whether filledSize < highWatermark — the
// producer stopping rule, giving hysteresis so producers refill in bursts.
func (c *Channel) BelowHighWatermark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.FilledSize() < c.highWatermark
}

// OnWritable enqueues a WakeRequest: callback fires, exactly once, once the
// buffer's non-filled size reaches at least minFreeBytes. If the buffer
// already satisfies the request, the callback still runs later (via the
// configured poster or a fresh goroutine), never inline with this call, so
// callers can rely on OnWritable never reentering their own stack.
func (c *Channel) OnWritable(minFreeBytes int, callback func()) {
	c.mu.Lock()
	if c.buf.NonFilledSize() >= minFreeBytes {
		c.mu.Unlock()
		c.dispatch([]*WakeRequest{{minFreeBytes: minFreeBytes, callback: callback}})
		return
	}
	c.pending = append(c.pending, &WakeRequest{minFreeBytes: minFreeBytes, callback: callback})
	c.mu.Unlock()
}

// Nudge re-checks pending WakeRequests against the current non-filled size
// without itself changing the cursors. It is for callers that mutate the
// underlying ring.Buffer directly via Buffer() (the codec decoder does, to
// keep zero-copy access to message payloads) and must therefore tell the
// Channel to re-evaluate wakes that Consume/Commit would otherwise have
// triggered.
func (c *Channel) Nudge() {
	c.mu.Lock()
	ready := c.drainSatisfied()
	c.mu.Unlock()
	c.dispatch(ready)
}

// drainSatisfied must be called with c.mu held. It snapshots the pending
// list, then removes (in FIFO order) every request whose threshold the
// current non-filled size satisfies, so that callbacks which enqueue new
// WakeRequests during dispatch do not observe their own request in this
// scan.
func (c *Channel) drainSatisfied() []*WakeRequest {
	if len(c.pending) == 0 {
		return nil
	}
	snapshot := c.pending
	c.pending = nil

	free := c.buf.NonFilledSize()
	var ready []*WakeRequest
	for _, req := range snapshot {
		if req.minFreeBytes <= free {
			ready = append(ready, req)
		} else {
			c.pending = append(c.pending, req)
		}
	}
	return ready
}

// dispatch runs each ready request's callback, never inline with the
// caller, in FIFO order.
func (c *Channel) dispatch(ready []*WakeRequest) {
	if len(ready) == 0 {
		return
	}
	c.mu.Lock()
	poster := c.post
	c.mu.Unlock()
	if poster != nil {
		for _, req := range ready {
			poster(req.callback)
		}
		return
	}
	go func() {
		for _, req := range ready {
			req.callback()
		}
	}()
}
