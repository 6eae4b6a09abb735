// Package loop provides the cooperative single-goroutine event loop that
// drives one connection's state machine, plus the post-to-loop primitive
// other threads (the audio callback thread, in particular) use to schedule
// work on it safely.
package loop

import "context"

// Loop serializes a stream of posted closures onto a single goroutine: the
// one that calls Run. Posting from any goroutine, including Run's own, is
// always safe; executing a posted closure is never reentrant with another
// closure on the same Loop, which is the "strand" guarantee a connection's
// state machine relies on.
type Loop struct {
	tasks chan func()
}

// New returns a Loop with a reasonably sized task queue. Post will block
// only if an enormous backlog of unrun closures accumulates, which would
// itself indicate the loop goroutine has stalled.
func New() *Loop {
	return &Loop{tasks: make(chan func(), 256)}
}

// Post schedules fn to run on the goroutine that calls Run, in the order
// Post was called relative to other Post calls observed by Run. Safe to
// call from any goroutine, including from inside a running fn.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// Run drains posted closures, one at a time, until ctx is canceled. It must
// be called from exactly one goroutine for the lifetime of the Loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
