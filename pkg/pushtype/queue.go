package pushtype

import (
	"errors"
	"sync/atomic"
)

// ErrQueueFull is returned synchronously by Queue.Enqueue when the
// client's bounded queue has no free slot (spec.md §4.2, §7).
var ErrQueueFull = errors.New("push: queue full")

// Queue is the bounded FIFO back-pressure mechanism shared by every
// Client implementation. It is backed by a buffered channel so a single
// dispatch goroutine can range over it as the "event loop" of spec.md
// §5, with no lock held across a suspension point: Enqueue either wins a
// free buffer slot immediately or fails with ErrQueueFull, never blocks.
type Queue struct {
	ch       chan *Request
	inFlight atomic.Int64
	maxSize  int
}

// NewQueue returns a Queue bounded at maxSize entries.
func NewQueue(maxSize int) *Queue {
	return &Queue{
		ch:      make(chan *Request, maxSize),
		maxSize: maxSize,
	}
}

// Enqueue adds req to the queue or fails with ErrQueueFull if the queue
// is at maxSize (spec.md §8 invariant 1: len(queue) never exceeds
// maxQueueSize).
func (q *Queue) Enqueue(req *Request) error {
	select {
	case q.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Requests exposes the underlying channel for a dispatch loop to range
// over.
func (q *Queue) Requests() <-chan *Request {
	return q.ch
}

// Len returns the number of requests currently queued (not InProgress).
func (q *Queue) Len() int {
	return len(q.ch)
}

// MarkInFlight/MarkDone track requests that have left the queue but not
// yet completed, so IsIdle can see InProgress work the channel itself no
// longer holds.
func (q *Queue) MarkInFlight() { q.inFlight.Add(1) }
func (q *Queue) MarkDone()     { q.inFlight.Add(-1) }

// IsIdle reports whether the queue is empty and nothing is InProgress.
func (q *Queue) IsIdle() bool {
	return q.Len() == 0 && q.inFlight.Load() == 0
}
