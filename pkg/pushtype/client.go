package pushtype

import (
	"context"
	"sync"
	"sync/atomic"
)

// Client is the capability contract every provider-specific transport
// implements: build a Request for a PushInfo, hand it off for delivery,
// and report whether it has any outstanding work. spec.md §9 is explicit
// that this must stay a small interface, not a class hierarchy.
type Client interface {
	// Name is the registry key this Client is registered under.
	Name() string

	// MakeRequest builds a Request from pInfo for the given PushType,
	// serializing the provider-specific body. It does not enqueue.
	MakeRequest(ctx context.Context, pType PushType, pInfo *PushInfo) (*Request, error)

	// SendPush enqueues req for delivery and returns once it is queued,
	// not once it completes. It fails synchronously with ErrQueueFull if
	// the client's bounded queue is full.
	SendPush(ctx context.Context, req *Request) error

	// IsIdle reports whether the client's queue is empty and no request
	// is currently InProgress.
	IsIdle() bool
}

// ClientStats are the per-client observability counters spec.md §4.2
// calls for: sent, succeeded, failed-by-reason. Safe for concurrent use.
type ClientStats struct {
	sent      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	mu             sync.Mutex
	failedByReason map[string]int64
}

// NewClientStats returns a zeroed ClientStats ready for use.
func NewClientStats() *ClientStats {
	return &ClientStats{failedByReason: make(map[string]int64)}
}

func (s *ClientStats) RecordSent() { s.sent.Add(1) }

func (s *ClientStats) RecordSucceeded() { s.succeeded.Add(1) }

func (s *ClientStats) RecordFailed(reason string) {
	s.failed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedByReason[reason]++
}

// StatsSnapshot is a point-in-time copy of ClientStats.
type StatsSnapshot struct {
	Sent           int64
	Succeeded      int64
	Failed         int64
	FailedByReason map[string]int64
}

func (s *ClientStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReason := make(map[string]int64, len(s.failedByReason))
	for k, v := range s.failedByReason {
		byReason[k] = v
	}
	return StatsSnapshot{
		Sent:           s.sent.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		FailedByReason: byReason,
	}
}
