// Package rategate implements the FIFO throttle in front of the Brave
// upstream: concurrent callers are serialized in arrival order and
// consecutive task starts are kept at least a minimum interval apart.
package rategate

import (
	"context"
	"sync"
	"time"

	"github.com/ykq007/mcp-tavily-bridge/pkg/errors"
)

// Gate serializes callers in FIFO order and enforces a minimum interval
// between the start times of consecutive tasks. A zero interval degrades to
// a plain FIFO pass-through.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastStart   time.Time
	tail        chan struct{}

	now func() time.Time
}

// New creates a gate with the given minimum inter-start interval.
func New(minInterval time.Duration) *Gate {
	released := make(chan struct{})
	close(released)
	return &Gate{
		minInterval: minInterval,
		tail:        released,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for interval computation.
// Intended for tests; the queue wait itself still uses real timers.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Run enqueues fn and invokes it once its turn arrives and the interval
// since the previous start has elapsed. maxWait bounds the time spent
// waiting behind predecessors; zero means wait indefinitely. A caller that
// gives up (timeout or context cancellation) releases its queue slot without
// affecting the ordering of later callers. Errors from fn propagate
// unchanged.
func (g *Gate) Run(ctx context.Context, maxWait time.Duration, fn func(context.Context) error) error {
	enqueuedAt := time.Now()

	// Join the tail of the queue. done is closed when this caller's slot is
	// released, whether it ran or bailed out.
	done := make(chan struct{})
	g.mu.Lock()
	pred := g.tail
	g.tail = done
	g.mu.Unlock()

	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait - time.Since(enqueuedAt))
		defer timer.Stop()
		deadline = timer.C
	}

	// Wait for the predecessor to complete.
	select {
	case <-pred:
	case <-deadline:
		g.forfeit(pred, done)
		return errors.NewRateGateTimeoutError("timed out waiting for rate gate slot")
	case <-ctx.Done():
		g.forfeit(pred, done)
		return ctx.Err()
	}

	defer close(done)

	// Pace the start relative to the previous task.
	g.mu.Lock()
	sleepUntil := g.lastStart.Add(g.minInterval)
	now := g.now()
	g.mu.Unlock()

	if wait := sleepUntil.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	g.lastStart = g.now()
	g.mu.Unlock()

	return fn(ctx)
}

// forfeit hands this caller's queue slot through to its successor once the
// predecessor finishes, preserving FIFO order for everyone behind it.
func (*Gate) forfeit(pred <-chan struct{}, done chan struct{}) {
	go func() {
		<-pred
		close(done)
	}()
}
