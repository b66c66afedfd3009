package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSubscriptionClosed is reported when a subscription ends without
// delivering anything.
var ErrSubscriptionClosed = errors.New("subscription closed without result")

// Entry is one change notification as produced by a Subscriber.
type Entry struct {
	DN         string
	Attributes map[string][]string
	// Token is the continuation token after this entry, if the server sent one.
	Token []byte
	// Deleted is set when the server reports the entry as removed.
	Deleted bool
}

// Outcome is what a subscription eventually resolves to.
type Outcome struct {
	Entry *Entry
	Err   error
}

// Future is the pending result of one subscription.
type Future struct {
	ch     <-chan Outcome
	cancel context.CancelFunc

	mu       sync.Mutex
	resolved bool
	outcome  Outcome
	stopOnce sync.Once
}

// NewFuture wraps ch, which must deliver at most one Outcome. cancel stops
// whatever is producing it.
func NewFuture(ch <-chan Outcome, cancel context.CancelFunc) *Future {
	if cancel == nil {
		cancel = func() {}
	}
	return &Future{ch: ch, cancel: cancel}
}

// Poll waits at most wait for the result. The second return value is false
// if nothing arrived in time.
func (f *Future) Poll(ctx context.Context, wait time.Duration) (Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return f.outcome, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case out, ok := <-f.ch:
		if !ok {
			out = Outcome{Err: ErrSubscriptionClosed}
		}
		f.resolved = true
		f.outcome = out
		return out, true
	case <-timer.C:
		return Outcome{}, false
	case <-ctx.Done():
		return Outcome{}, false
	}
}

// Cancel stops the subscription behind the future. It is safe to call more
// than once.
func (f *Future) Cancel() {
	f.stopOnce.Do(f.cancel)
}
