package broker

import (
	"context"
	"sync"

	"github.com/xaviercallens/amcp-go/pkg/event"
)

// queued is one pending delivery.
type queued struct {
	evt *event.Event

	// effective delivery options after merging the subscription's
	// overrides with the event's own.
	opts event.DeliveryOptions
}

// subQueue is a bounded FIFO with policy-driven overflow behavior and an
// optional priority admission order. One delivery goroutine pops from the
// head, which preserves publish order per subscription.
type subQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []queued
	max      int
	closed   bool
}

func newSubQueue(max int) *subQueue {
	q := &subQueue{max: max}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push admits an item according to the back-pressure policy. It reports
// whether the item was admitted. With BlockPublisher it waits for space,
// returning early with false if ctx is cancelled or the queue closes.
func (q *subQueue) push(ctx context.Context, item queued, policy BackpressurePolicy) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.max {
		switch policy {
		case DropOldest:
			q.items = q.items[1:]
		case DropNewest:
			return false
		case BlockPublisher:
			if q.closed {
				return false
			}
			// Wake on pop or close; re-check ctx each round. A separate
			// goroutine broadcasts on ctx cancellation so the wait does
			// not hang past the publish deadline.
			if ctx.Err() != nil {
				return false
			}
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.notFull.Broadcast()
				q.mu.Unlock()
			})
			q.notFull.Wait()
			stop()
		default:
			q.items = q.items[1:]
		}
	}

	if q.closed {
		return false
	}

	// Priority is advisory: higher-priority items are admitted ahead of
	// lower ones, but never reorder ordered deliveries.
	if item.opts.Priority != 0 && !item.opts.Ordered {
		inserted := false
		for i := range q.items {
			if !q.items[i].opts.Ordered && q.items[i].opts.Priority < item.opts.Priority {
				q.items = append(q.items[:i], append([]queued{item}, q.items[i:]...)...)
				inserted = true
				break
			}
		}
		if !inserted {
			q.items = append(q.items, item)
		}
	} else {
		q.items = append(q.items, item)
	}

	q.notEmpty.Signal()
	return true
}

// pop removes and returns the head item, blocking until one is available
// or the queue closes. The second return is false once the queue is closed
// and drained.
func (q *subQueue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return queued{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

// drain removes and returns everything pending without blocking.
func (q *subQueue) drain() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	return items
}

// len returns the number of pending items.
func (q *subQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes all waiters; push refuses new items afterwards, pop drains
// the remainder.
func (q *subQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// waitWhile blocks while cond() holds and the queue is open. The delivery
// loop uses it to park while the owning agent is migrating; Resume and
// close both wake it.
func (q *subQueue) waitWhile(cond func() bool) {
	q.mu.Lock()
	for cond() && !q.closed {
		q.notEmpty.Wait()
	}
	q.mu.Unlock()
}

// wake nudges the delivery loop, used when a suspension is lifted.
func (q *subQueue) wake() {
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
