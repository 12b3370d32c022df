// Package correlate implements the correlation and timeout tracker used to
// pair fanned-out request events with their responses.
//
// A pending entry maps a correlation ID to a continuation with a deadline.
// Each entry completes exactly once: either the response callback fires
// when a matching event arrives, or the timeout callback fires when the
// deadline expires. Duplicate responses after completion are dropped.
package correlate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// ResponseFunc is invoked with the matching response event when it arrives
// before the deadline. It is called at most once per entry, never
// concurrently with the entry's TimeoutFunc.
type ResponseFunc func(*event.Event)

// TimeoutFunc is invoked when the entry's deadline expires without a
// response. It is called at most once per entry.
type TimeoutFunc func()

// pending is a registered continuation awaiting its response.
type pending struct {
	onResponse ResponseFunc
	onTimeout  TimeoutFunc
	timer      *time.Timer
	done       bool
}

// Tracker maps correlation IDs to pending continuations with deadlines.
// It is safe for concurrent use. Create one with [NewTracker] and stop it
// with [Tracker.Close] to release outstanding timers.
type Tracker struct {
	mu      sync.Mutex
	entries map[id.CorrelationID]*pending
	closed  bool
	logger  *slog.Logger
}

// NewTracker creates an empty tracker. The logger may be nil, in which
// case [slog.Default] is used.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries: make(map[id.CorrelationID]*pending),
		logger:  logger,
	}
}

// Register adds a continuation for the given correlation ID. The deadline
// is absolute; if it has already passed, the timeout fires on a background
// goroutine almost immediately. Registering an ID that is already pending
// returns a lifecycle violation, since two continuations for one
// conversation indicate a dispatch bug.
func (t *Tracker) Register(correlationID id.CorrelationID, deadline time.Time, onResponse ResponseFunc, onTimeout TimeoutFunc) error {
	if correlationID == "" {
		return amcperr.New(amcperr.CodeValidation, "correlate: correlation id must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return amcperr.New(amcperr.CodeLifecycle, "correlate: tracker is closed")
	}
	if _, exists := t.entries[correlationID]; exists {
		return amcperr.Lifecyclef("correlate: correlation id %q is already pending", correlationID)
	}

	p := &pending{onResponse: onResponse, onTimeout: onTimeout}
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		t.expire(correlationID)
	})
	t.entries[correlationID] = p
	return nil
}

// Resolve completes the entry matching the event's correlation ID. It
// returns true if a pending continuation was fired, false if the ID was
// unknown or already completed (a duplicate response, which is dropped).
//
// The response callback runs on the caller's goroutine, outside the
// tracker lock.
func (t *Tracker) Resolve(ctx context.Context, e *event.Event) bool {
	correlationID := e.CorrelationID()
	if correlationID == "" {
		return false
	}

	t.mu.Lock()
	p, ok := t.entries[correlationID]
	if !ok || p.done {
		t.mu.Unlock()
		if ok {
			t.logger.DebugContext(ctx, "correlate: dropped duplicate response",
				"correlation_id", correlationID.String(),
				"event_id", e.ID().String(),
			)
		}
		return false
	}
	p.done = true
	p.timer.Stop()
	delete(t.entries, correlationID)
	t.mu.Unlock()

	p.onResponse(e)
	return true
}

// Cancel removes a pending entry without firing either callback. Returns
// true if an entry was removed.
func (t *Tracker) Cancel(correlationID id.CorrelationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[correlationID]
	if !ok || p.done {
		return false
	}
	p.done = true
	p.timer.Stop()
	delete(t.entries, correlationID)
	return true
}

// CancelAll removes every pending entry without firing callbacks and
// returns how many were removed. [Tracker.Close] uses it.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for correlationID, p := range t.entries {
		if !p.done {
			p.done = true
			p.timer.Stop()
			n++
		}
		delete(t.entries, correlationID)
	}
	return n
}

// Pending returns the number of outstanding entries.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels all pending entries and rejects further registrations.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.CancelAll()
}

// expire fires the timeout callback for an entry whose deadline passed.
func (t *Tracker) expire(correlationID id.CorrelationID) {
	t.mu.Lock()
	p, ok := t.entries[correlationID]
	if !ok || p.done {
		t.mu.Unlock()
		return
	}
	p.done = true
	delete(t.entries, correlationID)
	t.mu.Unlock()

	if p.onTimeout != nil {
		p.onTimeout()
	}
}
