// Package broker implements the AMCP event broker: subscription registry,
// hierarchical topic routing, ordered and at-least-once delivery with
// acknowledgement and dead-lettering, per-subscription back-pressure, and a
// pluggable transport for crossing context boundaries.
//
// The in-memory [MemoryBroker] is the default. Remote fan-out is delegated
// to a [Transport] (see the redis subpackage for the external-queue
// adapter); a circuit breaker guards the transport, and persistent
// transport failure moves the broker into a degraded state in which
// publishes fail with CodeBrokerUnavailable until a health probe recovers.
//
// # Delivery semantics
//
// For a subscription with ordered delivery, events from any single
// publisher are handled in publish order; across publishers order is
// unspecified. With at-least-once reliability, a failing handler is
// retried with backoff up to the configured maximum, after which the event
// is routed to the dead-letter topic "amcp.deadletter.<original-topic>"
// with its original metadata preserved. Handlers observe the same event id
// on every retry.
package broker

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// DeadLetterPrefix is prepended to an event's original topic when its
// retry budget is exhausted.
const DeadLetterPrefix = "amcp.deadletter."

// MetaDeadLetterTopic carries the original topic on a dead-lettered event.
const MetaDeadLetterTopic = "amcp-deadletter-original-topic"

// MetaDeadLetterAttempts carries the delivery attempt count on a
// dead-lettered event.
const MetaDeadLetterAttempts = "amcp-deadletter-attempts"

// Handler is a subscriber's event-handling entry point. A nil return
// acknowledges the delivery; a non-nil return counts as a failed attempt
// and, for at-least-once subscriptions, triggers redelivery.
type Handler func(ctx context.Context, e *event.Event) error

// BackpressurePolicy selects the behavior of a full subscription queue.
type BackpressurePolicy string

const (
	// DropOldest evicts the oldest queued event to admit the new one.
	// Default for best-effort subscriptions.
	DropOldest BackpressurePolicy = "drop-oldest"

	// DropNewest rejects the incoming event, keeping the queue intact.
	DropNewest BackpressurePolicy = "drop-newest"

	// BlockPublisher blocks the publishing goroutine until space frees
	// up or the publish context is cancelled. Default for at-least-once
	// subscriptions.
	BlockPublisher BackpressurePolicy = "block-publisher"
)

// State is the broker's operational state.
type State string

const (
	// StateIdle is the state before Start.
	StateIdle State = "idle"

	// StateRunning is the normal operating state.
	StateRunning State = "running"

	// StateDegraded is entered after persistent transport failure;
	// publishes fail with CodeBrokerUnavailable until a health probe
	// recovers.
	StateDegraded State = "degraded"

	// StateClosed is the terminal state after Stop.
	StateClosed State = "closed"
)

// SubscribeOptions configures a subscription. The zero value uses
// best-effort delivery with the broker's default queue size.
type SubscribeOptions struct {
	// Delivery overrides the event-level delivery options for this
	// subscriber. An empty Reliability inherits from each event.
	Delivery event.DeliveryOptions `json:"delivery"`

	// QueueSize bounds the subscription's pending-event queue. Zero uses
	// the broker default.
	QueueSize int `json:"queue_size,omitempty"`

	// Backpressure selects the overflow behavior. Empty picks the
	// per-reliability default.
	Backpressure BackpressurePolicy `json:"backpressure,omitempty"`
}

// Subscription is a live (pattern, subscriber, options) registration. It
// is owned by the broker; use [Broker.Unsubscribe] to remove it.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Pattern is the validated topic pattern.
	Pattern string

	// AgentID is the owning agent, or empty for non-agent subscribers
	// (transports, test probes).
	AgentID id.AgentID

	// Options are the subscription's delivery options.
	Options SubscribeOptions

	handler   Handler
	queue     *subQueue
	suspended atomic.Bool
}

// Suspend parks the subscription: queued and future events are held but
// not delivered. Used while the owning agent is migrating.
func (s *Subscription) Suspend() { s.suspended.Store(true) }

// Resume lifts a suspension and wakes the delivery loop.
func (s *Subscription) Resume() {
	s.suspended.Store(false)
	if s.queue != nil {
		s.queue.wake()
	}
}

// Suspended reports whether the subscription is currently suspended.
func (s *Subscription) Suspended() bool { return s.suspended.Load() }

// newSubscriptionID allocates a unique subscription identifier.
func newSubscriptionID() string {
	return "sub-" + uuid.NewString()
}

// Broker is the routing and delivery contract. All implementations must
// be safe for concurrent use.
type Broker interface {
	// Publish routes the event to every matching subscription. It returns
	// nil once the event has been handed to all matching local queues
	// (and to the transport, when configured); having no subscribers is
	// success. It fails with CodeBrokerClosed after Stop, with
	// CodeInvalidTopic for a malformed topic, and with
	// CodeBrokerUnavailable while degraded.
	Publish(ctx context.Context, e *event.Event) error

	// Subscribe registers a subscription for the pattern. It is
	// idempotent on exact duplicates: subscribing the same (pattern,
	// agent, options) again returns the existing live subscription.
	Subscribe(pattern string, agentID id.AgentID, handler Handler, opts SubscribeOptions) (*Subscription, error)

	// Unsubscribe removes the subscription. In-flight deliveries run to
	// completion, but no new events are enqueued. Unknown subscriptions
	// return CodeSubscriptionNotFound.
	Unsubscribe(sub *Subscription) error

	// Start enables delivery.
	Start(ctx context.Context) error

	// Stop drains queues within the configured grace period, then drops
	// (best-effort) or fails (at-least-once, logged) the remainder.
	Stop(ctx context.Context) error

	// State returns the broker's operational state.
	State() State
}
