package event

import (
	"time"

	"github.com/xaviercallens/amcp-go/pkg/id"
)

// Reliability selects the delivery guarantee for an event or subscription.
type Reliability string

const (
	// BestEffort delivers each event at most once per subscriber; events
	// may be dropped under back-pressure or failure.
	BestEffort Reliability = "best-effort"

	// AtLeastOnce redelivers with backoff until the subscriber
	// acknowledges or the retry budget is exhausted, after which the event
	// is routed to the dead-letter topic. Handlers may observe the same
	// event id more than once.
	AtLeastOnce Reliability = "at-least-once"
)

// DeliveryOptions configures delivery for an event or a subscription.
// Subscription options override event options per subscriber.
type DeliveryOptions struct {
	// Reliability is the delivery guarantee.
	Reliability Reliability `json:"reliability"`

	// Ordered requires that events between the same (sender, subscription)
	// pair are delivered in publish order.
	Ordered bool `json:"ordered,omitempty"`

	// TTL is the duration after which the broker may drop an undelivered
	// event. Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`

	// Priority orders queue admission; higher is earlier. Advisory.
	Priority int `json:"priority,omitempty"`

	// RequireAck requires the subscriber to acknowledge before the broker
	// considers delivery complete.
	RequireAck bool `json:"require_ack,omitempty"`
}

// DefaultDeliveryOptions returns the defaults applied by [New]:
// best-effort, unordered, no TTL, priority zero, no ack.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{Reliability: BestEffort}
}

// Option customizes an event during construction with [New].
type Option func(*Event)

// WithSender sets the publishing agent's ID. Leave unset for
// system-injected events; the context stamps the caller's ID on publish
// when the sender is empty.
func WithSender(sender id.AgentID) Option {
	return func(e *Event) { e.sender = sender }
}

// WithCorrelationID links the event to a conversation.
func WithCorrelationID(c id.CorrelationID) Option {
	return func(e *Event) { e.correlationID = c }
}

// WithMetadata merges the given keys into the event's metadata map.
// Later options win on key conflicts.
func WithMetadata(meta map[string]string) Option {
	return func(e *Event) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			e.metadata[k] = v
		}
	}
}

// WithMeta sets a single metadata key.
func WithMeta(key, value string) Option {
	return func(e *Event) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithDelivery replaces the event's delivery options.
func WithDelivery(opts DeliveryOptions) Option {
	return func(e *Event) { e.delivery = opts }
}

// WithID overrides the generated event ID. Used when reconstructing an
// event from its wire projection so redeliveries preserve identity; not
// for general use.
func WithID(eventID id.EventID) Option {
	return func(e *Event) { e.id = eventID }
}

// WithTimestamp overrides the construction timestamp. Used when
// reconstructing an event from its wire projection.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.timestamp = t.UTC() }
}
