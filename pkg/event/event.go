// Package event defines the immutable event record exchanged through the
// AMCP mesh, its delivery options, and the CloudEvents 1.0 projection used
// when an event crosses a context boundary.
//
// Events are immutable after construction: the id, topic, sender, and
// timestamp never change, and the payload is treated as immutable by the
// runtime. Handlers that need a typed view of the payload deserialize at
// the edge; the broker never interprets payloads. Event equality is by id.
package event

import (
	"time"

	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/topic"
)

// Event is an immutable record published to a topic and delivered to
// matching subscribers. Construct events with [New]; the zero value is not
// usable.
type Event struct {
	id            id.EventID
	topic         string
	payload       any
	sender        id.AgentID // empty for system-injected events
	timestamp     time.Time
	correlationID id.CorrelationID
	metadata      map[string]string
	delivery      DeliveryOptions
}

// New constructs an event on the given topic. The topic is validated
// (wildcards are rejected); the payload is opaque to the core and must be
// treated as immutable once handed to New. Options set the sender,
// correlation ID, metadata, and delivery options.
func New(t string, payload any, opts ...Option) (*Event, error) {
	if err := topic.Validate(t); err != nil {
		return nil, err
	}
	e := &Event{
		id:        id.NewEventID(),
		topic:     t,
		payload:   payload,
		timestamp: time.Now().UTC(),
		delivery:  DefaultDeliveryOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ID returns the event's unique identifier. Equality between events is
// defined by ID.
func (e *Event) ID() id.EventID { return e.id }

// Topic returns the dotted hierarchical topic the event was published on.
func (e *Event) Topic() string { return e.topic }

// Payload returns the event payload. The payload is shared, not copied;
// callers must treat it as read-only.
func (e *Event) Payload() any { return e.payload }

// Sender returns the publishing agent's ID, or the empty AgentID for
// system-injected events.
func (e *Event) Sender() id.AgentID { return e.sender }

// Timestamp returns the wall-clock time at event construction, in UTC.
func (e *Event) Timestamp() time.Time { return e.timestamp }

// CorrelationID returns the correlation ID linking this event to its
// conversation, or the empty CorrelationID if unset.
func (e *Event) CorrelationID() id.CorrelationID { return e.correlationID }

// Metadata returns a copy of the event's string metadata map. Mutating the
// returned map does not affect the event.
func (e *Event) Metadata() map[string]string {
	if len(e.metadata) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		m[k] = v
	}
	return m
}

// Meta returns a single metadata value and whether it was present.
func (e *Event) Meta(key string) (string, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// Delivery returns the event's delivery options.
func (e *Event) Delivery() DeliveryOptions { return e.delivery }

// Equal reports whether other denotes the same event instance, i.e. has
// the same event ID.
func (e *Event) Equal(other *Event) bool {
	return other != nil && e.id == other.id
}

// Expired reports whether the event's TTL has elapsed relative to now. An
// event with no TTL never expires.
func (e *Event) Expired(now time.Time) bool {
	if e.delivery.TTL <= 0 {
		return false
	}
	return now.After(e.timestamp.Add(e.delivery.TTL))
}

// WithSenderStamped returns the event itself if a sender is already set,
// or a copy carrying the given sender. The context uses this to stamp the
// caller's AgentID on publish without violating event immutability.
func (e *Event) WithSenderStamped(sender id.AgentID) *Event {
	if e.sender != "" {
		return e
	}
	clone := *e
	clone.sender = sender
	return &clone
}

// WithMetaStamped returns a copy of the event with the given metadata keys
// merged in. Existing keys are preserved; the original event is unchanged.
// The id, topic, sender, and timestamp are carried over, so the copy
// denotes the same event instance.
func (e *Event) WithMetaStamped(meta map[string]string) *Event {
	if len(meta) == 0 {
		return e
	}
	clone := *e
	clone.metadata = make(map[string]string, len(e.metadata)+len(meta))
	for k, v := range e.metadata {
		clone.metadata[k] = v
	}
	for k, v := range meta {
		if _, exists := clone.metadata[k]; !exists {
			clone.metadata[k] = v
		}
	}
	return &clone
}
