package broker

import (
	"context"

	"github.com/xaviercallens/amcp-go/pkg/event"
)

// Metadata keys used by transports to prevent event loops between
// federated brokers.
const (
	// MetaOriginContext names the context that first published the event.
	// A transport receiver drops events originating from its own context.
	MetaOriginContext = "amcp-origin-context"
)

// Receiver is the callback a transport invokes for each event arriving
// from the external queue. The broker injects received events into local
// delivery without forwarding them back out.
type Receiver func(ctx context.Context, e *event.Event)

// Transport fans events out to, and in from, an external queue so that
// subscriptions on other contexts see them. The core defines only this
// contract; concrete adapters (see the redis subpackage) live at the edge.
//
// Implementations must be safe for concurrent use. Forward errors count
// toward the broker's circuit breaker; a failed Forward is not retried
// and the publish returns the error. Persistent failure degrades the
// broker.
type Transport interface {
	// Forward ships the event to the external queue. The event is
	// projected to CloudEvents 1.0 on the wire.
	Forward(ctx context.Context, e *event.Event) error

	// Start begins receiving; every inbound event is handed to the
	// receiver. Start must be called before Forward.
	Start(ctx context.Context, r Receiver) error

	// Health probes the external queue. Used by the broker to recover
	// from the degraded state.
	Health(ctx context.Context) error

	// Close stops receiving and releases resources.
	Close() error
}
