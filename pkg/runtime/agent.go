package runtime

import (
	"context"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// Agent is the minimal contract every agent implements: identity, a type
// tag mapping to a factory, and an event-handling entry point.
//
// Agents are modeled as a capability set rather than an inheritance
// hierarchy. The optional interfaces [Activatable], [Mobile],
// [CapabilityAdvertiser], and [ConcurrentSafe] refine an agent's behavior;
// the runtime discovers them by type assertion. A minimal stationary agent
// implements only Agent; a mobile specialist implements Mobile and
// CapabilityAdvertiser as well.
type Agent interface {
	// ID returns the agent's identity. It is stable across migrations of
	// the same logical agent.
	ID() id.AgentID

	// Type returns the agent's type tag, which maps to a registered
	// [Factory] on every context that may host it.
	Type() string

	// OnEvent handles one delivered event. Unless the agent is
	// [ConcurrentSafe], invocations are serialized per agent. A non-nil
	// return counts as a failed delivery and is retried per the broker's
	// reliability policy.
	OnEvent(ctx context.Context, e *event.Event) error
}

// Activatable is implemented by agents with activation and deactivation
// callbacks. OnActivate runs between the Activating transition and the
// Active transition; subscriptions requested through the handle during
// OnActivate are installed by the context on the agent's behalf. An
// OnActivate error rolls the agent back to Inactive.
//
// OnDeactivate runs after in-flight handlers drain, before the agent
// returns to Inactive.
type Activatable interface {
	OnActivate(ctx context.Context, h *Handle) error
	OnDeactivate(ctx context.Context) error
}

// Mobile is implemented by agents that support strong mobility. State
// must round-trip through MarshalState/UnmarshalState; resources that
// cannot move (connections, file handles) must be released in
// OnBeforeMigration and reacquired in OnAfterMigration.
type Mobile interface {
	// OnBeforeMigration runs on the source after the agent is quiesced,
	// before its state is serialized. The destination parameter names the
	// target context.
	OnBeforeMigration(ctx context.Context, destination string) error

	// OnAfterMigration runs on the destination after the agent is
	// restored, subscribed, and active again. The source parameter names
	// the origin context.
	OnAfterMigration(ctx context.Context, source string) error

	// MarshalState serializes the agent's user state.
	MarshalState() ([]byte, error)

	// UnmarshalState restores the agent's user state from a snapshot.
	UnmarshalState(data []byte) error
}

// CapabilityAdvertiser is implemented by agents that advertise
// capabilities to the registry. The context registers the advertised set
// on activation and keeps the record heartbeated while the agent is
// resident.
type CapabilityAdvertiser interface {
	Capabilities() []string
}

// ConcurrentSafe is a marker interface: an agent implementing it declares
// its OnEvent safe for concurrent invocation, and the runtime stops
// serializing its handlers.
type ConcurrentSafe interface {
	ConcurrentSafe()
}

// Factory instantiates an agent of one type. The initData map is
// application-defined; factories must tolerate a nil map. The returned
// agent must report the given AgentID from its ID method.
type Factory func(agentID id.AgentID, initData map[string]any) (Agent, error)

// FactoryRegistry maps agent type tags to factories. It is populated at
// context construction and may be extended afterwards with
// [FactoryRegistry.Register]; its map is not guarded by a lock. Both ends
// of a migration
// must have the agent's type registered, since mobility moves state, never
// code.
type FactoryRegistry struct {
	factories map[string]Factory
}

// NewFactoryRegistry creates a registry from the given type map.
func NewFactoryRegistry(factories map[string]Factory) *FactoryRegistry {
	copied := make(map[string]Factory, len(factories))
	for k, v := range factories {
		copied[k] = v
	}
	return &FactoryRegistry{factories: copied}
}

// Register adds a factory for a type tag, replacing any previous one.
func (r *FactoryRegistry) Register(agentType string, f Factory) {
	r.factories[agentType] = f
}

// New instantiates an agent of the given type.
func (r *FactoryRegistry) New(agentType string, agentID id.AgentID, initData map[string]any) (Agent, error) {
	f, ok := r.factories[agentType]
	if !ok {
		return nil, amcperr.Newf(amcperr.CodeUnknownAgentType,
			"runtime: no factory registered for agent type %q", agentType)
	}
	agent, err := f(agentID, initData)
	if err != nil {
		return nil, amcperr.Wrapf(err, amcperr.CodeInternal,
			"runtime: factory for type %q failed", agentType)
	}
	return agent, nil
}

// Known reports whether a factory is registered for the type.
func (r *FactoryRegistry) Known(agentType string) bool {
	_, ok := r.factories[agentType]
	return ok
}

// SubscriptionSpec is the portable description of one subscription: the
// pattern and the delivery options, without the live broker registration.
// Specs travel in mobility snapshots.
type SubscriptionSpec struct {
	Pattern string                  `json:"pattern"`
	Options broker.SubscribeOptions `json:"options"`
}
