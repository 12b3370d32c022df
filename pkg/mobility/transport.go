package mobility

import (
	"context"
	"sync"

	"github.com/xaviercallens/amcp-go/pkg/auth"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/runtime"
)

// Transport carries snapshots and control messages between contexts. The
// wire protocol is outside the core; the contract is snapshot bytes in,
// an install on the destination context out.
//
// Errors returned by Install decide the source's recovery: transient
// failures are retried, CodeAlreadyInstalled is treated as success, and
// recoverable migration errors resume the agent on the source.
type Transport interface {
	// Install hands an encoded snapshot to the destination context, which
	// decodes and installs it. It returns once the destination confirms
	// (protocol step 6) or refuses.
	Install(ctx context.Context, destination string, snapshot []byte) error

	// ForwardEvents delivers events parked during the hand-off to the
	// installed agent on the destination.
	ForwardEvents(ctx context.Context, destination string, agentID id.AgentID, events []*event.Event) error

	// Uninstall destroys an installed agent on the destination, used to
	// roll back strong replication.
	Uninstall(ctx context.Context, destination string, agentID id.AgentID) error

	// Recall asks the source context to dispatch the agent to the given
	// destination; the inverse control flow used by retract.
	Recall(ctx context.Context, source string, agentID id.AgentID, destination string) error
}

// LoadReporter is an optional Transport refinement used by the
// load-balanced migration policy.
type LoadReporter interface {
	// Load returns the number of resident agents on a context.
	Load(ctx context.Context, contextID string) (int, error)
}

// LatencyReporter is an optional Transport refinement used by the
// least-latency migration policy.
type LatencyReporter interface {
	// LatencyRank orders candidate contexts from nearest to farthest.
	LatencyRank(ctx context.Context, candidates []string) []string
}

// InProcessTransport connects contexts living in one process: the test
// and single-binary federation topology. It implements [Transport],
// [LoadReporter], and a verifier hook for snapshot security contexts.
type InProcessTransport struct {
	mu       sync.RWMutex
	contexts map[string]*runtime.Context
	managers map[string]*Manager
	mesh     *auth.Mesh // nil disables snapshot verification
}

// Compile-time interface compliance checks.
var (
	_ Transport    = (*InProcessTransport)(nil)
	_ LoadReporter = (*InProcessTransport)(nil)
)

// NewInProcessTransport creates an empty in-process transport. The mesh
// may be nil for unauthenticated deployments.
func NewInProcessTransport(mesh *auth.Mesh) *InProcessTransport {
	return &InProcessTransport{
		contexts: make(map[string]*runtime.Context),
		managers: make(map[string]*Manager),
		mesh:     mesh,
	}
}

// Attach registers a context (and its manager, once built) with the
// transport.
func (t *InProcessTransport) Attach(c *runtime.Context, m *Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[c.ContextID()] = c
	if m != nil {
		t.managers[c.ContextID()] = m
	}
}

// resolve returns the context registered under the ID.
func (t *InProcessTransport) resolve(contextID string) (*runtime.Context, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.contexts[contextID]
	if !ok {
		return nil, amcperr.Migrationf(amcperr.CodeMigrationNetwork, true,
			"mobility: context %q is not reachable", contextID)
	}
	return c, nil
}

// Install decodes the snapshot, verifies its security context when a mesh
// is configured, and installs the agent on the destination.
func (t *InProcessTransport) Install(ctx context.Context, destination string, data []byte) error {
	dest, err := t.resolve(destination)
	if err != nil {
		return err
	}
	snap, err := Decode(data)
	if err != nil {
		return err
	}
	if t.mesh != nil {
		if len(snap.AuthContext) == 0 {
			return amcperr.New(amcperr.CodePolicyViolation,
				"mobility: snapshot carries no security context")
		}
		identity, err := t.mesh.Verify(snap.AuthContext)
		if err != nil {
			return err
		}
		ctx = auth.ContextWithIdentity(ctx, identity)
	}
	return dest.InstallArrival(ctx, &runtime.Departure{
		AgentID:       snap.AgentID,
		AgentType:     snap.AgentType,
		State:         snap.State,
		Subscriptions: snap.Subscriptions,
		Capabilities:  snap.Capabilities,
	}, sourceOf(snap))
}

// sourceOf reads the source context from snapshot metadata.
func sourceOf(snap *Snapshot) string {
	return snap.Metadata[MetaSourceContext]
}

// ForwardEvents hands parked events straight to the installed agent.
func (t *InProcessTransport) ForwardEvents(ctx context.Context, destination string, agentID id.AgentID, events []*event.Event) error {
	dest, err := t.resolve(destination)
	if err != nil {
		return err
	}
	return dest.DeliverDirect(ctx, agentID, events)
}

// Uninstall destroys an installed agent on the destination.
func (t *InProcessTransport) Uninstall(ctx context.Context, destination string, agentID id.AgentID) error {
	dest, err := t.resolve(destination)
	if err != nil {
		return err
	}
	return dest.Destroy(ctx, agentID)
}

// Recall asks the source context's manager to dispatch the agent back to
// the caller.
func (t *InProcessTransport) Recall(ctx context.Context, source string, agentID id.AgentID, destination string) error {
	t.mu.RLock()
	m, ok := t.managers[source]
	t.mu.RUnlock()
	if !ok {
		return amcperr.Migrationf(amcperr.CodeMigrationNetwork, true,
			"mobility: context %q has no mobility manager attached", source)
	}
	return m.Dispatch(ctx, agentID, destination)
}

// Load reports the number of resident agents on a context.
func (t *InProcessTransport) Load(ctx context.Context, contextID string) (int, error) {
	c, err := t.resolve(contextID)
	if err != nil {
		return 0, err
	}
	return len(c.Agents()), nil
}
