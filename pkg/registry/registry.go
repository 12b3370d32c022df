// Package registry implements the capability registry of the AMCP mesh:
// the directory of which agents advertise which capabilities, and on which
// context each agent currently resides.
//
// Two implementations are provided. [MemoryRegistry] serves single-context
// deployments with linearizable semantics. The postgres-backed [Store] in
// the postgres subpackage serves multi-context federations with eventually
// consistent reads; callers of the find operations must tolerate stale
// endpoints by retrying on agent-not-found. The orchestrator does not
// retry: a capability query that returns an error or no record fails that
// task as no-agent.
//
// The registry is the commit point of a migration: until a record reflects
// the destination context, capability queries must keep returning the
// source.
package registry

import (
	"context"
	"time"

	"github.com/xaviercallens/amcp-go/pkg/id"
)

// Record is a capability record: one agent's advertised capabilities and
// current location.
type Record struct {
	// AgentID identifies the logical agent.
	AgentID id.AgentID `json:"agent_id"`

	// AgentType is the agent's factory type.
	AgentType string `json:"agent_type"`

	// Capabilities is the set of capability names the agent advertises
	// (e.g., "weather.current").
	Capabilities []string `json:"capabilities"`

	// Endpoint names where the agent can be reached, typically the
	// context ID it currently resides on.
	Endpoint string `json:"endpoint"`

	// LastHeartbeat is the time of the most recent heartbeat, in UTC.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Metadata carries additional string attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if len(r.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HasCapability reports whether the record advertises the capability.
func (r Record) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry is the capability directory contract. In a single-context
// deployment operations are linearizable; in a federation they are
// eventually consistent and finds may return stale endpoints.
//
// All implementations must be safe for concurrent use.
type Registry interface {
	// Register creates or replaces the record for an agent. Registration
	// stamps the heartbeat.
	Register(ctx context.Context, rec Record) error

	// Heartbeat refreshes the agent's liveness timestamp. Returns an
	// agent-not-found error for unknown agents.
	Heartbeat(ctx context.Context, agentID id.AgentID) error

	// Unregister removes the agent's record. Unknown agents are a no-op.
	Unregister(ctx context.Context, agentID id.AgentID) error

	// UpdateEndpoint atomically repoints the agent's record at a new
	// endpoint. This is the commit point of a migration: after it
	// returns, queries resolve the agent to the new endpoint; before,
	// they resolve to the old one. Returns agent-not-found for unknown
	// agents.
	UpdateEndpoint(ctx context.Context, agentID id.AgentID, endpoint string) error

	// Lookup returns the record for an agent, or agent-not-found.
	Lookup(ctx context.Context, agentID id.AgentID) (Record, error)

	// FindByCapability returns all agents advertising the capability.
	// The result order is unspecified; an empty slice means none.
	FindByCapability(ctx context.Context, capability string) ([]Record, error)

	// FindByAllCapabilities returns agents advertising every capability
	// in the set.
	FindByAllCapabilities(ctx context.Context, capabilities []string) ([]Record, error)

	// Cleanup removes records whose last heartbeat is older than ttl,
	// returning how many were removed.
	Cleanup(ctx context.Context, ttl time.Duration) (int, error)
}
