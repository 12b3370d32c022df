// Package id defines the identifier types shared across the AMCP mesh:
// agent IDs, event IDs, and correlation IDs.
//
// An [AgentID] is stable across migrations of the same logical agent and
// combines a human-readable agent type with an opaque unique suffix
// ("weather-1f3b9c2a"). Cloned agents receive fresh AgentIDs. Event and
// correlation IDs are opaque unique strings; correlation IDs for fanned-out
// tasks are derived from their parent orchestration's correlation ID so
// that responses can be traced back through the dispatch tree.
package id

import (
	"strings"

	"github.com/google/uuid"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// AgentID is the globally unique identifier of a logical agent. It is
// stable across migrations: the same logical agent keeps its AgentID as it
// moves between contexts. The format is "<type>-<suffix>" where type is
// the human-readable agent type and suffix is an opaque unique hex string.
type AgentID string

// suffixLen is the number of hex characters taken from the generating UUID
// for the unique suffix of an AgentID.
const suffixLen = 8

// NewAgentID allocates a fresh AgentID for the given agent type. The type
// must be a non-empty identifier without the "-" separator ambiguity being
// a concern: the suffix is always the final dash-separated component.
func NewAgentID(agentType string) AgentID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return AgentID(agentType + "-" + suffix)
}

// ParseAgentID validates the textual form of an AgentID. It requires a
// non-empty type, a separator, and a non-empty suffix.
func ParseAgentID(s string) (AgentID, error) {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return "", amcperr.Newf(amcperr.CodeValidation,
			"id: %q is not a valid agent id (want <type>-<suffix>)", s)
	}
	return AgentID(s), nil
}

// Type returns the human-readable agent type component of the ID, or the
// whole ID if it carries no suffix separator.
func (a AgentID) Type() string {
	if i := strings.LastIndex(string(a), "-"); i > 0 {
		return string(a)[:i]
	}
	return string(a)
}

// String returns the textual form of the AgentID.
func (a AgentID) String() string {
	return string(a)
}

// EventID is the globally unique identifier of a single event instance.
// Event equality is defined by EventID.
type EventID string

// NewEventID allocates a fresh EventID.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// String returns the textual form of the EventID.
func (e EventID) String() string {
	return string(e)
}

// CorrelationID is an opaque string linking events in a conversation:
// request, response, and downstream requests dispatched on its behalf.
type CorrelationID string

// NewCorrelationID allocates a fresh root CorrelationID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Derive produces a child correlation ID for a fanned-out task. The child
// embeds the parent so that audit trails can reconstruct the dispatch tree,
// while remaining unique per task.
func (c CorrelationID) Derive(task string) CorrelationID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return CorrelationID(string(c) + "." + task + "." + suffix)
}

// Root returns the root component of a derived correlation ID: everything
// before the first derivation separator. For an underived ID, Root returns
// the ID itself.
func (c CorrelationID) Root() CorrelationID {
	if i := strings.Index(string(c), "."); i > 0 {
		return CorrelationID(string(c)[:i])
	}
	return c
}

// String returns the textual form of the CorrelationID.
func (c CorrelationID) String() string {
	return string(c)
}
