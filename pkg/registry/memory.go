package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// MemoryRegistry is the in-process capability registry used by
// single-context deployments and tests. Writes are serialized; reads are
// concurrent. Operations are linearizable.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[id.AgentID]Record
	logger  *slog.Logger

	// sweep goroutine lifecycle, started by StartSweeper.
	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Compile-time interface compliance check.
var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry. The logger may be nil.
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRegistry{
		records:   make(map[id.AgentID]Record),
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
}

// Register creates or replaces the record for an agent, stamping the
// heartbeat with the current time.
func (m *MemoryRegistry) Register(ctx context.Context, rec Record) error {
	if rec.AgentID == "" {
		return amcperr.New(amcperr.CodeValidation, "registry: agent id must not be empty")
	}
	stored := rec.Clone()
	stored.LastHeartbeat = time.Now().UTC()

	m.mu.Lock()
	m.records[rec.AgentID] = stored
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "registry: agent registered",
		"agent_id", rec.AgentID.String(),
		"endpoint", rec.Endpoint,
		"capabilities", rec.Capabilities,
	)
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (m *MemoryRegistry) Heartbeat(_ context.Context, agentID id.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[agentID]
	if !ok {
		return amcperr.AgentNotFound(agentID.String())
	}
	rec.LastHeartbeat = time.Now().UTC()
	m.records[agentID] = rec
	return nil
}

// Unregister removes the agent's record. Unknown agents are a no-op.
func (m *MemoryRegistry) Unregister(_ context.Context, agentID id.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, agentID)
	return nil
}

// UpdateEndpoint atomically repoints the agent's record at a new endpoint
// and refreshes the heartbeat. This is the migration commit point.
func (m *MemoryRegistry) UpdateEndpoint(ctx context.Context, agentID id.AgentID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[agentID]
	if !ok {
		return amcperr.AgentNotFound(agentID.String())
	}
	rec.Endpoint = endpoint
	rec.LastHeartbeat = time.Now().UTC()
	m.records[agentID] = rec

	m.logger.InfoContext(ctx, "registry: agent endpoint updated",
		"agent_id", agentID.String(),
		"endpoint", endpoint,
	)
	return nil
}

// Lookup returns the record for an agent.
func (m *MemoryRegistry) Lookup(_ context.Context, agentID id.AgentID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[agentID]
	if !ok {
		return Record{}, amcperr.AgentNotFound(agentID.String())
	}
	return rec.Clone(), nil
}

// FindByCapability returns all agents advertising the capability.
func (m *MemoryRegistry) FindByCapability(_ context.Context, capability string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, rec := range m.records {
		if rec.HasCapability(capability) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// FindByAllCapabilities returns agents advertising every capability in the
// set. An empty set matches every agent.
func (m *MemoryRegistry) FindByAllCapabilities(_ context.Context, capabilities []string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
outer:
	for _, rec := range m.records {
		for _, c := range capabilities {
			if !rec.HasCapability(c) {
				continue outer
			}
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Cleanup removes records whose last heartbeat is older than ttl.
func (m *MemoryRegistry) Cleanup(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for agentID, rec := range m.records {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(m.records, agentID)
			n++
		}
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "registry: cleaned up expired records", "removed", n)
	}
	return n, nil
}

// StartSweeper launches a background goroutine that runs [Cleanup] every
// interval with the given ttl until [StopSweeper] is called. Calling it
// more than once is a no-op.
func (m *MemoryRegistry) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_, _ = m.Cleanup(ctx, ttl)
				case <-m.stopSweep:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// StopSweeper stops the background cleanup goroutine, if running.
func (m *MemoryRegistry) StopSweeper() {
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
}

// Len returns the number of records currently held.
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
