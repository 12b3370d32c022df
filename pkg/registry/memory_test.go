package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

func weatherRecord(agentID id.AgentID, endpoint string) Record {
	return Record{
		AgentID:      agentID,
		AgentType:    "weather",
		Capabilities: []string{"weather.current", "weather.forecast"},
		Endpoint:     endpoint,
		Metadata:     map[string]string{"region": "eu"},
	}
}

// ===========================================================================
// Register / Lookup Tests
// ===========================================================================

// TestMemoryRegistry_RegisterAndLookup verifies round-trip and heartbeat
// stamping.
func TestMemoryRegistry_RegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)

	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))

	rec, err := reg.Lookup(ctx, "weather-01")
	require.NoError(t, err)
	assert.Equal(t, "weather", rec.AgentType)
	assert.Equal(t, "ctx-1", rec.Endpoint)
	assert.WithinDuration(t, time.Now().UTC(), rec.LastHeartbeat, time.Minute)

	_, err = reg.Lookup(ctx, "missing-01")
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// TestMemoryRegistry_Register_EmptyID verifies validation.
func TestMemoryRegistry_Register_EmptyID(t *testing.T) {
	reg := NewMemoryRegistry(nil)
	err := reg.Register(context.Background(), Record{})
	assert.Equal(t, amcperr.CodeValidation, amcperr.GetCode(err))
}

// TestMemoryRegistry_LookupReturnsCopy verifies mutations of returned
// records do not leak into the registry.
func TestMemoryRegistry_LookupReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)
	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))

	rec, err := reg.Lookup(ctx, "weather-01")
	require.NoError(t, err)
	rec.Capabilities[0] = "mutated"
	rec.Metadata["region"] = "mutated"

	fresh, err := reg.Lookup(ctx, "weather-01")
	require.NoError(t, err)
	assert.Equal(t, "weather.current", fresh.Capabilities[0])
	assert.Equal(t, "eu", fresh.Metadata["region"])
}

// ===========================================================================
// Find Tests
// ===========================================================================

// TestMemoryRegistry_FindByCapability verifies capability queries.
func TestMemoryRegistry_FindByCapability(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)

	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))
	require.NoError(t, reg.Register(ctx, Record{
		AgentID:      "stock-01",
		AgentType:    "stock",
		Capabilities: []string{"stock.quote"},
		Endpoint:     "ctx-2",
	}))

	found, err := reg.FindByCapability(ctx, "weather.current")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id.AgentID("weather-01"), found[0].AgentID)

	none, err := reg.FindByCapability(ctx, "travel.booking")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestMemoryRegistry_FindByAllCapabilities verifies conjunctive queries.
func TestMemoryRegistry_FindByAllCapabilities(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)
	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))

	found, err := reg.FindByAllCapabilities(ctx, []string{"weather.current", "weather.forecast"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = reg.FindByAllCapabilities(ctx, []string{"weather.current", "stock.quote"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

// ===========================================================================
// Endpoint / Migration Commit Point Tests
// ===========================================================================

// TestMemoryRegistry_UpdateEndpoint verifies the migration commit point:
// exactly one record, atomically repointed.
func TestMemoryRegistry_UpdateEndpoint(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)
	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))

	require.NoError(t, reg.UpdateEndpoint(ctx, "weather-01", "ctx-2"))

	rec, err := reg.Lookup(ctx, "weather-01")
	require.NoError(t, err)
	assert.Equal(t, "ctx-2", rec.Endpoint)
	assert.Equal(t, 1, reg.Len(), "migration must never duplicate records")

	err = reg.UpdateEndpoint(ctx, "ghost-01", "ctx-2")
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// ===========================================================================
// Heartbeat / Cleanup Tests
// ===========================================================================

// TestMemoryRegistry_HeartbeatAndCleanup verifies TTL-based expiry.
func TestMemoryRegistry_HeartbeatAndCleanup(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)

	require.NoError(t, reg.Register(ctx, weatherRecord("weather-01", "ctx-1")))
	require.NoError(t, reg.Register(ctx, weatherRecord("weather-02", "ctx-1")))

	// Keep weather-01 alive while weather-02 ages out.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, reg.Heartbeat(ctx, "weather-01"))

	removed, err := reg.Cleanup(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reg.Lookup(ctx, "weather-01")
	assert.NoError(t, err)
	_, err = reg.Lookup(ctx, "weather-02")
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))

	err = reg.Heartbeat(ctx, "weather-02")
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// TestMemoryRegistry_ConcurrentAccess exercises concurrent writers and
// readers under the race detector.
func TestMemoryRegistry_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := id.NewAgentID("worker")
			_ = reg.Register(ctx, weatherRecord(agentID, "ctx-1"))
			_, _ = reg.FindByCapability(ctx, "weather.current")
			_ = reg.Heartbeat(ctx, agentID)
			_ = reg.UpdateEndpoint(ctx, agentID, "ctx-2")
			_ = reg.Unregister(ctx, agentID)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}
