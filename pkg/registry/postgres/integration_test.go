//go:build integration

// Integration tests for the PostgreSQL registry store, gated behind the
// "integration" build tag and executed against a real container.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/registry/postgres/...
package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/xaviercallens/amcp-go/internal/testutil"
	"github.com/xaviercallens/amcp-go/internal/testutil/containers"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/registry"
	"github.com/xaviercallens/amcp-go/pkg/registry/postgres"
)

// StoreSuite runs all store tests against a single PostgreSQL container
// started in SetupSuite. Isolation between methods is by distinct agent
// IDs rather than per-test containers.
type StoreSuite struct {
	suite.Suite
	pg    *containers.PostgresResult
	store *postgres.Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	ctx := context.Background()
	pg, err := containers.StartPostgres(ctx)
	s.Require().NoError(err)
	s.pg = pg

	store, err := postgres.NewStore(ctx, pg.ConnString)
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.pg != nil {
		_ = s.pg.Container.Terminate(context.Background())
	}
}

func (s *StoreSuite) TestRegisterLookupRoundTrip() {
	ctx := context.Background()
	rec := registry.Record{
		AgentID:      "weather-it01aaaa",
		AgentType:    "weather",
		Capabilities: []string{"weather.current", "weather.forecast"},
		Endpoint:     "ctx-1",
		Metadata:     map[string]string{"region": "eu"},
	}
	testutil.RequireNoError(s.T(), s.store.Register(ctx, rec))

	got, err := s.store.Lookup(ctx, rec.AgentID)
	s.Require().NoError(err)
	assert.Equal(s.T(), rec.AgentType, got.AgentType)
	assert.ElementsMatch(s.T(), rec.Capabilities, got.Capabilities)
	assert.Equal(s.T(), "eu", got.Metadata["region"])
	assert.WithinDuration(s.T(), time.Now().UTC(), got.LastHeartbeat, time.Minute)
}

func (s *StoreSuite) TestRegisterUpsertsOnConflict() {
	ctx := context.Background()
	rec := registry.Record{
		AgentID: "weather-it02bbbb", AgentType: "weather",
		Capabilities: []string{"weather.current"}, Endpoint: "ctx-1",
	}
	testutil.RequireNoError(s.T(), s.store.Register(ctx, rec))

	rec.Endpoint = "ctx-2"
	rec.Capabilities = []string{"weather.current", "weather.alerts"}
	testutil.RequireNoError(s.T(), s.store.Register(ctx, rec))

	got, err := s.store.Lookup(ctx, rec.AgentID)
	s.Require().NoError(err)
	assert.Equal(s.T(), "ctx-2", got.Endpoint)
	assert.Len(s.T(), got.Capabilities, 2)
}

func (s *StoreSuite) TestFindByCapability() {
	ctx := context.Background()
	testutil.RequireNoError(s.T(), s.store.Register(ctx, registry.Record{
		AgentID: "stock-it03cccc", AgentType: "stock",
		Capabilities: []string{"stock.quote"}, Endpoint: "ctx-1",
	}))

	found, err := s.store.FindByCapability(ctx, "stock.quote")
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	assert.Equal(s.T(), "ctx-1", found[0].Endpoint)

	none, err := s.store.FindByCapability(ctx, "nonexistent.capability")
	s.Require().NoError(err)
	assert.Empty(s.T(), none)
}

func (s *StoreSuite) TestFindByAllCapabilities() {
	ctx := context.Background()
	testutil.RequireNoError(s.T(), s.store.Register(ctx, registry.Record{
		AgentID: "multi-it04dddd", AgentType: "multi",
		Capabilities: []string{"a.one", "a.two", "a.three"}, Endpoint: "ctx-1",
	}))

	found, err := s.store.FindByAllCapabilities(ctx, []string{"a.one", "a.three"})
	s.Require().NoError(err)
	s.Require().Len(found, 1)

	none, err := s.store.FindByAllCapabilities(ctx, []string{"a.one", "b.one"})
	s.Require().NoError(err)
	assert.Empty(s.T(), none)
}

func (s *StoreSuite) TestUpdateEndpointCommitPoint() {
	ctx := context.Background()
	agentID := registry.Record{
		AgentID: "counter-it05eeee", AgentType: "counter",
		Capabilities: []string{"counter.inc"}, Endpoint: "ctx-1",
	}
	testutil.RequireNoError(s.T(), s.store.Register(ctx, agentID))

	require.NoError(s.T(), s.store.UpdateEndpoint(ctx, agentID.AgentID, "ctx-2"))
	got, err := s.store.Lookup(ctx, agentID.AgentID)
	s.Require().NoError(err)
	assert.Equal(s.T(), "ctx-2", got.Endpoint)

	err = s.store.UpdateEndpoint(ctx, "ghost-it05eeee", "ctx-2")
	testutil.AssertErrorCode(s.T(), err, amcperr.CodeAgentNotFound)
}

func (s *StoreSuite) TestHeartbeatAndCleanup() {
	ctx := context.Background()
	stale := registry.Record{
		AgentID: "stale-it06ffff", AgentType: "stale",
		Capabilities: []string{"x.y"}, Endpoint: "ctx-1",
	}
	fresh := registry.Record{
		AgentID: "fresh-it07aaaa", AgentType: "fresh",
		Capabilities: []string{"x.y"}, Endpoint: "ctx-1",
	}
	testutil.RequireNoError(s.T(), s.store.Register(ctx, stale))
	testutil.RequireNoError(s.T(), s.store.Register(ctx, fresh))

	// Age the stale record past a 1s TTL, keep the fresh one touched.
	time.Sleep(1100 * time.Millisecond)
	testutil.RequireNoError(s.T(), s.store.Heartbeat(ctx, fresh.AgentID))

	removed, err := s.store.Cleanup(ctx, time.Second)
	s.Require().NoError(err)
	assert.GreaterOrEqual(s.T(), removed, 1)

	_, err = s.store.Lookup(ctx, stale.AgentID)
	testutil.AssertErrorCode(s.T(), err, amcperr.CodeAgentNotFound)
	_, err = s.store.Lookup(ctx, fresh.AgentID)
	assert.NoError(s.T(), err)
}

func (s *StoreSuite) TestHealth() {
	assert.NoError(s.T(), s.store.Health(context.Background()))
}
