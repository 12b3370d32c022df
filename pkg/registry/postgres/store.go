// Package postgres provides a PostgreSQL-backed capability registry store
// for multi-context AMCP federations.
//
// A single registry table is shared by every context in the federation;
// each context runs its own store against the same database. Reads are
// eventually consistent from the mesh's point of view (a migrating agent's
// endpoint is stale until the commit point), so callers of the find
// operations must tolerate stale endpoints by retrying on agent-not-found.
//
// # Connection Management
//
// The store uses pgxpool for connection pooling. Connection retry for
// transient failures is handled internally by pgxpool; callers do not need
// their own retry logic for connection-level errors.
//
// # OpenTelemetry Tracing
//
// All operations create OpenTelemetry spans with standard database
// semantic attributes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/registry"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/registry/postgres"

// Schema is the DDL for the registry table. Deployments apply it once per
// federation database.
const Schema = `
CREATE TABLE IF NOT EXISTS amcp_capability_records (
    agent_id       TEXT PRIMARY KEY,
    agent_type     TEXT NOT NULL,
    capabilities   TEXT[] NOT NULL DEFAULT '{}',
    endpoint       TEXT NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    metadata       JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS amcp_capability_records_caps_idx
    ON amcp_capability_records USING GIN (capabilities);
`

// Pool defines the interface for PostgreSQL pool operations the store
// uses. It is satisfied by [*pgxpool.Pool] and by pgxmock for unit
// testing.
type Pool interface {
	// Query executes a SQL query that returns rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// QueryRow executes a SQL query that returns at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// Exec executes a SQL statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Ping verifies the connection to the database is alive.
	Ping(ctx context.Context) error

	// Close releases all pool resources.
	Close()
}

// Compile-time interface compliance check.
var _ Pool = (*pgxpool.Pool)(nil)

// Store is a capability registry backed by PostgreSQL. It implements
// [registry.Registry] and is safe for concurrent use.
type Store struct {
	pool   Pool
	tracer trace.Tracer
}

// Compile-time interface compliance check.
var _ registry.Registry = (*Store)(nil)

// NewStore connects a pool with the given connection string, verifies
// connectivity, and applies the registry schema.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeValidation,
			"registry: failed to parse postgres connection string")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: failed to connect to postgres")
	}
	s := NewFromPool(pool)
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, amcperr.Wrap(err, amcperr.CodeInternal,
			"registry: failed to apply schema")
	}
	return s, nil
}

// NewFromPool creates a store over an existing pool. Used in production
// composition and for testing with pgxmock. The caller retains ownership
// of the pool unless [Store.Close] is used.
func NewFromPool(pool Pool) *Store {
	return &Store{
		pool:   pool,
		tracer: otel.Tracer(tracerName),
	}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health verifies database connectivity.
func (s *Store) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: postgres ping failed")
	}
	return nil
}

// span starts an internal span for a registry operation.
func (s *Store) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return s.tracer.Start(ctx, "registry."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// Register creates or replaces the record for an agent, stamping the
// heartbeat.
func (s *Store) Register(ctx context.Context, rec registry.Record) error {
	if rec.AgentID == "" {
		return amcperr.New(amcperr.CodeValidation, "registry: agent id must not be empty")
	}
	ctx, span := s.span(ctx, "Register",
		attribute.String("agent.id", rec.AgentID.String()))
	defer span.End()

	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fail(span, amcperr.Wrap(err, amcperr.CodeValidation,
			"registry: metadata is not JSON-serializable"))
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO amcp_capability_records
    (agent_id, agent_type, capabilities, endpoint, last_heartbeat, metadata)
VALUES ($1, $2, $3, $4, now(), $5)
ON CONFLICT (agent_id) DO UPDATE SET
    agent_type = EXCLUDED.agent_type,
    capabilities = EXCLUDED.capabilities,
    endpoint = EXCLUDED.endpoint,
    last_heartbeat = now(),
    metadata = EXCLUDED.metadata`,
		rec.AgentID.String(), rec.AgentType, rec.Capabilities, rec.Endpoint, meta)
	if err != nil {
		return fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: register failed"))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, agentID id.AgentID) error {
	ctx, span := s.span(ctx, "Heartbeat",
		attribute.String("agent.id", agentID.String()))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
UPDATE amcp_capability_records SET last_heartbeat = now() WHERE agent_id = $1`,
		agentID.String())
	if err != nil {
		return fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: heartbeat failed"))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, amcperr.AgentNotFound(agentID.String()))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Unregister removes the agent's record. Unknown agents are a no-op.
func (s *Store) Unregister(ctx context.Context, agentID id.AgentID) error {
	ctx, span := s.span(ctx, "Unregister",
		attribute.String("agent.id", agentID.String()))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`DELETE FROM amcp_capability_records WHERE agent_id = $1`, agentID.String())
	if err != nil {
		return fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: unregister failed"))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// UpdateEndpoint atomically repoints the agent's record at a new endpoint.
// This is the migration commit point for the federation.
func (s *Store) UpdateEndpoint(ctx context.Context, agentID id.AgentID, endpoint string) error {
	ctx, span := s.span(ctx, "UpdateEndpoint",
		attribute.String("agent.id", agentID.String()),
		attribute.String("agent.endpoint", endpoint),
	)
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
UPDATE amcp_capability_records SET endpoint = $2, last_heartbeat = now()
WHERE agent_id = $1`,
		agentID.String(), endpoint)
	if err != nil {
		return fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: endpoint update failed"))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, amcperr.AgentNotFound(agentID.String()))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Lookup returns the record for an agent.
func (s *Store) Lookup(ctx context.Context, agentID id.AgentID) (registry.Record, error) {
	ctx, span := s.span(ctx, "Lookup",
		attribute.String("agent.id", agentID.String()))
	defer span.End()

	row := s.pool.QueryRow(ctx, `
SELECT agent_id, agent_type, capabilities, endpoint, last_heartbeat, metadata
FROM amcp_capability_records WHERE agent_id = $1`,
		agentID.String())

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.Record{}, fail(span, amcperr.AgentNotFound(agentID.String()))
		}
		return registry.Record{}, fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: lookup failed"))
	}
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

// FindByCapability returns all agents advertising the capability.
func (s *Store) FindByCapability(ctx context.Context, capability string) ([]registry.Record, error) {
	ctx, span := s.span(ctx, "FindByCapability",
		attribute.String("capability", capability))
	defer span.End()

	return s.findWhere(ctx, span, `capabilities @> $1`, []string{capability})
}

// FindByAllCapabilities returns agents advertising every capability in the
// set.
func (s *Store) FindByAllCapabilities(ctx context.Context, capabilities []string) ([]registry.Record, error) {
	ctx, span := s.span(ctx, "FindByAllCapabilities",
		attribute.Int("capability.count", len(capabilities)))
	defer span.End()

	return s.findWhere(ctx, span, `capabilities @> $1`, capabilities)
}

// findWhere runs the shared select with a capability containment clause.
func (s *Store) findWhere(ctx context.Context, span trace.Span, where string, arg []string) ([]registry.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent_id, agent_type, capabilities, endpoint, last_heartbeat, metadata
FROM amcp_capability_records WHERE `+where, arg)
	if err != nil {
		return nil, fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: find failed"))
	}
	defer rows.Close()

	var out []registry.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, amcperr.Wrap(err, amcperr.CodeInternal,
				"registry: row scan failed"))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: row iteration failed"))
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Cleanup removes records whose last heartbeat is older than ttl.
func (s *Store) Cleanup(ctx context.Context, ttl time.Duration) (int, error) {
	ctx, span := s.span(ctx, "Cleanup",
		attribute.String("ttl", ttl.String()))
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
DELETE FROM amcp_capability_records WHERE last_heartbeat < now() - $1::interval`,
		ttl.String())
	if err != nil {
		return 0, fail(span, amcperr.Wrap(err, amcperr.CodeUnavailable,
			"registry: cleanup failed"))
	}
	span.SetStatus(codes.Ok, "")
	return int(tag.RowsAffected()), nil
}

// scanRecord scans one registry row from a pgx.Row or pgx.Rows.
func scanRecord(row pgx.Row) (registry.Record, error) {
	var (
		rec      registry.Record
		agentID  string
		metaJSON []byte
	)
	if err := row.Scan(&agentID, &rec.AgentType, &rec.Capabilities,
		&rec.Endpoint, &rec.LastHeartbeat, &metaJSON); err != nil {
		return registry.Record{}, err
	}
	rec.AgentID = id.AgentID(agentID)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return registry.Record{}, err
		}
	}
	return rec, nil
}

// fail records the error on the span and returns it unchanged.
func fail(span trace.Span, err error) *amcperr.Error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e, _ := amcperr.AsError(err)
	return e
}

// orEmpty returns an empty map in place of nil so metadata always
// serializes to a JSON object.
func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
