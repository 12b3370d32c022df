package mobility

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xaviercallens/amcp-go/pkg/auth"
	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/registry"
	"github.com/xaviercallens/amcp-go/pkg/runtime"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/mobility"

// MetaSourceContext is the snapshot metadata key naming the source
// context of a hand-off.
const MetaSourceContext = "source-context"

// FederationTopicPrefix forms the shared topic namespace of a federation:
// federation.<federationId>.** .
const FederationTopicPrefix = "federation."

// TargetPolicy selects the destination of a Migrate call.
type TargetPolicy string

const (
	// PolicyNamed moves to the explicitly named target.
	PolicyNamed TargetPolicy = "named"

	// PolicyLoadBalanced moves to the candidate with the fewest resident
	// agents. Requires the transport to implement [LoadReporter]; falls
	// back to the first candidate otherwise.
	PolicyLoadBalanced TargetPolicy = "load-balanced"

	// PolicyLeastLatency moves to the nearest candidate. Requires the
	// transport to implement [LatencyReporter]; falls back to the first
	// candidate otherwise.
	PolicyLeastLatency TargetPolicy = "least-latency"
)

// MigrateOptions tunes a Migrate call.
type MigrateOptions struct {
	// Policy selects the target; default PolicyNamed.
	Policy TargetPolicy

	// Target is the destination for PolicyNamed.
	Target string

	// Candidates are the eligible destinations for the heuristic
	// policies, in preference order.
	Candidates []string

	// Failover retries the next candidate when a destination refuses the
	// install.
	Failover bool

	// PreservePending forwards events parked during the hand-off to the
	// destination. When false, parked events are dropped on commit.
	PreservePending bool
}

// Config tunes the manager.
type Config struct {
	// Timeout bounds one hand-off from snapshot to confirmation
	// (default 30s).
	Timeout time.Duration

	// RetryMax bounds install attempts per hand-off, the first attempt
	// included (default 3).
	RetryMax int

	// StrongReplication makes Replicate all-or-nothing: on partial
	// failure, installed clones are rolled back. Eventual replication
	// reports partial success instead.
	StrongReplication bool

	// Logger receives mobility diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns agent (de)serialization and remote hand-off for one
// context. It drives the migration protocol: quiesce, snapshot, install,
// commit, with the capability registry update as the commit point.
type Manager struct {
	local     *runtime.Context
	transport Transport
	registry  registry.Registry
	mesh      *auth.Mesh // nil: snapshots travel without a security context
	cfg       Config
	tracer    trace.Tracer
	logger    *slog.Logger
}

// NewManager creates a mobility manager for the local context. The mesh
// may be nil for unauthenticated deployments.
func NewManager(local *runtime.Context, transport Transport, reg registry.Registry, mesh *auth.Mesh, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		local:     local,
		transport: transport,
		registry:  reg,
		mesh:      mesh,
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
		logger:    cfg.Logger,
	}
}

// Dispatch moves the agent to the destination context and deletes it
// here. On failure the agent is left running on the source in a
// consistent state whenever the failure is recoverable.
func (m *Manager) Dispatch(ctx context.Context, agentID id.AgentID, destination string) error {
	ctx, span := m.span(ctx, "Dispatch", agentID, destination)
	defer span.End()
	return m.finish(span, m.moveOut(ctx, agentID, destination, true))
}

// Clone installs a copy of the agent on the destination under a fresh
// AgentID; the original continues running. The clone does not carry the
// source's pending correlation-tracker entries, so request/response
// conversations complete exactly once, on the original.
func (m *Manager) Clone(ctx context.Context, agentID id.AgentID, destination string) (id.AgentID, error) {
	ctx, span := m.span(ctx, "Clone", agentID, destination)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	dep, err := m.local.BeginMigration(ctx, agentID, destination)
	if err != nil {
		return m.finishID(span, "", err)
	}
	// The source always resumes: cloning never stops the original.
	defer func() {
		if abortErr := m.local.AbortMigration(context.WithoutCancel(ctx), agentID); abortErr != nil {
			m.logger.Error("mobility: failed to resume original after clone",
				"agent_id", agentID.String(),
				"error", abortErr,
			)
		}
	}()

	cloneID := id.NewAgentID(dep.AgentType)
	dep.AgentID = cloneID

	data, err := m.encode(dep)
	if err != nil {
		return m.finishID(span, "", err)
	}
	if err := m.installWithRetry(ctx, destination, data); err != nil {
		return m.finishID(span, "", err)
	}

	// Clone never removes the source from the registry; it adds the copy.
	if m.registry != nil {
		if err := m.registry.Register(ctx, registry.Record{
			AgentID:      cloneID,
			AgentType:    dep.AgentType,
			Capabilities: dep.Capabilities,
			Endpoint:     destination,
		}); err != nil {
			m.logger.Error("mobility: clone registry record failed",
				"agent_id", cloneID.String(),
				"error", err,
			)
		}
	}

	m.logger.InfoContext(ctx, "mobility: agent cloned",
		"agent_id", agentID.String(),
		"clone_id", cloneID.String(),
		"destination", destination,
	)
	return m.finishID(span, cloneID, nil)
}

// Retract recalls an agent previously dispatched to the source context
// back to this one. It applies only to the immediate dispatch pair; an
// agent that moved onward through intermediaries must be retracted from
// wherever it currently resides.
func (m *Manager) Retract(ctx context.Context, agentID id.AgentID, sourceContext string) error {
	ctx, span := m.span(ctx, "Retract", agentID, sourceContext)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return m.finish(span, m.transport.Recall(ctx, sourceContext, agentID, m.local.ContextID()))
}

// Migrate is the heuristic variant of Dispatch: the target is selected by
// policy, and refusals can fail over to the next candidate.
func (m *Manager) Migrate(ctx context.Context, agentID id.AgentID, opts MigrateOptions) error {
	ctx, span := m.span(ctx, "Migrate", agentID, opts.Target)
	defer span.End()

	candidates := m.rankCandidates(ctx, opts)
	if len(candidates) == 0 {
		return m.finish(span, amcperr.New(amcperr.CodeValidation,
			"mobility: migrate needs a target or candidates"))
	}

	var lastErr error
	for _, target := range candidates {
		lastErr = m.moveOut(ctx, agentID, target, opts.PreservePending)
		if lastErr == nil {
			return m.finish(span, nil)
		}
		if !opts.Failover || !amcperr.HasCode(lastErr, amcperr.CodeMigrationRefused) {
			break
		}
		m.logger.WarnContext(ctx, "mobility: target refused, failing over",
			"agent_id", agentID.String(),
			"target", target,
			"error", lastErr,
		)
	}
	return m.finish(span, lastErr)
}

// Replicate clones the agent to every target. Under strong consistency a
// partial failure rolls back the installed clones; under eventual
// consistency the successful clone set is returned along with the error.
func (m *Manager) Replicate(ctx context.Context, agentID id.AgentID, targets ...string) ([]id.AgentID, error) {
	ctx, span := m.span(ctx, "Replicate", agentID, strings.Join(targets, ","))
	defer span.End()

	if len(targets) == 0 {
		return m.finishID2(span, nil, amcperr.New(amcperr.CodeValidation,
			"mobility: replicate needs at least one target"))
	}

	clones := make([]id.AgentID, 0, len(targets))
	placed := make(map[id.AgentID]string, len(targets))
	var firstErr error
	for _, target := range targets {
		cloneID, err := m.Clone(ctx, agentID, target)
		if err != nil {
			firstErr = amcperr.Wrapf(err, amcperr.GetCode(err),
				"mobility: replicate to %q failed", target)
			break
		}
		clones = append(clones, cloneID)
		placed[cloneID] = target
	}

	if firstErr == nil {
		return m.finishID2(span, clones, nil)
	}

	if m.cfg.StrongReplication {
		for cloneID, target := range placed {
			if err := m.transport.Uninstall(ctx, target, cloneID); err != nil {
				m.logger.Error("mobility: replica rollback failed",
					"agent_id", cloneID.String(),
					"target", target,
					"error", err,
				)
				continue
			}
			if m.registry != nil {
				_ = m.registry.Unregister(ctx, cloneID)
			}
		}
		return m.finishID2(span, nil, firstErr)
	}
	// Eventual: report the partial success set with the failure.
	return m.finishID2(span, clones, firstErr)
}

// FederateWith creates a logical federation over a set of locally
// resident agents by subscribing each to the federation's shared topic
// namespace, federation.<federationId>.** .
func (m *Manager) FederateWith(ctx context.Context, agentIDs []id.AgentID, federationID string) error {
	if federationID == "" {
		return amcperr.New(amcperr.CodeValidation, "mobility: federation id must not be empty")
	}
	pattern := FederationTopicPrefix + federationID + ".**"
	for _, agentID := range agentIDs {
		if err := m.local.Subscribe(ctx, agentID, pattern, broker.SubscribeOptions{}); err != nil {
			return amcperr.Wrapf(err, amcperr.GetCode(err),
				"mobility: failed to federate agent %q", agentID)
		}
	}
	m.logger.InfoContext(ctx, "mobility: federation created",
		"federation_id", federationID,
		"members", len(agentIDs),
	)
	return nil
}

// moveOut runs the full departure protocol for dispatch and migrate.
func (m *Manager) moveOut(ctx context.Context, agentID id.AgentID, destination string, preservePending bool) error {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	dep, err := m.local.BeginMigration(opCtx, agentID, destination)
	if err != nil {
		return err
	}

	data, err := m.encode(dep)
	if err != nil {
		m.recover(opCtx, agentID, err)
		return err
	}

	if err := m.installWithRetry(opCtx, destination, data); err != nil {
		if amcperr.HasCode(err, amcperr.CodeAlreadyInstalled) {
			// Retried transport delivered the snapshot twice; the install
			// is in place, proceed to commit.
			m.logger.WarnContext(opCtx, "mobility: duplicate install treated as success",
				"agent_id", agentID.String(),
				"destination", destination,
			)
		} else {
			m.recover(opCtx, agentID, err)
			return err
		}
	}

	// Destination confirmed: destroy here, then commit the registry.
	parked, err := m.local.CommitMigration(opCtx, agentID)
	if err != nil {
		return err
	}
	if m.registry != nil {
		if err := m.registry.UpdateEndpoint(opCtx, agentID, destination); err != nil {
			m.logger.Error("mobility: registry commit failed",
				"agent_id", agentID.String(),
				"destination", destination,
				"error", err,
			)
		}
	}
	if preservePending && len(parked) > 0 {
		if err := m.transport.ForwardEvents(opCtx, destination, agentID, parked); err != nil {
			m.logger.Error("mobility: parked event forwarding failed",
				"agent_id", agentID.String(),
				"events", len(parked),
				"error", err,
			)
		}
	}

	m.logger.InfoContext(ctx, "mobility: agent dispatched",
		"agent_id", agentID.String(),
		"destination", destination,
		"parked_forwarded", preservePending && len(parked) > 0,
	)
	return nil
}

// recover applies the failure policy on the source: recoverable failures
// resume the agent (subscriptions intact, parked events delivered);
// non-recoverable failures leave it inactive.
func (m *Manager) recover(ctx context.Context, agentID id.AgentID, cause error) {
	ctx = context.WithoutCancel(ctx)
	if amcperr.Recoverable(cause) || amcperr.IsTimeout(cause) || amcperr.Retryable(cause) {
		if err := m.local.AbortMigration(ctx, agentID); err != nil {
			m.logger.Error("mobility: resume after failed hand-off failed",
				"agent_id", agentID.String(),
				"error", err,
			)
		}
		return
	}
	if _, err := m.local.ParkMigrationFailure(ctx, agentID); err != nil {
		m.logger.Error("mobility: could not park agent after terminal hand-off failure",
			"agent_id", agentID.String(),
			"error", err,
		)
	}
}

// encode builds and serializes the snapshot for a departure, minting the
// security context when a token authority is configured.
func (m *Manager) encode(dep *runtime.Departure) ([]byte, error) {
	snap := &Snapshot{
		AgentID:       dep.AgentID,
		AgentType:     dep.AgentType,
		State:         dep.State,
		Subscriptions: dep.Subscriptions,
		Capabilities:  dep.Capabilities,
		Metadata: map[string]string{
			MetaSourceContext: m.local.ContextID(),
		},
		Timestamp: time.Now().UTC(),
	}
	if m.mesh != nil {
		token, err := m.mesh.Mint(auth.Identity{
			Subject:   dep.AgentID.String(),
			AgentType: dep.AgentType,
		})
		if err != nil {
			return nil, err
		}
		snap.AuthContext = token
	}
	return snap.Encode()
}

// installWithRetry drives the install with bounded retries of transient
// failures and maps context expiry to a recoverable hand-off timeout.
func (m *Manager) installWithRetry(ctx context.Context, destination string, data []byte) error {
	var err error
	for attempt := 1; attempt <= m.cfg.RetryMax; attempt++ {
		err = m.transport.Install(ctx, destination, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return amcperr.Migrationf(amcperr.CodeHandoffTimeout, true,
				"mobility: hand-off to %q timed out", destination).
				WithDetail("cause", err.Error())
		}
		if !amcperr.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return amcperr.Migrationf(amcperr.CodeHandoffTimeout, true,
				"mobility: hand-off to %q timed out", destination)
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return amcperr.Wrapf(err, amcperr.CodeMigrationNetwork,
		"mobility: hand-off to %q failed after %d attempts", destination, m.cfg.RetryMax).
		WithDetail(amcperr.DetailRecoverable, true)
}

// rankCandidates resolves the target list for a Migrate call by policy.
func (m *Manager) rankCandidates(ctx context.Context, opts MigrateOptions) []string {
	switch opts.Policy {
	case PolicyLoadBalanced:
		if lr, ok := m.transport.(LoadReporter); ok && len(opts.Candidates) > 0 {
			best := opts.Candidates
			type load struct {
				target string
				n      int
			}
			loads := make([]load, 0, len(best))
			for _, c := range best {
				n, err := lr.Load(ctx, c)
				if err != nil {
					continue
				}
				loads = append(loads, load{c, n})
			}
			if len(loads) > 0 {
				// Selection sort by load; candidate lists are tiny.
				out := make([]string, 0, len(loads))
				for len(loads) > 0 {
					minIdx := 0
					for i, l := range loads {
						if l.n < loads[minIdx].n {
							minIdx = i
						}
					}
					out = append(out, loads[minIdx].target)
					loads = append(loads[:minIdx], loads[minIdx+1:]...)
				}
				return out
			}
		}
		return opts.Candidates
	case PolicyLeastLatency:
		if lr, ok := m.transport.(LatencyReporter); ok && len(opts.Candidates) > 0 {
			return lr.LatencyRank(ctx, opts.Candidates)
		}
		return opts.Candidates
	default:
		if opts.Target != "" {
			return append([]string{opts.Target}, opts.Candidates...)
		}
		return opts.Candidates
	}
}

// span opens a mobility operation span.
func (m *Manager) span(ctx context.Context, op string, agentID id.AgentID, target string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "mobility."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.id", agentID.String()),
			attribute.String("mobility.target", target),
			attribute.String("context.id", m.local.ContextID()),
		),
	)
}

func (m *Manager) finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (m *Manager) finishID(span trace.Span, agentID id.AgentID, err error) (id.AgentID, error) {
	return agentID, m.finish(span, err)
}

func (m *Manager) finishID2(span trace.Span, ids []id.AgentID, err error) ([]id.AgentID, error) {
	return ids, m.finish(span, err)
}
