package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/registry"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/runtime"

// Options tunes a [Context].
type Options struct {
	// ParkedBufferSize bounds the per-agent buffer holding events that
	// arrive while the agent is migrating (default 64). Overflowing
	// events spill back to the broker for redelivery.
	ParkedBufferSize int

	// DrainGrace bounds waiting for in-flight handlers during
	// deactivation and shutdown (default 5s).
	DrainGrace time.Duration

	// HeartbeatInterval is how often resident agents' registry records
	// are refreshed (default 10s, used when zero). A negative value
	// disables the heartbeat loop.
	HeartbeatInterval time.Duration

	// Properties is the string-keyed configuration exposed to agents.
	Properties map[string]string

	// Logger receives runtime diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ParkedBufferSize <= 0 {
		o.ParkedBufferSize = 64
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 5 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// agentRecord is the context's bookkeeping for one resident agent.
type agentRecord struct {
	agent Agent

	// handlerMu serializes handler invocations and lifecycle callbacks
	// for this agent, unless the agent is ConcurrentSafe (handlers only;
	// lifecycle callbacks always take it).
	handlerMu sync.Mutex

	// stateMu guards the fields below.
	stateMu  sync.RWMutex
	state    State
	subs     []*broker.Subscription
	specs    []SubscriptionSpec
	parked   []*event.Event
	ordinal  int // activation order, for reverse-order shutdown
	inFlight sync.WaitGroup
}

// Context is a hosting environment for agents: the lifecycle authority
// and the only legitimate mutator of agent state. Every mutation to an
// agent's lifecycle state is serialized through it, and subscriptions are
// owned by the context on behalf of the agent.
type Context struct {
	contextID string
	broker    broker.Broker
	registry  registry.Registry
	factories *FactoryRegistry
	opts      Options
	tracer    trace.Tracer
	logger    *slog.Logger

	mu          sync.RWMutex
	agents      map[id.AgentID]*agentRecord
	nextOrdinal int
	closed      bool

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// NewContext creates a hosting context. The broker must already be
// started (or be started before the first Activate); the registry may be
// local or federated.
func NewContext(contextID string, b broker.Broker, reg registry.Registry, factories *FactoryRegistry, opts Options) *Context {
	opts.withDefaults()
	c := &Context{
		contextID:     contextID,
		broker:        b,
		registry:      reg,
		factories:     factories,
		opts:          opts,
		tracer:        otel.Tracer(tracerName),
		logger:        opts.Logger,
		agents:        make(map[id.AgentID]*agentRecord),
		stopHeartbeat: make(chan struct{}),
	}
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return c
}

// ContextID returns the identifier of this host instance.
func (c *Context) ContextID() string { return c.contextID }

// Broker returns the event broker this context publishes through.
func (c *Context) Broker() broker.Broker { return c.broker }

// Registry returns the capability registry.
func (c *Context) Registry() registry.Registry { return c.registry }

// RegisterFactory adds an agent factory to this context's registry,
// replacing any previous factory for the type.
func (c *Context) RegisterFactory(agentType string, f Factory) {
	c.factories.Register(agentType, f)
}

// Property returns a configuration property and whether it was set.
func (c *Context) Property(key string) (string, bool) {
	v, ok := c.opts.Properties[key]
	return v, ok
}

// record looks up the bookkeeping for an agent.
func (c *Context) record(agentID id.AgentID) (*agentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.agents[agentID]
	if !ok {
		return nil, amcperr.AgentNotFound(agentID.String())
	}
	return rec, nil
}

// setState validates and applies a lifecycle transition for an agent.
func (rec *agentRecord) setState(to State) error {
	rec.stateMu.Lock()
	defer rec.stateMu.Unlock()
	if !ValidTransition(rec.state, to) {
		return amcperr.Lifecyclef(
			"runtime: invalid state transition from %q to %q for agent %q",
			rec.state, to, rec.agent.ID())
	}
	rec.state = to
	return nil
}

// State returns the lifecycle state of an agent.
func (c *Context) State(agentID id.AgentID) (State, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return "", err
	}
	rec.stateMu.RLock()
	defer rec.stateMu.RUnlock()
	return rec.state, nil
}

// Agent returns the live agent instance. Callers must not invoke handler
// or lifecycle methods directly; the context owns those.
func (c *Context) Agent(agentID id.AgentID) (Agent, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return nil, err
	}
	return rec.agent, nil
}

// Agents returns the IDs of all resident agents.
func (c *Context) Agents() []id.AgentID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]id.AgentID, 0, len(c.agents))
	for agentID := range c.agents {
		out = append(out, agentID)
	}
	return out
}

// CreateAgent allocates a fresh AgentID and instantiates an agent of the
// given type in [StateInactive]. Fails with CodeUnknownAgentType when no
// factory is registered.
func (c *Context) CreateAgent(agentType string, initData map[string]any) (id.AgentID, error) {
	agentID := id.NewAgentID(agentType)
	if err := c.CreateAgentWithID(agentID, agentType, initData); err != nil {
		return "", err
	}
	return agentID, nil
}

// CreateAgentWithID instantiates an agent under a caller-chosen AgentID,
// used by mobility installs where identity must be preserved. Fails with
// CodeAlreadyInstalled when the ID is already resident.
func (c *Context) CreateAgentWithID(agentID id.AgentID, agentType string, initData map[string]any) error {
	agent, err := c.factories.New(agentType, agentID, initData)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amcperr.Lifecycle("runtime: context is shut down")
	}
	if _, exists := c.agents[agentID]; exists {
		return amcperr.Newf(amcperr.CodeAlreadyInstalled,
			"runtime: agent %q is already installed on context %q", agentID, c.contextID)
	}
	c.agents[agentID] = &agentRecord{agent: agent, state: StateInactive}

	c.logger.Debug("runtime: agent created",
		"agent_id", agentID.String(),
		"agent_type", agentType,
		"context_id", c.contextID,
	)
	return nil
}

// Activate transitions an agent Inactive → Activating → Active, invoking
// its activation callback in between and installing the subscriptions the
// agent requests during activation. A callback failure rolls the agent
// back to Inactive and reports CodeActivationFailed.
func (c *Context) Activate(ctx context.Context, agentID id.AgentID) error {
	ctx, span := c.tracer.Start(ctx, "runtime.Activate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.id", agentID.String()),
			attribute.String("context.id", c.contextID),
		),
	)
	defer span.End()

	rec, err := c.record(agentID)
	if err != nil {
		return spanErr(span, err)
	}
	if err := rec.setState(StateActivating); err != nil {
		return spanErr(span, err)
	}

	rec.handlerMu.Lock()
	defer rec.handlerMu.Unlock()

	if act, ok := rec.agent.(Activatable); ok {
		h := c.handleFor(agentID)
		if err := act.OnActivate(ctx, h); err != nil {
			c.removeSubscriptions(rec)
			_ = rec.setState(StateInactive)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.ErrorContext(ctx, "runtime: activation callback failed",
				"agent_id", agentID.String(),
				"error", err,
			)
			return amcperr.Wrap(err, amcperr.CodeActivationFailed,
				"runtime: activation callback failed")
		}
	}

	if err := rec.setState(StateActive); err != nil {
		return spanErr(span, err)
	}

	c.mu.Lock()
	c.nextOrdinal++
	rec.ordinal = c.nextOrdinal
	c.mu.Unlock()

	c.registerCapabilities(ctx, rec)

	c.logger.InfoContext(ctx, "runtime: agent activated",
		"agent_id", agentID.String(),
		"context_id", c.contextID,
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Deactivate transitions an agent Active → Deactivating → Inactive. It
// drains in-flight handlers up to the grace period, invokes the
// deactivation callback, and removes the agent's subscriptions.
func (c *Context) Deactivate(ctx context.Context, agentID id.AgentID) error {
	ctx, span := c.tracer.Start(ctx, "runtime.Deactivate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("agent.id", agentID.String()),
			attribute.String("context.id", c.contextID),
		),
	)
	defer span.End()

	rec, err := c.record(agentID)
	if err != nil {
		return spanErr(span, err)
	}
	if err := rec.setState(StateDeactivating); err != nil {
		return spanErr(span, err)
	}

	// Stop new deliveries, then drain in-flight handlers.
	c.removeSubscriptions(rec)
	c.waitInFlight(rec)

	rec.handlerMu.Lock()
	defer rec.handlerMu.Unlock()

	if act, ok := rec.agent.(Activatable); ok {
		if err := act.OnDeactivate(ctx); err != nil {
			// Deactivation proceeds regardless; the callback failure is
			// surfaced in logs only.
			c.logger.ErrorContext(ctx, "runtime: deactivation callback failed",
				"agent_id", agentID.String(),
				"error", err,
			)
		}
	}

	if err := rec.setState(StateInactive); err != nil {
		return spanErr(span, err)
	}
	if c.registry != nil {
		_ = c.registry.Unregister(ctx, agentID)
	}

	c.logger.InfoContext(ctx, "runtime: agent deactivated",
		"agent_id", agentID.String(),
		"context_id", c.contextID,
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Destroy deactivates the agent if needed and transitions it to the
// terminal Destroyed state, removing it from the context.
func (c *Context) Destroy(ctx context.Context, agentID id.AgentID) error {
	rec, err := c.record(agentID)
	if err != nil {
		return err
	}

	rec.stateMu.RLock()
	state := rec.state
	rec.stateMu.RUnlock()

	if state == StateActive {
		if err := c.Deactivate(ctx, agentID); err != nil {
			return err
		}
	}

	c.removeSubscriptions(rec)
	if err := rec.setState(StateDestroyed); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()

	if c.registry != nil {
		_ = c.registry.Unregister(ctx, agentID)
	}

	c.logger.InfoContext(ctx, "runtime: agent destroyed",
		"agent_id", agentID.String(),
		"context_id", c.contextID,
	)
	return nil
}

// Publish stamps the sender (when empty) with the caller's AgentID and
// forwards the event to the broker.
func (c *Context) Publish(ctx context.Context, sender id.AgentID, e *event.Event) error {
	return c.broker.Publish(ctx, e.WithSenderStamped(sender))
}

// Subscribe creates a subscription on behalf of the agent. The
// subscription is owned by the context: it is suspended while the agent
// migrates and removed when the agent deactivates or is destroyed.
func (c *Context) Subscribe(ctx context.Context, agentID id.AgentID, pattern string, opts broker.SubscribeOptions) error {
	rec, err := c.record(agentID)
	if err != nil {
		return err
	}

	sub, err := c.broker.Subscribe(pattern, agentID, c.dispatchTo(agentID), opts)
	if err != nil {
		return err
	}

	rec.stateMu.Lock()
	defer rec.stateMu.Unlock()
	for _, existing := range rec.subs {
		if existing.ID == sub.ID {
			return nil // idempotent re-subscribe
		}
	}
	rec.subs = append(rec.subs, sub)
	for _, spec := range rec.specs {
		if spec.Pattern == pattern && spec.Options == opts {
			return nil
		}
	}
	rec.specs = append(rec.specs, SubscriptionSpec{Pattern: pattern, Options: opts})
	return nil
}

// Subscriptions returns the agent's subscription specs (pattern set).
func (c *Context) Subscriptions(agentID id.AgentID) ([]SubscriptionSpec, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return nil, err
	}
	rec.stateMu.RLock()
	defer rec.stateMu.RUnlock()
	return append([]SubscriptionSpec(nil), rec.specs...), nil
}

// Shutdown tears the context down: ingress is closed first (broker
// refuses new publishes), resident agents are deactivated in reverse
// activation order with the drain grace period, and the heartbeat loop
// stops.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	type entry struct {
		agentID id.AgentID
		ordinal int
	}
	order := make([]entry, 0, len(c.agents))
	for agentID, rec := range c.agents {
		rec.stateMu.RLock()
		if rec.state == StateActive {
			order = append(order, entry{agentID, rec.ordinal})
		}
		rec.stateMu.RUnlock()
	}
	c.mu.Unlock()

	c.heartbeatOnce.Do(func() { close(c.stopHeartbeat) })

	// Close ingress before touching agents.
	if err := c.broker.Stop(ctx); err != nil {
		c.logger.ErrorContext(ctx, "runtime: broker stop failed", "error", err)
	}

	// Reverse activation order.
	sort.Slice(order, func(i, j int) bool { return order[i].ordinal > order[j].ordinal })
	for _, e := range order {
		if err := c.Deactivate(ctx, e.agentID); err != nil {
			c.logger.ErrorContext(ctx, "runtime: shutdown deactivation failed",
				"agent_id", e.agentID.String(),
				"error", err,
			)
		}
	}

	c.logger.InfoContext(ctx, "runtime: context shut down", "context_id", c.contextID)
	return nil
}

// registerCapabilities publishes the agent's advertised capabilities to
// the registry with this context as the endpoint.
func (c *Context) registerCapabilities(ctx context.Context, rec *agentRecord) {
	if c.registry == nil {
		return
	}
	adv, ok := rec.agent.(CapabilityAdvertiser)
	if !ok {
		return
	}
	err := c.registry.Register(ctx, registry.Record{
		AgentID:      rec.agent.ID(),
		AgentType:    rec.agent.Type(),
		Capabilities: adv.Capabilities(),
		Endpoint:     c.contextID,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "runtime: capability registration failed",
			"agent_id", rec.agent.ID().String(),
			"error", err,
		)
	}
}

// removeSubscriptions unsubscribes all of the agent's live subscriptions.
// The specs are kept so a later reactivation or migration can reinstall
// them.
func (c *Context) removeSubscriptions(rec *agentRecord) {
	rec.stateMu.Lock()
	subs := rec.subs
	rec.subs = nil
	rec.stateMu.Unlock()
	for _, sub := range subs {
		_ = c.broker.Unsubscribe(sub)
	}
}

// waitInFlight blocks until the agent's in-flight handlers finish or the
// drain grace period elapses.
func (c *Context) waitInFlight(rec *agentRecord) {
	done := make(chan struct{})
	go func() {
		rec.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.opts.DrainGrace):
		c.logger.Warn("runtime: drain grace elapsed with handlers in flight",
			"agent_id", rec.agent.ID().String())
	}
}

// heartbeatLoop refreshes registry records for resident active agents.
func (c *Context) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			if c.registry == nil {
				continue
			}
			ctx := context.Background()
			for _, agentID := range c.Agents() {
				if state, err := c.State(agentID); err == nil && state == StateActive {
					_ = c.registry.Heartbeat(ctx, agentID)
				}
			}
		}
	}
}

// spanErr records err on the span and returns it.
func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
