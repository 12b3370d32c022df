package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/registry"
)

// counterAgent is a mobile test agent that counts events it handles.
type counterAgent struct {
	agentID id.AgentID

	mu         sync.Mutex
	n          int
	inHandler  int32
	overlapped atomic.Bool

	activated   atomic.Int32
	deactivated atomic.Int32
	beforeMig   atomic.Int32
	afterMig    atomic.Int32
	failOnEvent error
}

func newCounterAgent(agentID id.AgentID, initData map[string]any) (Agent, error) {
	a := &counterAgent{agentID: agentID}
	if n, ok := initData["n"].(int); ok {
		a.n = n
	}
	return a, nil
}

func (a *counterAgent) ID() id.AgentID { return a.agentID }
func (a *counterAgent) Type() string   { return "counter" }

func (a *counterAgent) OnEvent(_ context.Context, e *event.Event) error {
	if atomic.AddInt32(&a.inHandler, 1) > 1 {
		a.overlapped.Store(true)
	}
	defer atomic.AddInt32(&a.inHandler, -1)
	time.Sleep(time.Millisecond) // widen the overlap window

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failOnEvent != nil {
		return a.failOnEvent
	}
	a.n++
	return nil
}

func (a *counterAgent) OnActivate(ctx context.Context, h *Handle) error {
	a.activated.Add(1)
	return h.Subscribe(ctx, "counter.inc", broker.SubscribeOptions{})
}

func (a *counterAgent) OnDeactivate(context.Context) error {
	a.deactivated.Add(1)
	return nil
}

func (a *counterAgent) OnBeforeMigration(_ context.Context, _ string) error {
	a.beforeMig.Add(1)
	return nil
}

func (a *counterAgent) OnAfterMigration(_ context.Context, _ string) error {
	a.afterMig.Add(1)
	return nil
}

func (a *counterAgent) MarshalState() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Marshal(map[string]int{"n": a.n})
}

func (a *counterAgent) UnmarshalState(data []byte) error {
	var s map[string]int
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	a.mu.Lock()
	a.n = s["n"]
	a.mu.Unlock()
	return nil
}

func (a *counterAgent) Capabilities() []string { return []string{"counter.inc"} }

func (a *counterAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// newTestContext wires a context over a fresh in-memory broker and
// registry.
func newTestContext(t *testing.T, contextID string) (*Context, *broker.MemoryBroker, *registry.MemoryRegistry) {
	t.Helper()
	b := broker.NewMemoryBroker(broker.Config{
		ContextID: contextID,
		RetryBase: time.Millisecond,
		StopGrace: time.Second,
	}, nil)
	require.NoError(t, b.Start(context.Background()))

	reg := registry.NewMemoryRegistry(nil)
	factories := NewFactoryRegistry(map[string]Factory{"counter": newCounterAgent})
	c := NewContext(contextID, b, reg, factories, Options{
		DrainGrace:        time.Second,
		HeartbeatInterval: -1, // disabled in unit tests
	})
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c, b, reg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ===========================================================================
// Lifecycle Tests
// ===========================================================================

// TestContext_CreateActivateDeactivate walks the nominal lifecycle and
// verifies callbacks and subscription ownership.
func TestContext_CreateActivateDeactivate(t *testing.T) {
	ctx := context.Background()
	c, _, reg := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	assert.Equal(t, "counter", agentID.Type())

	state, err := c.State(agentID)
	require.NoError(t, err)
	assert.Equal(t, StateInactive, state)

	require.NoError(t, c.Activate(ctx, agentID))
	state, _ = c.State(agentID)
	assert.Equal(t, StateActive, state)

	agent, err := c.Agent(agentID)
	require.NoError(t, err)
	ca := agent.(*counterAgent)
	assert.Equal(t, int32(1), ca.activated.Load())

	// Activation registered capabilities.
	rec, err := reg.Lookup(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", rec.Endpoint)
	assert.Contains(t, rec.Capabilities, "counter.inc")

	// Subscription requested during OnActivate is live.
	specs, err := c.Subscriptions(agentID)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "counter.inc", specs[0].Pattern)

	require.NoError(t, c.Deactivate(ctx, agentID))
	state, _ = c.State(agentID)
	assert.Equal(t, StateInactive, state)
	assert.Equal(t, int32(1), ca.deactivated.Load())

	// Deactivation removed the registry record.
	_, err = reg.Lookup(ctx, agentID)
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// TestContext_CreateAgent_UnknownType verifies the factory error.
func TestContext_CreateAgent_UnknownType(t *testing.T) {
	c, _, _ := newTestContext(t, "ctx-1")
	_, err := c.CreateAgent("hologram", nil)
	assert.Equal(t, amcperr.CodeUnknownAgentType, amcperr.GetCode(err))
}

// TestContext_Activate_WrongState verifies lifecycle violations.
func TestContext_Activate_WrongState(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))

	err = c.Activate(ctx, agentID)
	assert.Equal(t, amcperr.CodeLifecycle, amcperr.GetCode(err))
}

// failingActivationAgent rejects activation.
type failingActivationAgent struct {
	agentID id.AgentID
}

func (a *failingActivationAgent) ID() id.AgentID { return a.agentID }
func (a *failingActivationAgent) Type() string   { return "grumpy" }
func (a *failingActivationAgent) OnEvent(context.Context, *event.Event) error {
	return nil
}
func (a *failingActivationAgent) OnActivate(context.Context, *Handle) error {
	return errors.New("refusing to wake up")
}
func (a *failingActivationAgent) OnDeactivate(context.Context) error { return nil }

// TestContext_Activate_CallbackFailureRollsBack verifies the rollback to
// Inactive with CodeActivationFailed.
func TestContext_Activate_CallbackFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")
	c.factories.Register("grumpy", func(agentID id.AgentID, _ map[string]any) (Agent, error) {
		return &failingActivationAgent{agentID: agentID}, nil
	})

	agentID, err := c.CreateAgent("grumpy", nil)
	require.NoError(t, err)

	err = c.Activate(ctx, agentID)
	assert.Equal(t, amcperr.CodeActivationFailed, amcperr.GetCode(err))

	state, _ := c.State(agentID)
	assert.Equal(t, StateInactive, state)

	// The agent can be activated again later (a retryable rollback).
	// It will fail the same way, but the transition is legal.
	err = c.Activate(ctx, agentID)
	assert.Equal(t, amcperr.CodeActivationFailed, amcperr.GetCode(err))
}

// TestContext_Destroy verifies destruction of an active agent and handle
// invalidation.
func TestContext_Destroy(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))
	require.NoError(t, c.Destroy(ctx, agentID))

	_, err = c.State(agentID)
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))

	// A stale handle is invalidated.
	h := c.handleFor(agentID)
	e, err := event.New("x.y", nil)
	require.NoError(t, err)
	err = h.Publish(ctx, e)
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// ===========================================================================
// Dispatch Tests
// ===========================================================================

// TestContext_EventDelivery verifies end-to-end publish → handler flow
// with sender stamping.
func TestContext_EventDelivery(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))

	agent, _ := c.Agent(agentID)
	ca := agent.(*counterAgent)

	e, err := event.New("counter.inc", nil)
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, "publisher-1", e))

	waitFor(t, func() bool { return ca.count() == 1 }, "event not delivered")
}

// TestContext_SerialDispatch verifies intra-agent handler invocations
// never overlap even with multiple subscriptions firing concurrently.
func TestContext_SerialDispatch(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))

	// A second subscription so two broker delivery loops target the agent.
	require.NoError(t, c.Subscribe(ctx, agentID, "counter.other.*", broker.SubscribeOptions{}))

	agent, _ := c.Agent(agentID)
	ca := agent.(*counterAgent)

	for i := 0; i < 20; i++ {
		e1, _ := event.New("counter.inc", nil)
		e2, _ := event.New("counter.other.x", nil)
		require.NoError(t, c.Publish(ctx, "p1", e1))
		require.NoError(t, c.Publish(ctx, "p2", e2))
	}

	waitFor(t, func() bool { return ca.count() == 40 }, "not all events delivered")
	assert.False(t, ca.overlapped.Load(), "handler invocations overlapped on a non-concurrent agent")
}

// TestContext_NoDeliveryWhenInactive verifies events are refused outside
// Active.
func TestContext_NoDeliveryWhenInactive(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)

	handler := c.dispatchTo(agentID)
	e, _ := event.New("counter.inc", nil)
	err = handler(ctx, e)
	assert.Equal(t, amcperr.CodeLifecycle, amcperr.GetCode(err))
}

// ===========================================================================
// Migration Primitive Tests
// ===========================================================================

// TestContext_BeginCommitMigration verifies quiesce, parking, and commit.
func TestContext_BeginCommitMigration(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", map[string]any{"n": 5})
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))
	agent, _ := c.Agent(agentID)
	ca := agent.(*counterAgent)

	dep, err := c.BeginMigration(ctx, agentID, "ctx-2")
	require.NoError(t, err)
	assert.Equal(t, agentID, dep.AgentID)
	assert.Equal(t, "counter", dep.AgentType)
	assert.JSONEq(t, `{"n":5}`, string(dep.State))
	require.Len(t, dep.Subscriptions, 1)
	assert.Equal(t, "counter.inc", dep.Subscriptions[0].Pattern)
	assert.Equal(t, []string{"counter.inc"}, dep.Capabilities)
	assert.Equal(t, int32(1), ca.beforeMig.Load())

	state, _ := c.State(agentID)
	assert.Equal(t, StateMigrating, state)

	// Events during migration are parked, not handled.
	handler := c.dispatchTo(agentID)
	e, _ := event.New("counter.inc", nil)
	require.NoError(t, handler(ctx, e))
	assert.Equal(t, 5, ca.count())

	parked, err := c.CommitMigration(ctx, agentID)
	require.NoError(t, err)
	assert.Len(t, parked, 1)

	_, err = c.State(agentID)
	assert.Equal(t, amcperr.CodeAgentNotFound, amcperr.GetCode(err))
}

// TestContext_AbortMigration verifies resume with parked redelivery.
func TestContext_AbortMigration(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestContext(t, "ctx-1")

	agentID, err := c.CreateAgent("counter", nil)
	require.NoError(t, err)
	require.NoError(t, c.Activate(ctx, agentID))
	agent, _ := c.Agent(agentID)
	ca := agent.(*counterAgent)

	_, err = c.BeginMigration(ctx, agentID, "ctx-2")
	require.NoError(t, err)

	handler := c.dispatchTo(agentID)
	for i := 0; i < 3; i++ {
		e, _ := event.New("counter.inc", nil)
		require.NoError(t, handler(ctx, e))
	}

	require.NoError(t, c.AbortMigration(ctx, agentID))
	state, _ := c.State(agentID)
	assert.Equal(t, StateActive, state)
	waitFor(t, func() bool { return ca.count() == 3 }, "parked events not redelivered")

	// New events flow again.
	e, _ := event.New("counter.inc", nil)
	require.NoError(t, c.Publish(ctx, "p1", e))
	waitFor(t, func() bool { return ca.count() == 4 }, "delivery did not resume")
}

// TestContext_InstallArrival verifies the destination side: restore,
// resubscribe, activate without OnActivate, invoke OnAfterMigration.
func TestContext_InstallArrival(t *testing.T) {
	ctx := context.Background()
	c2, _, _ := newTestContext(t, "ctx-2")

	dep := &Departure{
		AgentID:       "counter-feedface",
		AgentType:     "counter",
		State:         []byte(`{"n":5}`),
		Subscriptions: []SubscriptionSpec{{Pattern: "counter.inc"}},
		Capabilities:  []string{"counter.inc"},
	}
	require.NoError(t, c2.InstallArrival(ctx, dep, "ctx-1"))

	state, err := c2.State("counter-feedface")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	agent, _ := c2.Agent("counter-feedface")
	ca := agent.(*counterAgent)
	assert.Equal(t, 5, ca.count())
	assert.Equal(t, int32(1), ca.afterMig.Load(), "OnAfterMigration must run")
	assert.Equal(t, int32(0), ca.activated.Load(), "OnActivate must not run on install")

	// Installed subscription is live.
	e, _ := event.New("counter.inc", nil)
	require.NoError(t, c2.Publish(ctx, "p1", e))
	waitFor(t, func() bool { return ca.count() == 6 }, "installed subscription not live")

	// Duplicate install (retried transport) is AlreadyInstalled.
	err = c2.InstallArrival(ctx, dep, "ctx-1")
	assert.Equal(t, amcperr.CodeAlreadyInstalled, amcperr.GetCode(err))
}

// TestContext_InstallArrival_UnknownType verifies refusal with a
// recoverable migration error.
func TestContext_InstallArrival_UnknownType(t *testing.T) {
	ctx := context.Background()
	c2, _, _ := newTestContext(t, "ctx-2")

	err := c2.InstallArrival(ctx, &Departure{
		AgentID:   "exotic-beef",
		AgentType: "exotic",
	}, "ctx-1")
	assert.Equal(t, amcperr.CodeMigrationRefused, amcperr.GetCode(err))
	assert.True(t, amcperr.Recoverable(err))
}

// ===========================================================================
// Shutdown Tests
// ===========================================================================

// orderedAgent records its deactivation into a shared log.
type orderedAgent struct {
	agentID id.AgentID
	log     *[]id.AgentID
	mu      *sync.Mutex
}

func (a *orderedAgent) ID() id.AgentID                           { return a.agentID }
func (a *orderedAgent) Type() string                             { return "ordered" }
func (a *orderedAgent) OnEvent(context.Context, *event.Event) error { return nil }
func (a *orderedAgent) OnActivate(context.Context, *Handle) error   { return nil }
func (a *orderedAgent) OnDeactivate(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	*a.log = append(*a.log, a.agentID)
	return nil
}

// TestContext_Shutdown verifies reverse-activation-order deactivation and
// ingress closure.
func TestContext_Shutdown(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestContext(t, "ctx-1")

	var mu sync.Mutex
	var order []id.AgentID
	c.factories.Register("ordered", func(agentID id.AgentID, _ map[string]any) (Agent, error) {
		return &orderedAgent{agentID: agentID, log: &order, mu: &mu}, nil
	})

	spawn := func() id.AgentID {
		agentID, err := c.CreateAgent("ordered", nil)
		require.NoError(t, err)
		require.NoError(t, c.Activate(ctx, agentID))
		return agentID
	}
	first := spawn()
	second := spawn()
	third := spawn()

	require.NoError(t, c.Shutdown(ctx))

	mu.Lock()
	assert.Equal(t, []id.AgentID{third, second, first}, order,
		"shutdown must deactivate in reverse activation order")
	mu.Unlock()

	s1, _ := c.State(first)
	assert.Equal(t, StateInactive, s1)
	assert.Equal(t, broker.StateClosed, b.State())

	e, _ := event.New("counter.inc", nil)
	err := c.Publish(ctx, "p1", e)
	assert.Equal(t, amcperr.CodeBrokerClosed, amcperr.GetCode(err))
}
