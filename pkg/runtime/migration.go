package runtime

import (
	"context"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// Departure is what the source context hands the mobility manager when an
// agent is quiesced for migration: everything that must travel, minus the
// snapshot envelope itself.
type Departure struct {
	AgentID       id.AgentID
	AgentType     string
	State         []byte
	Subscriptions []SubscriptionSpec
	Capabilities  []string
}

// BeginMigration quiesces an agent for departure (protocol steps 1-3):
// transitions Active → Migrating, suspends the agent's subscriptions so
// the broker stops delivering new events (in-flight handlers run to
// completion), invokes the before-migration callback, and serializes the
// agent's user state.
//
// Events arriving while the agent is Migrating are parked; they are
// handed to the destination by [Context.CommitMigration] or redelivered
// locally by [Context.AbortMigration].
//
// A non-mobile agent is rejected before any state change. A callback or
// serialization failure resumes the agent and reports a recoverable
// migration error.
func (c *Context) BeginMigration(ctx context.Context, agentID id.AgentID, destination string) (*Departure, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return nil, err
	}
	mobile, ok := rec.agent.(Mobile)
	if !ok {
		return nil, amcperr.Newf(amcperr.CodeValidation,
			"runtime: agent type %q does not support mobility", rec.agent.Type())
	}

	if err := rec.setState(StateMigrating); err != nil {
		return nil, err
	}

	// Stop new deliveries; events now park. In-flight handlers finish.
	rec.stateMu.RLock()
	for _, sub := range rec.subs {
		sub.Suspend()
	}
	rec.stateMu.RUnlock()
	c.waitInFlight(rec)

	rec.handlerMu.Lock()
	defer rec.handlerMu.Unlock()

	resume := func() {
		_ = rec.setState(StateActive)
		rec.stateMu.RLock()
		for _, sub := range rec.subs {
			sub.Resume()
		}
		rec.stateMu.RUnlock()
	}

	if err := mobile.OnBeforeMigration(ctx, destination); err != nil {
		resume()
		return nil, amcperr.Migrationf(amcperr.CodeMigrationSerialization, true,
			"runtime: before-migration callback failed for %q: %v", agentID, err)
	}

	state, err := mobile.MarshalState()
	if err != nil {
		resume()
		return nil, amcperr.Migrationf(amcperr.CodeMigrationSerialization, true,
			"runtime: state serialization failed for %q: %v", agentID, err)
	}

	var caps []string
	if adv, ok := rec.agent.(CapabilityAdvertiser); ok {
		caps = adv.Capabilities()
	}

	rec.stateMu.RLock()
	specs := append([]SubscriptionSpec(nil), rec.specs...)
	rec.stateMu.RUnlock()

	c.logger.InfoContext(ctx, "runtime: agent quiesced for migration",
		"agent_id", agentID.String(),
		"destination", destination,
	)
	return &Departure{
		AgentID:       agentID,
		AgentType:     rec.agent.Type(),
		State:         state,
		Subscriptions: specs,
		Capabilities:  caps,
	}, nil
}

// AbortMigration resumes an agent after a failed hand-off: Migrating →
// Active, subscriptions resumed, parked events redelivered locally in
// arrival order.
func (c *Context) AbortMigration(ctx context.Context, agentID id.AgentID) error {
	rec, err := c.record(agentID)
	if err != nil {
		return err
	}
	if err := rec.setState(StateActive); err != nil {
		return err
	}
	rec.stateMu.RLock()
	for _, sub := range rec.subs {
		sub.Resume()
	}
	rec.stateMu.RUnlock()

	parked := rec.takeParked()
	if len(parked) > 0 {
		c.logger.InfoContext(ctx, "runtime: redelivering parked events after aborted migration",
			"agent_id", agentID.String(),
			"events", len(parked),
		)
		_ = c.DeliverDirect(ctx, agentID, parked)
	}
	return nil
}

// ParkMigrationFailure moves a migrating agent to Inactive instead of
// resuming it, for the policy that fails the operation outright. Parked
// events are dropped back to the caller.
func (c *Context) ParkMigrationFailure(ctx context.Context, agentID id.AgentID) ([]*event.Event, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return nil, err
	}
	c.removeSubscriptions(rec)
	if err := rec.setState(StateInactive); err != nil {
		return nil, err
	}
	return rec.takeParked(), nil
}

// CommitMigration finalizes a departure after the destination confirmed
// the install (protocol step 6): the local instance is destroyed and the
// parked events are returned for forwarding to the destination.
//
// The capability registry is deliberately not touched here; repointing
// the record is the mobility manager's commit step.
func (c *Context) CommitMigration(ctx context.Context, agentID id.AgentID) ([]*event.Event, error) {
	rec, err := c.record(agentID)
	if err != nil {
		return nil, err
	}
	parked := rec.takeParked()

	c.removeSubscriptions(rec)
	if err := rec.setState(StateDestroyed); err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "runtime: migrated agent destroyed on source",
		"agent_id", agentID.String(),
		"parked_events", len(parked),
	)
	return parked, nil
}

// InstallArrival performs the destination side of a hand-off (protocol
// step 5): recreate the agent via its type's factory, restore user state,
// register the AgentID, install the carried subscriptions, transition to
// Active, and invoke the after-migration callback.
//
// A duplicate AgentID is rejected with CodeAlreadyInstalled, which the
// source treats as success (retried transport). Any later failure
// discards the partial install and reports a recoverable migration error.
// Capabilities are not registered here: the registry update is the
// migration's commit point and belongs to the mobility manager.
func (c *Context) InstallArrival(ctx context.Context, dep *Departure, source string) error {
	if !c.factories.Known(dep.AgentType) {
		return amcperr.Migrationf(amcperr.CodeMigrationRefused, true,
			"runtime: context %q has no factory for agent type %q", c.contextID, dep.AgentType)
	}
	if err := c.CreateAgentWithID(dep.AgentID, dep.AgentType, nil); err != nil {
		return err // CodeAlreadyInstalled passes through untouched
	}

	discard := func() {
		_ = c.Destroy(ctx, dep.AgentID)
	}

	rec, err := c.record(dep.AgentID)
	if err != nil {
		return err
	}
	mobile, ok := rec.agent.(Mobile)
	if !ok {
		discard()
		return amcperr.Migrationf(amcperr.CodeMigrationRefused, true,
			"runtime: factory for %q produced a non-mobile agent", dep.AgentType)
	}
	if err := mobile.UnmarshalState(dep.State); err != nil {
		discard()
		return amcperr.Migrationf(amcperr.CodeMigrationSerialization, true,
			"runtime: state restore failed for %q: %v", dep.AgentID, err)
	}

	// Through Activating to Active without the activation callback: the
	// agent is resuming, not starting fresh.
	if err := rec.setState(StateActivating); err != nil {
		discard()
		return err
	}
	for _, spec := range dep.Subscriptions {
		if err := c.Subscribe(ctx, dep.AgentID, spec.Pattern, spec.Options); err != nil {
			discard()
			return amcperr.Migrationf(amcperr.CodeMigrationRefused, true,
				"runtime: failed to install subscription %q: %v", spec.Pattern, err)
		}
	}
	if err := rec.setState(StateActive); err != nil {
		discard()
		return err
	}

	rec.handlerMu.Lock()
	err = mobile.OnAfterMigration(ctx, source)
	rec.handlerMu.Unlock()
	if err != nil {
		discard()
		return amcperr.Migrationf(amcperr.CodeMigrationRefused, true,
			"runtime: after-migration callback failed for %q: %v", dep.AgentID, err)
	}

	c.mu.Lock()
	c.nextOrdinal++
	rec.ordinal = c.nextOrdinal
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "runtime: migrated agent installed",
		"agent_id", dep.AgentID.String(),
		"source", source,
		"context_id", c.contextID,
	)
	return nil
}
