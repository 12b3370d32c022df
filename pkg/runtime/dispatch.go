package runtime

import (
	"context"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// dispatchTo builds the broker handler for one agent: the per-agent
// dispatcher. It enforces that handlers run only while the agent is
// Active, parks events while the agent is Migrating, and serializes
// handler invocations unless the agent is [ConcurrentSafe].
func (c *Context) dispatchTo(agentID id.AgentID) broker.Handler {
	return func(ctx context.Context, e *event.Event) error {
		rec, err := c.record(agentID)
		if err != nil {
			return err
		}

		// The state check and the in-flight registration are atomic under
		// stateMu, so Deactivate's drain cannot miss a handler that saw
		// the Active state.
		rec.stateMu.Lock()
		switch rec.state {
		case StateActive:
			rec.inFlight.Add(1)
			rec.stateMu.Unlock()
		case StateMigrating:
			err := parkLocked(rec, e, c.opts.ParkedBufferSize)
			rec.stateMu.Unlock()
			return err
		default:
			state := rec.state
			rec.stateMu.Unlock()
			return amcperr.Lifecyclef(
				"runtime: agent %q cannot receive events in state %q", agentID, state)
		}
		defer rec.inFlight.Done()

		if _, concurrent := rec.agent.(ConcurrentSafe); !concurrent {
			rec.handlerMu.Lock()
			defer rec.handlerMu.Unlock()
		}
		return rec.agent.OnEvent(ctx, e)
	}
}

// parkLocked buffers an event for a migrating agent. The caller holds
// stateMu. On overflow the event spills back to the broker for
// redelivery, preserving at-least-once.
func parkLocked(rec *agentRecord, e *event.Event, max int) error {
	if len(rec.parked) >= max {
		return amcperr.Newf(amcperr.CodeTransient,
			"runtime: parked buffer full for migrating agent %q", rec.agent.ID())
	}
	rec.parked = append(rec.parked, e)
	return nil
}

// takeParked removes and returns the agent's parked events in arrival
// order.
func (rec *agentRecord) takeParked() []*event.Event {
	rec.stateMu.Lock()
	defer rec.stateMu.Unlock()
	parked := rec.parked
	rec.parked = nil
	return parked
}

// DeliverDirect feeds events straight into the agent's dispatcher,
// bypassing topic routing. The mobility manager uses it to hand parked
// events to a freshly installed agent and to redeliver them after a
// failed migration resumes the source instance.
func (c *Context) DeliverDirect(ctx context.Context, agentID id.AgentID, events []*event.Event) error {
	handler := c.dispatchTo(agentID)
	for _, e := range events {
		if err := handler(ctx, e); err != nil {
			c.logger.ErrorContext(ctx, "runtime: direct delivery failed",
				"agent_id", agentID.String(),
				"event_id", e.ID().String(),
				"error", err,
			)
		}
	}
	return nil
}

// Handle is an agent's lookup reference to its hosting context: the
// execution environment through which it publishes, subscribes, and reads
// configuration. The context exclusively owns the agent; the handle is
// invalidated when the agent is destroyed, after which its operations
// fail with agent-not-found.
type Handle struct {
	c       *Context
	agentID id.AgentID
}

// handleFor builds the handle passed to an agent's activation callback.
func (c *Context) handleFor(agentID id.AgentID) *Handle {
	return &Handle{c: c, agentID: agentID}
}

// ContextID returns the hosting context's identifier.
func (h *Handle) ContextID() string { return h.c.ContextID() }

// AgentID returns the owning agent's identity.
func (h *Handle) AgentID() id.AgentID { return h.agentID }

// Publish publishes an event with the agent stamped as sender.
func (h *Handle) Publish(ctx context.Context, e *event.Event) error {
	if _, err := h.c.record(h.agentID); err != nil {
		return err
	}
	return h.c.Publish(ctx, h.agentID, e)
}

// Subscribe registers a subscription owned by the context on the agent's
// behalf.
func (h *Handle) Subscribe(ctx context.Context, pattern string, opts broker.SubscribeOptions) error {
	return h.c.Subscribe(ctx, h.agentID, pattern, opts)
}

// Property reads a context configuration property.
func (h *Handle) Property(key string) (string, bool) {
	return h.c.Property(key)
}
