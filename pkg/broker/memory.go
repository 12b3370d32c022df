package broker

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/topic"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/broker"

// Config tunes a [MemoryBroker]. The zero value picks the documented
// defaults.
type Config struct {
	// ContextID names the hosting context, used for transport loop
	// prevention and CloudEvents sources.
	ContextID string

	// QueueSize bounds each subscription queue (default 256).
	QueueSize int

	// RetryMax bounds redelivery attempts for at-least-once subscriptions
	// before dead-lettering (default 5).
	RetryMax int

	// RetryBackoff selects the redelivery curve: "exponential" (default)
	// or "linear".
	RetryBackoff string

	// RetryBase is the first redelivery delay (default 50ms).
	RetryBase time.Duration

	// StopGrace bounds queue draining during Stop (default 5s).
	StopGrace time.Duration

	// Backpressure overrides the per-reliability default overflow policy
	// for every subscription that does not set its own.
	Backpressure BackpressurePolicy

	// CircuitFailureThreshold consecutive transport failures open the
	// breaker (default 5); CircuitSuccessThreshold consecutive half-open
	// successes close it (default 2) after CircuitCooldown (default 10s).
	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitCooldown         time.Duration

	// Logger receives delivery diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ContextID == "" {
		c.ContextID = "local"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBackoff == "" {
		c.RetryBackoff = "exponential"
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// MemoryBroker is the in-process broker implementation. Each subscription
// owns a bounded queue and a single delivery goroutine, which yields
// per-subscription FIFO delivery and therefore publish-order delivery per
// (publisher, subscription) pair.
type MemoryBroker struct {
	cfg       Config
	transport Transport
	circuit   *circuitBreaker
	tracer    trace.Tracer
	logger    *slog.Logger

	mu     sync.RWMutex
	state  State
	subs   map[string]*Subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Compile-time interface compliance check.
var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates a broker. The transport may be nil for a purely
// local deployment.
func NewMemoryBroker(cfg Config, transport Transport) *MemoryBroker {
	cfg.withDefaults()
	return &MemoryBroker{
		cfg:       cfg,
		transport: transport,
		circuit: newCircuitBreaker(cfg.CircuitFailureThreshold,
			cfg.CircuitSuccessThreshold, cfg.CircuitCooldown),
		tracer: otel.Tracer(tracerName),
		logger: cfg.Logger,
		state:  StateIdle,
		subs:   make(map[string]*Subscription),
	}
}

// State returns the broker's operational state.
func (b *MemoryBroker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Start enables delivery and, when a transport is configured, begins
// receiving remote events.
func (b *MemoryBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return amcperr.Lifecyclef("broker: cannot start from state %q", b.state)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.state = StateRunning
	b.mu.Unlock()

	if b.transport != nil {
		if err := b.transport.Start(runCtx, b.inject); err != nil {
			b.mu.Lock()
			b.state = StateDegraded
			b.mu.Unlock()
			return amcperr.Wrap(err, amcperr.CodeBrokerUnavailable,
				"broker: transport failed to start")
		}
	}

	b.logger.InfoContext(ctx, "broker: started",
		"context_id", b.cfg.ContextID,
		"transport", b.transport != nil,
	)
	return nil
}

// Stop drains subscription queues within the grace period, then drops the
// best-effort remainder and logs the at-least-once remainder as failed.
func (b *MemoryBroker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = StateClosed
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	// Grace period: wait for queues to empty.
	deadline := time.Now().Add(b.cfg.StopGrace)
	for time.Now().Before(deadline) {
		pending := 0
		for _, s := range subs {
			pending += s.queue.len()
		}
		if pending == 0 {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Close queues; delivery loops finish their in-flight handler and exit.
	for _, s := range subs {
		for _, item := range s.queue.drain() {
			if item.opts.Reliability == event.AtLeastOnce {
				b.logger.Error("broker: undelivered at-least-once event at shutdown",
					"event_id", item.evt.ID().String(),
					"topic", item.evt.Topic(),
					"subscription", s.ID,
				)
			}
		}
		s.queue.close()
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	if b.transport != nil {
		if err := b.transport.Close(); err != nil {
			b.logger.Error("broker: transport close failed", "error", err)
		}
	}

	b.logger.InfoContext(ctx, "broker: stopped", "context_id", b.cfg.ContextID)
	return nil
}

// Subscribe registers a subscription for the pattern, idempotently.
func (b *MemoryBroker) Subscribe(pattern string, agentID id.AgentID, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	if err := topic.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, amcperr.New(amcperr.CodeValidation, "broker: handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return nil, amcperr.New(amcperr.CodeBrokerClosed, "broker: subscribe after stop")
	}

	// Idempotency on exact duplicates: same pattern, agent, and options
	// return the existing live subscription.
	for _, s := range b.subs {
		if s.Pattern == pattern && s.AgentID == agentID && s.Options == opts {
			return s, nil
		}
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = b.cfg.QueueSize
	}
	sub := &Subscription{
		ID:      newSubscriptionID(),
		Pattern: pattern,
		AgentID: agentID,
		Options: opts,
		handler: handler,
		queue:   newSubQueue(queueSize),
	}
	b.subs[sub.ID] = sub

	b.wg.Add(1)
	go b.deliverLoop(sub)

	b.logger.Debug("broker: subscription registered",
		"subscription", sub.ID,
		"pattern", pattern,
		"agent_id", agentID.String(),
	)
	return sub, nil
}

// Unsubscribe removes the subscription; its in-flight delivery completes
// but no new events are enqueued.
func (b *MemoryBroker) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return amcperr.New(amcperr.CodeSubscriptionNotFound, "broker: nil subscription")
	}

	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	if ok {
		delete(b.subs, sub.ID)
	}
	b.mu.Unlock()

	if !ok {
		return amcperr.Newf(amcperr.CodeSubscriptionNotFound,
			"broker: subscription %q is not registered", sub.ID)
	}
	sub.queue.close()
	return nil
}

// Publish routes the event to every matching subscription and, when a
// transport is configured, forwards it to the external queue.
func (b *MemoryBroker) Publish(ctx context.Context, e *event.Event) error {
	ctx, span := b.tracer.Start(ctx, "broker.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", e.Topic()),
			attribute.String("messaging.message.id", e.ID().String()),
		),
	)
	defer span.End()

	if err := topic.Validate(e.Topic()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	switch b.State() {
	case StateRunning:
	case StateDegraded:
		err := amcperr.New(amcperr.CodeBrokerUnavailable,
			"broker: degraded after persistent transport failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	default:
		err := amcperr.Newf(amcperr.CodeBrokerClosed,
			"broker: publish in state %q", b.State())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := b.fanOutLocal(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Remote fan-out, unless the event came in from the transport.
	if b.transport != nil {
		if origin, _ := e.Meta(MetaOriginContext); origin != b.cfg.ContextID {
			if err := b.forward(ctx, e); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// fanOutLocal enqueues the event on every matching local subscription.
func (b *MemoryBroker) fanOutLocal(ctx context.Context, e *event.Event) error {
	b.mu.RLock()
	matching := make([]*Subscription, 0, 4)
	for _, s := range b.subs {
		// Patterns are validated at subscribe and the topic above, so a
		// match error here is impossible.
		ok, _ := topic.Matches(e.Topic(), s.Pattern)
		if ok {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		opts := effectiveOptions(s, e)
		policy := s.Options.Backpressure
		if policy == "" {
			policy = b.cfg.Backpressure
		}
		if policy == "" {
			if opts.Reliability == event.AtLeastOnce {
				policy = BlockPublisher
			} else {
				policy = DropOldest
			}
		}

		admitted := s.queue.push(ctx, queued{evt: e, opts: opts}, policy)
		if !admitted {
			if opts.Reliability == event.AtLeastOnce {
				return amcperr.Newf(amcperr.CodeBrokerUnavailable,
					"broker: queue full for at-least-once subscription %q", s.ID)
			}
			b.logger.Debug("broker: best-effort event dropped on back-pressure",
				"event_id", e.ID().String(),
				"subscription", s.ID,
				"policy", string(policy),
			)
		}
	}
	return nil
}

// forward ships the event through the transport under the circuit breaker,
// degrading the broker when the breaker opens.
func (b *MemoryBroker) forward(ctx context.Context, e *event.Event) error {
	if !b.circuit.allow() {
		return amcperr.New(amcperr.CodeCircuitOpen,
			"broker: transport circuit is open")
	}

	stamped := e.WithMetaStamped(map[string]string{MetaOriginContext: b.cfg.ContextID})
	if err := b.transport.Forward(ctx, stamped); err != nil {
		b.circuit.recordFailure()
		if b.circuit.isOpen() {
			b.mu.Lock()
			if b.state == StateRunning {
				b.state = StateDegraded
			}
			b.mu.Unlock()
			b.logger.Error("broker: degraded after persistent transport failure",
				"error", err)
		}
		return amcperr.Wrap(err, amcperr.CodeTransient, "broker: transport forward failed")
	}
	b.circuit.recordSuccess()
	return nil
}

// Health probes the transport and recovers the broker from the degraded
// state when the probe succeeds. Without a transport it only reports the
// operational state.
func (b *MemoryBroker) Health(ctx context.Context) error {
	state := b.State()
	if state == StateClosed || state == StateIdle {
		return amcperr.Newf(amcperr.CodeBrokerClosed, "broker: state %q", state)
	}
	if b.transport != nil {
		if err := b.transport.Health(ctx); err != nil {
			return amcperr.Wrap(err, amcperr.CodeBrokerUnavailable,
				"broker: transport unhealthy")
		}
	}
	if state == StateDegraded {
		b.circuit.reset()
		b.mu.Lock()
		b.state = StateRunning
		b.mu.Unlock()
		b.logger.InfoContext(ctx, "broker: recovered from degraded state")
	}
	return nil
}

// inject delivers an event received from the transport to local
// subscriptions only; it is never forwarded back out.
func (b *MemoryBroker) inject(ctx context.Context, e *event.Event) {
	if origin, _ := e.Meta(MetaOriginContext); origin == b.cfg.ContextID {
		return // our own event echoed back by the queue
	}
	if b.State() != StateRunning {
		return
	}
	if err := b.fanOutLocal(ctx, e); err != nil {
		b.logger.Error("broker: failed to deliver transported event",
			"event_id", e.ID().String(),
			"error", err,
		)
	}
}

// deliverLoop is the per-subscription delivery goroutine: it pops queued
// events in FIFO order and invokes the handler, applying the retry and
// dead-letter policy for at-least-once deliveries.
func (b *MemoryBroker) deliverLoop(sub *Subscription) {
	defer b.wg.Done()

	for {
		item, ok := sub.queue.pop()
		if !ok {
			return
		}
		// Hold delivery while the owning agent is migrating. Resume or
		// queue closure wakes the wait.
		sub.queue.waitWhile(sub.Suspended)

		if ttl := item.opts.TTL; ttl > 0 && time.Now().After(item.evt.Timestamp().Add(ttl)) {
			b.logger.Debug("broker: event expired before delivery",
				"event_id", item.evt.ID().String(),
				"topic", item.evt.Topic(),
			)
			continue
		}
		b.deliverOne(sub, item)
	}
}

// deliverOne invokes the handler with retries per the delivery options.
func (b *MemoryBroker) deliverOne(sub *Subscription, item queued) {
	ctx := context.Background()
	ctx, span := b.tracer.Start(ctx, "broker.Deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", item.evt.Topic()),
			attribute.String("messaging.message.id", item.evt.ID().String()),
			attribute.String("subscription.id", sub.ID),
		),
	)
	defer span.End()

	attempts := 1
	if item.opts.Reliability == event.AtLeastOnce {
		attempts = b.cfg.RetryMax
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = b.invoke(ctx, sub, item.evt)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}
		b.logger.Warn("broker: delivery attempt failed",
			"event_id", item.evt.ID().String(),
			"subscription", sub.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(b.retryDelay(attempt))
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if item.opts.Reliability == event.AtLeastOnce {
		b.deadLetter(ctx, item.evt, attempts)
	}
}

// invoke runs the handler, converting panics into errors so a broken
// subscriber cannot take down the delivery loop.
func (b *MemoryBroker) invoke(ctx context.Context, sub *Subscription, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = amcperr.Internalf("broker: handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, e)
}

// retryDelay computes the backoff before the next redelivery attempt.
func (b *MemoryBroker) retryDelay(attempt int) time.Duration {
	if b.cfg.RetryBackoff == "linear" {
		return b.cfg.RetryBase * time.Duration(attempt)
	}
	return b.cfg.RetryBase << (attempt - 1)
}

// deadLetter republishes an exhausted event on the dead-letter topic with
// its original metadata preserved. Dead-letter events that themselves
// exhaust delivery are dropped to avoid recursion.
func (b *MemoryBroker) deadLetter(ctx context.Context, e *event.Event, attempts int) {
	if strings.HasPrefix(e.Topic(), DeadLetterPrefix) {
		b.logger.Error("broker: dropping undeliverable dead-letter event",
			"event_id", e.ID().String(),
			"topic", e.Topic(),
		)
		return
	}

	meta := e.Metadata()
	meta[MetaDeadLetterTopic] = e.Topic()
	meta[MetaDeadLetterAttempts] = strconv.Itoa(attempts)

	dead, err := event.New(DeadLetterPrefix+e.Topic(), e.Payload(),
		event.WithSender(e.Sender()),
		event.WithCorrelationID(e.CorrelationID()),
		event.WithMetadata(meta),
	)
	if err != nil {
		b.logger.Error("broker: failed to construct dead-letter event", "error", err)
		return
	}

	b.logger.Warn("broker: event dead-lettered",
		"event_id", e.ID().String(),
		"topic", e.Topic(),
		"attempts", attempts,
	)
	if err := b.fanOutLocal(ctx, dead); err != nil {
		b.logger.Error("broker: dead-letter fan-out failed", "error", err)
	}
}

// effectiveOptions merges a subscription's delivery overrides over the
// event's own options.
func effectiveOptions(sub *Subscription, e *event.Event) event.DeliveryOptions {
	opts := e.Delivery()
	o := sub.Options.Delivery
	if o.Reliability != "" {
		opts.Reliability = o.Reliability
	}
	opts.Ordered = opts.Ordered || o.Ordered
	if o.TTL > 0 {
		opts.TTL = o.TTL
	}
	if o.Priority != 0 {
		opts.Priority = o.Priority
	}
	opts.RequireAck = opts.RequireAck || o.RequireAck
	return opts
}
