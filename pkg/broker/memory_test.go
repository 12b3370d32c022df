package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
)

// startBroker creates and starts a broker with fast retry timing for tests.
func startBroker(t *testing.T, transport Transport) *MemoryBroker {
	t.Helper()
	b := NewMemoryBroker(Config{
		ContextID: "ctx-test",
		RetryMax:  3,
		RetryBase: time.Millisecond,
		StopGrace: time.Second,
	}, transport)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func mustEvent(t *testing.T, topic string, payload any, opts ...event.Option) *event.Event {
	t.Helper()
	e, err := event.New(topic, payload, opts...)
	require.NoError(t, err)
	return e
}

// collector accumulates delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *collector) handler(_ context.Context, e *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Topic()
	}
	return out
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
// Publish / Subscribe Tests
// ===========================================================================

// TestMemoryBroker_PublishRoutesToMatchingSubscriptions verifies wildcard
// routing and that non-matching subscribers see nothing.
func TestMemoryBroker_PublishRoutesToMatchingSubscriptions(t *testing.T) {
	b := startBroker(t, nil)

	var exact, wildcard, other collector
	_, err := b.Subscribe("x.y", "a1", exact.handler, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("x.*", "a2", wildcard.handler, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("z.**", "a3", other.handler, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", "hello")))

	waitFor(t, func() bool { return exact.len() == 1 && wildcard.len() == 1 },
		"matching subscribers did not receive the event")
	assert.Equal(t, 0, other.len())
}

// TestMemoryBroker_PublishNoSubscribersSucceeds verifies publishing into
// the void is not an error.
func TestMemoryBroker_PublishNoSubscribersSucceeds(t *testing.T) {
	b := startBroker(t, nil)
	assert.NoError(t, b.Publish(context.Background(), mustEvent(t, "nobody.home", nil)))
}

// TestMemoryBroker_PublishValidation verifies a well-formed publish
// succeeds and a publish after Stop is classified as BrokerClosed.
func TestMemoryBroker_PublishValidation(t *testing.T) {
	b := startBroker(t, nil)

	err := b.Publish(context.Background(), mustEvent(t, "ok.topic", nil).
		WithMetaStamped(nil)) // no-op stamp, event is fine
	assert.NoError(t, err)

	require.NoError(t, b.Stop(context.Background()))
	err = b.Publish(context.Background(), mustEvent(t, "ok.topic", nil))
	assert.Equal(t, amcperr.CodeBrokerClosed, amcperr.GetCode(err))
}

// TestMemoryBroker_SubscribeIdempotent verifies exact duplicates return
// the same live subscription.
func TestMemoryBroker_SubscribeIdempotent(t *testing.T) {
	b := startBroker(t, nil)
	var c collector

	opts := SubscribeOptions{QueueSize: 8}
	s1, err := b.Subscribe("x.*", "a1", c.handler, opts)
	require.NoError(t, err)
	s2, err := b.Subscribe("x.*", "a1", c.handler, opts)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	// Different options are a distinct subscription.
	s3, err := b.Subscribe("x.*", "a1", c.handler, SubscribeOptions{QueueSize: 16})
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

// TestMemoryBroker_SubscribeRejectsBadPattern verifies pattern validation.
func TestMemoryBroker_SubscribeRejectsBadPattern(t *testing.T) {
	b := startBroker(t, nil)
	_, err := b.Subscribe("a.**.b", "a1", func(context.Context, *event.Event) error { return nil },
		SubscribeOptions{})
	assert.Equal(t, amcperr.CodeInvalidPattern, amcperr.GetCode(err))
}

// TestMemoryBroker_Unsubscribe verifies removal stops new deliveries and
// double removal is classified.
func TestMemoryBroker_Unsubscribe(t *testing.T) {
	b := startBroker(t, nil)
	var c collector

	sub, err := b.Subscribe("x.y", "a1", c.handler, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 1)))
	waitFor(t, func() bool { return c.len() == 1 }, "first event not delivered")

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 2)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.len(), "no delivery after unsubscribe")

	err = b.Unsubscribe(sub)
	assert.Equal(t, amcperr.CodeSubscriptionNotFound, amcperr.GetCode(err))
}

// ===========================================================================
// Ordering Tests
// ===========================================================================

// TestMemoryBroker_OrderedDelivery verifies prefix-preserving order for a
// single publisher on an ordered subscription.
func TestMemoryBroker_OrderedDelivery(t *testing.T) {
	b := startBroker(t, nil)

	var mu sync.Mutex
	var got []int
	_, err := b.Subscribe("x.*", "s1", func(_ context.Context, e *event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload().(int))
		return nil
	}, SubscribeOptions{Delivery: event.DeliveryOptions{Ordered: true}})
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(),
			mustEvent(t, "x.y", i, event.WithSender("p1"),
				event.WithDelivery(event.DeliveryOptions{
					Reliability: event.AtLeastOnce,
					Ordered:     true,
				}))))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "not all ordered events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i], "publish order must be preserved")
	}
}

// ===========================================================================
// At-Least-Once / Dead-Letter Tests
// ===========================================================================

// TestMemoryBroker_RetryPreservesEventID verifies redelivery carries the
// same event id and eventually succeeds.
func TestMemoryBroker_RetryPreservesEventID(t *testing.T) {
	b := startBroker(t, nil)

	var attempts atomic.Int32
	var seen sync.Map
	_, err := b.Subscribe("x.y", "s1", func(_ context.Context, e *event.Event) error {
		seen.Store(e.ID(), true)
		if attempts.Add(1) < 3 {
			return errors.New("flaky handler")
		}
		return nil
	}, SubscribeOptions{Delivery: event.DeliveryOptions{Reliability: event.AtLeastOnce}})
	require.NoError(t, err)

	e := mustEvent(t, "x.y", "payload",
		event.WithDelivery(event.DeliveryOptions{Reliability: event.AtLeastOnce}))
	require.NoError(t, b.Publish(context.Background(), e))

	waitFor(t, func() bool { return attempts.Load() == 3 }, "retries did not run")

	ids := 0
	seen.Range(func(any, any) bool { ids++; return true })
	assert.Equal(t, 1, ids, "all attempts must observe the same event id")
}

// TestMemoryBroker_DeadLetterAfterRetryBudget verifies routing to
// amcp.deadletter.<topic> with original metadata preserved.
func TestMemoryBroker_DeadLetterAfterRetryBudget(t *testing.T) {
	b := startBroker(t, nil)

	var dead collector
	_, err := b.Subscribe(DeadLetterPrefix+"**", "dlq", dead.handler, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Subscribe("x.y", "s1", func(context.Context, *event.Event) error {
		return errors.New("always fails")
	}, SubscribeOptions{Delivery: event.DeliveryOptions{Reliability: event.AtLeastOnce}})
	require.NoError(t, err)

	e := mustEvent(t, "x.y", "doomed",
		event.WithMeta("amcptraceid", "trace-9"),
		event.WithDelivery(event.DeliveryOptions{Reliability: event.AtLeastOnce}))
	require.NoError(t, b.Publish(context.Background(), e))

	waitFor(t, func() bool { return dead.len() == 1 }, "dead-letter event not delivered")

	dl := func() *event.Event {
		dead.mu.Lock()
		defer dead.mu.Unlock()
		return dead.events[0]
	}()
	assert.Equal(t, "amcp.deadletter.x.y", dl.Topic())
	orig, _ := dl.Meta(MetaDeadLetterTopic)
	assert.Equal(t, "x.y", orig)
	traceID, _ := dl.Meta("amcptraceid")
	assert.Equal(t, "trace-9", traceID, "original metadata must be preserved")
	attempts, _ := dl.Meta(MetaDeadLetterAttempts)
	assert.Equal(t, "3", attempts)
}

// TestMemoryBroker_HandlerPanicIsContained verifies a panicking handler
// does not kill the delivery loop.
func TestMemoryBroker_HandlerPanicIsContained(t *testing.T) {
	b := startBroker(t, nil)

	var calls atomic.Int32
	_, err := b.Subscribe("x.y", "s1", func(_ context.Context, e *event.Event) error {
		if calls.Add(1) == 1 {
			panic("first event explodes")
		}
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 1)))
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 2)))

	waitFor(t, func() bool { return calls.Load() == 2 },
		"delivery loop died after handler panic")
}

// ===========================================================================
// Back-Pressure Tests
// ===========================================================================

// TestMemoryBroker_DropOldest verifies best-effort overflow keeps the
// newest events.
func TestMemoryBroker_DropOldest(t *testing.T) {
	b := startBroker(t, nil)

	release := make(chan struct{})
	var c collector
	gate := func(ctx context.Context, e *event.Event) error {
		<-release
		return c.handler(ctx, e)
	}

	_, err := b.Subscribe("x.y", "s1", gate, SubscribeOptions{
		QueueSize:    2,
		Backpressure: DropOldest,
	})
	require.NoError(t, err)

	// First publish is popped by the delivery loop and blocks on the gate;
	// the rest fill and overflow the 2-slot queue.
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", i)))
		time.Sleep(time.Millisecond)
	}
	close(release)

	waitFor(t, func() bool { return c.len() == 3 }, "expected gate + 2 queued deliveries")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, c.len(), "dropped events must not be delivered")

	c.mu.Lock()
	survivors := []any{c.events[1].Payload(), c.events[2].Payload()}
	c.mu.Unlock()
	assert.Equal(t, []any{4, 5}, survivors, "overflow must keep the newest events")
}

// TestMemoryBroker_BlockPublisher verifies the publisher blocks until
// space frees and respects context cancellation.
func TestMemoryBroker_BlockPublisher(t *testing.T) {
	b := startBroker(t, nil)

	release := make(chan struct{})
	var c collector
	gate := func(ctx context.Context, e *event.Event) error {
		<-release
		return c.handler(ctx, e)
	}

	_, err := b.Subscribe("x.y", "s1", gate, SubscribeOptions{
		QueueSize:    1,
		Backpressure: BlockPublisher,
	})
	require.NoError(t, err)

	// Fill: one in-flight (gated), one queued.
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 0)))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 1)))

	// Next publish must block until cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_ = b.Publish(ctx, mustEvent(t, "x.y", 2))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"publisher should have blocked until the context deadline")

	close(release)
}

// ===========================================================================
// Transport / Degraded State Tests
// ===========================================================================

// fakeTransport is a scriptable Transport for unit tests.
type fakeTransport struct {
	mu        sync.Mutex
	failing   bool
	forwarded []*event.Event
	receiver  Receiver
}

func (f *fakeTransport) Forward(_ context.Context, e *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("transport down")
	}
	f.forwarded = append(f.forwarded, e)
	return nil
}

func (f *fakeTransport) Start(_ context.Context, r Receiver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = r
	return nil
}

func (f *fakeTransport) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("still down")
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeTransport) forwardedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded)
}

// TestMemoryBroker_ForwardsToTransport verifies local events are stamped
// with the origin context and forwarded.
func TestMemoryBroker_ForwardsToTransport(t *testing.T) {
	ft := &fakeTransport{}
	b := startBroker(t, ft)

	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", "hi")))
	waitFor(t, func() bool { return ft.forwardedCount() == 1 }, "event not forwarded")

	ft.mu.Lock()
	origin, _ := ft.forwarded[0].Meta(MetaOriginContext)
	ft.mu.Unlock()
	assert.Equal(t, "ctx-test", origin)
}

// TestMemoryBroker_InjectSkipsOwnEvents verifies loop prevention for
// events echoed back by the external queue.
func TestMemoryBroker_InjectSkipsOwnEvents(t *testing.T) {
	ft := &fakeTransport{}
	b := startBroker(t, ft)

	var c collector
	_, err := b.Subscribe("x.y", "s1", c.handler, SubscribeOptions{})
	require.NoError(t, err)

	echo := mustEvent(t, "x.y", "echo", event.WithMeta(MetaOriginContext, "ctx-test"))
	ft.receiver(context.Background(), echo)

	remote := mustEvent(t, "x.y", "remote", event.WithMeta(MetaOriginContext, "ctx-other"))
	ft.receiver(context.Background(), remote)

	waitFor(t, func() bool { return c.len() == 1 }, "remote event not injected")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.len(), "own echoed event must be dropped")
}

// TestMemoryBroker_DegradesAndRecovers verifies the circuit-breaker path:
// persistent transport failure degrades the broker, a successful health
// probe recovers it.
func TestMemoryBroker_DegradesAndRecovers(t *testing.T) {
	ft := &fakeTransport{}
	b := NewMemoryBroker(Config{
		ContextID:               "ctx-test",
		CircuitFailureThreshold: 3,
		RetryBase:               time.Millisecond,
	}, ft)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	ft.setFailing(true)
	for i := 0; i < 3; i++ {
		err := b.Publish(context.Background(), mustEvent(t, "x.y", i))
		require.Error(t, err)
	}
	assert.Equal(t, StateDegraded, b.State())

	err := b.Publish(context.Background(), mustEvent(t, "x.y", "refused"))
	assert.Equal(t, amcperr.CodeBrokerUnavailable, amcperr.GetCode(err))

	// Probe while still down: stays degraded.
	require.Error(t, b.Health(context.Background()))
	assert.Equal(t, StateDegraded, b.State())

	// Recovery.
	ft.setFailing(false)
	require.NoError(t, b.Health(context.Background()))
	assert.Equal(t, StateRunning, b.State())
	assert.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", "back")))
}

// ===========================================================================
// Suspension Tests
// ===========================================================================

// TestSubscription_SuspendResume verifies suspended subscriptions hold
// deliveries and resume in order.
func TestSubscription_SuspendResume(t *testing.T) {
	b := startBroker(t, nil)

	var c collector
	sub, err := b.Subscribe("x.y", "s1", c.handler, SubscribeOptions{})
	require.NoError(t, err)

	sub.Suspend()
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 1)))
	require.NoError(t, b.Publish(context.Background(), mustEvent(t, "x.y", 2)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.len(), "no delivery while suspended")

	sub.Resume()
	waitFor(t, func() bool { return c.len() == 2 }, "deliveries did not resume")
}
