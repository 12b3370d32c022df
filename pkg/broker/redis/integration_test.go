//go:build integration

// Integration tests for the Redis Pub/Sub transport, gated behind the
// "integration" build tag and executed against a real container.
//
// Run locally with:
//
//	go test -v -race -tags=integration ./pkg/broker/redis/...
package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/xaviercallens/amcp-go/internal/testutil"
	"github.com/xaviercallens/amcp-go/internal/testutil/containers"
	"github.com/xaviercallens/amcp-go/pkg/broker"
	redistransport "github.com/xaviercallens/amcp-go/pkg/broker/redis"
	"github.com/xaviercallens/amcp-go/pkg/event"
)

// TransportSuite starts one Redis container for all tests; isolation is
// by per-test channels.
type TransportSuite struct {
	suite.Suite
	redis *containers.RedisResult
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) SetupSuite() {
	result, err := containers.StartRedis(context.Background())
	s.Require().NoError(err)
	s.redis = result
}

func (s *TransportSuite) TearDownSuite() {
	if s.redis != nil {
		_ = s.redis.Container.Terminate(context.Background())
	}
}

// newTransport builds a transport on a dedicated channel.
func (s *TransportSuite) newTransport(contextID, channel string) *redistransport.Transport {
	return redistransport.New(redistransport.Config{
		Addr:        s.redis.Addr,
		Channel:     channel,
		ContextID:   contextID,
		DialTimeout: 5 * time.Second,
	}, nil)
}

func (s *TransportSuite) TestForwardReceiveRoundTrip() {
	ctx := context.Background()
	sender := s.newTransport("ctx-a", "amcp:test:roundtrip")
	receiver := s.newTransport("ctx-b", "amcp:test:roundtrip")
	defer sender.Close()
	defer receiver.Close()

	var mu sync.Mutex
	var received []*event.Event
	s.Require().NoError(receiver.Start(ctx, func(_ context.Context, e *event.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))
	// The sender also starts so its own subscription exists; its receiver
	// records nothing relevant here.
	s.Require().NoError(sender.Start(ctx, func(context.Context, *event.Event) {}))

	e, err := event.New("task.request.weather.current",
		map[string]any{"location": "Nice,FR"},
		event.WithSender("orchestrator-itest01"),
		event.WithCorrelationID("c-int-1"),
		event.WithMeta(broker.MetaOriginContext, "ctx-a"),
	)
	s.Require().NoError(err)
	s.Require().NoError(sender.Forward(ctx, e))

	testutil.Eventually(s.T(), 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "forwarded event never arrived")

	mu.Lock()
	got := received[0]
	mu.Unlock()
	assert.Equal(s.T(), e.ID(), got.ID(), "event identity must survive the wire")
	assert.Equal(s.T(), "task.request.weather.current", got.Topic())
	assert.Equal(s.T(), e.CorrelationID(), got.CorrelationID())
	origin, _ := got.Meta(broker.MetaOriginContext)
	assert.Equal(s.T(), "ctx-a", origin)

	payload, ok := got.Payload().(map[string]any)
	s.Require().True(ok)
	assert.Equal(s.T(), "Nice,FR", payload["location"])
}

func (s *TransportSuite) TestBrokerFederationOverRedis() {
	ctx := context.Background()

	newBroker := func(contextID string) *broker.MemoryBroker {
		transport := s.newTransport(contextID, "amcp:test:federation")
		b := broker.NewMemoryBroker(broker.Config{
			ContextID: contextID,
			RetryBase: time.Millisecond,
			StopGrace: time.Second,
		}, transport)
		s.Require().NoError(b.Start(ctx))
		return b
	}
	b1 := newBroker("ctx-1")
	b2 := newBroker("ctx-2")
	defer func() {
		_ = b1.Stop(ctx)
		_ = b2.Stop(ctx)
	}()

	var mu sync.Mutex
	var local, remote int
	_, err := b1.Subscribe("x.*", "sub-local", func(context.Context, *event.Event) error {
		mu.Lock()
		local++
		mu.Unlock()
		return nil
	}, broker.SubscribeOptions{})
	s.Require().NoError(err)
	_, err = b2.Subscribe("x.*", "sub-remote", func(context.Context, *event.Event) error {
		mu.Lock()
		remote++
		mu.Unlock()
		return nil
	}, broker.SubscribeOptions{})
	s.Require().NoError(err)

	e, err := event.New("x.y", map[string]any{"n": 1})
	s.Require().NoError(err)
	s.Require().NoError(b1.Publish(ctx, e))

	testutil.Eventually(s.T(), 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return local == 1 && remote == 1
	}, "event did not reach both contexts exactly once")

	// The echo back to ctx-1 must not double-deliver.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(s.T(), 1, local, "origin context must drop its own echoed event")
}

func (s *TransportSuite) TestHealth() {
	transport := s.newTransport("ctx-h", "amcp:test:health")
	defer transport.Close()
	assert.NoError(s.T(), transport.Health(context.Background()))
}
