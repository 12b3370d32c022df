// Package redis provides the external-queue transport adapter for the AMCP
// broker, backed by Redis Pub/Sub.
//
// Every federated context publishes its outbound events, projected to
// CloudEvents 1.0 JSON, on a shared Redis channel and receives the other
// contexts' events from the same channel. Loop prevention is handled by
// the broker via the origin-context metadata; the adapter itself is a dumb
// pipe.
//
// Redis Pub/Sub is fire-and-forget: a context that is down misses events
// published while it was away. That matches the broker contract — the
// transport only has to hand events to the external queue; cross-host
// at-least-once is the receiving broker's concern.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xaviercallens/amcp-go/pkg/broker"
	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/event"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/broker/redis"

// DefaultChannel is the shared Pub/Sub channel carrying mesh events.
const DefaultChannel = "amcp:events"

// Config configures the Redis transport.
type Config struct {
	// Addr is the Redis host:port.
	Addr string `env:"ADDR" envDefault:"localhost:6379" yaml:"addr"`

	// Password authenticates to Redis; empty disables AUTH.
	Password string `env:"PASSWORD" yaml:"password"`

	// DB selects the logical database.
	DB int `env:"DB" envDefault:"0" yaml:"db"`

	// Channel is the Pub/Sub channel name.
	Channel string `env:"CHANNEL" envDefault:"amcp:events" yaml:"channel"`

	// ContextID names the local context; it becomes the CloudEvents
	// source for system events crossing the wire.
	ContextID string `env:"CONTEXT_ID" yaml:"context_id"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s" yaml:"dial_timeout"`

	// TLS enables TLS to Redis.
	TLS bool `env:"TLS" envDefault:"false" yaml:"tls"`
}

// Pubsubable is the narrow go-redis surface the transport needs. It is
// satisfied by [*redis.Client] and by test doubles.
type Pubsubable interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Transport is the Redis-backed [broker.Transport]. Create one with [New]
// or [NewFromClient]; it is safe for concurrent use.
type Transport struct {
	client  Pubsubable
	cfg     Config
	tracer  trace.Tracer
	logger  *slog.Logger
	mu      sync.Mutex
	pubsub  *redis.PubSub
	stopped chan struct{}
}

// Compile-time interface compliance check.
var _ broker.Transport = (*Transport)(nil)

// New connects to Redis and returns a transport. The logger may be nil.
func New(cfg Config, logger *slog.Logger) *Transport {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return NewFromClient(redis.NewClient(opts), cfg, logger)
}

// NewFromClient wraps an existing client, for production composition and
// for testing against miniature servers or containers.
func NewFromClient(client Pubsubable, cfg Config, logger *slog.Logger) *Transport {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:  client,
		cfg:     cfg,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Forward ships the event to the shared channel as CloudEvents JSON.
func (t *Transport) Forward(ctx context.Context, e *event.Event) error {
	ctx, span := t.tracer.Start(ctx, "transport.Forward",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", t.cfg.Channel),
			attribute.String("messaging.message.id", e.ID().String()),
		),
	)
	defer span.End()

	payload, err := json.Marshal(e.ToCloudEvent(t.cfg.ContextID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return amcperr.Wrap(err, amcperr.CodeValidation,
			"redis: event payload is not JSON-serializable")
	}

	if err := t.client.Publish(ctx, t.cfg.Channel, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return amcperr.Wrap(err, amcperr.CodeTransient, "redis: publish failed")
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Start subscribes to the shared channel and pumps inbound events to the
// receiver until Close.
func (t *Transport) Start(ctx context.Context, r broker.Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return amcperr.New(amcperr.CodeLifecycle, "redis: transport already started")
	}

	pubsub := t.client.Subscribe(ctx, t.cfg.Channel)
	// Force the subscription to be established before returning, so the
	// caller does not publish into the void.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return amcperr.Wrap(err, amcperr.CodeTransient, "redis: subscribe failed")
	}
	t.pubsub = pubsub

	go t.receiveLoop(ctx, pubsub.Channel(), r)
	return nil
}

// receiveLoop decodes inbound CloudEvents and hands them to the receiver.
// Undecodable messages are logged and skipped; a poisoned message must not
// stall the federation.
func (t *Transport) receiveLoop(ctx context.Context, ch <-chan *redis.Message, r broker.Receiver) {
	for {
		select {
		case <-t.stopped:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ce event.CloudEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ce); err != nil {
				t.logger.Warn("redis: dropping undecodable message", "error", err)
				continue
			}
			e, err := event.FromCloudEvent(ce, false)
			if err != nil {
				t.logger.Warn("redis: dropping invalid event", "error", err)
				continue
			}
			r(ctx, e)
		}
	}
}

// Health pings Redis.
func (t *Transport) Health(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return amcperr.Wrap(err, amcperr.CodeUnavailable, "redis: ping failed")
	}
	return nil
}

// Close stops the receive loop and releases the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.stopped:
		return nil
	default:
		close(t.stopped)
	}
	if t.pubsub != nil {
		_ = t.pubsub.Close()
		t.pubsub = nil
	}
	return t.client.Close()
}
