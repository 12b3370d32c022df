package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/xaviercallens/amcp-go/pkg/llm"

// ResponseCache is the cache contract the resilient connector consumes;
// satisfied by the cache subpackage.
type ResponseCache interface {
	Get(key string) (string, bool)
	Put(key, response string)
}

// KeyFunc computes the cache key for a generate request.
type KeyFunc func(prompt, modelID string, params Params) string

// FallbackEngine is the terminal degradation path: a deterministic
// responder consulted when retries are exhausted, plus the learning hook
// fed with every successful model response. Satisfied by the fallback
// package's engine.
type FallbackEngine interface {
	// Respond returns a rule-based response for the prompt, or false when
	// no rule or category matches.
	Respond(ctx context.Context, prompt string) (string, bool)

	// Learn observes a successful prompt/response pair.
	Learn(ctx context.Context, prompt, response string)
}

// ResilientConfig tunes a [Resilient] connector.
type ResilientConfig struct {
	// DefaultModel is used when a call passes an empty model id.
	DefaultModel string

	// Timeout bounds each model request (default 30s). Per-model
	// overrides win.
	Timeout time.Duration

	// ModelTimeouts overrides the timeout per model id.
	ModelTimeouts map[string]time.Duration

	// MaxRetries bounds retries of retryable failures (default 2,
	// meaning up to three attempts in total).
	MaxRetries int

	// RetryBase is the first backoff delay (default 200ms); each retry
	// doubles it and adds up to 50% jitter.
	RetryBase time.Duration

	// Logger receives connector diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (c *ResilientConfig) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Resilient wraps a [Connector] with the mesh's degradation ladder:
// cache → model with bounded jittered retries → rule-based fallback →
// error. Successful model responses feed the fallback engine's learning
// hook and the cache.
type Resilient struct {
	inner    Connector
	cache    ResponseCache
	keyFn    KeyFunc
	fallback FallbackEngine
	cfg      ResilientConfig
	tracer   trace.Tracer
	logger   *slog.Logger

	requests  atomic.Int64
	cacheHits atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64

	latMu      sync.Mutex
	latTotal   time.Duration
	latSamples int64
}

// Compile-time interface compliance check.
var _ Connector = (*Resilient)(nil)

// NewResilient wraps a connector. The cache (with its key function) and
// the fallback engine are optional; nil disables that rung of the ladder.
func NewResilient(inner Connector, respCache ResponseCache, keyFn KeyFunc, fallback FallbackEngine, cfg ResilientConfig) *Resilient {
	cfg.withDefaults()
	return &Resilient{
		inner:    inner,
		cache:    respCache,
		keyFn:    keyFn,
		fallback: fallback,
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
		logger:   cfg.Logger,
	}
}

// Generate walks the degradation ladder for one prompt.
func (r *Resilient) Generate(ctx context.Context, prompt, modelID string, params Params) (string, error) {
	if modelID == "" {
		modelID = r.cfg.DefaultModel
	}
	r.requests.Add(1)

	ctx, span := r.tracer.Start(ctx, "llm.Generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.model", modelID)),
	)
	defer span.End()

	var key string
	if r.cache != nil && r.keyFn != nil {
		key = r.keyFn(prompt, modelID, params)
		if cached, ok := r.cache.Get(key); ok {
			r.cacheHits.Add(1)
			span.SetAttributes(attribute.Bool("llm.cache_hit", true))
			span.SetStatus(codes.Ok, "")
			return cached, nil
		}
	}

	response, err := r.generateWithRetry(ctx, prompt, modelID, params)
	if err == nil {
		if key != "" {
			r.cache.Put(key, response)
		}
		if r.fallback != nil {
			r.fallback.Learn(ctx, prompt, response)
		}
		span.SetStatus(codes.Ok, "")
		return response, nil
	}

	// Terminal model failure: consult the rule engine.
	if r.fallback != nil {
		if answer, ok := r.fallback.Respond(ctx, prompt); ok {
			r.fallbacks.Add(1)
			r.logger.WarnContext(ctx, "llm: served fallback response",
				"model", modelID,
				"error", err,
			)
			span.SetAttributes(attribute.Bool("llm.fallback", true))
			span.SetStatus(codes.Ok, "")
			return answer, nil
		}
	}

	r.failures.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return "", err
}

// generateWithRetry drives the inner connector with per-model timeouts
// and bounded jittered exponential backoff on retryable failures.
func (r *Resilient) generateWithRetry(ctx context.Context, prompt, modelID string, params Params) (string, error) {
	timeout := r.cfg.Timeout
	if t, ok := r.cfg.ModelTimeouts[modelID]; ok {
		timeout = t
	}

	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryBase << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return "", amcperr.Wrap(ctx.Err(), amcperr.CodeLLMTimeout,
					"llm: request cancelled during backoff")
			case <-time.After(delay):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		var response string
		response, err = r.inner.Generate(reqCtx, prompt, modelID, params)
		timedOut := reqCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			r.recordLatency(time.Since(start))
			return response, nil
		}
		if timedOut {
			err = amcperr.Wrap(err, amcperr.CodeLLMTimeout,
				"llm: request exceeded the per-model timeout")
		}
		if !amcperr.Retryable(err) {
			return "", err
		}
		r.logger.WarnContext(ctx, "llm: retryable generate failure",
			"model", modelID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return "", err
}

// Healthy reports the inner connector's health.
func (r *Resilient) Healthy(ctx context.Context) bool {
	return r.inner.Healthy(ctx)
}

// recordLatency folds one model-served request into the latency average.
func (r *Resilient) recordLatency(d time.Duration) {
	r.latMu.Lock()
	r.latTotal += d
	r.latSamples++
	r.latMu.Unlock()
}

// Stats returns a snapshot of the connector's counters.
func (r *Resilient) Stats() Stats {
	requests := r.requests.Load()
	failures := r.failures.Load()

	var avg time.Duration
	r.latMu.Lock()
	if r.latSamples > 0 {
		avg = r.latTotal / time.Duration(r.latSamples)
	}
	r.latMu.Unlock()

	var successRate float64
	if requests > 0 {
		successRate = float64(requests-failures) / float64(requests)
	}
	return Stats{
		Requests:    requests,
		CacheHits:   r.cacheHits.Load(),
		Fallbacks:   r.fallbacks.Load(),
		Failures:    failures,
		AvgLatency:  avg,
		SuccessRate: successRate,
	}
}
