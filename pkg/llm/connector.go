// Package llm defines the model-agnostic LLM connector of the AMCP mesh
// and its resilience wrapper: per-request timeouts, bounded retries with
// jittered backoff, response caching, a learning feed into the rule-based
// fallback engine, and a terminal fallback path that keeps the mesh
// answering when every model is down.
//
// Concrete HTTP adapters for specific vendors live outside the core; the
// core depends only on the [Connector] contract. [Mock] supports tests
// and offline development.
package llm

import (
	"context"
	"time"
)

// Params are the generation parameters the core forwards to a connector.
// The connector decides which of them its model supports.
type Params struct {
	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens bounds the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// TopP is the nucleus sampling bound.
	TopP float64 `json:"top_p,omitempty"`
}

// Connector is the abstract LLM contract: issue a structured prompt,
// receive text. Implementations fail with CodeLLMUnavailable when the
// model cannot be reached, CodeLLMTimeout when a request exceeds its
// deadline, and CodeTransient for retryable model errors.
//
// Implementations must be safe for concurrent use.
type Connector interface {
	// Generate produces a model response for the prompt.
	Generate(ctx context.Context, prompt, modelID string, params Params) (string, error)

	// Healthy reports whether the connector can currently serve requests.
	Healthy(ctx context.Context) bool
}

// Stats is a point-in-time snapshot of a resilient connector's counters.
type Stats struct {
	// Requests is the total number of Generate calls.
	Requests int64 `json:"requests"`

	// CacheHits counts responses served from the cache.
	CacheHits int64 `json:"cache_hits"`

	// Fallbacks counts responses produced by the rule engine after the
	// model path failed terminally.
	Fallbacks int64 `json:"fallbacks"`

	// Failures counts requests that produced no response at all.
	Failures int64 `json:"failures"`

	// AvgLatency is the mean latency of model-served requests.
	AvgLatency time.Duration `json:"avg_latency"`

	// SuccessRate is the fraction of requests that produced a response,
	// from the model, the cache, or the fallback engine.
	SuccessRate float64 `json:"success_rate"`
}
