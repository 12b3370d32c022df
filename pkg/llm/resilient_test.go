package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// mapCache is a trivial ResponseCache for unit tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: map[string]string{}} }

func (c *mapCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Put(key, response string) {
	c.mu.Lock()
	c.m[key] = response
	c.mu.Unlock()
}

// recordingFallback is a scriptable FallbackEngine.
type recordingFallback struct {
	mu       sync.Mutex
	answer   string
	canServe bool
	learned  [][2]string
}

func (f *recordingFallback) Respond(_ context.Context, prompt string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answer, f.canServe
}

func (f *recordingFallback) Learn(_ context.Context, prompt, response string) {
	f.mu.Lock()
	f.learned = append(f.learned, [2]string{prompt, response})
	f.mu.Unlock()
}

func keyFn(prompt, modelID string, _ Params) string { return prompt + "|" + modelID }

func fastConfig() ResilientConfig {
	return ResilientConfig{
		DefaultModel: "test-model",
		Timeout:      time.Second,
		MaxRetries:   2,
		RetryBase:    time.Millisecond,
	}
}

// TestResilient_ModelPath verifies the happy path: model response, cache
// fill, learning hook, stats.
func TestResilient_ModelPath(t *testing.T) {
	mock := NewMock()
	c := newMapCache()
	fb := &recordingFallback{}
	r := NewResilient(mock, c, keyFn, fb, fastConfig())

	got, err := r.Generate(context.Background(), "hello", "", Params{})
	require.NoError(t, err)
	assert.Equal(t, "mock(test-model): hello", got)

	// Cached now.
	cached, ok := c.Get("hello|test-model")
	assert.True(t, ok)
	assert.Equal(t, got, cached)

	// Learned.
	fb.mu.Lock()
	require.Len(t, fb.learned, 1)
	assert.Equal(t, "hello", fb.learned[0][0])
	fb.mu.Unlock()

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(0), stats.CacheHits)
	assert.Equal(t, float64(1), stats.SuccessRate)
}

// TestResilient_CacheHitSkipsModel verifies the first rung of the ladder.
func TestResilient_CacheHitSkipsModel(t *testing.T) {
	mock := NewMock()
	c := newMapCache()
	r := NewResilient(mock, c, keyFn, nil, fastConfig())

	_, err := r.Generate(context.Background(), "hello", "m", Params{})
	require.NoError(t, err)
	calls := mock.Calls()

	got, err := r.Generate(context.Background(), "hello", "m", Params{})
	require.NoError(t, err)
	assert.Equal(t, "mock(m): hello", got)
	assert.Equal(t, calls, mock.Calls(), "cache hit must not touch the model")
	assert.Equal(t, int64(1), r.Stats().CacheHits)
}

// TestResilient_RetriesTransient verifies bounded retries of retryable
// failures.
func TestResilient_RetriesTransient(t *testing.T) {
	attempts := 0
	mock := NewMock()
	mock.GenerateFunc = func(context.Context, string, string, Params) (string, error) {
		attempts++
		if attempts < 3 {
			return "", amcperr.New(amcperr.CodeTransient, "model overloaded")
		}
		return "third time lucky", nil
	}
	r := NewResilient(mock, nil, nil, nil, fastConfig())

	got, err := r.Generate(context.Background(), "p", "m", Params{})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", got)
	assert.Equal(t, 3, attempts)
}

// TestResilient_UnavailableGoesToFallback verifies terminal failure
// delegates to the rule engine without burning retries on a
// non-retryable error.
func TestResilient_UnavailableGoesToFallback(t *testing.T) {
	mock := NewMock()
	mock.SetUnavailable(true)
	fb := &recordingFallback{answer: "rules say: sunny", canServe: true}
	r := NewResilient(mock, nil, nil, fb, fastConfig())

	got, err := r.Generate(context.Background(), "weather in nice", "m", Params{})
	require.NoError(t, err)
	assert.Equal(t, "rules say: sunny", got)
	assert.Equal(t, 1, mock.Calls(), "LLMUnavailable is not retryable")

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Fallbacks)
	assert.Equal(t, int64(0), stats.Failures)
}

// TestResilient_TotalFailure verifies the error surfaces when even the
// fallback has nothing.
func TestResilient_TotalFailure(t *testing.T) {
	mock := NewMock()
	mock.SetUnavailable(true)
	fb := &recordingFallback{canServe: false}
	r := NewResilient(mock, nil, nil, fb, fastConfig())

	_, err := r.Generate(context.Background(), "p", "m", Params{})
	require.Error(t, err)
	assert.Equal(t, amcperr.CodeLLMUnavailable, amcperr.GetCode(err))

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, float64(0), stats.SuccessRate)
}

// TestResilient_PerModelTimeout verifies a slow model is cut off and
// classified as an LLM timeout.
func TestResilient_PerModelTimeout(t *testing.T) {
	mock := NewMock()
	mock.GenerateFunc = func(ctx context.Context, _, _ string, _ Params) (string, error) {
		select {
		case <-ctx.Done():
			return "", amcperr.Wrap(ctx.Err(), amcperr.CodeLLMTimeout, "cut off")
		case <-time.After(time.Second):
			return "too late", nil
		}
	}
	cfg := fastConfig()
	cfg.MaxRetries = -1 // no retries: withDefaults clamps to zero
	cfg.ModelTimeouts = map[string]time.Duration{"slow-model": 10 * time.Millisecond}
	r := NewResilient(mock, nil, nil, nil, cfg)

	start := time.Now()
	_, err := r.Generate(context.Background(), "p", "slow-model", Params{})
	require.Error(t, err)
	assert.Equal(t, amcperr.CodeLLMTimeout, amcperr.GetCode(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// TestResilient_Healthy verifies health passes through to the inner
// connector.
func TestResilient_Healthy(t *testing.T) {
	mock := NewMock()
	r := NewResilient(mock, nil, nil, nil, fastConfig())
	assert.True(t, r.Healthy(context.Background()))
	mock.SetUnavailable(true)
	assert.False(t, r.Healthy(context.Background()))
}
