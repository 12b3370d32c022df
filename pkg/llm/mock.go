package llm

import (
	"context"
	"fmt"
	"sync"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// Mock is a scriptable connector for tests and offline development. Set
// GenerateFunc to control behavior; without one, Generate echoes the
// prompt. Calls are counted for assertions.
type Mock struct {
	// GenerateFunc is invoked by Generate when non-nil.
	GenerateFunc func(ctx context.Context, prompt, modelID string, params Params) (string, error)

	// unavailable, set with SetUnavailable, makes every call fail with
	// CodeLLMUnavailable, overriding GenerateFunc. Toggle it mid-test to
	// script outages.
	mu          sync.Mutex
	unavailable bool
	calls       int
	lastPrompt  string
}

// Compile-time interface compliance check.
var _ Connector = (*Mock)(nil)

// NewMock creates a mock connector with echo behavior.
func NewMock() *Mock {
	return &Mock{}
}

// SetUnavailable toggles scripted unavailability.
func (m *Mock) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

// Calls returns how many times Generate ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastPrompt returns the prompt of the most recent Generate call.
func (m *Mock) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrompt
}

// Generate implements [Connector].
func (m *Mock) Generate(ctx context.Context, prompt, modelID string, params Params) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastPrompt = prompt
	down := m.unavailable
	m.mu.Unlock()

	if down {
		return "", amcperr.New(amcperr.CodeLLMUnavailable, "llm: mock is scripted unavailable")
	}
	if err := ctx.Err(); err != nil {
		return "", amcperr.Wrap(err, amcperr.CodeLLMTimeout, "llm: mock context expired")
	}
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, modelID, params)
	}
	return fmt.Sprintf("mock(%s): %s", modelID, prompt), nil
}

// Healthy implements [Connector].
func (m *Mock) Healthy(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}
