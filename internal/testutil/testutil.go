// Package testutil provides shared test helpers for the AMCP runtime.
//
// All helpers accept [testing.TB] for compatibility with both tests and
// benchmarks. Functions that halt the test on failure use [require] from
// testify; functions that record failures without stopping use [assert].
//
// Every helper calls t.Helper() so that test failure messages report the
// caller's file and line number rather than this package's.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// RequireNoError halts the test immediately if err is non-nil.
// Use this for preconditions whose failure makes continuing meaningless.
func RequireNoError(t testing.TB, err error, msgAndArgs ...any) {
	t.Helper()
	require.NoError(t, err, msgAndArgs...)
}

// RequireErrorCode halts the test if err is nil, is not a platform
// error, or does not carry the expected error code. This is the primary
// helper for validating mesh error responses.
//
// Example:
//
//	err := b.Publish(ctx, e)
//	testutil.RequireErrorCode(t, err, amcperr.CodeBrokerClosed)
func RequireErrorCode(t testing.TB, err error, code amcperr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	platformErr, ok := amcperr.AsError(err)
	require.True(t, ok, "expected *amcperr.Error, got %T: %v", err, err)
	require.Equal(t, code, platformErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		platformErr.Code, code, platformErr.Message)
}

// AssertErrorCode records a test failure (without halting) if err is nil,
// is not a platform error, or does not carry the expected error code.
// Use this in table-driven tests where you want to check all rows.
func AssertErrorCode(t testing.TB, err error, code amcperr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	platformErr, ok := amcperr.AsError(err)
	if !assert.True(t, ok, "expected *amcperr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, platformErr.Code)
}

// Eventually polls cond every few milliseconds until it holds or the
// timeout elapses, halting the test on expiry. Use it for asynchronous
// delivery assertions instead of bare sleeps.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
