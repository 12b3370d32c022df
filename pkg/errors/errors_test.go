package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// ===========================================================================
// Code Tests
// ===========================================================================

// TestCode_Category verifies that every code reports its category prefix.
func TestCode_Category(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{CodeInvalidTopic, "VAL"},
		{CodeAgentNotFound, "NF"},
		{CodeBrokerClosed, "LC"},
		{CodeLLMTimeout, "TIMEOUT"},
		{CodeTransient, "TRANS"},
		{CodeBrokerUnavailable, "UNAVAIL"},
		{CodeMigrationRefused, "MIG"},
		{CodePolicyViolation, "POLICY"},
		{CodeInternal, "INT"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Category(); got != tt.want {
				t.Errorf("Code(%q).Category() = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

// ===========================================================================
// Error Construction & Wrapping Tests
// ===========================================================================

// TestNew verifies basic error construction with code and message.
func TestNew(t *testing.T) {
	err := New(CodeInvalidTopic, "topic must not be empty")
	if err.Code != CodeInvalidTopic {
		t.Errorf("Code = %q, want %q", err.Code, CodeInvalidTopic)
	}
	want := "VAL_001: topic must not be empty"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

// TestWrap verifies the cause is preserved and reachable with errors.Is.
func TestWrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, CodeMigrationNetwork, "hand-off failed")
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if got := err.Error(); got != "MIG_001: hand-off failed: connection reset" {
		t.Errorf("Error() = %q", got)
	}
}

// TestWrap_NilCause verifies that wrapping nil returns nil.
func TestWrap_NilCause(t *testing.T) {
	if err := Wrap(nil, CodeInternal, "should be nil"); err != nil {
		t.Errorf("Wrap(nil, ...) = %v, want nil", err)
	}
	if err := Wrapf(nil, CodeInternal, "should be %s", "nil"); err != nil {
		t.Errorf("Wrapf(nil, ...) = %v, want nil", err)
	}
}

// TestWithDetail verifies that detail addition is copy-on-write.
func TestWithDetail(t *testing.T) {
	base := New(CodeAgentNotFound, "agent missing")
	detailed := base.WithDetail("agent_id", "counter-abc123")

	if len(base.Details) != 0 {
		t.Error("WithDetail mutated the original error")
	}
	if detailed.Details["agent_id"] != "counter-abc123" {
		t.Errorf("Details[agent_id] = %v", detailed.Details["agent_id"])
	}
}

// TestFormat verifies %+v includes the cause chain and details.
func TestFormat(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, CodeInternal, "outer").WithDetail("k", "v")
	got := fmt.Sprintf("%+v", err)
	for _, want := range []string{"INT_001", "outer", "boom", "k"} {
		if !strings.Contains(got, want) {
			t.Errorf("%%+v output %q missing %q", got, want)
		}
	}
}

// ===========================================================================
// Category Predicate Tests
// ===========================================================================

// TestCategoryPredicates verifies each Is* helper against a matrix of codes.
func TestCategoryPredicates(t *testing.T) {
	tests := []struct {
		name string
		pred func(error) bool
		code Code
	}{
		{"invalid_input", IsInvalidInput, CodeUnknownAgentType},
		{"not_found", IsNotFound, CodeCapabilityNotFound},
		{"lifecycle", IsLifecycle, CodeBrokerClosed},
		{"timeout", IsTimeout, CodeHandoffTimeout},
		{"transient", IsTransient, CodeTransient},
		{"unavailable", IsUnavailable, CodeCircuitOpen},
		{"migration", IsMigration, CodeUnsupportedSnapshot},
		{"policy", IsPolicy, CodePolicyViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.pred(New(tt.code, "x")) {
				t.Errorf("predicate rejected its own category code %q", tt.code)
			}
			if tt.pred(New(CodeInternal, "x")) && tt.code.Category() != "INT" {
				t.Errorf("predicate accepted INT code")
			}
			if tt.pred(stderrors.New("plain")) {
				t.Error("predicate accepted a plain error")
			}
		})
	}
}

// TestCategoryPredicates_WrappedChain verifies predicates traverse wrapped
// error chains via errors.As.
func TestCategoryPredicates_WrappedChain(t *testing.T) {
	inner := New(CodeMigrationRefused, "declined")
	outer := fmt.Errorf("dispatch failed: %w", inner)
	if !IsMigration(outer) {
		t.Error("IsMigration did not traverse the wrapped chain")
	}
	if GetCode(outer) != CodeMigrationRefused {
		t.Errorf("GetCode = %q", GetCode(outer))
	}
}

// ===========================================================================
// Retryable / Recoverable Tests
// ===========================================================================

// TestRetryable verifies only transient and timeout categories are retryable.
func TestRetryable(t *testing.T) {
	if !Retryable(New(CodeTransient, "hiccup")) {
		t.Error("transient not retryable")
	}
	if !Retryable(New(CodeLLMTimeout, "slow model")) {
		t.Error("timeout not retryable")
	}
	for _, code := range []Code{CodeInvalidTopic, CodeAgentNotFound,
		CodeBrokerClosed, CodeBrokerUnavailable, CodeMigrationRefused} {
		if Retryable(New(code, "x")) {
			t.Errorf("code %q unexpectedly retryable", code)
		}
	}
	if Retryable(stderrors.New("plain")) {
		t.Error("plain error retryable")
	}
}

// TestRecoverable verifies the migration recoverable flag round-trips and
// is scoped to MIG_xxx codes only.
func TestRecoverable(t *testing.T) {
	if !Recoverable(Migration(CodeMigrationRefused, true, "declined")) {
		t.Error("recoverable=true not reported")
	}
	if Recoverable(Migration(CodeMigrationSerialization, false, "bad state")) {
		t.Error("recoverable=false reported as recoverable")
	}
	if Recoverable(Migrationf(CodeMigrationNetwork, false, "link down on %s", "ctx-2")) {
		t.Error("recoverable=false (formatted) reported as recoverable")
	}
	// The flag is meaningless outside the MIG category.
	if Recoverable(New(CodeTimeout, "x").WithDetail(DetailRecoverable, true)) {
		t.Error("non-migration error reported recoverable")
	}
	if Recoverable(New(CodeMigrationNetwork, "no flag")) {
		t.Error("missing flag reported recoverable")
	}
}
