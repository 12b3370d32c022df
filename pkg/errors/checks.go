package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error.
// Returns the Error and true if successful, nil and false otherwise.
// This function traverses the error chain using errors.As.
//
// Example:
//
//	if e, ok := errors.AsError(err); ok {
//	    log.Printf("error code: %s, message: %s", e.Code, e.Message)
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error.
// If the error is not an *Error or is nil, returns an empty string.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode checks if an error has the specified error code.
// Returns false if the error is nil or not an *Error.
//
// Example:
//
//	if errors.HasCode(err, errors.CodeAlreadyInstalled) {
//	    // retried transport delivered the snapshot twice; treat as success
//	}
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// hasCategory reports whether err is an *Error in the given category.
func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsInvalidInput checks if the error is an invalid-input error (VAL_xxx):
// malformed topic, unknown agent type, bad pattern, or serialization
// mismatch. These are surfaced to the caller and never retried.
func IsInvalidInput(err error) bool {
	return hasCategory(err, "VAL")
}

// IsNotFound checks if the error is a not-found error (NF_xxx).
func IsNotFound(err error) bool {
	return hasCategory(err, "NF")
}

// IsLifecycle checks if the error is a lifecycle violation (LC_xxx),
// such as publishing on a stopped broker or activating an active agent.
func IsLifecycle(err error) bool {
	return hasCategory(err, "LC")
}

// IsTimeout checks if the error is a timeout (TIMEOUT_xxx). Timeouts are
// a normal outcome of outward calls, not a programming error; they surface
// in task audits rather than aborting orchestrations.
func IsTimeout(err error) bool {
	return hasCategory(err, "TIMEOUT")
}

// IsTransient checks if the error is transient (TRANS_xxx) and therefore
// subject to retry with backoff.
func IsTransient(err error) bool {
	return hasCategory(err, "TRANS")
}

// IsUnavailable checks if the error is a health-based refusal
// (UNAVAIL_xxx): degraded broker, open circuit, or unreachable model.
// These trigger fallback paths rather than retries.
func IsUnavailable(err error) bool {
	return hasCategory(err, "UNAVAIL")
}

// IsMigration checks if the error is a mobility failure (MIG_xxx).
func IsMigration(err error) bool {
	return hasCategory(err, "MIG")
}

// IsPolicy checks if the error is a security rejection (POLICY_xxx).
func IsPolicy(err error) bool {
	return hasCategory(err, "POLICY")
}

// Retryable reports whether err may be retried with backoff. Non-platform
// errors are not retryable.
func Retryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable()
}

// Recoverable reports the recoverable flag of a migration error. It
// returns true only for MIG_xxx errors whose [DetailRecoverable] detail is
// true; the mobility source uses this to decide whether the agent resumes.
func Recoverable(err error) bool {
	e, ok := AsError(err)
	if !ok || e.Code.Category() != "MIG" {
		return false
	}
	v, ok := e.Details[DetailRecoverable].(bool)
	return ok && v
}
