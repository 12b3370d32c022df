package errors

import (
	"fmt"
)

// New creates a new Error with the specified code and message.
// Use this for creating errors without an underlying cause.
//
// Example:
//
//	err := errors.New(errors.CodeInvalidTopic, "topic must not be empty")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
// Use this for creating errors with dynamic content in the message.
//
// Example:
//
//	err := errors.Newf(errors.CodeAgentNotFound, "agent %q not found", agentID)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrap returns nil.
//
// Example:
//
//	if err := transport.Install(ctx, dest, snap); err != nil {
//	    return errors.Wrap(err, errors.CodeMigrationNetwork, "hand-off failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message.
// The wrapped error becomes the Cause of the new error.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// InvalidTopic creates a new invalid-topic error for the given topic string.
func InvalidTopic(topic, reason string) *Error {
	return Newf(CodeInvalidTopic, "invalid topic %q: %s", topic, reason).
		WithDetail("topic", topic)
}

// InvalidPattern creates a new invalid-pattern error for the given
// subscription pattern.
func InvalidPattern(pattern, reason string) *Error {
	return Newf(CodeInvalidPattern, "invalid pattern %q: %s", pattern, reason).
		WithDetail("pattern", pattern)
}

// AgentNotFound creates a not-found error for an AgentID.
func AgentNotFound(agentID string) *Error {
	return Newf(CodeAgentNotFound, "agent %q not found", agentID).
		WithDetail("agent_id", agentID)
}

// Lifecycle creates a lifecycle violation error describing a forbidden
// state transition or an operation attempted in the wrong state.
func Lifecycle(message string) *Error {
	return New(CodeLifecycle, message)
}

// Lifecyclef creates a lifecycle violation error with a formatted message.
func Lifecyclef(format string, args ...any) *Error {
	return Newf(CodeLifecycle, format, args...)
}

// Timeout creates a general timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// Transient creates a retryable transient error wrapping the cause.
func Transient(err error, message string) *Error {
	return Wrap(err, CodeTransient, message)
}

// Migration creates a mobility failure with the given subcode and
// recoverable flag. The flag determines whether the source resumes the
// agent after the failed operation.
//
// Example:
//
//	return errors.Migration(errors.CodeMigrationRefused, true,
//	    "destination declined install: unknown agent type")
func Migration(code Code, recoverable bool, message string) *Error {
	return New(code, message).WithDetail(DetailRecoverable, recoverable)
}

// Migrationf creates a mobility failure with a formatted message.
func Migrationf(code Code, recoverable bool, format string, args ...any) *Error {
	return Newf(code, format, args...).WithDetail(DetailRecoverable, recoverable)
}

// PolicyViolation creates a security rejection error. The core propagates
// the message opaquely and does not interpret it further.
func PolicyViolation(message string) *Error {
	return New(CodePolicyViolation, message)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}
