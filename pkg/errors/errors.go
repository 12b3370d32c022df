// Package errors provides standardized error types and error handling
// utilities for the AMCP agent mesh runtime. It defines the failure
// taxonomy shared by every subsystem — broker, runtime, mobility, registry,
// LLM connector — along with helper functions for creating, wrapping, and
// inspecting errors.
//
// # Error Categories
//
// The package defines the failure categories of the mesh:
//
//   - InvalidInput: malformed topics or patterns, unknown agent types,
//     snapshot decode mismatches
//   - NotFound: unknown agent IDs, capabilities, or subscriptions
//   - Lifecycle: operations attempted in a state that forbids them
//     (publish on a stopped broker, activate an active agent)
//   - Timeout: LLM requests, task correlations, mobility hand-offs,
//     broker acknowledgements
//   - Transient: transport hiccups and LLM overload, retried with backoff
//   - Unavailable: health-based refusal (degraded broker, open circuit,
//     unreachable model)
//   - Migration: mobility protocol failures, carrying a recoverable flag
//     that decides whether the source resumes the agent
//   - Policy: authentication or authorization rejection propagated from
//     the security context
//   - Internal: unexpected runtime failures
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "MIG_004") usable for
// audit trails, alerting, and programmatic handling. Codes follow the
// pattern CATEGORY_XXX where CATEGORY is a short identifier and XXX is a
// numeric code.
//
// # Usage
//
// Create a new error with context:
//
//	err := errors.New(errors.CodeInvalidTopic, "topic contains an empty segment")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeMigrationNetwork, "hand-off to destination failed")
//
// Check error category:
//
//	if errors.IsMigration(err) && errors.Recoverable(err) {
//	    // resume the agent on the source
//	}
//
// Extract error details for logging:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("operation failed",
//	        "code", e.Code,
//	        "message", e.Message,
//	    )
//	}
package errors
