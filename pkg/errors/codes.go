package errors

// Code represents a machine-readable error code for categorizing errors.
// Error codes follow the pattern CATEGORY_XXX where CATEGORY is a short
// identifier (e.g., VAL, MIG, LLM) and XXX is a three-digit numeric code.
//
// Error codes are designed to be:
//   - Stable: codes do not change once assigned
//   - Unique: each error condition has a distinct code
//   - Machine-readable: suitable for audit trails and automated handling
type Code string

// Error code categories and their ranges:
//
//	VAL_xxx     - Invalid input (malformed topics, unknown types, bad snapshots)
//	NF_xxx      - Not found (agents, capabilities, subscriptions)
//	LC_xxx      - Lifecycle violations (forbidden state transitions)
//	TIMEOUT_xxx - Timeouts (LLM, task correlation, hand-off, broker ack)
//	TRANS_xxx   - Transient failures, subject to retry with backoff
//	UNAVAIL_xxx - Health-based refusal (degraded broker, open circuit)
//	MIG_xxx     - Mobility protocol failures
//	POLICY_xxx  - Security context rejection
//	INT_xxx     - Internal errors
const (
	// Invalid input (VAL_xxx)
	// Surfaced to the caller; never retried.

	// CodeInvalidTopic indicates a malformed event topic (empty segment,
	// illegal character, or a wildcard in an event's topic).
	CodeInvalidTopic Code = "VAL_001"

	// CodeInvalidPattern indicates a malformed subscription pattern, such
	// as an intermediate "**" segment.
	CodeInvalidPattern Code = "VAL_002"

	// CodeUnknownAgentType indicates no factory is registered for the
	// requested agent type.
	CodeUnknownAgentType Code = "VAL_003"

	// CodeBadSnapshot indicates an agent snapshot that could not be
	// decoded into the state schema the agent type expects.
	CodeBadSnapshot Code = "VAL_004"

	// CodeValidation indicates a general input validation failure.
	CodeValidation Code = "VAL_005"

	// Not found (NF_xxx)

	// CodeAgentNotFound indicates the referenced AgentID is not known to
	// the context or registry.
	CodeAgentNotFound Code = "NF_001"

	// CodeCapabilityNotFound indicates no registered agent advertises the
	// requested capability.
	CodeCapabilityNotFound Code = "NF_002"

	// CodeSubscriptionNotFound indicates the referenced subscription is
	// not registered with the broker.
	CodeSubscriptionNotFound Code = "NF_003"

	// Lifecycle violations (LC_xxx)

	// CodeLifecycle indicates an operation attempted in a state that
	// forbids it, such as activating an agent that is already active.
	CodeLifecycle Code = "LC_001"

	// CodeBrokerClosed indicates a publish or subscribe after the broker
	// has been stopped.
	CodeBrokerClosed Code = "LC_002"

	// CodeAlreadyInstalled indicates the destination context already hosts
	// the AgentID being installed. The mobility source treats this as
	// success, since it arises from retried transport.
	CodeAlreadyInstalled Code = "LC_003"

	// CodeActivationFailed indicates the agent's activation callback
	// returned an error; the agent was rolled back to inactive.
	CodeActivationFailed Code = "LC_004"

	// Timeouts (TIMEOUT_xxx)

	// CodeTimeout indicates a general operation timeout.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeLLMTimeout indicates an LLM request exceeded its per-model
	// deadline.
	CodeLLMTimeout Code = "TIMEOUT_002"

	// CodeTaskTimeout indicates a dispatched task's correlation entry
	// expired before a response arrived.
	CodeTaskTimeout Code = "TIMEOUT_003"

	// CodeHandoffTimeout indicates a mobility hand-off was not confirmed
	// by the destination within the migration timeout.
	CodeHandoffTimeout Code = "TIMEOUT_004"

	// Transient (TRANS_xxx)

	// CodeTransient indicates a retryable failure such as a transport
	// hiccup or LLM overload. Callers retry with backoff; after the retry
	// budget the failure is rewrapped with its terminal category.
	CodeTransient Code = "TRANS_001"

	// Unavailable (UNAVAIL_xxx)

	// CodeUnavailable indicates a general health-based refusal.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeBrokerUnavailable indicates the broker is in its degraded state
	// after persistent transport failure; publishes fail until a health
	// probe recovers.
	CodeBrokerUnavailable Code = "UNAVAIL_002"

	// CodeLLMUnavailable indicates the LLM connector cannot reach any
	// model; callers fall back to the rule engine.
	CodeLLMUnavailable Code = "UNAVAIL_003"

	// CodeCircuitOpen indicates the transport circuit breaker is open and
	// calls are being refused without attempting the transport.
	CodeCircuitOpen Code = "UNAVAIL_004"

	// Mobility (MIG_xxx)
	// Migration errors carry a "recoverable" detail (bool) that decides
	// whether the source resumes the agent. Use [Recoverable] to read it.

	// CodeMigrationNetwork indicates the hand-off failed in transit.
	CodeMigrationNetwork Code = "MIG_001"

	// CodeMigrationSerialization indicates the agent's state could not be
	// serialized or deserialized during the hand-off.
	CodeMigrationSerialization Code = "MIG_002"

	// CodeMigrationCollision indicates the AgentID is already active
	// somewhere it should not be.
	CodeMigrationCollision Code = "MIG_003"

	// CodeMigrationRefused indicates the destination context declined the
	// install (e.g., unknown agent type at the destination).
	CodeMigrationRefused Code = "MIG_004"

	// CodeUnsupportedSnapshot indicates the snapshot format version is not
	// understood by the receiving context.
	CodeUnsupportedSnapshot Code = "MIG_005"

	// Policy (POLICY_xxx)

	// CodePolicyViolation indicates the security context attached to an
	// event or snapshot failed verification. The core rejects and does not
	// interpret further.
	CodePolicyViolation Code = "POLICY_001"

	// Internal (INT_xxx)

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates a configuration loading error.
	CodeInternalConfiguration Code = "INT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "MIG").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
