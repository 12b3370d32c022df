// Package auth implements the opaque security context of the AMCP mesh.
//
// The core is not an authentication authority: it mints, verifies, and
// propagates a signed token describing the acting principal, and rejects
// operations whose token fails verification. What a principal is allowed
// to do is decided outside the core; here a failed verification surfaces
// as a policy violation and nothing more.
//
// Tokens travel two ways: as the auth-context bytes inside a mobility
// snapshot, and as the "amcpauth" CloudEvents extension on events crossing
// a context boundary. Within a process they ride the context.Context.
package auth

import (
	"context"
)

// Identity describes the authenticated principal an operation acts for.
type Identity struct {
	// Subject is the principal identifier, typically an AgentID or a
	// user id for requests entering through an edge.
	Subject string `json:"sub"`

	// AgentType is the acting agent's type, empty for non-agent
	// principals.
	AgentType string `json:"agent_type,omitempty"`

	// Scopes are opaque permission strings, propagated but never
	// interpreted by the core.
	Scopes []string `json:"scopes,omitempty"`
}

// contextKey is an unexported type used for context keys in this package.
// Using a distinct type prevents collisions with keys from other packages.
type contextKey int

const (
	// identityKey stores the authenticated Identity in the context.
	identityKey contextKey = iota

	// tokenKey stores the raw signed token in the context so it can be
	// re-propagated without re-minting.
	tokenKey
)

// ContextWithIdentity returns a new context with the given Identity
// attached. The identity can later be retrieved with
// [IdentityFromContext].
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the Identity from the context. Returns
// the identity and true if present, or a zero identity and false if none
// has been set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// ContextWithToken returns a new context carrying the raw signed token.
func ContextWithToken(ctx context.Context, token []byte) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext retrieves the raw signed token from the context.
func TokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(tokenKey).([]byte)
	return token, ok
}
