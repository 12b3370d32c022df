package auth

import (
	"context"

	"github.com/xaviercallens/amcp-go/pkg/event"
)

// StampEvent returns a copy of the event carrying the caller's token as
// the "amcpauth" extension, so the security context survives the
// CloudEvents projection across a context boundary. Events without a
// token in the context are returned unchanged; an unauthenticated mesh is
// a valid deployment.
func StampEvent(ctx context.Context, e *event.Event) *event.Event {
	token, ok := TokenFromContext(ctx)
	if !ok {
		return e
	}
	return e.WithMetaStamped(map[string]string{event.ExtAuthContext: string(token)})
}

// UnstampEvent verifies the token on an inbound event against the mesh
// and returns a context carrying the verified identity and the raw token
// for onward propagation. Events without a token pass through with the
// parent context. A present-but-invalid token returns the policy
// violation from [Mesh.Verify]; the caller drops or dead-letters the
// event.
func UnstampEvent(ctx context.Context, m *Mesh, e *event.Event) (context.Context, error) {
	raw, ok := e.Meta(event.ExtAuthContext)
	if !ok {
		return ctx, nil
	}
	identity, err := m.Verify([]byte(raw))
	if err != nil {
		return ctx, err
	}
	ctx = ContextWithIdentity(ctx, identity)
	ctx = ContextWithToken(ctx, []byte(raw))
	return ctx, nil
}
