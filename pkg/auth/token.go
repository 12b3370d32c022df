package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// Issuer is the iss claim stamped on mesh tokens.
const Issuer = "amcp-mesh"

// claims is the JWT claim set carried by a mesh token.
type claims struct {
	jwt.RegisteredClaims
	AgentType string   `json:"agent_type,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// Mesh mints and verifies the signed tokens that carry an [Identity]
// between contexts. Every context in a federation shares the signing key
// out of band; the core takes the key as configuration and never manages
// key material itself.
//
// A Mesh is safe for concurrent use.
type Mesh struct {
	key []byte
	ttl time.Duration
}

// NewMesh creates a token authority over an HMAC-SHA256 shared key.
// Tokens expire after ttl; zero means one hour.
func NewMesh(key []byte, ttl time.Duration) (*Mesh, error) {
	if len(key) == 0 {
		return nil, amcperr.New(amcperr.CodeValidation,
			"auth: signing key must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Mesh{key: key, ttl: ttl}, nil
}

// Mint signs a token for the identity.
func (m *Mesh) Mint(identity Identity) ([]byte, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   identity.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		AgentType: identity.AgentType,
		Scopes:    identity.Scopes,
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeInternal, "auth: token signing failed")
	}
	return []byte(signed), nil
}

// Verify parses and validates a token, returning the identity it
// describes. Any verification failure — bad signature, expiry, wrong
// issuer, malformed token — is a policy violation; the core rejects and
// does not interpret further.
func (m *Mesh) Verify(token []byte) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(string(token), &claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, amcperr.Newf(amcperr.CodePolicyViolation,
					"auth: unexpected signing method %q", t.Method.Alg())
			}
			return m.key, nil
		},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, amcperr.Wrap(err, amcperr.CodePolicyViolation,
			"auth: token verification failed")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, amcperr.New(amcperr.CodePolicyViolation,
			"auth: token claims are not valid")
	}
	return Identity{
		Subject:   c.Subject,
		AgentType: c.AgentType,
		Scopes:    append([]string(nil), c.Scopes...),
	}, nil
}
