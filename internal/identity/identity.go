// Package identity resolves a handshake credential into a normalized
// (userID, role) identity. The collaboration core never inspects
// provider-specific payload shapes; everything downstream consumes the
// Identity produced here.
package identity

import (
	"context"
	"errors"
	"time"

	"labhub/internal/auth"
	"labhub/internal/rbac"
)

type Identity struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

var ErrUnauthenticated = errors.New("authentication failed")

// Resolver turns an opaque handshake credential into an Identity. Resolved
// once per connection; every later authorization check on that connection
// reuses the result.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// TokenResolver verifies HMAC-signed tokens and, when a session store is
// configured, rejects credentials whose session has been revoked.
type TokenResolver struct {
	secret   []byte
	sessions *RedisStore
}

func NewTokenResolver(secret []byte, sessions *RedisStore) *TokenResolver {
	return &TokenResolver{secret: secret, sessions: sessions}
}

func (r *TokenResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	claims, err := auth.ParseToken(r.secret, credential)
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	if r.sessions != nil {
		revoked, err := r.sessions.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Identity{}, err
		}
		if revoked {
			return Identity{}, ErrUnauthenticated
		}
	}
	return Identity{
		UserID:   claims.Sub,
		UserName: claims.Name,
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

// Revoker invalidates a credential so later Resolve calls reject it.
// Resolvers without a session store do not implement it.
type Revoker interface {
	Revoke(ctx context.Context, credential string) error
}

// Revoke marks the credential's session ID revoked until the token would
// have expired anyway, so the store does not accumulate dead entries.
func (r *TokenResolver) Revoke(ctx context.Context, credential string) error {
	claims, err := auth.ParseToken(r.secret, credential)
	if err != nil {
		return ErrUnauthenticated
	}
	if r.sessions == nil {
		return nil
	}
	return r.sessions.Revoke(ctx, claims.JTI, time.Unix(claims.Exp, 0))
}

// StaticResolver maps fixed credentials to identities. Test use only.
type StaticResolver map[string]Identity

func (r StaticResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	ident, ok := r[credential]
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return ident, nil
}
