package auth

import (
	"github.com/relaychat/relay-server/internal/core"
)

// Identity is the resolved caller behind a verified token.
type Identity struct {
	UserID string
	Email  string
}

// Verifier is the opaque "verify token, get identity" capability this
// service consumes. Credential issuance lives with the external identity
// provider.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Service verifies bearer tokens against the shared JWT configuration.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates the token verification service.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// Verify resolves a bearer token to an identity. Any failure maps to
// core.Unauthenticated; callers refuse the connection or request.
func (s *Service) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, core.Unauthenticated("missing token")
	}
	claims, err := ValidateToken(s.jwtConfig, token)
	if err != nil {
		return Identity{}, core.Unauthenticated("invalid token")
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
