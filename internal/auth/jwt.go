// Package auth verifies the bearer tokens issued by the external identity service.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrUnauthorized covers missing, malformed, expired and revoked tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Revocations answers whether a token id (jti) was revoked, e.g. on logout.
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret      []byte
	revocations Revocations
	parser      *jwt.Parser
}

// NewVerifier returns a verifier for secret. revocations may be nil.
func NewVerifier(secret string, revocations Revocations) *Verifier {
	return &Verifier{
		secret:      []byte(secret),
		revocations: revocations,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// VerifyToken returns the token subject. Any token problem wraps ErrUnauthorized;
// other errors come from the revocation lookup.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.Wrap(ErrUnauthorized, "missing token")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrUnauthorized, err.Error())
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.Wrap(ErrUnauthorized, "token has no subject")
	}
	if v.revocations != nil && claims.ID != "" {
		revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return "", errors.Wrap(err, "check token revocation")
		}
		if revoked {
			return "", errors.Wrap(ErrUnauthorized, "token revoked")
		}
	}
	return claims.Subject, nil
}

// Issue signs a token for subject with a random jti, the way the identity
// service does. Used by the token command and tests.
func Issue(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
