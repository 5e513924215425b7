// Package auth issues and verifies the bearer tokens that identify the
// owner of every request to the data server.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

const issuer = "almanac"

// Errors returned by Verify and ParseUnverified. Both wrap
// types.ErrUnauthorized.
var (
	ErrNoSecret     = errors.New("signing secret must not be empty")
	ErrNoSubject    = fmt.Errorf("%w: token has no subject", types.ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", types.ErrUnauthorized)
)

// Claims are the token claims. The subject is the owner.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject that expires after ttl. A
// zero ttl issues a token without expiry.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	if subject == "" {
		return "", ErrNoSubject
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns the identity
// it carries.
func Verify(secret []byte, token string) (types.Identity, error) {
	if len(secret) == 0 {
		return types.Identity{}, ErrNoSecret
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return types.Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return types.Identity{}, ErrNoSubject
	}
	return types.Identity{Subject: claims.Subject, Token: token}, nil
}

// ParseUnverified reads the identity from a token without checking its
// signature. Clients use it to learn their own owner id from a token the
// server will verify.
func ParseUnverified(token string) (types.Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return types.Identity{}, ErrNoSubject
	}
	return types.Identity{Subject: claims.Subject, Token: token}, nil
}
