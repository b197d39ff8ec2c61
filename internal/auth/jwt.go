// Package auth verifies bearer tokens presented on the event channel.
// Tokens are issued elsewhere; Generate exists for tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
	ErrWrongUser    = errors.New("token belongs to another user")
)

// Claims carries the user a token was issued to
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 signed tokens
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Generate signs a token for the user valid for ttl
func (v *Verifier) Generate(user int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}

// Validate parses token and returns its claims
func (v *Verifier) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize validates token and checks that it was issued to user
func (v *Verifier) Authorize(token string, user int64) error {
	claims, err := v.Validate(token)
	if err != nil {
		return err
	}
	if claims.UserID != user {
		return ErrWrongUser
	}
	return nil
}
