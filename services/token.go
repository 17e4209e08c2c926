package services

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims is the content of a session security token. The random jti
// makes every token unique even for the same user, session and instant.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// TokenIssuer signs and checks session security tokens (HS256). Tokens are
// tamper evidence, not confidentiality: claims are readable by the client.
// A token expires together with the session lifetime ttl.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	Now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session token ttl must be positive")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, Now: time.Now}, nil
}

func (t *TokenIssuer) Issue(userID, sessionID string) (string, error) {
	now := t.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry and returns the bound user and
// session. It does not know whether the session is still live.
func (t *TokenIssuer) Parse(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, withMessage(ErrInvalidToken, "security token is required")
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.Now),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, withMessage(ErrInvalidToken, "security token is missing claims")
	}
	return &claims, nil
}

// tokensEqual compares in constant time.
func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return withMessage(ErrSessionExpired, "security token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return withMessage(ErrInvalidToken, "security token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return withMessage(ErrInvalidToken, "security token alg is invalid")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return withMessage(ErrInvalidToken, "security token is malformed")
	default:
		return withMessage(ErrInvalidToken, "security token rejected: %v", err)
	}
}
