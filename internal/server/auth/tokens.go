package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

// TokenIssuer is the iss claim stamped on every access token.
const TokenIssuer = "aegis"

// Claims is the access-token payload. Subject carries the user's email.
type Claims struct {
	Role   string `json:"role"`
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration
}

// NewTokenService builds a signer from the configured secret and expiry.
func NewTokenService(secret string, expiry time.Duration) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New(errors.KindFatal, "auth.new_token_service", "signing secret is empty")
	}
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	return &TokenService{secret: []byte(secret), expiry: expiry}, nil
}

// Issue signs an access token for the user. Returns the token and its
// expiry so the login response can surface both.
func (t *TokenService) Issue(u *models.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(t.expiry)

	claims := Claims{
		Role:   string(u.Role),
		UserID: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, errors.Fatal("auth.issue_token", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning its claims. Expired,
// malformed, or foreign-signed tokens all come back not-permitted.
func (t *TokenService) Verify(token string) (*Claims, error) {
	const op = "auth.verify_token"

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(tok *jwt.Token) (any, error) {
			if tok.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", tok.Method.Alg())
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindNotPermitted, op, err)
	}
	if !parsed.Valid {
		return nil, errors.NotPermitted(op, "token is invalid")
	}
	if claims.UserID == "" || claims.Subject == "" {
		return nil, errors.NotPermitted(op, "token is missing identity claims")
	}
	return claims, nil
}
