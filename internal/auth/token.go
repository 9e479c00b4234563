package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks a session token and returns the username it vouches
// for. The server consults it when an upgrade request carries a session
// cookie instead of credentials.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256-signed session tokens. The username comes
// from the `username` claim, falling back to the registered subject.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a verifier over a shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) VerifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: invalid session token: %w", err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("auth: invalid session token claims")
	}
	if claims.Username != "" {
		return claims.Username, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", errors.New("auth: session token names no user")
}

// ParseAuthorizationHeader extracts `user:password` credentials from a
// Basic or Bearer authorization header whose payload is the base64 of
// `user:password`.
func ParseAuthorizationHeader(header string) (username, password string, err error) {
	fields := strings.Fields(header)
	if len(fields) != 2 {
		return "", "", errors.New("auth: malformed authorization header")
	}
	switch strings.ToLower(fields[0]) {
	case "basic", "bearer":
	default:
		return "", "", fmt.Errorf("auth: unsupported authorization scheme %q", fields[0])
	}
	raw, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return "", "", fmt.Errorf("auth: authorization payload: %w", err)
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok || username == "" {
		return "", "", errors.New("auth: authorization payload is not user:password")
	}
	return username, password, nil
}
