package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrGatewayTokenMissing indicates no shared gateway secret was configured.
	ErrGatewayTokenMissing = errors.New("gateway token is not configured")
	// ErrBearerTokenMissing indicates the Authorization header did not contain a bearer token.
	ErrBearerTokenMissing = errors.New("missing or malformed Authorization bearer token")
	// ErrBearerTokenInvalid indicates the presented bearer token did not verify.
	ErrBearerTokenInvalid = errors.New("invalid bearer token")
)

// SessionPrincipal carries caller identity for audit entries.
type SessionPrincipal struct {
	Subject string
}

// TokenAuthenticator validates incoming bearer tokens against the shared
// gateway secret. A presented token is accepted when it equals the secret,
// or when it is an HS256 JWT signed with the secret; expiry claims on such
// derived tokens are honored.
type TokenAuthenticator struct {
	token string
}

// NewTokenAuthenticator creates a new authenticator for the shared secret.
func NewTokenAuthenticator(token string) *TokenAuthenticator {
	return &TokenAuthenticator{token: strings.TrimSpace(token)}
}

// Authenticate validates the Authorization bearer token of r.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (SessionPrincipal, error) {
	if a.token == "" {
		return SessionPrincipal{}, ErrGatewayTokenMissing
	}

	presented := parseBearerToken(r.Header.Get("Authorization"))
	if presented == "" {
		return SessionPrincipal{}, ErrBearerTokenMissing
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1 {
		return SessionPrincipal{Subject: "opsgate-session"}, nil
	}
	if principal, ok := a.verifyDerivedToken(presented); ok {
		return principal, nil
	}
	return SessionPrincipal{}, ErrBearerTokenInvalid
}

// MintDerivedToken issues an expiring HS256 JWT signed with the gateway
// secret, letting operators hand out short-lived credentials without
// sharing the secret itself.
func (a *TokenAuthenticator) MintDerivedToken(subject string, ttl time.Duration) (string, error) {
	if a.token == "" {
		return "", ErrGatewayTokenMissing
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if subject = strings.TrimSpace(subject); subject != "" {
		claims["sub"] = subject
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.token))
}

func (a *TokenAuthenticator) verifyDerivedToken(raw string) (SessionPrincipal, bool) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.token), nil
	})
	if err != nil || !token.Valid {
		return SessionPrincipal{}, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return SessionPrincipal{}, false
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "opsgate-derived"
	}
	return SessionPrincipal{Subject: subject}, true
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
