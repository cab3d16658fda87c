// Package auth provides the bearer credential presented to the realtime server.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned for an empty credential.
	ErrMissingToken = errors.New("bearer token is required")

	// ErrTokenExpired is returned when a JWT credential's exp claim has passed.
	ErrTokenExpired = errors.New("bearer token is expired")
)

// Credential is an opaque bearer token attached at connect time.
type Credential struct {
	Token string
}

// New returns a credential for token, trimming surrounding whitespace.
func New(token string) Credential {
	return Credential{Token: strings.TrimSpace(token)}
}

// LoadCredential returns a credential from token, or from the file at
// tokenPath when token is empty.
func LoadCredential(token, tokenPath string) (Credential, error) {
	if token = strings.TrimSpace(token); token != "" {
		return Credential{Token: token}, nil
	}
	if tokenPath == "" {
		return Credential{}, ErrMissingToken
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w", err)
	}
	cred := New(string(data))
	if cred.Token == "" {
		return Credential{}, fmt.Errorf("token file %s: %w", tokenPath, ErrMissingToken)
	}
	return cred, nil
}

// IsZero reports whether no token is set.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Header returns the handshake headers carrying the credential.
func (c Credential) Header() http.Header {
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	return header
}

// ExpiresAt returns the exp claim if the token is a JWT carrying one.
// The signature is not verified; only the server can do that.
func (c Credential) ExpiresAt() (time.Time, bool) {
	if strings.Count(c.Token, ".") != 2 {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Check rejects credentials that cannot possibly authenticate at now:
// empty tokens and JWTs whose exp claim has passed. Opaque tokens pass.
func (c Credential) Check(now time.Time) error {
	if c.Token == "" {
		return ErrMissingToken
	}
	if exp, ok := c.ExpiresAt(); ok && !exp.After(now) {
		return fmt.Errorf("%w (exp %s)", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// String redacts the token for logs.
func (c Credential) String() string {
	if len(c.Token) <= 8 {
		return "Bearer ****"
	}
	return "Bearer " + c.Token[:4] + "****"
}
