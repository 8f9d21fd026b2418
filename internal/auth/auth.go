// Package auth resolves inbound proxy requests to an AuthPrincipal and
// issues/verifies administrative session tokens.
//
// Principal lookup accepts a bearer key from any of several header or
// query-parameter sources. Administrative session tokens are self-issued, HMAC-signed JWTs
// with a short registered-claims set, via golang-jwt/jwt/v5.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"llmgate/internal/store/sqlite"
)

// ErrInvalidCredential covers both an unrecognized API key and a disabled principal.
var ErrInvalidCredential = errors.New("invalid credential")

// HashAPIKey derives the lookup hash stored alongside a principal. Plain
// SHA-256 (not bcrypt) is deliberate here: proxy API keys are
// high-entropy random tokens authenticated on every request, so the
// lookup must be a fast, deterministic index rather than a slow,
// salted KDF — bcrypt is reserved for the low-frequency administrative
// password check in internal/config/management.go.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolver authenticates inbound proxy API keys against the principal store.
type Resolver struct {
	store *sqlite.Store
}

// NewResolver builds a Resolver over the given store.
func NewResolver(store *sqlite.Store) *Resolver {
	return &Resolver{store: store}
}

// Authenticate looks up the principal for a bearer key, rejecting unknown or
// disabled principals.
func (r *Resolver) Authenticate(ctx context.Context, apiKey string) (*sqlite.AuthPrincipal, error) {
	if apiKey == "" {
		return nil, ErrInvalidCredential
	}
	p, err := r.store.GetPrincipalByKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if p.Disabled {
		return nil, ErrInvalidCredential
	}
	return p, nil
}

// CreatePrincipal registers a new principal and returns the plaintext API
// key to hand back to the caller exactly once.
func (r *Resolver) CreatePrincipal(ctx context.Context, label string) (id, apiKey string, err error) {
	id = uuid.NewString()
	apiKey = "sk-" + uuid.NewString()
	if err := r.store.InsertPrincipal(ctx, id, HashAPIKey(apiKey), label); err != nil {
		return "", "", err
	}
	return id, apiKey, nil
}

// sessionClaims are the custom claims embedded in an administrative session token.
type sessionClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin"`
}

// SessionIssuer issues and verifies administrative session JWTs, HMAC-signed
// with the configured SECRET_KEY.
type SessionIssuer struct {
	secret []byte
	maxAge time.Duration
}

// NewSessionIssuer builds an issuer. secret must be non-empty; it is the
// SECRET_KEY recognized configuration value.
func NewSessionIssuer(secret string, maxAge time.Duration) (*SessionIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret must not be empty")
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), maxAge: maxAge}, nil
}

// IssueAdminToken creates a signed session token for the administrative surface.
func (si *SessionIssuer) IssueAdminToken() (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "llmgate",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(si.maxAge)),
		},
		Admin: true,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(si.secret)
}

// VerifyAdminToken validates a session token and confirms it carries the
// administrative claim.
func (si *SessionIssuer) VerifyAdminToken(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return si.secret, nil
	}, jwt.WithIssuer("llmgate"))
	if err != nil {
		return fmt.Errorf("parse admin token: %w", err)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid || !claims.Admin {
		return fmt.Errorf("invalid admin token")
	}
	return nil
}
