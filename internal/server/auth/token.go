package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// TokenRecord is the persisted Token entity (spec.md §3): id, token
// (unique), optional name, createdAt, optional revokedAt.
type TokenRecord struct {
	ID        string
	Token     string
	Name      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the token authenticates: it exists and has not
// been revoked.
func (t TokenRecord) Active() bool {
	return t.RevokedAt == nil
}

var ErrTokenNotFound = errors.New("auth: token not found")

// TokenStore persists issued bearer tokens.
type TokenStore interface {
	Lookup(ctx context.Context, token string) (TokenRecord, error)
	Create(ctx context.Context, rec TokenRecord) error
	Revoke(ctx context.Context, id string, revokedAt time.Time) error
}

// NewRandomToken returns a cryptographically random, hex-encoded token with
// at least 24 bytes of entropy.
func NewRandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
