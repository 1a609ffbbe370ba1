package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAPIKeyNotFound = errors.New("api_key_not_found")
	ErrAPIKeyRevoked  = errors.New("api_key_revoked")
	ErrAPIKeyExpired  = errors.New("api_key_expired")
)

// HashAPIKey returns the hex SHA-256 digest stored for a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type CreateKeyRequest struct {
	SubscriptionID snowflake.ID
	Name           string
	Scopes         []string
}

// CreatedKey carries the raw key alongside the stored record. The raw
// key is not recoverable afterwards.
type CreatedKey struct {
	Key    APIKey
	RawKey string
}

type Service interface {
	Create(ctx context.Context, req CreateKeyRequest) (*CreatedKey, error)

	// Resolve authenticates a raw key and returns the caller identity.
	Resolve(ctx context.Context, rawKey string) (*Identity, error)

	Revoke(ctx context.Context, keyID string) error
}
