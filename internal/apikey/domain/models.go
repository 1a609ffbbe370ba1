package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// APIKey is the stored form of an ingest credential. Only the SHA-256
// hash of the raw key is persisted; the raw key is shown once at
// creation time.
type APIKey struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID   `gorm:"column:subscription_id;not null;index" json:"subscription_id"`
	KeyID          string         `gorm:"column:key_id;uniqueIndex;not null" json:"key_id"`
	Name           string         `gorm:"not null" json:"name"`
	KeyHash        string         `gorm:"column:key_hash;not null;index" json:"-"`
	Scopes         pq.StringArray `gorm:"type:text[]" json:"scopes"`
	IsActive       bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastUsedAt     *time.Time     `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	ExpiresAt      *time.Time     `gorm:"column:expires_at" json:"expires_at,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

// Expired reports whether the key is past its expiry at the given instant.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller resolved from an API key,
// injected into the request context by the auth middleware.
type Identity struct {
	APIKeyID       snowflake.ID
	SubscriptionID snowflake.ID
	Scopes         []string
}

type identityContextKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
