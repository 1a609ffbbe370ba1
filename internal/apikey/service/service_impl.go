package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const keyPrefix = "ak"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		clock: p.Clock,
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateKeyRequest) (*apikeydomain.CreatedKey, error) {
	id := s.genID.Generate()
	keyID := strconv.FormatInt(id.Int64(), 36)

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	rawKey := fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, hex.EncodeToString(secret))

	key := apikeydomain.APIKey{
		ID:             id,
		SubscriptionID: req.SubscriptionID,
		KeyID:          keyID,
		Name:           req.Name,
		KeyHash:        apikeydomain.HashAPIKey(rawKey),
		Scopes:         req.Scopes,
		IsActive:       true,
		CreatedAt:      s.clock.Now(),
		UpdatedAt:      s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return nil, err
	}

	s.log.Info("apikey.created",
		zap.String("key_id", keyID),
		zap.String("subscription_id", req.SubscriptionID.String()),
	)
	return &apikeydomain.CreatedKey{Key: key, RawKey: rawKey}, nil
}

func (s *Service) Resolve(ctx context.Context, rawKey string) (*apikeydomain.Identity, error) {
	keyID, ok := parseKeyID(rawKey)
	if !ok {
		return nil, apikeydomain.ErrAPIKeyNotFound
	}

	var key apikeydomain.APIKey
	err := s.db.WithContext(ctx).First(&key, "key_id = ?", keyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apikeydomain.ErrAPIKeyNotFound
		}
		return nil, err
	}

	hash := apikeydomain.HashAPIKey(rawKey)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.KeyHash)) != 1 {
		return nil, apikeydomain.ErrAPIKeyNotFound
	}
	if !key.IsActive {
		return nil, apikeydomain.ErrAPIKeyRevoked
	}
	if key.Expired(s.clock.Now()) {
		return nil, apikeydomain.ErrAPIKeyExpired
	}

	s.touchLastUsed(ctx, key.ID)

	return &apikeydomain.Identity{
		APIKeyID:       key.ID,
		SubscriptionID: key.SubscriptionID,
		Scopes:         key.Scopes,
	}, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	result := s.db.WithContext(ctx).Model(&apikeydomain.APIKey{}).
		Where("key_id = ? AND is_active", keyID).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apikeydomain.ErrAPIKeyNotFound
	}
	s.log.Info("apikey.revoked", zap.String("key_id", keyID))
	return nil
}

// touchLastUsed is best-effort; a failure never rejects the request.
func (s *Service) touchLastUsed(ctx context.Context, id snowflake.ID) {
	err := s.db.WithContext(ctx).Model(&apikeydomain.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", s.clock.Now()).Error
	if err != nil {
		s.log.Warn("apikey.touch_last_used", zap.Error(err))
	}
}

func parseKeyID(rawKey string) (string, bool) {
	parts := strings.Split(rawKey, "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}
