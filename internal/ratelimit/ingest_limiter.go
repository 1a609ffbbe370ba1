package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/freely-hq/agentpay/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyIngestAPIKey = "ingest:key:%s"

// IngestLimiter applies a per-API-key token bucket to usage ingestion.
// A nil limiter (rate limiting disabled) allows everything.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.IngestKeyRate <= 0 || limitCfg.IngestKeyBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.IngestKeyRate,
		burst:  limitCfg.IngestKeyBurst,
	}, nil
}

// Allow reports whether the API key may ingest another event. Redis
// failures fail open: metering must not take ingestion down.
func (l *IngestLimiter) Allow(ctx context.Context, apiKeyID snowflake.ID) (*Result, error) {
	if l == nil {
		return &Result{Allowed: true}, nil
	}

	key := fmt.Sprintf(keyIngestAPIKey, apiKeyID)
	result, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		return &Result{Allowed: true}, err
	}
	return result, nil
}
