package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/beaconhq/beacon/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyIngestApp = "ingest:app:%s"

// IngestLimiter throttles event ingestion per emitting app. A nil limiter
// (rate limiting disabled) allows everything.
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
	if limitCfg.AppRate <= 0 || limitCfg.AppBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.AppRate,
		burst:  limitCfg.AppBurst,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token from the bucket of the given app.
func (l *IngestLimiter) Allow(ctx context.Context, app string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIngestApp, strings.TrimSpace(app)), l.rate, l.burst)
}
