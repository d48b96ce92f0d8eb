package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/meterline/meterline/internal/config"
)

const keyTrackIngestOrg = "track:ingest:org:%s"

// TrackIngestLimiter throttles usage tracking per organization. Disabled or
// Redis-less deployments always allow.
type TrackIngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	orgRate  float64
	orgBurst int
}

func NewTrackIngestLimiter(cfg config.Config, client *redis.Client) *TrackIngestLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil
	}
	if limitCfg.TrackOrgRate <= 0 || limitCfg.TrackOrgBurst <= 0 {
		return nil
	}
	return &TrackIngestLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		orgRate:  limitCfg.TrackOrgRate,
		orgBurst: limitCfg.TrackOrgBurst,
	}
}

func (l *TrackIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *TrackIngestLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTrackIngestOrg, orgID), l.orgRate, l.orgBurst)
}
