package cache

import (
	"strings"
	"time"

	featuredomain "github.com/meterline/meterline/internal/feature/domain"
)

const defaultFeatureTTL = 10 * time.Minute

// FeatureResolverCache stores hot-path feature lookups for the track and
// check endpoints. Features change rarely; a short TTL keeps the window for
// stale policy flags small.
type FeatureResolverCache interface {
	GetFeature(orgID, featureKey string) (*featuredomain.Feature, bool)
	SetFeature(orgID, featureKey string, feature *featuredomain.Feature)
}

type featureResolverCache struct {
	features Cache[string, *featuredomain.Feature]
	ttl      time.Duration
}

// NewFeatureResolverCache returns an in-memory cache tuned for track ingest.
func NewFeatureResolverCache() FeatureResolverCache {
	return &featureResolverCache{
		features: NewTTLCache[string, *featuredomain.Feature](),
		ttl:      defaultFeatureTTL,
	}
}

func (c *featureResolverCache) GetFeature(orgID, featureKey string) (*featuredomain.Feature, bool) {
	return c.features.Get(cacheKey(orgID, featureKey))
}

func (c *featureResolverCache) SetFeature(orgID, featureKey string, feature *featuredomain.Feature) {
	if feature == nil {
		return
	}
	c.features.Set(cacheKey(orgID, featureKey), feature, c.ttl)
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, "|")
}
