package subscription

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/telemetry"
)

// planCache caches unpacked pipelines keyed by XXH64 of the packed bytes,
// so repeated lookups of the same plan skip decompression and decoding.
// Cached pipelines are templates: callers must Clone before mutating.
type planCache struct {
	cache *lru.Cache[uint64, encoding.Pipeline]
}

func newPlanCache(size int) (*planCache, error) {
	cache, err := lru.New[uint64, encoding.Pipeline](size)
	if err != nil {
		return nil, err
	}
	return &planCache{cache: cache}, nil
}

func (c *planCache) get(plan []byte) (encoding.Pipeline, error) {
	key := xxhash.Sum64(plan)

	if cached, ok := c.cache.Get(key); ok {
		telemetry.PlanCacheTotal.With("hit").Inc()
		return cached, nil
	}

	pipeline, err := encoding.Unpack(plan)
	if err != nil {
		return encoding.Pipeline{}, err
	}

	c.cache.Add(key, pipeline)
	telemetry.PlanCacheTotal.With("miss").Inc()
	return pipeline, nil
}
