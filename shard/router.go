// Package shard maps mutation results onto a fixed pool of broadcast shards.
//
// Every node must route the same mutation to the same shard so that ordered
// transports (partitioned topics, per-subject streams) preserve per-entity
// ordering across the cluster. The hash input is the canonical msgpack form
// of the result payload, which is stable regardless of map iteration order.
package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/maxpert/fanout/encoding"
)

// Router assigns results to shards in [0, PoolSize).
type Router struct {
	poolSize int
}

// New creates a Router over poolSize shards.
func New(poolSize int) (*Router, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("shard pool size must be at least 1, got %d", poolSize)
	}
	return &Router{poolSize: poolSize}, nil
}

// PoolSize returns the number of shards.
func (r *Router) PoolSize() int {
	return r.poolSize
}

// Of computes the shard for a mutation result.
func (r *Router) Of(result map[string]interface{}) (int, error) {
	key, err := encoding.MarshalCanonical(result)
	if err != nil {
		return 0, fmt.Errorf("unable to serialize result for shard routing: %w", err)
	}
	return int(xxhash.Sum64(key) % uint64(r.poolSize)), nil
}

// Subject builds the transport subject for a shard, e.g. "fanout.shard.3".
func Subject(prefix string, shard int) string {
	return fmt.Sprintf("%s.%d", prefix, shard)
}
