package registry

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/fanout/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Cuckoo filter configuration
	// capacity = bucketSize × numBuckets = 4 × 250000 = 1M topics
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32     // 32-bit fingerprint = FP rate ~2.3×10⁻¹⁰
	cuckooNumBuckets      = 250000 // 1M capacity
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// PresenceFilter answers "might this topic have live subscriptions" on the
// publish hot path using a Cuckoo filter over topic hashes.
//
// Design:
//   - Hash = XXH64(topic), one filter entry per live topic bucket
//   - Filter MISS = definitely no subscribers → skip the lookup
//   - Filter HIT = maybe subscribers → normal topic lookup
//
// A rejected insert would introduce false negatives, which here means missed
// deliveries. When that happens the filter latches into always-maybe; every
// publish then pays the lookup, never loses one.
//
// Thread-safe for concurrent access.
type PresenceFilter struct {
	filter    *cuckoo.Filter
	mu        sync.RWMutex
	saturated atomic.Bool
}

// NewPresenceFilter creates a new Cuckoo-based topic presence filter.
func NewPresenceFilter() *PresenceFilter {
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
		cuckooNumBuckets, cuckoo.TableTypePacked)
	return &PresenceFilter{filter: cf}
}

// MightHave returns true if the topic MIGHT have live subscriptions.
// Returns false only when the topic definitely has none.
func (f *PresenceFilter) MightHave(topic string) bool {
	if f.saturated.Load() {
		return true
	}

	f.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(topic))
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	f.mu.RUnlock()
	return result
}

// Add records a topic that just gained its first subscription.
func (f *PresenceFilter) Add(topic string) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(topic))
	ok := f.filter.Add(buf)
	hashBufPool.Put(buf)
	size := f.filter.Size()
	f.mu.Unlock()

	if !ok && !f.saturated.Swap(true) {
		telemetry.PresenceFilterSaturated.Set(1)
		log.Warn().Str("topic", topic).Msg("Presence filter saturated, disabling fast path")
	}
	telemetry.PresenceFilterSize.Set(float64(size))
}

// Remove clears a topic whose last subscription just went away.
func (f *PresenceFilter) Remove(topic string) {
	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, xxhash.Sum64String(topic))
	f.filter.Delete(buf)
	hashBufPool.Put(buf)
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.PresenceFilterSize.Set(float64(size))
}

// Size returns current number of topics in the filter.
func (f *PresenceFilter) Size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}

// Saturated reports whether the fast path has been disabled.
func (f *PresenceFilter) Saturated() bool {
	return f.saturated.Load()
}
