// Package registry implements the concurrency-safe namespaces behind
// subscription fanout: unique context entries keyed by (owner, context id),
// duplicate subscription entries bucketed by topic, and a per-owner reverse
// index from subscription id to topic. Every registration is tied to a bound
// Owner; when the owner closes or its context is canceled, all of its entries
// across the three namespaces are purged without any explicit unsubscribe.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrOwnerClosed is returned for registrations against an owner that has
	// been closed or purged. Subscribe surfaces this as a registration failure.
	ErrOwnerClosed = errors.New("owner is closed")

	// ErrOwnerBound is returned by Bind when the owner id is already live.
	// A just-purged id can stay bound for the brief tail of its cleanup.
	ErrOwnerBound = errors.New("owner id already bound")

	// ErrRegistryClosed is returned by Bind after Close.
	ErrRegistryClosed = errors.New("registry is closed")
)

// Entry is one duplicate-namespace registration: a subscriber's packed
// resolution plan plus the identifiers needed to materialize and remove it.
type Entry struct {
	Owner          string
	SubscriptionID string
	ContextID      string
	Plan           []byte
	Source         string
}

// TopicInfo summarizes one live topic for introspection.
type TopicInfo struct {
	Topic   string `json:"topic"`
	Entries int    `json:"entries"`
}

// OwnerInfo summarizes one bound owner for introspection.
type OwnerInfo struct {
	ID            string `json:"id"`
	Subscriptions int    `json:"subscriptions"`
	Contexts      int    `json:"contexts"`
}

// removedEntry pairs a removed duplicate entry with its bucket handle so the
// owning record's tracking can be detached afterwards.
type removedEntry struct {
	id    uint64
	entry Entry
}

// Registry holds the three fanout namespaces. Operations on disjoint topics
// and owners never contend; operations touching the same topic bucket or the
// same owner record serialize on that key's lock only.
type Registry struct {
	// contexts: "owner\x00contextID" → context payload
	contexts *xsync.MapOf[string, map[string]interface{}]

	// topics: topic → bucket of entryID → Entry
	topics *xsync.MapOf[string, *topicBucket]

	// owners: owner id → live owner record
	owners *xsync.MapOf[string, *Owner]

	presence *PresenceFilter
	entrySeq atomic.Uint64
	closed   atomic.Bool
}

// topicBucket holds one topic's entries. dead marks a bucket that has been
// emptied and detached from the topics map; writers that observe it retry
// against a fresh bucket.
type topicBucket struct {
	mu      sync.RWMutex
	entries map[uint64]Entry
	dead    bool
}

func newTopicBucket() *topicBucket {
	return &topicBucket{entries: make(map[uint64]Entry)}
}

// New creates an empty registry with a fresh presence filter.
func New() *Registry {
	return &Registry{
		contexts: xsync.NewMapOf[string, map[string]interface{}](),
		topics:   xsync.NewMapOf[string, *topicBucket](),
		owners:   xsync.NewMapOf[string, *Owner](),
		presence: NewPresenceFilter(),
	}
}

// Bind creates a live owner record for the given id. All registrations flow
// through the returned Owner; cancellation of ctx (or an explicit Close)
// purges every registration the owner made. Binding an id that is already
// live fails with ErrOwnerBound.
func (r *Registry) Bind(ctx context.Context, ownerID string) (*Owner, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	o := newOwner(r, ownerID)
	if _, loaded := r.owners.LoadOrStore(ownerID, o); loaded {
		return nil, ErrOwnerBound
	}

	if ctx == nil {
		ctx = context.Background()
	}
	go o.watch(ctx)

	log.Debug().Str("owner", ownerID).Msg("Owner bound")
	return o, nil
}

// RegisterUnique upserts the context payload for (owner, contextID).
// Re-registering the same key replaces the prior payload.
func (r *Registry) RegisterUnique(o *Owner, contextID string, payload map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOwnerClosed
	}

	r.contexts.Store(contextKey(o.id, contextID), payload)
	o.ctxKeys[contextID] = struct{}{}
	return nil
}

// RegisterDuplicate appends an entry under topic. Many entries may share a
// topic. The returned handle identifies the entry for removal; the owner's
// purge uses it to find the entry without scanning all topics.
func (r *Registry) RegisterDuplicate(o *Owner, topic string, e Entry) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, ErrOwnerClosed
	}

	e.Owner = o.id
	id := r.entrySeq.Add(1)
	r.bucketInsert(topic, id, e)
	o.entries[id] = topic
	return id, nil
}

// RegisterReverse upserts the subscription id → topic association for the
// owner. Used only to find what to remove on unsubscribe.
func (r *Registry) RegisterReverse(o *Owner, subscriptionID, topic string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOwnerClosed
	}

	o.subs[subscriptionID] = topic
	return nil
}

// LookupDuplicate returns a snapshot of all entries under topic. Entries are
// copied out whole; callers never observe a partially registered entry. No
// ordering is guaranteed.
func (r *Registry) LookupDuplicate(topic string) []Entry {
	b, ok := r.topics.Load(topic)
	if !ok {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dead || len(b.entries) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}

// LookupUnique returns the context payload registered under (owner, contextID).
func (r *Registry) LookupUnique(ownerID, contextID string) (map[string]interface{}, bool) {
	return r.contexts.Load(contextKey(ownerID, contextID))
}

// ReverseTopic returns the topic a subscription id was registered under,
// without removing the association.
func (r *Registry) ReverseTopic(o *Owner, subscriptionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", false
	}
	topic, ok := o.subs[subscriptionID]
	return topic, ok
}

// UnregisterReverse removes the subscription id → topic association and
// returns the topic it pointed at. No-op when the id is unknown.
func (r *Registry) UnregisterReverse(o *Owner, subscriptionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", false
	}
	topic, ok := o.subs[subscriptionID]
	if ok {
		delete(o.subs, subscriptionID)
	}
	return topic, ok
}

// UnregisterDuplicateMatching removes every entry under topic accepted by the
// predicate and returns how many were removed. No-op when the topic has no
// bucket.
func (r *Registry) UnregisterDuplicateMatching(topic string, pred func(Entry) bool) int {
	removed := r.bucketRemoveMatching(topic, func(_ uint64, e Entry) bool {
		return pred(e)
	})
	r.detachEntries(removed)
	return len(removed)
}

// MightHave reports whether topic may have live subscriptions. A false result
// is definitive; a true result still requires a LookupDuplicate.
func (r *Registry) MightHave(topic string) bool {
	return r.presence.MightHave(topic)
}

// Presence exposes the topic presence filter for introspection.
func (r *Registry) Presence() *PresenceFilter {
	return r.presence
}

// Owner returns the live owner record for an id.
func (r *Registry) Owner(ownerID string) (*Owner, bool) {
	return r.owners.Load(ownerID)
}

// OwnerCount returns the number of bound owners.
func (r *Registry) OwnerCount() int {
	return r.owners.Size()
}

// TopicCount returns the number of topics with at least one entry.
func (r *Registry) TopicCount() int {
	return r.topics.Size()
}

// SubscriptionCount returns the total number of duplicate entries.
func (r *Registry) SubscriptionCount() int {
	total := 0
	r.topics.Range(func(_ string, b *topicBucket) bool {
		b.mu.RLock()
		total += len(b.entries)
		b.mu.RUnlock()
		return true
	})
	return total
}

// ContextCount returns the number of registered context entries.
func (r *Registry) ContextCount() int {
	return r.contexts.Size()
}

// ListTopics returns a snapshot of live topics with their entry counts.
func (r *Registry) ListTopics() []TopicInfo {
	var out []TopicInfo
	r.topics.Range(func(topic string, b *topicBucket) bool {
		b.mu.RLock()
		n := len(b.entries)
		b.mu.RUnlock()
		if n > 0 {
			out = append(out, TopicInfo{Topic: topic, Entries: n})
		}
		return true
	})
	return out
}

// ListOwners returns a snapshot of bound owners with registration counts.
func (r *Registry) ListOwners() []OwnerInfo {
	var out []OwnerInfo
	r.owners.Range(func(id string, o *Owner) bool {
		o.mu.Lock()
		info := OwnerInfo{ID: id, Subscriptions: len(o.subs), Contexts: len(o.ctxKeys)}
		o.mu.Unlock()
		out = append(out, info)
		return true
	})
	return out
}

// Close purges every bound owner and rejects further binds.
func (r *Registry) Close() {
	r.closed.Store(true)

	var owners []*Owner
	r.owners.Range(func(_ string, o *Owner) bool {
		owners = append(owners, o)
		return true
	})
	for _, o := range owners {
		r.purgeOwner(o, "close")
	}
}

// bucketInsert adds an entry to a topic's bucket, creating the bucket (and
// recording the topic in the presence filter) when needed. Retries when it
// loses the race against a bucket that was emptied and detached.
func (r *Registry) bucketInsert(topic string, id uint64, e Entry) {
	for {
		b, loaded := r.topics.LoadOrStore(topic, newTopicBucket())
		if !loaded {
			r.presence.Add(topic)
		}

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		b.entries[id] = e
		b.mu.Unlock()
		return
	}
}

// bucketRemoveMatching removes all matching entries from a topic's bucket.
// The caller that empties a bucket detaches it from the topics map and clears
// the topic from the presence filter; concurrent inserts observe the dead
// flag and retry against a fresh bucket.
func (r *Registry) bucketRemoveMatching(topic string, match func(id uint64, e Entry) bool) []removedEntry {
	b, ok := r.topics.Load(topic)
	if !ok {
		return nil
	}

	var removed []removedEntry
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return nil
	}
	for id, e := range b.entries {
		if match(id, e) {
			delete(b.entries, id)
			removed = append(removed, removedEntry{id: id, entry: e})
		}
	}
	drop := len(b.entries) == 0 && len(removed) > 0
	if drop {
		b.dead = true
	}
	b.mu.Unlock()

	if drop {
		r.topics.Delete(topic)
		r.presence.Remove(topic)
	}
	return removed
}

// detachEntries removes bucket handles from their owners' tracking after a
// predicate-based removal, so long-lived owners do not accumulate stale
// handles. Owners already closed are mid-purge and clean up themselves.
func (r *Registry) detachEntries(removed []removedEntry) {
	for _, re := range removed {
		o, ok := r.owners.Load(re.entry.Owner)
		if !ok {
			continue
		}
		o.mu.Lock()
		if !o.closed {
			delete(o.entries, re.id)
		}
		o.mu.Unlock()
	}
}

// contextKey builds the unique-namespace key. A NUL separator keeps
// caller-supplied ids from colliding across the owner/context boundary.
func contextKey(ownerID, contextID string) string {
	return ownerID + "\x00" + contextID
}
