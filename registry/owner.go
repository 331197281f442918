package registry

import (
	"context"
	"sync"

	"github.com/maxpert/fanout/telemetry"
	"github.com/rs/zerolog/log"
)

// Owner is a live handle for one subscribing process (typically a client
// connection). Every registration carries its owner; purging the owner
// removes all of them. An Owner is purged exactly once, either by an explicit
// Close or by cancellation of the context it was bound with.
type Owner struct {
	id  string
	reg *Registry

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// subs is the reverse namespace: subscription id → topic.
	subs map[string]string
	// entries tracks duplicate-namespace handles for purge: handle → topic.
	entries map[uint64]string
	// ctxKeys tracks context ids registered in the unique namespace.
	ctxKeys map[string]struct{}
}

func newOwner(r *Registry, id string) *Owner {
	return &Owner{
		id:      id,
		reg:     r,
		done:    make(chan struct{}),
		subs:    make(map[string]string),
		entries: make(map[uint64]string),
		ctxKeys: make(map[string]struct{}),
	}
}

// ID returns the owner's identity.
func (o *Owner) ID() string {
	return o.id
}

// Closed reports whether the owner has been purged.
func (o *Owner) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close purges all of the owner's registrations. Safe to call more than once
// and safe to race with context cancellation; the purge runs exactly once.
func (o *Owner) Close() {
	o.reg.purgeOwner(o, "close")
}

// watch ties the owner's registrations to the lifetime of the context it was
// bound with. A Background context never fires; such owners rely on Close.
func (o *Owner) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		o.reg.purgeOwner(o, "context")
	case <-o.done:
	}
}

// purgeOwner removes every registration the owner made across all three
// namespaces. Contexts are cleared before the owner id is released so a
// rebinding of the same id can never have its fresh context entries swept by
// the old incarnation's cleanup. Duplicate entries are removed last; their
// handles are globally unique, so a rebound owner's new entries are untouched.
func (r *Registry) purgeOwner(o *Owner, trigger string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.done)
	subs := o.subs
	entries := o.entries
	ctxKeys := o.ctxKeys
	o.subs = nil
	o.entries = nil
	o.ctxKeys = nil
	o.mu.Unlock()

	for ctxID := range ctxKeys {
		r.contexts.Delete(contextKey(o.id, ctxID))
	}

	r.owners.Delete(o.id)

	// Group bucket handles per topic so each bucket is locked once.
	byTopic := make(map[string]map[uint64]struct{})
	for id, topic := range entries {
		ids := byTopic[topic]
		if ids == nil {
			ids = make(map[uint64]struct{})
			byTopic[topic] = ids
		}
		ids[id] = struct{}{}
	}
	for topic, ids := range byTopic {
		r.bucketRemoveMatching(topic, func(id uint64, _ Entry) bool {
			_, ok := ids[id]
			return ok
		})
	}

	telemetry.OwnerPurgesTotal.With(trigger).Inc()
	log.Debug().
		Str("owner", o.id).
		Str("trigger", trigger).
		Int("subscriptions", len(subs)).
		Int("entries", len(entries)).
		Int("contexts", len(ctxKeys)).
		Msg("Owner purged")
}
