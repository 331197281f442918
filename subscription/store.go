// Package subscription stores packed resolution plans against topics and
// materializes them at publish time.
//
// A subscription document binds a subscription id to one topic and carries
// the packed pipeline plan that resolves the final payload for its client.
// Plans stay packed in the registry; Lookup unpacks them through a shared
// decode cache and merges the owning connection's context into a fresh copy,
// so the cached template is never mutated.
package subscription

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/registry"
	"github.com/maxpert/fanout/telemetry"
)

// ContextOptionKey is the reserved phase option under which the owner's
// context payload is injected during materialization. Plans must not use
// this key themselves.
const ContextOptionKey = "context"

// Document is a subscription as submitted by a connection.
type Document struct {
	SubscriptionID string
	ContextID      string
	Topic          string
	Plan           []byte
	Source         string
}

// Materialized is a ready-to-execute subscription produced by Lookup.
// Pipeline is a private copy with the owner context merged into every
// phase's options under ContextOptionKey.
type Materialized struct {
	SubscriptionID string
	Owner          string
	Pipeline       encoding.Pipeline
	Source         string
}

// Store is the subscription store over the shared registry.
type Store struct {
	reg   *registry.Registry
	plans *planCache
}

// NewStore creates a Store with a plan decode cache of the given size.
func NewStore(reg *registry.Registry, cacheSize int) (*Store, error) {
	plans, err := newPlanCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("unable to create plan cache: %w", err)
	}
	return &Store{reg: reg, plans: plans}, nil
}

// Subscribe registers a subscription document for an owner. When
// contextPayload is non-nil the owner's context is created or replaced
// first; passing nil reuses whatever context is already registered under
// doc.ContextID. Many subscriptions may share one context id.
func (s *Store) Subscribe(o *registry.Owner, doc Document, contextPayload map[string]interface{}) error {
	if doc.SubscriptionID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if doc.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(doc.Plan) == 0 {
		return fmt.Errorf("plan is required")
	}

	if contextPayload != nil {
		if err := s.reg.RegisterUnique(o, doc.ContextID, contextPayload); err != nil {
			return err
		}
	}

	// If the owner closes between these calls, the purge sweeps whichever
	// registrations landed; no rollback is needed here.
	if _, err := s.reg.RegisterDuplicate(o, doc.Topic, registry.Entry{
		SubscriptionID: doc.SubscriptionID,
		ContextID:      doc.ContextID,
		Plan:           doc.Plan,
		Source:         doc.Source,
	}); err != nil {
		return err
	}
	if err := s.reg.RegisterReverse(o, doc.SubscriptionID, doc.Topic); err != nil {
		return err
	}

	log.Debug().
		Str("owner", o.ID()).
		Str("subscription", doc.SubscriptionID).
		Str("topic", doc.Topic).
		Msg("Subscription registered")
	return nil
}

// Unsubscribe removes one subscription by id. It reports whether anything
// was removed; unknown ids and repeated calls are no-ops.
func (s *Store) Unsubscribe(o *registry.Owner, subscriptionID string) bool {
	// Claiming the reverse entry first makes concurrent unsubscribes of
	// the same id settle on a single winner.
	topic, ok := s.reg.UnregisterReverse(o, subscriptionID)
	if !ok {
		return false
	}

	owner := o.ID()
	s.reg.UnregisterDuplicateMatching(topic, func(e registry.Entry) bool {
		return e.Owner == owner && e.SubscriptionID == subscriptionID
	})

	log.Debug().
		Str("owner", owner).
		Str("subscription", subscriptionID).
		Str("topic", topic).
		Msg("Subscription removed")
	return true
}

// Lookup materializes every live subscription on a topic. Entries whose
// owner context has disappeared are skipped; a plan that fails to unpack is
// logged and skipped so its siblings still deliver.
func (s *Store) Lookup(topic string) []Materialized {
	start := time.Now()

	entries := s.reg.LookupDuplicate(topic)
	if len(entries) == 0 {
		return nil
	}

	out := make([]Materialized, 0, len(entries))
	for _, e := range entries {
		payload, ok := s.reg.LookupUnique(e.Owner, e.ContextID)
		if !ok {
			// Owner is mid-purge or re-registering; treat as gone.
			continue
		}

		template, err := s.plans.get(e.Plan)
		if err != nil {
			telemetry.ResolutionFailuresTotal.Inc()
			log.Warn().
				Err(err).
				Str("owner", e.Owner).
				Str("subscription", e.SubscriptionID).
				Str("topic", topic).
				Msg("Dropping subscription with undecodable plan")
			continue
		}

		pipeline := template.Clone()
		for i := range pipeline.Phases {
			if pipeline.Phases[i].Options == nil {
				pipeline.Phases[i].Options = make(map[string]interface{}, 1)
			}
			pipeline.Phases[i].Options[ContextOptionKey] = payload
		}

		out = append(out, Materialized{
			SubscriptionID: e.SubscriptionID,
			Owner:          e.Owner,
			Pipeline:       pipeline,
			Source:         e.Source,
		})
	}

	telemetry.LookupDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.LookupMatches.Observe(float64(len(out)))
	return out
}

// MightHave is the presence fast path for publishers.
func (s *Store) MightHave(topic string) bool {
	return s.reg.MightHave(topic)
}

// Registry exposes the underlying registry for introspection surfaces.
func (s *Store) Registry() *registry.Registry {
	return s.reg
}
