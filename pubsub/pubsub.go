// Package pubsub wires the subscription machinery into one handle: a
// registry for liveness, a store for documents, a publisher for fanout, and
// an optional transport for the rest of the cluster. Handles are independent;
// a process can run several, each its own node.
package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/hlc"
	"github.com/maxpert/fanout/id"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/registry"
	"github.com/maxpert/fanout/shard"
	"github.com/maxpert/fanout/subscription"
	"github.com/maxpert/fanout/telemetry"
)

const (
	defaultPoolSize      = 16
	defaultPlanCacheSize = 1024
)

// Config assembles a Handle.
type Config struct {
	NodeID        uint64
	PoolSize      int // Broadcast shard count, fixed for the cluster's life
	PlanCacheSize int
	DedupWindow   int

	Engine    publisher.Engine        // Required
	Transport publisher.Transport     // nil keeps fanout node-local
	Triggers  *publisher.TriggerTable // nil disables result derivation
	Filter    *publisher.GlobFilter   // nil allows everything
	Peers     publisher.PeerObserver  // nil disables peer tracking
	Clock     *hlc.Clock              // nil builds one from NodeID
}

// Handle is the composed subscription system. The zero Handle and the nil
// Handle are safe to publish through: both log and drop.
type Handle struct {
	reg       *registry.Registry
	store     *subscription.Store
	pub       *publisher.Publisher
	transport publisher.Transport
	clock     *hlc.Clock
	closed    atomic.Bool
}

// New builds a Handle and, when a transport is configured, starts consuming
// remote envelopes into it.
func New(config Config) (*Handle, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("resolution engine is required")
	}

	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	planCache := config.PlanCacheSize
	if planCache <= 0 {
		planCache = defaultPlanCacheSize
	}

	reg := registry.New()

	store, err := subscription.NewStore(reg, planCache)
	if err != nil {
		reg.Close()
		return nil, err
	}

	router, err := shard.New(poolSize)
	if err != nil {
		reg.Close()
		return nil, err
	}

	clock := config.Clock
	if clock == nil {
		clock = hlc.NewClock(config.NodeID)
	}

	pub, err := publisher.New(publisher.Config{
		NodeID:      config.NodeID,
		Store:       store,
		Router:      router,
		Engine:      config.Engine,
		Transport:   config.Transport,
		Triggers:    config.Triggers,
		Filter:      config.Filter,
		Clock:       clock,
		Generator:   id.NewHLCGenerator(clock),
		Peers:       config.Peers,
		DedupWindow: config.DedupWindow,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	h := &Handle{
		reg:       reg,
		store:     store,
		pub:       pub,
		transport: config.Transport,
		clock:     clock,
	}

	if config.Transport != nil {
		if err := config.Transport.Start(pub.HandleEnvelope); err != nil {
			reg.Close()
			return nil, fmt.Errorf("failed to start transport: %w", err)
		}
	}

	log.Info().
		Uint64("node_id", config.NodeID).
		Int("pool_size", poolSize).
		Bool("remote", config.Transport != nil).
		Msg("Pubsub handle ready")

	return h, nil
}

// BindOwner registers a subscriber owner whose registrations live until the
// owner closes or ctx is done.
func (h *Handle) BindOwner(ctx context.Context, ownerID string) (*registry.Owner, error) {
	return h.reg.Bind(ctx, ownerID)
}

// Subscribe registers a subscription document under an owner.
func (h *Handle) Subscribe(o *registry.Owner, doc subscription.Document, contextPayload map[string]interface{}) error {
	return h.store.Subscribe(o, doc, contextPayload)
}

// Unsubscribe removes one subscription by id.
func (h *Handle) Unsubscribe(o *registry.Owner, subscriptionID string) bool {
	return h.store.Unsubscribe(o, subscriptionID)
}

// Lookup materializes the documents currently subscribed to a topic.
func (h *Handle) Lookup(topic string) []subscription.Materialized {
	return h.store.Lookup(topic)
}

// Publish fans a result out to explicit field specs. On a nil or
// unconfigured handle this logs and drops, a deliberate no-op success.
func (h *Handle) Publish(ctx context.Context, result map[string]interface{}, fields []publisher.FieldSpec) {
	if h.misconfigured("fields") {
		return
	}
	h.pub.Publish(ctx, result, fields)
}

// PublishResult derives field specs from the trigger table for a mutation
// field, then publishes. Same no-op contract as Publish.
func (h *Handle) PublishResult(ctx context.Context, mutationField string, result map[string]interface{}) {
	if h.misconfigured("result") {
		return
	}
	h.pub.PublishResult(ctx, mutationField, result)
}

func (h *Handle) misconfigured(kind string) bool {
	if h == nil || h.pub == nil || h.store == nil {
		telemetry.PublishesTotal.With(kind, "misconfigured").Inc()
		log.Warn().Str("kind", kind).Msg("Publish on unconfigured pubsub handle, dropping")
		return true
	}
	return false
}

// Registry exposes the owner registry for admin introspection.
func (h *Handle) Registry() *registry.Registry {
	return h.reg
}

// Store exposes the subscription store.
func (h *Handle) Store() *subscription.Store {
	return h.store
}

// Close stops the transport and purges every owner. Idempotent.
func (h *Handle) Close() error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	var transportErr error
	if h.transport != nil {
		transportErr = h.transport.Close()
	}
	if h.reg != nil {
		h.reg.Close()
	}
	return transportErr
}
