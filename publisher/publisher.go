// Package publisher orchestrates fanout of mutation results to subscribers.
//
// A publish runs two phases. The remote phase computes the result's shard and
// hands an envelope to the transport, fire-and-forget. The local phase derives
// each field's topic, looks up the live subscriptions and hands every
// materialized document to the resolution engine synchronously, in the
// caller's stack. The synchronous local phase bounds how much unresolved
// subscription work can pile up concurrently with mutation throughput; do not
// move it onto a goroutine.
//
// Received envelopes run the local phase only, so an envelope crosses the
// cluster exactly one hop.
package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/hlc"
	"github.com/maxpert/fanout/id"
	"github.com/maxpert/fanout/shard"
	"github.com/maxpert/fanout/subscription"
	"github.com/maxpert/fanout/telemetry"
)

const defaultDedupWindow = 8192

// Engine resolves one materialized document against the mutation result that
// triggered it. Supplied by the query execution layer; failures are isolated
// per document.
type Engine interface {
	Resolve(ctx context.Context, doc subscription.Materialized, result map[string]interface{}) error
}

// PeerObserver is notified for every envelope accepted from a remote node.
type PeerObserver interface {
	Observe(nodeID uint64, eventID uint64)
}

// Config assembles a Publisher's collaborators.
type Config struct {
	NodeID    uint64
	Store     *subscription.Store
	Router    *shard.Router
	Engine    Engine
	Transport Transport     // nil disables remote fanout
	Triggers  *TriggerTable // nil disables PublishResult derivation
	Filter    *GlobFilter   // nil allows everything
	Clock     *hlc.Clock
	Generator *id.HLCGenerator
	Peers     PeerObserver // nil disables peer tracking
	// DedupWindow bounds the recently-seen envelope id cache used to drop
	// journal redeliveries. Zero selects the default.
	DedupWindow int
}

// Publisher fans mutation results out to local and remote subscribers.
type Publisher struct {
	nodeID    uint64
	store     *subscription.Store
	router    *shard.Router
	engine    Engine
	transport Transport
	triggers  *TriggerTable
	filter    *GlobFilter
	clock     *hlc.Clock
	gen       *id.HLCGenerator
	peers     PeerObserver
	seen      *lru.Cache[uint64, struct{}]
}

// New validates the configuration and builds a Publisher.
func New(config Config) (*Publisher, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("subscription store is required")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("shard router is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("resolution engine is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if config.Generator == nil {
		return nil, fmt.Errorf("id generator is required")
	}

	window := config.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	seen, err := lru.New[uint64, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("unable to create dedup window: %w", err)
	}

	filter := config.Filter
	if filter == nil {
		filter, _ = NewGlobFilter(nil, nil)
	}

	return &Publisher{
		nodeID:    config.NodeID,
		store:     config.Store,
		router:    config.Router,
		engine:    config.Engine,
		transport: config.Transport,
		triggers:  config.Triggers,
		filter:    filter,
		clock:     config.Clock,
		gen:       config.Generator,
		peers:     config.Peers,
		seen:      seen,
	}, nil
}

// Publish fans a mutation result out to the given field specs: remote
// broadcast first, then synchronous local delivery. An empty spec list is a
// complete no-op. Broadcast failures are logged, never surfaced; subscription
// delivery must not abort the mutation's own response.
func (p *Publisher) Publish(ctx context.Context, result map[string]interface{}, fields []FieldSpec) {
	p.publish(ctx, "fields", result, fields)
}

// PublishResult derives the triggered field specs from the trigger table and
// publishes. A mutation field with no trigger row derives nothing and the
// call returns without touching the registry or the transport.
func (p *Publisher) PublishResult(ctx context.Context, mutationField string, result map[string]interface{}) {
	var fields []FieldSpec
	if p.triggers != nil {
		fields = p.triggers.Derive(mutationField, result)
	}
	p.publish(ctx, "result", result, fields)
}

func (p *Publisher) publish(ctx context.Context, kind string, result map[string]interface{}, fields []FieldSpec) {
	if len(fields) == 0 {
		telemetry.PublishesTotal.With(kind, "noop").Inc()
		return
	}

	p.broadcast(ctx, result, fields)
	p.Deliver(ctx, result, fields)

	telemetry.PublishesTotal.With(kind, "ok").Inc()
}

// broadcast enqueues the envelope on the result's shard channel.
func (p *Publisher) broadcast(ctx context.Context, result map[string]interface{}, fields []FieldSpec) {
	if p.transport == nil {
		return
	}

	sh, err := p.router.Of(result)
	if err != nil {
		telemetry.BroadcastErrorsTotal.Inc()
		log.Warn().Err(err).Msg("Unable to route result to a shard, skipping broadcast")
		return
	}

	stamp := p.gen.NextStamp()
	env := &Envelope{
		ID:      stamp.ToEventID(),
		NodeID:  p.nodeID,
		Wall:    stamp.WallTime,
		Logical: stamp.Logical,
		Shard:   sh,
		Fields:  fields,
		Result:  result,
	}

	start := time.Now()
	if err := p.transport.Broadcast(ctx, sh, env); err != nil {
		telemetry.BroadcastErrorsTotal.Inc()
		log.Warn().
			Err(err).
			Int("shard", sh).
			Uint64("envelope", env.ID).
			Msg("Broadcast enqueue failed")
		return
	}

	telemetry.BroadcastDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.BroadcastsSentTotal.With(strconv.Itoa(sh)).Inc()
}

// Deliver runs the synchronous local fanout for every field spec. Blocks the
// caller until each matched document has been handed to the engine; a single
// document's failure never stops its siblings.
func (p *Publisher) Deliver(ctx context.Context, result map[string]interface{}, fields []FieldSpec) {
	start := time.Now()

	for _, spec := range fields {
		topic := spec.Topic()

		if !p.filter.Match(spec.Field, topic) {
			telemetry.FilteredDeliveriesTotal.With("local").Inc()
			continue
		}

		if !p.store.MightHave(topic) {
			telemetry.PresenceFilterChecks.With("miss").Inc()
			continue
		}
		telemetry.PresenceFilterChecks.With("hit").Inc()

		for _, doc := range p.store.Lookup(topic) {
			if err := p.engine.Resolve(ctx, doc, result); err != nil {
				telemetry.ResolutionFailuresTotal.Inc()
				log.Warn().
					Err(err).
					Str("subscription", doc.SubscriptionID).
					Str("owner", doc.Owner).
					Str("topic", topic).
					Msg("Document resolution failed")
				continue
			}
			telemetry.LocalDeliveriesTotal.Inc()
		}
	}

	telemetry.DeliveryDurationSeconds.Observe(time.Since(start).Seconds())
}

// HandleEnvelope is the transport receive path. Own-node and recently-seen
// envelopes are dropped, the clock folds the remote stamp in, and the
// envelope runs local fanout only.
func (p *Publisher) HandleEnvelope(env *Envelope) {
	if env == nil {
		return
	}
	telemetry.BroadcastsReceivedTotal.Inc()

	if env.NodeID == p.nodeID {
		telemetry.BroadcastsDroppedTotal.With("self").Inc()
		return
	}
	if dup, _ := p.seen.ContainsOrAdd(env.ID, struct{}{}); dup {
		telemetry.BroadcastsDroppedTotal.With("duplicate").Inc()
		return
	}

	p.clock.Update(env.Stamp())
	if p.peers != nil {
		p.peers.Observe(env.NodeID, env.ID)
	}

	p.Deliver(context.Background(), env.Result, env.Fields)
}
