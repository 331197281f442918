// Package transport provides the broadcast transports the publisher fans
// remote envelopes through: an in-process hub for single-node and test
// deployments, NATS and Kafka for real clusters, and a durable journal
// decorator that survives transport outages.
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/telemetry"
)

const memoryBufferSize = 256

func init() {
	publisher.RegisterTransport(string(cfg.TransportMemory), func(_ cfg.BroadcastConfiguration) (publisher.Transport, error) {
		return DefaultHub.Transport(), nil
	})
}

// DefaultHub backs every transport created through the factory. Transports
// created in one process through cfg therefore see each other's broadcasts.
var DefaultHub = NewHub()

// Hub fans envelopes out to every attached transport, the sender included.
// Receivers drop their own node's envelopes, so self-delivery is harmless.
type Hub struct {
	mu      sync.RWMutex
	handles map[uint64]*MemoryTransport
	nextID  atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{handles: make(map[uint64]*MemoryTransport)}
}

// Transport attaches a new handle to the hub.
func (h *Hub) Transport() *MemoryTransport {
	t := &MemoryTransport{
		hub: h,
		id:  h.nextID.Add(1),
		ch:  make(chan *publisher.Envelope, memoryBufferSize),
	}
	h.mu.Lock()
	h.handles[t.id] = t
	h.mu.Unlock()
	return t
}

func (h *Hub) broadcast(env *publisher.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.handles {
		select {
		case t.ch <- env:
		default:
			telemetry.BroadcastsDroppedTotal.With("overflow").Inc()
			log.Warn().
				Uint64("handle", t.id).
				Uint64("envelope", env.ID).
				Msg("Memory transport buffer full, dropping envelope")
		}
	}
}

// detach removes the handle while holding the write lock, so no broadcast can
// still be sending when the channel closes afterwards.
func (h *Hub) detach(id uint64) {
	h.mu.Lock()
	t, ok := h.handles[id]
	if ok {
		delete(h.handles, id)
	}
	h.mu.Unlock()
	if ok {
		close(t.ch)
	}
}

// MemoryTransport is one node's handle on a Hub. Envelopes broadcast before
// Start buffer in the channel until the consumer loop drains them.
type MemoryTransport struct {
	hub    *Hub
	id     uint64
	ch     chan *publisher.Envelope
	doneCh chan struct{}
	closed atomic.Bool
}

func (t *MemoryTransport) Broadcast(_ context.Context, _ int, env *publisher.Envelope) error {
	if t.closed.Load() {
		return publisher.ErrTransportClosed
	}
	t.hub.broadcast(env)
	return nil
}

func (t *MemoryTransport) Start(handler func(*publisher.Envelope)) error {
	t.doneCh = make(chan struct{})
	go func() {
		defer close(t.doneCh)
		for env := range t.ch {
			handler(env)
		}
	}()
	return nil
}

func (t *MemoryTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.hub.detach(t.id)
	if t.doneCh != nil {
		<-t.doneCh
	}
	return nil
}
