package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/fanout/cfg"
)

// ErrTransportClosed is returned by Broadcast after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries envelopes between cluster nodes. Broadcast enqueues an
// envelope on one shard channel; Start installs the receive handler and
// begins consuming; Close releases all resources. Implementations must
// tolerate Broadcast before Start (a node may publish before its consumer
// loop is up).
type Transport interface {
	Broadcast(ctx context.Context, shard int, env *Envelope) error
	Start(handler func(*Envelope)) error
	Close() error
}

// TransportFactory creates a Transport from the broadcast configuration.
type TransportFactory func(cfg.BroadcastConfiguration) (Transport, error)

var (
	transportFactories = make(map[string]TransportFactory)
	factoryMu          sync.RWMutex
)

// RegisterTransport registers a transport factory for a type string.
// Called from implementation package init functions.
func RegisterTransport(transportType string, factory TransportFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transportFactories[transportType] = factory
}

// CreateTransport instantiates the transport named by the configuration.
func CreateTransport(config cfg.BroadcastConfiguration) (Transport, error) {
	factoryMu.RLock()
	factory, exists := transportFactories[string(config.Transport)]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport type: %s", config.Transport)
	}

	return factory(config)
}
