package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/shard"
	"github.com/maxpert/fanout/telemetry"
)

func init() {
	publisher.RegisterTransport(string(cfg.TransportNATS), func(config cfg.BroadcastConfiguration) (publisher.Transport, error) {
		return NewNATSTransport(config.NATSURLs, config.ChannelPrefix)
	})
}

// NATSTransport broadcasts envelopes over core NATS, one subject per shard.
// Every node subscribes to the shard wildcard, so each envelope reaches the
// whole cluster in a single hop.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	sub    *nats.Subscription
}

func NewNATSTransport(urls []string, prefix string) (*NATSTransport, error) {
	nc, err := nats.Connect(
		strings.Join(urls, ","),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Strs("urls", urls).
		Str("prefix", prefix).
		Msg("Connected to NATS")

	return &NATSTransport{nc: nc, prefix: prefix}, nil
}

func (t *NATSTransport) Broadcast(_ context.Context, sh int, env *publisher.Envelope) error {
	data, err := publisher.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return t.nc.Publish(shard.Subject(t.prefix, sh), data)
}

func (t *NATSTransport) Start(handler func(*publisher.Envelope)) error {
	sub, err := t.nc.Subscribe(t.prefix+".*", func(m *nats.Msg) {
		env, err := publisher.DecodeEnvelope(m.Data)
		if err != nil {
			telemetry.BroadcastsDroppedTotal.With("decode").Inc()
			log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping undecodable envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", t.prefix, err)
	}
	t.sub = sub
	return nil
}

func (t *NATSTransport) Close() error {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe from broadcast subjects")
		}
	}
	t.nc.Close()
	return nil
}
