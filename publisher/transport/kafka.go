package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/telemetry"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterTransport(string(cfg.TransportKafka), func(config cfg.BroadcastConfiguration) (publisher.Transport, error) {
		groupID := fmt.Sprintf("%s-node-%d", config.KafkaTopic, cfg.Config.NodeID)
		return NewKafkaTransport(config.KafkaBrokers, config.KafkaTopic, groupID)
	})
}

// shardBalancer routes each message to the partition named by its key. The
// publisher has already reduced the result to a shard index, so rehashing the
// key would scramble the shard-to-partition mapping.
type shardBalancer struct{}

func (shardBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	sh, err := strconv.Atoi(string(msg.Key))
	if err != nil {
		return partitions[0]
	}
	return partitions[sh%len(partitions)]
}

// KafkaTransport broadcasts envelopes over a single Kafka topic, one
// partition per shard. Each node consumes under its own group id, so every
// node sees every envelope regardless of partition count.
type KafkaTransport struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	brokers []string
	topic   string
	groupID string
	cancel  context.CancelFunc
	doneCh  chan struct{}
	closed  atomic.Bool
}

func NewKafkaTransport(brokers []string, topic, groupID string) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka transport requires a topic")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               shardBalancer{},
		BatchSize:              DefaultKafkaBatchSize,
		BatchBytes:             DefaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaTransport{
		writer:  writer,
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
	}, nil
}

func (t *KafkaTransport) Broadcast(ctx context.Context, sh int, env *publisher.Envelope) error {
	data, err := publisher.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(sh)),
		Value: data,
	})
}

func (t *KafkaTransport) Start(handler func(*publisher.Envelope)) error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.doneCh = make(chan struct{})

	t.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.brokers,
		GroupID:     t.groupID,
		Topic:       t.topic,
		StartOffset: kafka.LastOffset,
		MaxWait:     500 * time.Millisecond,
	})

	log.Info().
		Strs("brokers", t.brokers).
		Str("topic", t.topic).
		Str("group", t.groupID).
		Msg("Consuming Kafka broadcasts")

	go func() {
		defer close(t.doneCh)
		for {
			m, err := t.reader.ReadMessage(ctx)
			if err != nil {
				if t.closed.Load() || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				log.Error().Err(err).Msg("Kafka consumer loop terminated")
				return
			}

			env, err := publisher.DecodeEnvelope(m.Value)
			if err != nil {
				telemetry.BroadcastsDroppedTotal.With("decode").Inc()
				log.Warn().
					Err(err).
					Int("partition", m.Partition).
					Int64("offset", m.Offset).
					Msg("Dropping undecodable envelope")
				continue
			}
			handler(env)
		}
	}()

	return nil
}

func (t *KafkaTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if t.cancel != nil {
		t.cancel()
	}
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
		}
	}
	if t.doneCh != nil {
		<-t.doneCh
	}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
	}
	return errors.Join(errs...)
}
