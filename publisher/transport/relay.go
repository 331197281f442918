package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/telemetry"
)

const (
	// Default batch size for reading records per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed broadcasts
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default number of retry attempts before an envelope is dropped
	DefaultMaxRetries = 100
)

// RelayConfig configures a journal relay
type RelayConfig struct {
	Name            string              // Cursor name in the journal
	Journal         *Journal            // Journal to drain
	Target          publisher.Transport // Destination transport
	BatchSize       int                 // Records per poll cycle
	PollInterval    time.Duration       // Poll interval
	RetryInitial    time.Duration       // Initial retry delay
	RetryMax        time.Duration       // Max retry delay
	RetryMultiplier float64             // Backoff multiplier
	MaxRetries      int                 // Retry attempts before dropping (0 = unlimited)
}

// Relay drains journaled envelopes to a target transport in sequence order,
// advancing its cursor after each successful broadcast. Failed broadcasts
// retry with exponential backoff; an envelope that exhausts its retries is
// dropped so one dead letter cannot wedge the whole backlog.
type Relay struct {
	config      RelayConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

func NewRelay(config RelayConfig) (*Relay, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("relay name is required")
	}
	if config.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if config.Target == nil {
		return nil, fmt.Errorf("target transport is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Journal.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new relay starts just below the earliest surviving record, skipping
	// ranges the cleanup already reclaimed
	if cursor == 0 {
		earliest, err := findEarliestRecord(config.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest record: %w", err)
		}
		cursor = earliest
	}

	return &Relay{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func findEarliestRecord(j *Journal) (uint64, error) {
	records, err := j.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	// ReadFrom starts at cursor + 1
	return records[0].Seq - 1, nil
}

// Start starts the relay goroutine
func (r *Relay) Start() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return
	}

	r.running.Store(true)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	log.Info().
		Str("relay", r.config.Name).
		Uint64("cursor", r.cursor).
		Msg("Starting journal relay")

	go r.pollLoop()
}

// Stop stops the relay gracefully
func (r *Relay) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return
	}

	close(r.stopCh)
	<-r.doneCh
	r.running.Store(false)

	log.Info().Str("relay", r.config.Name).Msg("Journal relay stopped")
}

func (r *Relay) pollLoop() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			return
		default:
			records, err := r.config.Journal.ReadFrom(r.cursor, r.config.BatchSize)
			if err != nil {
				if err == ErrJournalClosed {
					return
				}
				log.Error().
					Err(err).
					Str("relay", r.config.Name).
					Uint64("cursor", r.cursor).
					Msg("Failed to read from journal")
				r.sleep(r.config.PollInterval)
				continue
			}

			if len(records) == 0 {
				r.sleep(r.config.PollInterval)
				continue
			}

			for _, rec := range records {
				if !r.relayRecord(rec) {
					return
				}
				r.cursor = rec.Seq
			}
		}
	}
}

// relayRecord broadcasts one record and advances the cursor. Returns false
// only when the relay is stopping. Delivery is at-least-once: the cursor
// advances after the broadcast, so a crash in between redelivers on restart.
func (r *Relay) relayRecord(rec Record) bool {
	if err := r.broadcastWithRetry(rec); err != nil {
		select {
		case <-r.stopCh:
			return false
		default:
		}
		telemetry.BroadcastsDroppedTotal.With("exhausted").Inc()
		log.Error().
			Err(err).
			Str("relay", r.config.Name).
			Uint64("seq", rec.Seq).
			Uint64("envelope", rec.Env.ID).
			Msg("Dropping envelope after exhausting retries")
	}

	if err := r.config.Journal.AdvanceCursor(r.config.Name, rec.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("relay", r.config.Name).
			Uint64("seq", rec.Seq).
			Msg("Failed to advance cursor, record may be redelivered")
	}
	return true
}

// broadcastWithRetry broadcasts with exponential backoff. Returns an error
// when retries are exhausted or the relay is stopping.
func (r *Relay) broadcastWithRetry(rec Record) error {
	delay := r.config.RetryInitial
	attempts := 0

	for {
		err := r.config.Target.Broadcast(context.Background(), rec.Env.Shard, rec.Env)
		if err == nil {
			telemetry.JournalRelayedTotal.Inc()
			return nil
		}

		attempts++
		telemetry.JournalRetriesTotal.Inc()

		if r.config.MaxRetries > 0 && attempts >= r.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for seq %d: %w", r.config.MaxRetries, rec.Seq, err)
		}

		log.Warn().
			Err(err).
			Str("relay", r.config.Name).
			Uint64("seq", rec.Seq).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to broadcast envelope, retrying")

		if !r.sleep(delay) {
			return fmt.Errorf("relay stopped during retry")
		}

		delay = time.Duration(float64(delay) * r.config.RetryMultiplier)
		if delay > r.config.RetryMax {
			delay = r.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (r *Relay) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// JournaledTransport wraps a transport with a durable outbox. Broadcast
// returns once the envelope is synced into the journal; the relay pushes it
// to the wrapped transport in the background and retries across outages.
// Receiving passes straight through to the wrapped transport.
type JournaledTransport struct {
	journal *Journal
	inner   publisher.Transport
	relay   *Relay
}

// WrapWithJournal builds the journaled decorator around an existing
// transport using the journal configuration knobs.
func WrapWithJournal(inner publisher.Transport, dir string, jc cfg.JournalConfiguration) (*JournaledTransport, error) {
	journal, err := OpenJournal(dir, jc.BatchSize)
	if err != nil {
		return nil, err
	}

	relay, err := NewRelay(RelayConfig{
		Name:         "broadcast",
		Journal:      journal,
		Target:       inner,
		BatchSize:    jc.BatchSize,
		PollInterval: time.Duration(jc.PollIntervalMS) * time.Millisecond,
		RetryInitial: time.Duration(jc.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(jc.RetryMaxMS) * time.Millisecond,
		MaxRetries:   jc.MaxRetries,
	})
	if err != nil {
		journal.Close()
		return nil, err
	}

	return &JournaledTransport{journal: journal, inner: inner, relay: relay}, nil
}

// Journal exposes the underlying outbox for depth introspection.
func (t *JournaledTransport) Journal() *Journal {
	return t.journal
}

func (t *JournaledTransport) Broadcast(_ context.Context, _ int, env *publisher.Envelope) error {
	// The shard rides inside the envelope; the relay re-reads it on the way out
	_, err := t.journal.Append(env).Get()
	return err
}

func (t *JournaledTransport) Start(handler func(*publisher.Envelope)) error {
	if err := t.inner.Start(handler); err != nil {
		return err
	}
	t.relay.Start()
	return nil
}

func (t *JournaledTransport) Close() error {
	t.relay.Stop()
	innerErr := t.inner.Close()
	journalErr := t.journal.Close()
	if innerErr != nil {
		return innerErr
	}
	return journalErr
}
