package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixJournal = "/journal/" // /journal/{16-digit-zero-padded-seq}
	prefixCursor  = "/jcursor/" // /jcursor/{relayName}
	prefixSeq     = "/jseq"     // /jseq -> uint64 (last assigned sequence)
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const (
	defaultReadLimit     = 100
	defaultFlushInterval = 5 * time.Millisecond
	cleanupIntervalMask  = 0x7F // Cleanup every 128 sequences (seq & cleanupIntervalMask == 0)
)

// ErrJournalClosed is returned for operations on a closed journal.
var ErrJournalClosed = errors.New("journal closed")

// Record is one journaled envelope with its assigned sequence number.
type Record struct {
	Seq uint64
	Env *publisher.Envelope
}

type pendingAppend struct {
	env     *publisher.Envelope
	promise *future.Promise[uint64]
}

// Journal is a Pebble-backed outbox for broadcast envelopes. Appends batch
// into a single synced commit; the returned future resolves with the
// envelope's sequence number once it is on disk. Relays track their progress
// through named cursors, and entries below the slowest cursor are reclaimed
// in the background.
type Journal struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Last assigned sequence number (atomic)
	nextSeq atomic.Uint64

	// Appends waiting for the next flush
	mu       sync.Mutex
	pending  []pendingAppend
	maxBatch int

	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Cleanup tracking
	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenJournal creates or opens a journal at the given directory. The flush
// loop starts immediately, so Append works from the moment Open returns.
func OpenJournal(dir string, batchSize int) (*Journal, error) {
	if batchSize < 1 {
		batchSize = defaultReadLimit
	}

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dir, err)
	}

	j := &Journal{
		db:       db,
		path:     dir,
		cursors:  make(map[string]uint64),
		maxBatch: batchSize,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	if err := j.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := j.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	telemetry.JournalDepth.Set(float64(j.Depth()))

	j.wg.Add(1)
	go j.flushLoop()

	return j, nil
}

func (j *Journal) loadNextSeq() error {
	val, closer, err := j.db.Get([]byte(prefixSeq))
	if err == pebble.ErrNotFound {
		// First run - start at 0 (first append gets sequence 1)
		j.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	j.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (j *Journal) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for relay %s: invalid length %d", name, len(val))
		}

		j.cursors[name] = binary.LittleEndian.Uint64(val)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("cursors", count).Msg("Loaded journal cursors")
	}

	return nil
}

// Append queues the envelope for the next batched commit. The future resolves
// with the assigned sequence number once the batch is synced to disk, or with
// an error if the write failed.
func (j *Journal) Append(env *publisher.Envelope) *future.Future[uint64] {
	p := future.NewPromise[uint64]()

	j.mu.Lock()
	// Checked under the lock so an append can never slip in after Close has
	// drained the pending list.
	if j.closed.Load() {
		j.mu.Unlock()
		p.Set(0, ErrJournalClosed)
		return p.Future()
	}
	j.pending = append(j.pending, pendingAppend{env: env, promise: p})
	full := len(j.pending) >= j.maxBatch
	j.mu.Unlock()

	if full {
		select {
		case j.kickCh <- struct{}{}:
		default:
		}
	}

	return p.Future()
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.tryFlush()
		case <-j.kickCh:
			j.tryFlush()
		case <-j.stopCh:
			j.tryFlush()
			return
		}
	}
}

func (j *Journal) tryFlush() {
	j.mu.Lock()
	if len(j.pending) == 0 {
		j.mu.Unlock()
		return
	}
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()

	j.flush(batch)
}

func (j *Journal) flush(entries []pendingAppend) {
	localSeq := j.nextSeq.Load()

	batch := j.db.NewBatch()
	defer batch.Close()

	type flushed struct {
		promise *future.Promise[uint64]
		seq     uint64
	}
	committed := make([]flushed, 0, len(entries))

	for _, pa := range entries {
		val, err := publisher.EncodeEnvelope(pa.env)
		if err != nil {
			// Undecodable input fails alone; the rest of the batch proceeds
			pa.promise.Set(0, fmt.Errorf("failed to encode envelope: %w", err))
			continue
		}

		localSeq++
		if err := batch.Set([]byte(journalKey(localSeq)), val, pebble.Sync); err != nil {
			err = fmt.Errorf("failed to stage envelope: %w", err)
			pa.promise.Set(0, err)
			for _, f := range committed {
				f.promise.Set(0, err)
			}
			return
		}
		committed = append(committed, flushed{promise: pa.promise, seq: localSeq})
	}

	if len(committed) == 0 {
		return
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, localSeq)
	if err := batch.Set([]byte(prefixSeq), seqBuf, pebble.Sync); err != nil {
		err = fmt.Errorf("failed to update sequence: %w", err)
		for _, f := range committed {
			f.promise.Set(0, err)
		}
		return
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		err = fmt.Errorf("failed to commit batch: %w", err)
		for _, f := range committed {
			f.promise.Set(0, err)
		}
		return
	}

	// Only update in-memory nextSeq AFTER successful commit
	j.nextSeq.Store(localSeq)

	for _, f := range committed {
		f.promise.Set(f.seq, nil)
	}

	telemetry.JournalDepth.Set(float64(j.Depth()))
}

// ReadFrom returns records after the given cursor, up to limit. Corrupted
// entries are logged and skipped.
func (j *Journal) ReadFrom(cursor uint64, limit int) ([]Record, error) {
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last processed record)
	startKey := []byte(journalKey(cursor + 1))
	prefix := []byte(prefixJournal)

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]Record, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(records) < limit; iter.Next() {
		seq, err := parseJournalKey(iter.Key())
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping malformed journal key")
			continue
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		env, err := publisher.DecodeEnvelope(val)
		if err != nil {
			log.Warn().Err(err).Uint64("seq", seq).Msg("Skipping undecodable journal record")
			continue
		}

		records = append(records, Record{Seq: seq, Env: env})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return records, nil
}

// GetCursor returns the last relayed sequence for a named relay, zero for a
// relay the journal has never seen.
func (j *Journal) GetCursor(name string) (uint64, error) {
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}

	j.cursorsMu.RLock()
	cursor, exists := j.cursors[name]
	j.cursorsMu.RUnlock()

	if exists {
		return cursor, nil
	}

	key := prefixCursor + name
	val, closer, err := j.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}

	cursor = binary.LittleEndian.Uint64(val)

	// Cache in memory with double-check after taking the write lock
	j.cursorsMu.Lock()
	if existing, exists := j.cursors[name]; exists {
		j.cursorsMu.Unlock()
		return existing, nil
	}
	j.cursors[name] = cursor
	j.cursorsMu.Unlock()

	return cursor, nil
}

// AdvanceCursor moves a relay's cursor forward and periodically reclaims
// entries every relay has passed.
func (j *Journal) AdvanceCursor(name string, seq uint64) error {
	if j.closed.Load() {
		return ErrJournalClosed
	}

	j.cursorsMu.Lock()
	j.cursors[name] = seq
	j.cursorsMu.Unlock()

	key := prefixCursor + name
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)

	if err := j.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	telemetry.JournalDepth.Set(float64(j.Depth()))

	if seq&cleanupIntervalMask == 0 {
		// Only spawn cleanup if one isn't already running
		if j.cleanupRunning.CompareAndSwap(false, true) {
			j.cleanupWg.Add(1)
			go j.cleanupAsync()
		}
	}

	return nil
}

// Depth reports how many records the slowest relay has not yet passed.
func (j *Journal) Depth() uint64 {
	next := j.nextSeq.Load()

	j.cursorsMu.RLock()
	defer j.cursorsMu.RUnlock()

	if len(j.cursors) == 0 {
		return next
	}

	min := ^uint64(0)
	for _, cursor := range j.cursors {
		if cursor < min {
			min = cursor
		}
	}
	if min >= next {
		return 0
	}
	return next - min
}

// cleanup deletes records below the minimum cursor. Safe to call directly
// from tests; does not use WaitGroup tracking.
func (j *Journal) cleanup() {
	j.cleanupMu.Lock()
	defer j.cleanupMu.Unlock()

	if j.closed.Load() {
		return
	}

	j.cursorsMu.RLock()
	if len(j.cursors) == 0 {
		j.cursorsMu.RUnlock()
		return
	}

	minCursor := ^uint64(0)
	for _, cursor := range j.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	j.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	startKey := []byte(prefixJournal)
	endKey := []byte(journalKey(minCursor))

	if err := j.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up journal")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up journal records")
}

func (j *Journal) cleanupAsync() {
	defer j.cleanupWg.Done()
	defer j.cleanupRunning.Store(false)
	j.cleanup()
}

// Close flushes pending appends, fails any stragglers, and closes the
// database.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(j.stopCh)
	j.wg.Wait()

	// Anything enqueued after the final flush resolves as closed
	j.mu.Lock()
	stragglers := j.pending
	j.pending = nil
	j.mu.Unlock()
	for _, pa := range stragglers {
		pa.promise.Set(0, ErrJournalClosed)
	}

	j.cleanupWg.Wait()

	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// journalKey formats a sequence number as a 16-digit zero-padded key
func journalKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixJournal, seq)
}

func parseJournalKey(key []byte) (uint64, error) {
	if len(key) <= len(prefixJournal) {
		return 0, fmt.Errorf("journal key too short: %q", key)
	}
	return strconv.ParseUint(string(key[len(prefixJournal):]), 16, 64)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
