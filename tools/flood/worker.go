package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/pubsub"
	"github.com/maxpert/fanout/registry"
	"github.com/maxpert/fanout/subscription"
)

type OpType int

const (
	OpPublish OpType = iota
	OpSubscribe
	OpUnsubscribe
)

func (o OpType) String() string {
	switch o {
	case OpPublish:
		return "PUBLISH"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// floodEngine counts resolutions and measures publish-to-resolve lag from the
// timestamp the workers stamp into each result.
type floodEngine struct {
	stats *Stats
}

func (e *floodEngine) Resolve(_ context.Context, _ subscription.Materialized, result map[string]interface{}) error {
	e.stats.RecordDelivery(time.Since(sentTime(result)))
	return nil
}

func sentTime(result map[string]interface{}) time.Time {
	switch v := result["sent_us"].(type) {
	case int64:
		return time.UnixMicro(v)
	case uint64:
		return time.UnixMicro(int64(v))
	case int:
		return time.UnixMicro(int64(v))
	}
	return time.Now()
}

// ownerSlot is one bound owner and its live subscriptions. Workers lock the
// slot to mutate its subscription list. Every subscription shares the slot's
// session context.
type ownerSlot struct {
	mu       sync.Mutex
	node     *pubsub.Handle
	owner    *registry.Owner
	idPrefix string
	session  map[string]interface{}
	subs     []string
	nextID   uint64
}

// OpSelector selects operations based on workload distribution.
type OpSelector struct {
	dist       WorkloadDistribution
	thresholds [3]int
	rng        *rand.Rand
}

// NewOpSelector creates an operation selector.
func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{
		dist: dist,
		rng:  rand.New(rand.NewSource(seed)),
	}

	// Build cumulative thresholds
	s.thresholds[0] = dist.Publish
	s.thresholds[1] = s.thresholds[0] + dist.Subscribe
	s.thresholds[2] = s.thresholds[1] + dist.Unsubscribe

	return s
}

// Select returns a random operation type based on distribution.
func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)

	if r < s.thresholds[0] {
		return OpPublish
	}
	if r < s.thresholds[1] {
		return OpSubscribe
	}
	return OpUnsubscribe
}

// Worker executes fanout operations through one node's handle.
type Worker struct {
	id     int
	handle *pubsub.Handle
	slots  []*ownerSlot
	topics int
	plan   []byte
	sel    *OpSelector
	stats  *Stats
	rng    *rand.Rand
}

// NewWorker creates a new worker.
func NewWorker(id int, handle *pubsub.Handle, slots []*ownerSlot, topics int, plan []byte, sel *OpSelector, stats *Stats) *Worker {
	return &Worker{
		id:     id,
		handle: handle,
		slots:  slots,
		topics: topics,
		plan:   plan,
		sel:    sel,
		stats:  stats,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Run executes the workload until the operations channel closes.
func (w *Worker) Run(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}

			switch w.sel.Select() {
			case OpPublish:
				w.publish(ctx)
			case OpSubscribe:
				w.subscribe()
			case OpUnsubscribe:
				w.unsubscribe()
			}
		}
	}
}

func (w *Worker) publish(ctx context.Context) {
	n := w.rng.Intn(w.topics)
	result := map[string]interface{}{
		"id":      strconv.Itoa(n),
		"sent_us": time.Now().UnixMicro(),
	}

	start := time.Now()
	w.handle.Publish(ctx, result, []publisher.FieldSpec{
		{Field: "postChanged", Args: []string{"post", strconv.Itoa(n)}},
	})
	w.stats.RecordOp(OpPublish, time.Since(start))
}

func (w *Worker) subscribe() {
	slot := w.slots[w.rng.Intn(len(w.slots))]
	topic := topicName(w.rng.Intn(w.topics))

	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.nextID++
	sid := fmt.Sprintf("%s-s%d", slot.idPrefix, slot.nextID)

	start := time.Now()
	err := slot.node.Subscribe(slot.owner, subscription.Document{
		SubscriptionID: sid,
		ContextID:      "session",
		Topic:          topic,
		Plan:           w.plan,
	}, slot.session)
	if err != nil {
		w.stats.RecordError(OpSubscribe)
		return
	}

	slot.subs = append(slot.subs, sid)
	w.stats.RecordOp(OpSubscribe, time.Since(start))
}

func (w *Worker) unsubscribe() {
	slot := w.slots[w.rng.Intn(len(w.slots))]

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if len(slot.subs) == 0 {
		w.stats.RecordUnsubscribeMiss()
		return
	}

	last := len(slot.subs) - 1
	sid := slot.subs[last]
	slot.subs = slot.subs[:last]

	start := time.Now()
	if !slot.node.Unsubscribe(slot.owner, sid) {
		w.stats.RecordUnsubscribeMiss()
		return
	}
	w.stats.RecordOp(OpUnsubscribe, time.Since(start))
}

func topicName(n int) string {
	return "post:" + strconv.Itoa(n)
}
