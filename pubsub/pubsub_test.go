package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/publisher/transport"
	"github.com/maxpert/fanout/subscription"
)

type countingEngine struct {
	mu   sync.Mutex
	docs []subscription.Materialized
}

func (e *countingEngine) Resolve(_ context.Context, doc subscription.Materialized, _ map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = append(e.docs, doc)
	return nil
}

func (e *countingEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docs)
}

func waitForCount(t *testing.T, e *countingEngine, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d resolutions, have %d", want, e.count())
}

func packedPlan(t *testing.T) []byte {
	t.Helper()
	plan, err := encoding.Pack(encoding.Pipeline{Phases: []encoding.Phase{{Name: "fetch"}}})
	require.NoError(t, err)
	return plan
}

func newHandle(t *testing.T, nodeID uint64, engine publisher.Engine, tr publisher.Transport) *Handle {
	t.Helper()
	h, err := New(Config{
		NodeID:    nodeID,
		Engine:    engine,
		Transport: tr,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{NodeID: 1})
	require.Error(t, err)
}

func TestSubscribeLookupUnsubscribe(t *testing.T) {
	h := newHandle(t, 1, &countingEngine{}, nil)

	owner, err := h.BindOwner(context.Background(), "conn-1")
	require.NoError(t, err)

	doc := subscription.Document{
		SubscriptionID: "s1",
		ContextID:      "ctx-1",
		Topic:          "post:42",
		Plan:           packedPlan(t),
	}
	require.NoError(t, h.Subscribe(owner, doc, map[string]interface{}{"user": "alice"}))

	docs := h.Lookup("post:42")
	require.Len(t, docs, 1)
	assert.Equal(t, "s1", docs[0].SubscriptionID)
	assert.Equal(t, "conn-1", docs[0].Owner)

	assert.True(t, h.Unsubscribe(owner, "s1"))
	assert.Empty(t, h.Lookup("post:42"))
	assert.False(t, h.Unsubscribe(owner, "s1"))
}

func TestLocalPublishResolves(t *testing.T) {
	engine := &countingEngine{}
	h := newHandle(t, 1, engine, nil)

	owner, err := h.BindOwner(context.Background(), "conn-1")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(owner, subscription.Document{
		SubscriptionID: "s1",
		ContextID:      "ctx-1",
		Topic:          "post:42",
		Plan:           packedPlan(t),
	}, map[string]interface{}{"user": "alice"}))

	result := map[string]interface{}{"id": "42"}
	h.Publish(context.Background(), result, []publisher.FieldSpec{
		{Field: "postUpdated", Args: []string{"post", "42"}},
	})

	// Local delivery is synchronous, no waiting needed.
	require.Equal(t, 1, engine.count())
}

// Two handles in one process, joined by the in-memory hub. A publish on the
// first node must cross the hub and resolve against the second node's
// subscribers, while the first node's own copy is dropped as self-originated.
func TestTwoHandleCluster(t *testing.T) {
	hub := transport.NewHub()

	engineA := &countingEngine{}
	engineB := &countingEngine{}

	a := newHandle(t, 1, engineA, hub.Transport())
	b := newHandle(t, 2, engineB, hub.Transport())

	ownerB, err := b.BindOwner(context.Background(), "conn-b")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ownerB, subscription.Document{
		SubscriptionID: "s1",
		ContextID:      "ctx-b",
		Topic:          "post:42",
		Plan:           packedPlan(t),
	}, map[string]interface{}{"user": "bob"}))

	a.Publish(context.Background(), map[string]interface{}{"id": "42"}, []publisher.FieldSpec{
		{Field: "postUpdated", Args: []string{"post", "42"}},
	})

	waitForCount(t, engineB, 1)
	assert.Equal(t, "conn-b", engineB.docs[0].Owner)

	// Node A has no subscriber and drops its own envelope off the hub.
	assert.Equal(t, 0, engineA.count())
}

func TestPublishResultDerivesThroughTriggers(t *testing.T) {
	triggers := publisher.NewTriggerTable()
	triggers.Declare("postCreated")
	triggers.On("createPost", "postCreated", func(result map[string]interface{}) []string {
		id, _ := result["id"].(string)
		return []string{"post", id}
	})

	engine := &countingEngine{}
	h, err := New(Config{NodeID: 1, Engine: engine, Triggers: triggers})
	require.NoError(t, err)
	defer h.Close()

	owner, err := h.BindOwner(context.Background(), "conn-1")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(owner, subscription.Document{
		SubscriptionID: "s1",
		ContextID:      "ctx-1",
		Topic:          "post:7",
		Plan:           packedPlan(t),
	}, map[string]interface{}{"user": "alice"}))

	h.PublishResult(context.Background(), "createPost", map[string]interface{}{"id": "7"})
	require.Equal(t, 1, engine.count())

	// A mutation field with no trigger row publishes nothing.
	h.PublishResult(context.Background(), "renameUser", map[string]interface{}{"id": "7"})
	require.Equal(t, 1, engine.count())
}

func TestMisconfiguredHandleIsNoOp(t *testing.T) {
	var none *Handle
	none.Publish(context.Background(), map[string]interface{}{"id": "1"}, []publisher.FieldSpec{{Field: "f"}})
	none.PublishResult(context.Background(), "createPost", map[string]interface{}{"id": "1"})
	require.NoError(t, none.Close())

	zero := &Handle{}
	zero.Publish(context.Background(), map[string]interface{}{"id": "1"}, []publisher.FieldSpec{{Field: "f"}})
	zero.PublishResult(context.Background(), "createPost", map[string]interface{}{"id": "1"})
}

func TestCloseIdempotent(t *testing.T) {
	h, err := New(Config{NodeID: 1, Engine: &countingEngine{}})
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestCloseStopsTransport(t *testing.T) {
	hub := transport.NewHub()
	h := newHandle(t, 1, &countingEngine{}, hub.Transport())

	require.NoError(t, h.Close())

	// The detached handle no longer counts toward hub fanout.
	probe := hub.Transport()
	defer probe.Close()
	err := probe.Broadcast(context.Background(), 0, &publisher.Envelope{ID: 1, NodeID: 9, Shard: 0})
	require.NoError(t, err)
}
