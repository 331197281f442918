package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func bindOwner(t *testing.T, r *Registry, id string) *Owner {
	t.Helper()
	o, err := r.Bind(context.Background(), id)
	if err != nil {
		t.Fatalf("Bind(%s) failed: %v", id, err)
	}
	return o
}

// TestRegistry_UniqueUpsert tests last-write-wins semantics of the unique namespace.
func TestRegistry_UniqueUpsert(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	if err := r.RegisterUnique(o, "ctx-1", map[string]interface{}{"user": "alice"}); err != nil {
		t.Fatalf("RegisterUnique failed: %v", err)
	}

	payload, ok := r.LookupUnique("conn-1", "ctx-1")
	if !ok {
		t.Fatal("expected context to exist")
	}
	if payload["user"] != "alice" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	// Re-register replaces the prior payload
	if err := r.RegisterUnique(o, "ctx-1", map[string]interface{}{"user": "bob"}); err != nil {
		t.Fatalf("RegisterUnique failed: %v", err)
	}
	payload, _ = r.LookupUnique("conn-1", "ctx-1")
	if payload["user"] != "bob" {
		t.Errorf("expected overwrite, got %+v", payload)
	}

	if count := r.ContextCount(); count != 1 {
		t.Errorf("expected 1 context after upsert, got %d", count)
	}
}

// TestRegistry_DuplicateAppend tests that many entries share one topic.
func TestRegistry_DuplicateAppend(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	for i := 0; i < 3; i++ {
		sid := fmt.Sprintf("s%d", i)
		_, err := r.RegisterDuplicate(o, "post:42", Entry{
			SubscriptionID: sid,
			ContextID:      "ctx-1",
			Plan:           []byte{0x00},
		})
		if err != nil {
			t.Fatalf("RegisterDuplicate failed: %v", err)
		}
	}

	entries := r.LookupDuplicate("post:42")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Owner != "conn-1" {
			t.Errorf("entry owner not stamped: %+v", e)
		}
	}

	if r.TopicCount() != 1 {
		t.Errorf("expected 1 topic, got %d", r.TopicCount())
	}
	if r.SubscriptionCount() != 3 {
		t.Errorf("expected 3 subscriptions, got %d", r.SubscriptionCount())
	}
}

// TestRegistry_LookupUnknownTopic verifies absence is empty, not an error.
func TestRegistry_LookupUnknownTopic(t *testing.T) {
	r := New()

	if entries := r.LookupDuplicate("nothing-here"); len(entries) != 0 {
		t.Errorf("expected empty lookup, got %d entries", len(entries))
	}
	if _, ok := r.LookupUnique("ghost", "ctx"); ok {
		t.Error("expected missing context")
	}
}

// TestRegistry_ReverseIndex tests reverse registration, lookup and removal.
func TestRegistry_ReverseIndex(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	if err := r.RegisterReverse(o, "s1", "post:42"); err != nil {
		t.Fatalf("RegisterReverse failed: %v", err)
	}

	topic, ok := r.ReverseTopic(o, "s1")
	if !ok || topic != "post:42" {
		t.Fatalf("ReverseTopic = (%q, %v), want (post:42, true)", topic, ok)
	}

	topic, ok = r.UnregisterReverse(o, "s1")
	if !ok || topic != "post:42" {
		t.Fatalf("UnregisterReverse = (%q, %v), want (post:42, true)", topic, ok)
	}

	// Second removal is a no-op
	if _, ok := r.UnregisterReverse(o, "s1"); ok {
		t.Error("expected no-op on repeated removal")
	}
}

// TestRegistry_UnregisterDuplicateMatching removes by predicate and cleans up
// empty topic buckets.
func TestRegistry_UnregisterDuplicateMatching(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	r.RegisterDuplicate(o, "post:42", Entry{SubscriptionID: "s1"})
	r.RegisterDuplicate(o, "post:42", Entry{SubscriptionID: "s2"})

	removed := r.UnregisterDuplicateMatching("post:42", func(e Entry) bool {
		return e.SubscriptionID == "s1"
	})
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if entries := r.LookupDuplicate("post:42"); len(entries) != 1 || entries[0].SubscriptionID != "s2" {
		t.Fatalf("expected only s2 left, got %+v", entries)
	}

	// Removing the last entry drops the topic bucket
	removed = r.UnregisterDuplicateMatching("post:42", func(e Entry) bool { return true })
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if r.TopicCount() != 0 {
		t.Errorf("expected topic bucket cleanup, got %d topics", r.TopicCount())
	}

	// Absent topic is a no-op
	if n := r.UnregisterDuplicateMatching("post:42", func(Entry) bool { return true }); n != 0 {
		t.Errorf("expected 0 removed from absent topic, got %d", n)
	}
}

// TestRegistry_TwoOwnersSameTopic verifies independent registrations on a
// shared topic.
func TestRegistry_TwoOwnersSameTopic(t *testing.T) {
	r := New()
	o1 := bindOwner(t, r, "conn-1")
	o2 := bindOwner(t, r, "conn-2")

	r.RegisterDuplicate(o1, "post:42", Entry{SubscriptionID: "s1"})
	r.RegisterDuplicate(o2, "post:42", Entry{SubscriptionID: "s2"})

	entries := r.LookupDuplicate("post:42")
	if len(entries) != 2 {
		t.Fatalf("expected both owners' entries, got %d", len(entries))
	}

	// Removing one owner's entry leaves the other untouched
	r.UnregisterDuplicateMatching("post:42", func(e Entry) bool { return e.Owner == "conn-1" })

	entries = r.LookupDuplicate("post:42")
	if len(entries) != 1 || entries[0].Owner != "conn-2" {
		t.Fatalf("expected conn-2 entry to survive, got %+v", entries)
	}
}

// TestRegistry_OwnerClose verifies the full three-namespace purge on explicit
// close, leaving other owners intact.
func TestRegistry_OwnerClose(t *testing.T) {
	r := New()
	o1 := bindOwner(t, r, "conn-1")
	o2 := bindOwner(t, r, "conn-2")

	r.RegisterUnique(o1, "ctx-1", map[string]interface{}{"user": "alice"})
	r.RegisterDuplicate(o1, "post:42", Entry{SubscriptionID: "s1", ContextID: "ctx-1"})
	r.RegisterReverse(o1, "s1", "post:42")

	r.RegisterUnique(o2, "ctx-2", map[string]interface{}{"user": "bob"})
	r.RegisterDuplicate(o2, "post:42", Entry{SubscriptionID: "s2", ContextID: "ctx-2"})
	r.RegisterReverse(o2, "s2", "post:42")

	o1.Close()

	if !o1.Closed() {
		t.Fatal("owner should report closed")
	}
	if _, ok := r.LookupUnique("conn-1", "ctx-1"); ok {
		t.Error("conn-1 context should be purged")
	}
	entries := r.LookupDuplicate("post:42")
	if len(entries) != 1 || entries[0].Owner != "conn-2" {
		t.Errorf("expected only conn-2 entries, got %+v", entries)
	}
	if _, ok := r.LookupUnique("conn-2", "ctx-2"); !ok {
		t.Error("conn-2 context should survive")
	}
	if r.OwnerCount() != 1 {
		t.Errorf("expected 1 owner left, got %d", r.OwnerCount())
	}

	// Close is idempotent
	o1.Close()
}

// TestRegistry_RegistrationAfterClose verifies closed owners reject all
// registrations.
func TestRegistry_RegistrationAfterClose(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")
	o.Close()

	if err := r.RegisterUnique(o, "ctx", nil); err != ErrOwnerClosed {
		t.Errorf("RegisterUnique = %v, want ErrOwnerClosed", err)
	}
	if _, err := r.RegisterDuplicate(o, "t", Entry{}); err != ErrOwnerClosed {
		t.Errorf("RegisterDuplicate = %v, want ErrOwnerClosed", err)
	}
	if err := r.RegisterReverse(o, "s", "t"); err != ErrOwnerClosed {
		t.Errorf("RegisterReverse = %v, want ErrOwnerClosed", err)
	}
}

// TestRegistry_ContextCancelPurges simulates abrupt owner termination via
// context cancellation.
func TestRegistry_ContextCancelPurges(t *testing.T) {
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	o, err := r.Bind(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	survivor := bindOwner(t, r, "conn-2")
	r.RegisterDuplicate(survivor, "post:42", Entry{SubscriptionID: "s2"})

	r.RegisterUnique(o, "ctx-1", map[string]interface{}{"user": "alice"})
	r.RegisterDuplicate(o, "post:42", Entry{SubscriptionID: "s1", ContextID: "ctx-1"})
	r.RegisterReverse(o, "s1", "post:42")

	cancel()

	// The watcher purges asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for !o.Closed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !o.Closed() {
		t.Fatal("owner not purged after context cancellation")
	}

	if _, ok := r.LookupUnique("conn-1", "ctx-1"); ok {
		t.Error("canceled owner's context should be purged")
	}
	entries := r.LookupDuplicate("post:42")
	if len(entries) != 1 || entries[0].Owner != "conn-2" {
		t.Errorf("expected only conn-2 entry, got %+v", entries)
	}
}

// TestRegistry_BindDuplicateID verifies one live record per owner id.
func TestRegistry_BindDuplicateID(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	if _, err := r.Bind(context.Background(), "conn-1"); err != ErrOwnerBound {
		t.Fatalf("expected ErrOwnerBound, got %v", err)
	}

	// After close, the id can be bound again
	o.Close()
	if _, err := r.Bind(context.Background(), "conn-1"); err != nil {
		t.Fatalf("rebind after close failed: %v", err)
	}
}

// TestRegistry_CloseRejectsBinds verifies registry shutdown.
func TestRegistry_CloseRejectsBinds(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")
	r.RegisterDuplicate(o, "post:42", Entry{SubscriptionID: "s1"})

	r.Close()

	if _, err := r.Bind(context.Background(), "conn-2"); err != ErrRegistryClosed {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
	if r.SubscriptionCount() != 0 {
		t.Errorf("expected all subscriptions purged, got %d", r.SubscriptionCount())
	}
}

// TestRegistry_ListSnapshots covers the introspection listings.
func TestRegistry_ListSnapshots(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")
	r.RegisterUnique(o, "ctx-1", nil)
	r.RegisterDuplicate(o, "post:42", Entry{SubscriptionID: "s1"})
	r.RegisterDuplicate(o, "user:7", Entry{SubscriptionID: "s2"})
	r.RegisterReverse(o, "s1", "post:42")
	r.RegisterReverse(o, "s2", "user:7")

	topics := r.ListTopics()
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %+v", topics)
	}

	owners := r.ListOwners()
	if len(owners) != 1 {
		t.Fatalf("expected 1 owner, got %+v", owners)
	}
	if owners[0].Subscriptions != 2 || owners[0].Contexts != 1 {
		t.Errorf("unexpected owner info: %+v", owners[0])
	}
}

// TestRegistry_ConcurrentOwners hammers disjoint owners and shared topics.
func TestRegistry_ConcurrentOwners(t *testing.T) {
	r := New()

	const owners = 16
	const subsPerOwner = 50

	var wg sync.WaitGroup
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			o := bindOwner(t, r, fmt.Sprintf("conn-%d", n))
			r.RegisterUnique(o, "ctx", map[string]interface{}{"n": n})
			for j := 0; j < subsPerOwner; j++ {
				topic := fmt.Sprintf("topic:%d", j%10) // shared topics across owners
				sid := fmt.Sprintf("s%d", j)
				if _, err := r.RegisterDuplicate(o, topic, Entry{SubscriptionID: sid, ContextID: "ctx"}); err != nil {
					t.Errorf("RegisterDuplicate failed: %v", err)
					return
				}
				r.RegisterReverse(o, sid, topic)
			}
		}(i)
	}
	wg.Wait()

	if got := r.SubscriptionCount(); got != owners*subsPerOwner {
		t.Fatalf("expected %d subscriptions, got %d", owners*subsPerOwner, got)
	}

	// Concurrent purge of half the owners while the rest keep looking up
	var purgeWg sync.WaitGroup
	for i := 0; i < owners; i++ {
		purgeWg.Add(1)
		go func(n int) {
			defer purgeWg.Done()
			if n%2 == 0 {
				o, ok := r.Owner(fmt.Sprintf("conn-%d", n))
				if ok {
					o.Close()
				}
				return
			}
			for j := 0; j < 100; j++ {
				r.LookupDuplicate(fmt.Sprintf("topic:%d", j%10))
			}
		}(i)
	}
	purgeWg.Wait()

	if got := r.SubscriptionCount(); got != owners/2*subsPerOwner {
		t.Fatalf("expected %d subscriptions after purges, got %d", owners/2*subsPerOwner, got)
	}
	if got := r.OwnerCount(); got != owners/2 {
		t.Fatalf("expected %d owners after purges, got %d", owners/2, got)
	}
}

// TestRegistry_InsertRemoveRace exercises the bucket revival path: inserts
// racing removals on one topic must never be lost.
func TestRegistry_InsertRemoveRace(t *testing.T) {
	r := New()
	o := bindOwner(t, r, "conn-1")

	const rounds = 500
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			sid := fmt.Sprintf("a%d", i)
			r.RegisterDuplicate(o, "hot", Entry{SubscriptionID: sid})
			r.UnregisterDuplicateMatching("hot", func(e Entry) bool { return e.SubscriptionID == sid })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			sid := fmt.Sprintf("b%d", i)
			r.RegisterDuplicate(o, "hot", Entry{SubscriptionID: sid})
			r.UnregisterDuplicateMatching("hot", func(e Entry) bool { return e.SubscriptionID == sid })
		}
	}()
	wg.Wait()

	if got := r.SubscriptionCount(); got != 0 {
		t.Fatalf("expected empty registry after paired ops, got %d entries", got)
	}

	// A final insert must still land
	if _, err := r.RegisterDuplicate(o, "hot", Entry{SubscriptionID: "last"}); err != nil {
		t.Fatalf("final insert failed: %v", err)
	}
	if entries := r.LookupDuplicate("hot"); len(entries) != 1 {
		t.Fatalf("final insert lost, got %+v", entries)
	}
}
