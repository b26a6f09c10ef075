package remote

import (
	"context"
	"errors"
	"testing"
)

func TestCommitSetAndDelete(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	err := store.Commit(ctx, []Write{
		{Op: OpSet, Collection: "products", ID: "p1", Data: Document{"id": "p1", "name": "espresso"}},
		{Op: OpSet, Collection: "products", ID: "p2", Data: Document{"id": "p2", "name": "latte"}},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	docs := store.Docs("products")
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}

	err = store.Commit(ctx, []Write{{Op: OpDelete, Collection: "products", ID: "p1"}})
	if err != nil {
		t.Fatalf("delete Commit failed: %v", err)
	}
	docs = store.Docs("products")
	if len(docs) != 1 || DocID(docs[0]) != "p2" {
		t.Errorf("unexpected docs after delete: %v", docs)
	}
}

func TestCommitUpdateMergesFields(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if err := store.Commit(ctx, []Write{
		{Op: OpSet, Collection: "tables", ID: "t1", Data: Document{"id": "t1", "seats": 4, "zone": "patio"}},
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := store.Commit(ctx, []Write{
		{Op: OpUpdate, Collection: "tables", ID: "t1", Data: Document{"seats": 6}},
	}); err != nil {
		t.Fatalf("update Commit failed: %v", err)
	}

	doc := store.Docs("tables")[0]
	if doc["seats"] != 6 || doc["zone"] != "patio" {
		t.Errorf("update did not merge fields: %v", doc)
	}
}

func TestCommitUpdateMissingDocFailsWholeBatch(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	err := store.Commit(ctx, []Write{
		{Op: OpSet, Collection: "tables", ID: "t1", Data: Document{"id": "t1"}},
		{Op: OpUpdate, Collection: "tables", ID: "ghost", Data: Document{"seats": 2}},
	})
	if err == nil {
		t.Fatal("expected batch to fail")
	}

	// All-or-nothing: the set must not have been applied.
	if len(store.Docs("tables")) != 0 {
		t.Error("failed batch partially applied")
	}
}

func TestCommitBatchSizeLimit(t *testing.T) {
	store := NewMemStore()
	writes := make([]Write, MaxBatchOps+1)
	for i := range writes {
		writes[i] = Write{Op: OpDelete, Collection: "sales", ID: "x"}
	}
	if err := store.Commit(context.Background(), writes); err == nil {
		t.Error("expected oversized batch to be rejected")
	}
}

func TestCommitHookFailsBatch(t *testing.T) {
	store := NewMemStore()
	store.SetCommitHook(func(writes []Write) error {
		return errors.New("backend unavailable")
	})

	err := store.Commit(context.Background(), []Write{
		{Op: OpSet, Collection: "sales", ID: "s1", Data: Document{"id": "s1"}},
	})
	if err == nil {
		t.Fatal("expected hook error")
	}
	if len(store.Docs("sales")) != 0 {
		t.Error("hook-failed batch was applied")
	}
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	var snaps []Snapshot
	cancel, err := store.Subscribe(ctx, "sales", func(s Snapshot) {
		snaps = append(snaps, s)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if len(snaps) != 1 || len(snaps[0].Docs) != 0 {
		t.Fatalf("expected one empty initial snapshot, got %v", snaps)
	}

	if err := store.Commit(ctx, []Write{
		{Op: OpSet, Collection: "sales", ID: "s1", Data: Document{"id": "s1"}},
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if len(snaps) != 2 || len(snaps[1].Docs) != 1 {
		t.Fatalf("expected delivery after commit, got %v", snaps)
	}
}

func TestSubscribeCancelStopsDeliveries(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	count := 0
	cancel, err := store.Subscribe(ctx, "sales", func(Snapshot) { count++ })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	cancel()

	if err := store.Commit(ctx, []Write{
		{Op: OpSet, Collection: "sales", ID: "s1", Data: Document{"id": "s1"}},
	}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected only the initial delivery, got %d", count)
	}
}

func TestServedFromCacheFlag(t *testing.T) {
	store := NewMemStore()
	store.SetServedFromCache(true)

	var snap Snapshot
	cancel, err := store.Subscribe(context.Background(), "sales", func(s Snapshot) { snap = s })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if !snap.FromCache {
		t.Error("expected FromCache delivery")
	}

	store.SetServedFromCache(false)
	store.Republish("sales")
	if snap.FromCache {
		t.Error("expected live delivery after Republish")
	}
}
