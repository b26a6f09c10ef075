package engine

import (
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stevenmcginty/tillsync/internal/remote"
)

// memBlob is an in-memory BlobStore for tests.
type memBlob struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{data: make(map[string][]byte)}
}

func (m *memBlob) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.data[key]
	return blob, ok, nil
}

func (m *memBlob) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte{}, value...)
	return nil
}

// testConfig returns a config with short timings suitable for tests.
func testConfig() *Config {
	return &Config{
		Collections:        []string{"sales", "products", "tables"},
		SettingsCollection: "settings",
		Debounce:           5 * time.Millisecond,
		BackoffMin:         10 * time.Millisecond,
		BackoffMax:         40 * time.Millisecond,
		Logger:             log.New(testWriter{}, "[test] ", 0),
	}
}

// testWriter discards log output; flip to os.Stderr when debugging.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newTestEngine builds an engine over fresh in-memory stores.
func newTestEngine(t *testing.T, store remote.Store) (*Engine, *memBlob) {
	t.Helper()

	blob := newMemBlob()
	e, err := New(testConfig(), blob, store)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, blob
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func doc(id string, kv ...any) remote.Document {
	d := remote.Document{"id": id}
	for i := 0; i+1 < len(kv); i += 2 {
		d[kv[i].(string)] = kv[i+1]
	}
	return d
}

func TestSaveVisibleImmediately(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Save("sales", doc("s1", "total", 4.5))

	merged := e.Merged("sales")
	if len(merged) != 1 || remote.DocID(merged[0]) != "s1" {
		t.Fatalf("saved entity not in merged view: %v", merged)
	}
	if e.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", e.PendingCount())
	}
}

func TestSaveReplacesQueuedPayload(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Save("sales", doc("s1", "total", 4.5))
	e.Save("sales", doc("s1", "total", 9.0))

	if d := e.Depths(); d.Creations != 1 {
		t.Fatalf("expected one queued creation, got %d", d.Creations)
	}
	merged := e.Merged("sales")
	if merged[0]["total"] != 9.0 {
		t.Errorf("expected last write to win locally, got %v", merged[0])
	}
}

func TestPatchCoalesces(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	// The entity exists remotely; patches target it.
	e.handleSnapshot(remote.Snapshot{
		Collection: "products",
		Docs:       []remote.Document{doc("p1", "name", "espresso", "price", 2.0)},
	})

	e.Patch("products", "p1", remote.Document{"price": 2.5})
	e.Patch("products", "p1", remote.Document{"category": "coffee"})

	if d := e.Depths(); d.Updates != 1 {
		t.Fatalf("expected patches to coalesce into one entry, got %d", d.Updates)
	}

	merged := e.Merged("products")
	if merged[0]["price"] != 2.5 || merged[0]["category"] != "coffee" {
		t.Errorf("coalesced patch lost a field: %v", merged[0])
	}
}

func TestPatchFoldsIntoPendingCreation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Save("products", doc("p1", "name", "espresso"))
	e.Patch("products", "p1", remote.Document{"price": 2.0})

	d := e.Depths()
	if d.Creations != 1 || d.Updates != 0 {
		t.Fatalf("patch should fold into the queued creation: %+v", d)
	}
	merged := e.Merged("products")
	if merged[0]["price"] != 2.0 {
		t.Errorf("folded field missing: %v", merged[0])
	}
}

func TestDeleteRemovesPendingCreation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Save("sales", doc("s1"))
	e.Delete("sales", "s1")

	d := e.Depths()
	if d.Creations != 0 {
		t.Errorf("creation queue should be empty, got %d", d.Creations)
	}
	if d.Deletions != 0 {
		t.Errorf("nothing was ever sent remotely, deletion queue should be empty, got %d", d.Deletions)
	}
	if merged := e.Merged("sales"); len(merged) != 0 {
		t.Errorf("deleted entity still visible: %v", merged)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.handleSnapshot(remote.Snapshot{
		Collection: "sales",
		Docs:       []remote.Document{doc("s1")},
	})

	e.Delete("sales", "s1")
	e.Delete("sales", "s1")

	if d := e.Depths(); d.Deletions != 1 {
		t.Errorf("expected exactly one deletion entry, got %d", d.Deletions)
	}
}

func TestDeleteDropsPendingUpdate(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.handleSnapshot(remote.Snapshot{
		Collection: "tables",
		Docs:       []remote.Document{doc("t1", "seats", 4)},
	})

	e.Patch("tables", "t1", remote.Document{"seats": 6})
	e.Delete("tables", "t1")

	d := e.Depths()
	if d.Updates != 0 {
		t.Errorf("queued update must not survive a deletion, got %d", d.Updates)
	}
	if d.Deletions != 1 {
		t.Errorf("expected one deletion, got %d", d.Deletions)
	}
}

func TestPatchAfterDeleteIsDropped(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.handleSnapshot(remote.Snapshot{
		Collection: "tables",
		Docs:       []remote.Document{doc("t1")},
	})

	e.Delete("tables", "t1")
	e.Patch("tables", "t1", remote.Document{"seats": 2})

	if d := e.Depths(); d.Updates != 0 {
		t.Errorf("patch against a deleted id must be dropped, got %d updates", d.Updates)
	}
}

func TestQueuesSurviveRestart(t *testing.T) {
	blob := newMemBlob()

	first, err := New(testConfig(), blob, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	first.Save("sales", doc("s1", "total", 3.0))
	first.Patch("sales", "s1", remote.Document{"tip": 0.5})
	first.handleSnapshot(remote.Snapshot{
		Collection: "products",
		Docs:       []remote.Document{doc("p1")},
	})
	first.Delete("products", "p1")

	// Simulate a crash: build a second engine over the same blob store.
	second, err := New(testConfig(), blob, nil)
	if err != nil {
		t.Fatalf("failed to recreate engine: %v", err)
	}

	d := second.Depths()
	if d.Creations != 1 || d.Deletions != 1 {
		t.Errorf("queues lost across restart: %+v", d)
	}
	merged := second.Merged("sales")
	if len(merged) != 1 || merged[0]["tip"] != 0.5 {
		t.Errorf("restored merged view wrong: %v", merged)
	}
}

func TestNotifySubscribersOnMutation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	fired := 0
	unsubscribe := e.Subscribe(func() { fired++ })

	e.Save("sales", doc("s1"))
	if fired == 0 {
		t.Error("subscriber not notified synchronously on save")
	}

	unsubscribe()
	before := fired
	e.Save("sales", doc("s2"))
	if fired != before {
		t.Error("unsubscribed callback still fired")
	}
}

func TestReplayPoisoned(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.mu.Lock()
	e.poisoned = []PoisonedItem{
		{Kind: "create", Collection: "sales", ID: "s1", Data: doc("s1"), Reason: "backend down"},
		{Kind: "delete", Collection: "products", ID: "p1", Reason: "backend down"},
	}
	e.mu.Unlock()

	n := e.ReplayPoisoned()
	if n != 2 {
		t.Fatalf("ReplayPoisoned = %d, want 2", n)
	}

	d := e.Depths()
	if d.Poisoned != 0 || d.Creations != 1 || d.Deletions != 1 {
		t.Errorf("replay did not restore queues: %+v", d)
	}
}

func TestDiscardPoisoned(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.mu.Lock()
	e.poisoned = []PoisonedItem{{Kind: "create", Collection: "sales", ID: "s1"}}
	e.syncErr = "Some records could not be synced"
	e.mu.Unlock()

	if n := e.DiscardPoisoned(); n != 1 {
		t.Fatalf("DiscardPoisoned = %d, want 1", n)
	}
	if e.Depths().Poisoned != 0 {
		t.Error("poison queue not cleared")
	}
	if e.SyncError() != "" {
		t.Error("sync error not cleared after discard")
	}
}

func TestEndToEndSyncWithMemStore(t *testing.T) {
	store := remote.NewMemStore()
	e, _ := newTestEngine(t, store)
	if err := e.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	for i := 0; i < 5; i++ {
		e.Save("sales", doc(fmt.Sprintf("s%d", i), "total", float64(i)))
	}

	waitFor(t, "queues to drain", func() bool { return e.PendingCount() == 0 })

	if got := len(store.Docs("sales")); got != 5 {
		t.Errorf("remote store has %d sales, want 5", got)
	}
	// Entities re-enter the merged view through the remote cache.
	waitFor(t, "remote cache to repopulate view", func() bool {
		return len(e.Merged("sales")) == 5
	})
}
