package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory Store implementation.
//
// It backs the engine's tests and the CLI's demo mode. Beyond the Store
// contract it offers two test hooks: SetServedFromCache flips the
// FromCache flag on subsequent deliveries (simulating a backend that is
// not yet confirmed live), and SetCommitHook injects batch commit
// failures.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	subs        map[string]map[int]SnapshotFunc
	nextSubID   int
	fromCache   bool
	commitHook  func(writes []Write) error
}

// NewMemStore creates an empty in-memory store serving live responses.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]map[string]Document),
		subs:        make(map[string]map[int]SnapshotFunc),
	}
}

// SetServedFromCache controls the FromCache flag on future deliveries.
func (m *MemStore) SetServedFromCache(fromCache bool) {
	m.mu.Lock()
	m.fromCache = fromCache
	m.mu.Unlock()
}

// SetCommitHook installs fn to run before every commit. A non-nil
// error from fn fails the whole batch without applying it.
func (m *MemStore) SetCommitHook(fn func(writes []Write) error) {
	m.mu.Lock()
	m.commitHook = fn
	m.mu.Unlock()
}

// Commit implements Store.Commit.
func (m *MemStore) Commit(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(writes) > MaxBatchOps {
		return fmt.Errorf("batch of %d writes exceeds limit of %d", len(writes), MaxBatchOps)
	}

	m.mu.Lock()
	if m.commitHook != nil {
		if err := m.commitHook(writes); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	// Validate the whole batch before applying anything: the batch is
	// all-or-nothing.
	for _, w := range writes {
		if w.ID == "" {
			m.mu.Unlock()
			return fmt.Errorf("%s write in %q has no document id", w.Op, w.Collection)
		}
		if w.Op == OpUpdate {
			if _, ok := m.collections[w.Collection][w.ID]; !ok {
				m.mu.Unlock()
				return fmt.Errorf("update of missing document %s/%s", w.Collection, w.ID)
			}
		}
	}

	touched := make(map[string]bool)
	for _, w := range writes {
		coll := m.collections[w.Collection]
		if coll == nil {
			coll = make(map[string]Document)
			m.collections[w.Collection] = coll
		}

		switch w.Op {
		case OpSet:
			coll[w.ID] = cloneDoc(w.Data)
		case OpUpdate:
			doc := coll[w.ID]
			for k, v := range w.Data {
				doc[k] = v
			}
		case OpDelete:
			delete(coll, w.ID)
		}
		touched[w.Collection] = true
	}

	deliveries := make([]func(), 0, len(touched))
	for collection := range touched {
		deliveries = append(deliveries, m.deliveriesLocked(collection)...)
	}
	m.mu.Unlock()

	// Notify outside the lock so a subscriber may call back in.
	for _, deliver := range deliveries {
		deliver()
	}
	return nil
}

// Subscribe implements Store.Subscribe. The initial snapshot is
// delivered synchronously before Subscribe returns.
func (m *MemStore) Subscribe(ctx context.Context, collection string, fn SnapshotFunc) (func(), error) {
	m.mu.Lock()
	subs := m.subs[collection]
	if subs == nil {
		subs = make(map[int]SnapshotFunc)
		m.subs[collection] = subs
	}
	id := m.nextSubID
	m.nextSubID++
	subs[id] = fn
	initial := m.snapshotLocked(collection)
	m.mu.Unlock()

	fn(initial)

	cancel := func() {
		m.mu.Lock()
		delete(m.subs[collection], id)
		m.mu.Unlock()
	}

	// Honor context cancellation as an implicit unsubscribe.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return cancel, nil
}

// Docs returns the current document set of a collection, sorted by id.
func (m *MemStore) Docs(collection string) []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(collection).Docs
}

// Republish redelivers the current snapshot of collection to all
// subscribers. Tests use it to simulate a reconnect delivery.
func (m *MemStore) Republish(collection string) {
	m.mu.Lock()
	deliveries := m.deliveriesLocked(collection)
	m.mu.Unlock()

	for _, deliver := range deliveries {
		deliver()
	}
}

// snapshotLocked builds the current snapshot of a collection.
func (m *MemStore) snapshotLocked(collection string) Snapshot {
	coll := m.collections[collection]
	docs := make([]Document, 0, len(coll))
	for _, doc := range coll {
		docs = append(docs, cloneDoc(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		return DocID(docs[i]) < DocID(docs[j])
	})
	return Snapshot{
		Collection: collection,
		Docs:       docs,
		FromCache:  m.fromCache,
	}
}

// deliveriesLocked captures pending subscriber notifications for a
// collection. The returned closures must be invoked without the lock.
func (m *MemStore) deliveriesLocked(collection string) []func() {
	snap := m.snapshotLocked(collection)
	out := make([]func(), 0, len(m.subs[collection]))
	for _, fn := range m.subs[collection] {
		fn := fn
		out = append(out, func() { fn(snap) })
	}
	return out
}

// cloneDoc returns a shallow copy of doc so subscribers and callers
// never alias the stored map.
func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
