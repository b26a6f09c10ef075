// Package engine implements the offline-first synchronization core of
// the till.
//
// The engine owns four durable queues (pending creations, updates,
// deletions, and poisoned items), a cache of the remote store's latest
// snapshots, and a connection-status state machine. Mutations take
// effect locally and synchronously: they are persisted to the local
// store and visible in the merged view before any network activity.
// A debounced background cycle then drains the queues against the
// remote store in bounded atomic batches, quarantining failed chunks
// so one bad record never blocks unrelated work.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stevenmcginty/tillsync/internal/remote"
)

// Persisted queue keys in the local store. Each queue is persisted
// independently on every mutation, before any remote operation is
// attempted.
const (
	keyCreations = "queue.creations"
	keyUpdates   = "queue.updates"
	keyDeletions = "queue.deletions"
	keyPoisoned  = "queue.poison"
	keySettings  = "settings"
)

// BlobStore is the durable on-device storage the engine persists its
// queues and settings cache to. *localstore.Store satisfies it.
type BlobStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Config holds configuration for the engine.
type Config struct {
	// Collections is the set of entity collections to subscribe to and
	// serve merged views for.
	Collections []string

	// SettingsCollection holds the singleton settings document.
	SettingsCollection string

	// Debounce is how long to wait after a mutation before attempting
	// a commit cycle. Rapid mutations coalesce into one cycle.
	Debounce time.Duration

	// BackoffMin is the retry delay after the first failed cycle;
	// consecutive failures double it up to BackoffMax.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SettingsCollection: "settings",
		Debounce:           500 * time.Millisecond,
		BackoffMin:         time.Second,
		BackoffMax:         60 * time.Second,
		Logger:             log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// QueueDepths reports the length of each queue for status display.
type QueueDepths struct {
	Creations int `json:"creations"`
	Updates   int `json:"updates"`
	Deletions int `json:"deletions"`
	Poisoned  int `json:"poisoned"`
}

// Pending is the sum of the three retryable queues. Poisoned items are
// excluded: they are no longer retried automatically.
func (q QueueDepths) Pending() int {
	return q.Creations + q.Updates + q.Deletions
}

// Engine is the synchronization core. Construct with New and pass
// explicitly to consumers; tests build isolated instances against a
// fake remote.
type Engine struct {
	cfg    *Config
	store  BlobStore
	remote remote.Store
	logger *log.Logger

	mu        sync.Mutex
	creations []creation
	updates   []update
	deletions []deletion
	poisoned  []PoisonedItem

	// cache holds the latest snapshot per collection, replaced
	// wholesale on every delivery.
	cache map[string][]remote.Document

	settings      remote.Document
	settingsStamp int64 // lastUpdated of the settings doc we hold

	deviceOnline bool
	remoteReady  bool
	status       Status
	syncing      bool
	syncPending  bool
	backoff      time.Duration
	syncErr      string

	debounce   *time.Timer
	retryTimer *time.Timer
	stopped    bool

	subs       map[int]func()
	statusSubs map[int]func(Status)
	nextSubID  int

	ctx        context.Context
	subCancels []func()
	wg         sync.WaitGroup
}

// New creates an engine over the given local store and remote store.
//
// Queues and the settings cache persisted by a previous run are loaded
// immediately, so the merged view reflects unsynced work from before a
// restart. Call Start to begin live subscriptions and syncing; an
// unstarted engine still serves local mutations and merged views,
// which is what the one-shot CLI commands rely on.
func New(cfg *Config, store BlobStore, remoteStore remote.Store) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SettingsCollection == "" {
		cfg.SettingsCollection = "settings"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		remote:       remoteStore,
		logger:       logger,
		cache:        make(map[string][]remote.Document),
		deviceOnline: true,
		status:       StatusConnecting,
		backoff:      cfg.BackoffMin,
		subs:         make(map[int]func()),
		statusSubs:   make(map[int]func(Status)),
		ctx:          context.Background(),
	}
	e.load()
	return e, nil
}

// Start subscribes to every configured collection plus the settings
// collection and arms the commit cycle. It returns once subscriptions
// are established; syncing happens in the background until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if e.remote == nil {
		return fmt.Errorf("engine has no remote store")
	}

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	collections := append([]string{}, e.cfg.Collections...)
	collections = append(collections, e.cfg.SettingsCollection)
	seen := make(map[string]bool)

	for _, collection := range collections {
		if seen[collection] {
			continue
		}
		seen[collection] = true

		collection := collection
		cancel, err := e.remote.Subscribe(ctx, collection, func(snap remote.Snapshot) {
			e.handleSnapshot(snap)
		})
		if err != nil {
			e.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", collection, err)
		}
		e.mu.Lock()
		e.subCancels = append(e.subCancels, cancel)
		e.mu.Unlock()
	}

	e.logger.Printf("Engine started, watching %d collections", len(seen))
	return nil
}

// Stop cancels subscriptions, stops timers, and waits for any in-flight
// commit cycle to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancels := e.subCancels
	e.subCancels = nil
	if e.debounce != nil {
		e.debounce.Stop()
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	e.wg.Wait()
	e.logger.Println("Engine stopped")
}

// Subscribe registers fn to run after any state change affecting merged
// views, queue depths, or the sync error. The returned function
// unsubscribes.
func (e *Engine) Subscribe(fn func()) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// SubscribeStatus registers fn to run on every connection status
// transition. The returned function unsubscribes.
func (e *Engine) SubscribeStatus(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.statusSubs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.statusSubs, id)
		e.mu.Unlock()
	}
}

// PendingCount returns the number of queued mutations awaiting commit.
func (e *Engine) PendingCount() int {
	return e.Depths().Pending()
}

// Depths returns the current queue depths.
func (e *Engine) Depths() QueueDepths {
	e.mu.Lock()
	defer e.mu.Unlock()
	return QueueDepths{
		Creations: len(e.creations),
		Updates:   len(e.updates),
		Deletions: len(e.deletions),
		Poisoned:  len(e.poisoned),
	}
}

// SyncError returns the current user-visible sync error, or "" when the
// last cycle was clean.
func (e *Engine) SyncError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncErr
}

// notify runs every change subscriber. Must be called without the lock.
func (e *Engine) notify() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// notifyStatus runs every status subscriber with s. Must be called
// without the lock.
func (e *Engine) notifyStatus(s Status) {
	e.mu.Lock()
	fns := make([]func(Status), 0, len(e.statusSubs))
	for _, fn := range e.statusSubs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// load restores queues and the settings cache from the local store.
// A corrupt or unreadable blob is logged and skipped: a till that lost
// one queue must still boot.
func (e *Engine) load() {
	load := func(key string, target any) {
		blob, ok, err := e.store.Get(key)
		if err != nil {
			e.logger.Printf("Warning: failed to load %s: %v", key, err)
			return
		}
		if !ok {
			return
		}
		if err := json.Unmarshal(blob, target); err != nil {
			e.logger.Printf("Warning: discarding corrupt %s: %v", key, err)
		}
	}

	load(keyCreations, &e.creations)
	load(keyUpdates, &e.updates)
	load(keyDeletions, &e.deletions)
	load(keyPoisoned, &e.poisoned)
	load(keySettings, &e.settings)
	e.settingsStamp = stampOf(e.settings)

	if n := len(e.creations) + len(e.updates) + len(e.deletions); n > 0 {
		e.logger.Printf("Restored %d pending mutations from local store", n)
	}
}

// persistLocked writes one queue (or the settings cache) back to the
// local store. Persistence failures are a soft-failure mode: the
// in-memory state keeps the mutation for this session, durability
// across restart is lost for it.
func (e *Engine) persistLocked(key string, value any) {
	blob, err := json.Marshal(value)
	if err != nil {
		e.logger.Printf("Warning: failed to encode %s: %v", key, err)
		return
	}
	if err := e.store.Put(key, blob); err != nil {
		e.logger.Printf("Warning: failed to persist %s: %v", key, err)
	}
}

// stampOf extracts the lastUpdated arbitration stamp from a settings
// document. Missing or non-numeric stamps count as zero.
func stampOf(doc remote.Document) int64 {
	if doc == nil {
		return 0
	}
	switch v := doc["lastUpdated"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
