package engine

import (
	"context"
	"time"

	"github.com/stevenmcginty/tillsync/internal/remote"
)

// scheduleSync (re)arms the debounce timer. Every mutation and
// reconnect event lands here, so a burst of till activity coalesces
// into a single commit cycle.
func (e *Engine) scheduleSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, e.requestSync)
}

// requestSync starts a commit cycle if one can and should run now.
// A request arriving while a cycle is in flight is coalesced into one
// follow-up cycle rather than running concurrently.
func (e *Engine) requestSync() {
	e.mu.Lock()
	if e.stopped || e.remote == nil {
		e.mu.Unlock()
		return
	}
	if !e.deviceOnline || !e.remoteReady {
		e.mu.Unlock()
		return
	}
	if len(e.creations)+len(e.updates)+len(e.deletions) == 0 {
		e.mu.Unlock()
		return
	}
	if e.syncing {
		e.syncPending = true
		e.mu.Unlock()
		return
	}
	e.syncing = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runCycle()
}

// runCycle drains the three queues in fixed order: deletions first,
// then updates, then creations. A deletion must never be undone by a
// same-cycle stale update or creation for the same id; processing in
// this order, on top of the queue-mutation rules that already exclude
// contradictory queue states, keeps that from happening.
func (e *Engine) runCycle() {
	defer e.wg.Done()

	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	failed := false
	if !e.drainDeletions(ctx) {
		failed = true
	}
	if !e.drainUpdates(ctx) {
		failed = true
	}
	if !e.drainCreations(ctx) {
		failed = true
	}

	e.mu.Lock()
	e.syncing = false
	again := e.syncPending
	e.syncPending = false

	if failed {
		// Double the retry delay, capped. Non-poisoned work keeps
		// retrying indefinitely while online.
		e.backoff *= 2
		if e.backoff > e.cfg.BackoffMax {
			e.backoff = e.cfg.BackoffMax
		}
		delay := e.backoff
		e.logger.Printf("Commit cycle had failures, retrying in %v", delay)
		if !e.stopped {
			if e.retryTimer != nil {
				e.retryTimer.Stop()
			}
			e.retryTimer = time.AfterFunc(delay, e.requestSync)
		}
	} else {
		e.backoff = e.cfg.BackoffMin
		e.syncErr = ""
		// New items may have arrived mid-cycle.
		if again || len(e.creations)+len(e.updates)+len(e.deletions) > 0 {
			if !e.stopped {
				if e.debounce != nil {
					e.debounce.Stop()
				}
				e.debounce = time.AfterFunc(e.cfg.Debounce, e.requestSync)
			}
		}
	}
	e.mu.Unlock()

	e.notify()
}

// RetryDelay returns the delay the next failed cycle would schedule.
func (e *Engine) RetryDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backoff
}

// drainDeletions commits the deletion queue in batch-sized chunks.
// Returns false if a chunk failed and the queue type was abandoned for
// this cycle.
func (e *Engine) drainDeletions(ctx context.Context) bool {
	for {
		e.mu.Lock()
		chunk := append([]deletion{}, e.deletions[:min(len(e.deletions), remote.MaxBatchOps)]...)
		e.mu.Unlock()
		if len(chunk) == 0 {
			return true
		}

		writes := make([]remote.Write, len(chunk))
		for i, d := range chunk {
			writes[i] = remote.Write{Op: remote.OpDelete, Collection: d.Collection, ID: d.ID}
		}

		err := e.remote.Commit(ctx, writes)

		e.mu.Lock()
		if err != nil {
			for _, d := range chunk {
				e.poisoned = append(e.poisoned, PoisonedItem{
					Kind:       "delete",
					Collection: d.Collection,
					ID:         d.ID,
					Reason:     err.Error(),
					PoisonedAt: time.Now(),
				})
				e.deletions = removeDeletion(e.deletions, d)
			}
			e.persistLocked(keyPoisoned, e.poisoned)
			e.persistLocked(keyDeletions, e.deletions)
			e.syncErr = "Some deletions could not be synced: " + err.Error()
			e.mu.Unlock()
			e.logger.Printf("Quarantined %d deletions: %v", len(chunk), err)
			return false
		}
		for _, d := range chunk {
			e.deletions = removeDeletion(e.deletions, d)
		}
		e.persistLocked(keyDeletions, e.deletions)
		e.mu.Unlock()
	}
}

// drainUpdates commits the update queue in batch-sized chunks.
func (e *Engine) drainUpdates(ctx context.Context) bool {
	for {
		// Deep-copy the chunk: Commit reads the payloads outside the
		// lock while Patch may still coalesce into the live entries.
		e.mu.Lock()
		n := min(len(e.updates), remote.MaxBatchOps)
		chunk := make([]update, n)
		for i, u := range e.updates[:n] {
			chunk[i] = update{Collection: u.Collection, ID: u.ID, Data: deepCopyDoc(u.Data), rev: u.rev}
		}
		e.mu.Unlock()
		if len(chunk) == 0 {
			return true
		}

		writes := make([]remote.Write, len(chunk))
		for i, u := range chunk {
			writes[i] = remote.Write{Op: remote.OpUpdate, Collection: u.Collection, ID: u.ID, Data: u.Data}
		}

		err := e.remote.Commit(ctx, writes)

		e.mu.Lock()
		if err != nil {
			for _, u := range chunk {
				e.poisoned = append(e.poisoned, PoisonedItem{
					Kind:       "update",
					Collection: u.Collection,
					ID:         u.ID,
					Data:       u.Data,
					Reason:     err.Error(),
					PoisonedAt: time.Now(),
				})
				e.updates = removeUpdate(e.updates, u)
			}
			e.persistLocked(keyPoisoned, e.poisoned)
			e.persistLocked(keyUpdates, e.updates)
			e.syncErr = "Some updates could not be synced: " + err.Error()
			e.mu.Unlock()
			e.logger.Printf("Quarantined %d updates: %v", len(chunk), err)
			return false
		}
		for _, u := range chunk {
			e.updates = removeUpdate(e.updates, u)
		}
		e.persistLocked(keyUpdates, e.updates)
		e.mu.Unlock()
	}
}

// drainCreations commits the creation queue in batch-sized chunks.
func (e *Engine) drainCreations(ctx context.Context) bool {
	for {
		e.mu.Lock()
		n := min(len(e.creations), remote.MaxBatchOps)
		chunk := make([]creation, n)
		for i, c := range e.creations[:n] {
			chunk[i] = creation{Collection: c.Collection, Data: deepCopyDoc(c.Data), rev: c.rev}
		}
		e.mu.Unlock()
		if len(chunk) == 0 {
			return true
		}

		writes := make([]remote.Write, len(chunk))
		for i, c := range chunk {
			writes[i] = remote.Write{Op: remote.OpSet, Collection: c.Collection, ID: remote.DocID(c.Data), Data: c.Data}
		}

		err := e.remote.Commit(ctx, writes)

		e.mu.Lock()
		if err != nil {
			for _, c := range chunk {
				e.poisoned = append(e.poisoned, PoisonedItem{
					Kind:       "create",
					Collection: c.Collection,
					ID:         remote.DocID(c.Data),
					Data:       c.Data,
					Reason:     err.Error(),
					PoisonedAt: time.Now(),
				})
				e.creations = removeCreation(e.creations, c)
			}
			e.persistLocked(keyPoisoned, e.poisoned)
			e.persistLocked(keyCreations, e.creations)
			e.syncErr = "Some records could not be synced: " + err.Error()
			e.mu.Unlock()
			e.logger.Printf("Quarantined %d creations: %v", len(chunk), err)
			return false
		}
		for _, c := range chunk {
			e.creations = removeCreation(e.creations, c)
		}
		e.persistLocked(keyCreations, e.creations)
		e.mu.Unlock()
	}
}

// The remove helpers trim committed (or quarantined) items by identity
// rather than by count: a Delete or Save racing with an in-flight chunk
// may have reordered the queue front, and trimming the wrong item would
// either re-send committed work or silently drop queued work. The
// revision check covers the other race: an entry whose payload was
// replaced or coalesced into while its chunk was in flight stays queued
// so the newer data goes out on a later chunk.

func removeCreation(queue []creation, target creation) []creation {
	id := remote.DocID(target.Data)
	for i := range queue {
		if queue[i].Collection == target.Collection && remote.DocID(queue[i].Data) == id {
			if queue[i].rev != target.rev {
				return queue
			}
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func removeUpdate(queue []update, target update) []update {
	for i := range queue {
		if queue[i].Collection == target.Collection && queue[i].ID == target.ID {
			if queue[i].rev != target.rev {
				return queue
			}
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func removeDeletion(queue []deletion, target deletion) []deletion {
	for i := range queue {
		if queue[i].Collection == target.Collection && queue[i].ID == target.ID {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// deepCopyDoc copies doc including nested maps and slices, so an
// in-flight commit never shares mutable state with live queue entries.
func deepCopyDoc(doc remote.Document) remote.Document {
	out := make(remote.Document, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopyValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return v
	}
}
