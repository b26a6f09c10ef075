package engine

import (
	"time"

	"github.com/stevenmcginty/tillsync/internal/remote"
	"github.com/stevenmcginty/tillsync/internal/wire"
)

// creation is a full entity payload awaiting its first remote write.
// At most one per (collection, id): a later Save for the same id
// replaces the queued payload in place.
type creation struct {
	Collection string          `json:"collection"`
	Data       remote.Document `json:"data"`

	// rev counts in-place payload changes. The commit loop compares it
	// to detect an entry that was replaced while its chunk was in
	// flight. Not persisted: a restarted engine has no in-flight chunks.
	rev uint64
}

// update is a partial-field patch awaiting commit. Repeated patches
// for the same (collection, id) coalesce into one entry.
type update struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       remote.Document `json:"data"`

	rev uint64
}

// deletion marks an entity for removal from the remote store.
type deletion struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// PoisonedItem is a queued mutation that failed remote commit and was
// quarantined so the retry loop does not spin on it. Poisoned items are
// only retried through ReplayPoisoned.
type PoisonedItem struct {
	// Kind is "create", "update" or "delete".
	Kind       string          `json:"kind"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       remote.Document `json:"data,omitempty"`
	Reason     string          `json:"reason"`
	PoisonedAt time.Time       `json:"poisonedAt"`
}

// Save queues a full entity write. The entity becomes visible in the
// merged view immediately; the remote write happens on the next commit
// cycle. Failures never propagate to the caller.
func (e *Engine) Save(collection string, doc remote.Document) {
	doc, _ = wire.StripUnset(doc).(remote.Document)
	id := remote.DocID(doc)
	if id == "" {
		e.logger.Printf("Warning: dropping save to %s without an id", collection)
		return
	}

	e.mu.Lock()
	replaced := false
	for i := range e.creations {
		if e.creations[i].Collection == collection && remote.DocID(e.creations[i].Data) == id {
			e.creations[i].Data = doc
			e.creations[i].rev++
			replaced = true
			break
		}
	}
	if !replaced {
		e.creations = append(e.creations, creation{Collection: collection, Data: doc})
	}
	e.persistLocked(keyCreations, e.creations)
	e.mu.Unlock()

	e.notify()
	e.scheduleSync()
}

// Patch queues a partial-field update for an existing entity.
//
// If a creation for the same id is still pending, the fields fold into
// the queued payload instead: nothing exists remotely yet to update,
// and folding keeps the queues free of an update the remote store would
// reject. A patch against an id queued for deletion is dropped.
func (e *Engine) Patch(collection, id string, fields remote.Document) {
	if id == "" {
		e.logger.Printf("Warning: dropping patch to %s without an id", collection)
		return
	}
	fields, _ = wire.StripUnset(fields).(remote.Document)

	e.mu.Lock()
	for _, d := range e.deletions {
		if d.Collection == collection && d.ID == id {
			e.mu.Unlock()
			e.logger.Printf("Ignoring patch to %s/%s: deletion pending", collection, id)
			return
		}
	}

	for i := range e.creations {
		if e.creations[i].Collection == collection && remote.DocID(e.creations[i].Data) == id {
			for k, v := range fields {
				e.creations[i].Data[k] = v
			}
			e.creations[i].rev++
			e.persistLocked(keyCreations, e.creations)
			e.mu.Unlock()
			e.notify()
			e.scheduleSync()
			return
		}
	}

	merged := false
	for i := range e.updates {
		if e.updates[i].Collection == collection && e.updates[i].ID == id {
			for k, v := range fields {
				e.updates[i].Data[k] = v
			}
			e.updates[i].rev++
			merged = true
			break
		}
	}
	if !merged {
		e.updates = append(e.updates, update{Collection: collection, ID: id, Data: fields})
	}
	e.persistLocked(keyUpdates, e.updates)
	e.mu.Unlock()

	e.notify()
	e.scheduleSync()
}

// Delete queues the removal of an entity. Re-queuing an id already
// queued for deletion is a no-op.
//
// If a creation for the id is still pending, the creation is removed
// from its queue instead: nothing was ever sent to the remote store, so
// there is nothing to delete there. Pending updates for the id are
// dropped either way so a queued stale patch can never undo a deletion.
func (e *Engine) Delete(collection, id string) {
	if id == "" {
		return
	}

	e.mu.Lock()
	unsent := false
	for i := range e.creations {
		if e.creations[i].Collection == collection && remote.DocID(e.creations[i].Data) == id {
			e.creations = append(e.creations[:i], e.creations[i+1:]...)
			e.persistLocked(keyCreations, e.creations)
			unsent = true
			break
		}
	}

	dropped := false
	for i := range e.updates {
		if e.updates[i].Collection == collection && e.updates[i].ID == id {
			e.updates = append(e.updates[:i], e.updates[i+1:]...)
			dropped = true
			break
		}
	}
	if dropped {
		e.persistLocked(keyUpdates, e.updates)
	}

	if !unsent {
		queued := false
		for _, d := range e.deletions {
			if d.Collection == collection && d.ID == id {
				queued = true
				break
			}
		}
		if !queued {
			e.deletions = append(e.deletions, deletion{Collection: collection, ID: id})
			e.persistLocked(keyDeletions, e.deletions)
		}
	}
	e.mu.Unlock()

	e.notify()
	e.scheduleSync()
}

// Settings returns the current settings document (local pending state
// included), or nil if none has ever been saved or received.
func (e *Engine) Settings() remote.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settings == nil {
		return nil
	}
	out := make(remote.Document, len(e.settings))
	for k, v := range e.settings {
		out[k] = v
	}
	return out
}

// SaveSettings stores the settings document locally and queues it for
// remote write. The document's lastUpdated stamp arbitrates against
// remote echoes: only a strictly newer remote payload may replace it.
func (e *Engine) SaveSettings(doc remote.Document) {
	doc, _ = wire.StripUnset(doc).(remote.Document)
	if remote.DocID(doc) == "" {
		doc["id"] = "settings"
	}

	e.mu.Lock()
	e.settings = doc
	e.settingsStamp = stampOf(doc)
	e.persistLocked(keySettings, e.settings)
	e.mu.Unlock()

	e.Save(e.cfg.SettingsCollection, doc)
}

// PoisonedItems returns a copy of the poison queue for inspection.
func (e *Engine) PoisonedItems() []PoisonedItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PoisonedItem{}, e.poisoned...)
}

// ReplayPoisoned moves every quarantined mutation back onto the tail of
// its original queue and schedules a sync attempt. Use after the
// underlying data or backend problem has been fixed out of band.
func (e *Engine) ReplayPoisoned() int {
	e.mu.Lock()
	items := e.poisoned
	e.poisoned = nil

	for _, item := range items {
		switch item.Kind {
		case "create":
			e.creations = append(e.creations, creation{Collection: item.Collection, Data: item.Data})
		case "update":
			e.updates = append(e.updates, update{Collection: item.Collection, ID: item.ID, Data: item.Data})
		case "delete":
			e.deletions = append(e.deletions, deletion{Collection: item.Collection, ID: item.ID})
		default:
			e.logger.Printf("Warning: skipping poisoned item of unknown kind %q", item.Kind)
		}
	}

	e.persistLocked(keyPoisoned, e.poisoned)
	e.persistLocked(keyCreations, e.creations)
	e.persistLocked(keyUpdates, e.updates)
	e.persistLocked(keyDeletions, e.deletions)
	e.syncErr = ""
	e.mu.Unlock()

	if len(items) > 0 {
		e.logger.Printf("Replaying %d poisoned mutations", len(items))
	}
	e.notify()
	e.scheduleSync()
	return len(items)
}

// DiscardPoisoned drops the poison queue permanently.
func (e *Engine) DiscardPoisoned() int {
	e.mu.Lock()
	n := len(e.poisoned)
	e.poisoned = nil
	e.persistLocked(keyPoisoned, e.poisoned)
	e.syncErr = ""
	e.mu.Unlock()

	if n > 0 {
		e.logger.Printf("Discarded %d poisoned mutations", n)
	}
	e.notify()
	return n
}
