package engine

import (
	"sort"

	"github.com/stevenmcginty/tillsync/internal/remote"
)

// Merged returns the observable view of a collection: the remote cache
// with pending creations and updates overlaid by id, minus pending
// deletions. Deletions always win. An update whose id matches nothing
// in the base is a silent no-op: updates never synthesize entities.
//
// The result is a pure function of current queue and cache state, built
// from copies, so it is safe to call on every render.
func (e *Engine) Merged(collection string) []remote.Document {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := make(map[string]remote.Document)

	for _, doc := range e.cache[collection] {
		if id := remote.DocID(doc); id != "" {
			base[id] = copyDoc(doc)
		}
	}

	for _, c := range e.creations {
		if c.Collection == collection {
			base[remote.DocID(c.Data)] = copyDoc(c.Data)
		}
	}

	for _, u := range e.updates {
		if u.Collection != collection {
			continue
		}
		doc, ok := base[u.ID]
		if !ok {
			continue
		}
		for k, v := range u.Data {
			doc[k] = v
		}
	}

	for _, d := range e.deletions {
		if d.Collection != collection {
			continue
		}
		delete(base, d.ID)
	}

	out := make([]remote.Document, 0, len(base))
	for _, doc := range base {
		out = append(out, doc)
	}
	// Sorted by id so the view does not shuffle when an entity moves
	// from the creation queue to the remote cache.
	sort.Slice(out, func(i, j int) bool {
		return remote.DocID(out[i]) < remote.DocID(out[j])
	})
	return out
}

// copyDoc returns a shallow copy so callers never alias queue or cache
// state.
func copyDoc(doc remote.Document) remote.Document {
	out := make(remote.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
