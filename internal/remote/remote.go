// Package remote defines the boundary to the remote document store.
//
// The store is a multi-collection document database supporting
// per-document set/update/delete, atomic batched writes bounded at a
// fixed op count, and live per-collection subscriptions that deliver
// the full current document set together with a flag indicating
// whether the delivery was served from a local cache or a live server
// round-trip.
//
// Implementations in this package: MemStore (in-memory, for tests and
// demo mode) and Client (WebSocket gateway).
package remote

import "context"

// MaxBatchOps is the remote store's per-request write-count ceiling.
// A single atomic batch must never exceed it.
const MaxBatchOps = 499

// Document is a schemaless record. Every document carries a unique
// string "id" within its collection.
type Document = map[string]any

// DocID returns the document's id field, or "" if absent.
func DocID(doc Document) string {
	id, _ := doc["id"].(string)
	return id
}

// Op is the kind of a single batched write.
type Op int

const (
	// OpSet creates or fully replaces a document.
	OpSet Op = iota
	// OpUpdate merges fields into an existing document.
	// Updating a missing document is an error.
	OpUpdate
	// OpDelete removes a document. Deleting a missing document is a no-op.
	OpDelete
)

// String returns a human-readable representation of the op.
func (op Op) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is a single operation within an atomic batch.
type Write struct {
	Op         Op       `json:"op"`
	Collection string   `json:"collection"`
	ID         string   `json:"id"`
	Data       Document `json:"data,omitempty"`
}

// Snapshot is one delivery from a live collection subscription.
type Snapshot struct {
	// Collection the snapshot belongs to.
	Collection string `json:"collection"`

	// Docs is the full current document set for the collection.
	Docs []Document `json:"docs"`

	// FromCache reports whether the delivery was served from a local
	// cache rather than a confirmed live server round-trip. The
	// connection state machine treats only FromCache=false deliveries
	// as proof the backend is reachable.
	FromCache bool `json:"fromCache"`
}

// SnapshotFunc receives live subscription deliveries.
type SnapshotFunc func(Snapshot)

// Store is the remote document store as seen by the sync engine.
type Store interface {
	// Commit atomically applies a batch of at most MaxBatchOps writes.
	// The batch is all-or-nothing: on error no write was applied.
	Commit(ctx context.Context, writes []Write) error

	// Subscribe registers fn for live deliveries of collection. The
	// current document set is delivered immediately, then again after
	// every change. The returned function cancels the subscription.
	Subscribe(ctx context.Context, collection string, fn SnapshotFunc) (func(), error)
}
