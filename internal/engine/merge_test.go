package engine

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/stevenmcginty/tillsync/internal/remote"
)

// refModel is a naive reference implementation of the merged-view
// semantics: remote docs with pending creations/updates overlaid by id,
// minus pending deletions, with the same queue-mutation rules the
// engine promises (delete removes an unsent creation, patches fold into
// pending creations, patches after delete are dropped).
type refModel struct {
	remote    map[string]remote.Document
	creations map[string]remote.Document
	updates   map[string]remote.Document
	deletions map[string]bool
}

func newRefModel() *refModel {
	return &refModel{
		remote:    make(map[string]remote.Document),
		creations: make(map[string]remote.Document),
		updates:   make(map[string]remote.Document),
		deletions: make(map[string]bool),
	}
}

func (r *refModel) save(doc remote.Document) {
	r.creations[remote.DocID(doc)] = copyDoc(doc)
}

func (r *refModel) patch(id string, fields remote.Document) {
	if r.deletions[id] {
		return
	}
	if c, ok := r.creations[id]; ok {
		for k, v := range fields {
			c[k] = v
		}
		return
	}
	u, ok := r.updates[id]
	if !ok {
		u = make(remote.Document)
		r.updates[id] = u
	}
	for k, v := range fields {
		u[k] = v
	}
}

func (r *refModel) delete(id string) {
	delete(r.updates, id)
	if _, ok := r.creations[id]; ok {
		delete(r.creations, id)
		return
	}
	r.deletions[id] = true
}

func (r *refModel) snapshot(docs []remote.Document) {
	r.remote = make(map[string]remote.Document)
	for _, doc := range docs {
		r.remote[remote.DocID(doc)] = copyDoc(doc)
	}
}

func (r *refModel) merged() []remote.Document {
	base := make(map[string]remote.Document)
	for id, doc := range r.remote {
		base[id] = copyDoc(doc)
	}
	for id, doc := range r.creations {
		base[id] = copyDoc(doc)
	}
	for id, fields := range r.updates {
		doc, ok := base[id]
		if !ok {
			continue
		}
		for k, v := range fields {
			doc[k] = v
		}
	}
	for id := range r.deletions {
		delete(base, id)
	}

	out := make([]remote.Document, 0, len(base))
	for _, doc := range base {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		return remote.DocID(out[i]) < remote.DocID(out[j])
	})
	return out
}

// TestMergedMatchesReference drives random save/patch/delete/snapshot
// sequences through the engine and the reference model and asserts the
// merged views never diverge.
func TestMergedMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		e, _ := newTestEngine(t, nil)
		ref := newRefModel()

		ids := []string{"a", "b", "c", "d", "e", "f"}

		for step := 0; step < 120; step++ {
			id := ids[rng.Intn(len(ids))]
			switch rng.Intn(4) {
			case 0:
				d := doc(id, "v", rng.Intn(100))
				e.Save("sales", d)
				ref.save(d)
			case 1:
				fields := remote.Document{fmt.Sprintf("f%d", rng.Intn(3)): rng.Intn(100)}
				e.Patch("sales", id, fields)
				ref.patch(id, fields)
			case 2:
				e.Delete("sales", id)
				ref.delete(id)
			case 3:
				n := rng.Intn(len(ids))
				docs := make([]remote.Document, 0, n)
				for _, rid := range ids[:n] {
					docs = append(docs, doc(rid, "v", rng.Intn(100)))
				}
				e.handleSnapshot(remote.Snapshot{Collection: "sales", Docs: docs})
				ref.snapshot(docs)
			}

			got := e.Merged("sales")
			want := ref.merged()
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("trial %d step %d: merged view diverged\ngot:  %v\nwant: %v",
					trial, step, got, want)
			}
		}
	}
}

func TestMergedOverlaysUpdatesOnRemote(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.handleSnapshot(remote.Snapshot{
		Collection: "products",
		Docs: []remote.Document{
			doc("p1", "name", "espresso", "price", 2.0),
			doc("p2", "name", "latte", "price", 3.0),
		},
	})
	e.Patch("products", "p1", remote.Document{"price": 2.2})

	merged := e.Merged("products")
	if len(merged) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(merged))
	}
	if merged[0]["price"] != 2.2 || merged[0]["name"] != "espresso" {
		t.Errorf("update overlay wrong: %v", merged[0])
	}
	if merged[1]["price"] != 3.0 {
		t.Errorf("untouched doc changed: %v", merged[1])
	}
}

func TestMergedUpdateNeverSynthesizes(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Patch("products", "ghost", remote.Document{"price": 1.0})

	if merged := e.Merged("products"); len(merged) != 0 {
		t.Errorf("update synthesized an entity: %v", merged)
	}
}

func TestMergedDeletionWinsOverRemote(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.handleSnapshot(remote.Snapshot{
		Collection: "sales",
		Docs:       []remote.Document{doc("s1"), doc("s2")},
	})
	e.Delete("sales", "s1")

	merged := e.Merged("sales")
	if len(merged) != 1 || remote.DocID(merged[0]) != "s2" {
		t.Errorf("deletion not applied to merged view: %v", merged)
	}
}

func TestMergedIsPure(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	e.Save("sales", doc("s1", "total", 1.0))

	first := e.Merged("sales")
	first[0]["total"] = 99.0

	second := e.Merged("sales")
	if second[0]["total"] != 1.0 {
		t.Error("Merged returned aliased state")
	}
}
