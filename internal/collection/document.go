package collection

import "fmt"

// IDField is the only field every document must carry.
const IDField = "_id"

// Document is an open-ended record. Treat documents held by a Snapshot as
// read-only; the store replaces them rather than editing them in place.
type Document map[string]any

// ID returns the document's _id, or "" when missing or not a string.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Snapshot is the full ordered content of a collection at one point in
// time. A published snapshot is never modified.
type Snapshot []Document

// Find returns the document with the given id.
func (s Snapshot) Find(id string) (Document, bool) {
	if i := s.index(id); i >= 0 {
		return s[i], true
	}
	return nil, false
}

func (s Snapshot) index(id string) int {
	for i, d := range s {
		if d.ID() == id {
			return i
		}
	}
	return -1
}

// upsert returns a copy of s with doc replacing the entry sharing its id,
// or appended when the id is new.
func (s Snapshot) upsert(doc Document) Snapshot {
	next := make(Snapshot, len(s), len(s)+1)
	copy(next, s)
	if i := next.index(doc.ID()); i >= 0 {
		next[i] = doc
		return next
	}
	return append(next, doc)
}

// without returns a copy of s lacking the given id.
func (s Snapshot) without(id string) Snapshot {
	next := make(Snapshot, 0, len(s))
	for _, d := range s {
		if d.ID() != id {
			next = append(next, d)
		}
	}
	return next
}

// snapshotFromValue converts a decoded cache value into a Snapshot.
// Entries without a string _id are rejected, as are duplicate ids.
func snapshotFromValue(v any) (Snapshot, error) {
	if v == nil {
		return Snapshot{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("snapshot: expected array, got %T", v)
	}

	out := make(Snapshot, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("snapshot[%d]: expected object, got %T", i, item)
		}
		doc := Document(m)
		id := doc.ID()
		if id == "" {
			return nil, fmt.Errorf("snapshot[%d]: missing %s", i, IDField)
		}
		if seen[id] {
			return nil, fmt.Errorf("snapshot[%d]: duplicate %s %q", i, IDField, id)
		}
		seen[id] = true
		out = append(out, doc)
	}
	return out, nil
}
