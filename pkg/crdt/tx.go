package crdt

import "sort"

// Tx is the mutable transaction handle passed to Document.Transact's
// callback, matching the primitive's contract: get, get_all, put,
// put_object, splice, map_range, keys.
type Tx struct {
	doc     *Document
	ops     []op
	patches []Patch
	touched []*entry
}

// RawEntry exposes one register slot's raw content, winner or loser,
// for get_all-style reconstruction (used by the patch interpreter's deep
// merge to walk a losing key-object's revs).
type RawEntry struct {
	Value     any
	ObjRef    ObjID
	Tombstone bool
}

// Get reads the current winning scalar at path/key. ok is false if the
// slot is absent, tombstoned, or holds an object reference rather than a
// scalar.
func (tx *Tx) Get(path []string, key string) (any, bool) {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil {
		return nil, false
	}
	e, ok := obj.m[key]
	if !ok || e.tombstone || e.objRef != "" {
		return nil, false
	}
	return e.value, true
}

// GetObject reads the current winning object reference at path/key.
func (tx *Tx) GetObject(path []string, key string) (ObjID, bool) {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil {
		return "", false
	}
	e, ok := obj.m[key]
	if !ok || e.tombstone || e.objRef == "" {
		return "", false
	}
	return e.objRef, true
}

// GetAll returns the winning entry (index 0) followed by every entry
// that lost a concurrent write to this slot, for deep-merge
// reconstruction (§4.10).
func (tx *Tx) GetAll(path []string, key string) []RawEntry {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil {
		return nil
	}
	e, ok := obj.m[key]
	if !ok {
		return nil
	}
	out := []RawEntry{{Value: e.value, ObjRef: e.objRef, Tombstone: e.tombstone}}
	for _, c := range e.conflicts {
		out = append(out, RawEntry{Value: c.value, ObjRef: c.objRef, Tombstone: c.tombstone})
	}
	return out
}

// Put sets a scalar value at path/key, sealed as part of the enclosing
// transaction's single Change.
func (tx *Tx) Put(path []string, key string, value any) Patch {
	obj, _ := tx.doc.resolve(path, true, writer{})
	e := &entry{value: value}
	obj.m[key] = e
	tx.touched = append(tx.touched, e)
	tx.ops = append(tx.ops, op{Path: clonePath(path), Key: key, Action: PatchPut, Value: value})
	p := Patch{Path: path, Key: key, Action: PatchPut, Value: value}
	tx.patches = append(tx.patches, p)
	return p
}

// PutObject creates a fresh nested map or list object at path/key and
// returns its id. Creating a genuinely new object (rather than reusing
// whatever already lives at that key) is what lets two actors race on
// the same map key and have the loser's object survive as history.
func (tx *Tx) PutObject(path []string, key string, kind Kind) ObjID {
	id := tx.doc.newObjID()
	switch kind {
	case KindList:
		tx.doc.objects[id] = newListObject()
	default:
		tx.doc.objects[id] = newMapObject()
	}
	obj, _ := tx.doc.resolve(path, true, writer{})
	e := &entry{objRef: id}
	obj.m[key] = e
	tx.touched = append(tx.touched, e)
	tx.ops = append(tx.ops, op{Path: clonePath(path), Key: key, Action: PatchExpose, ObjKind: kind})
	tx.patches = append(tx.patches, Patch{Path: path, Key: key, Action: PatchExpose})
	return id
}

// EnsureObject creates path/key as a map object only if it does not
// already exist, leaving an existing object (and its contents) alone.
// This is the idempotent half of document schema init (C2): "creates
// missing, leaves existing".
func (tx *Tx) EnsureObject(path []string, key string) ObjID {
	obj, _ := tx.doc.resolve(path, true, writer{})
	if e, ok := obj.m[key]; ok && e.objRef != "" {
		return e.objRef
	}
	return tx.PutObject(path, key, KindMap)
}

// Delete tombstones a slot without discarding it, matching the CRDT's
// preference for structural soft-delete over removal.
func (tx *Tx) Delete(path []string, key string) Patch {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil {
		return Patch{Path: path, Key: key, Action: PatchDelete}
	}
	if e, ok := obj.m[key]; ok {
		e.tombstone = true
		tx.touched = append(tx.touched, e)
	}
	tx.ops = append(tx.ops, op{Path: clonePath(path), Key: key, Action: PatchDelete})
	p := Patch{Path: path, Key: key, Action: PatchDelete}
	tx.patches = append(tx.patches, p)
	return p
}

// Splice mutates a list object, removing del items at index and
// inserting the given scalars.
func (tx *Tx) Splice(path []string, index, del int, insert []string) {
	tx.doc.resolve(path, true, writer{})
	obj, _ := tx.doc.resolve(path, false, writer{})
	applySplice(obj, op{Index: index, Delete: del, Insert: insert})
	tx.ops = append(tx.ops, op{Path: clonePath(path), Action: PatchSplice, Index: index, Delete: del, Insert: insert})
	tx.patches = append(tx.patches, Patch{Path: path, Action: PatchSplice})
}

// MapRange returns the non-tombstoned keys of the map object at path
// within the half-open range [start, end). An empty end means no upper
// bound.
func (tx *Tx) MapRange(path []string, start, end string) []string {
	keys := tx.Keys(path)
	out := keys[:0:0]
	for _, k := range keys {
		if k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		out = append(out, k)
	}
	return out
}

// GetOf reads a scalar directly from the object named by a raw ObjID,
// bypassing path navigation. Used by the patch interpreter's deep merge
// to read a losing key-object's revs after the `kvs` map slot has
// already been overwritten by the winner.
func (tx *Tx) GetOf(ref ObjID, key string) (any, bool) {
	obj, ok := tx.doc.objects[ref]
	if !ok {
		return nil, false
	}
	e, ok := obj.m[key]
	if !ok || e.tombstone || e.objRef != "" {
		return nil, false
	}
	return e.value, true
}

// GetObjectOf reads a nested object reference directly from the object
// named by a raw ObjID.
func (tx *Tx) GetObjectOf(ref ObjID, key string) (ObjID, bool) {
	obj, ok := tx.doc.objects[ref]
	if !ok {
		return "", false
	}
	e, ok := obj.m[key]
	if !ok || e.tombstone || e.objRef == "" {
		return "", false
	}
	return e.objRef, true
}

// KeysOf returns the sorted, non-tombstoned keys of the object named by
// a raw ObjID.
func (tx *Tx) KeysOf(ref ObjID) []string {
	obj, ok := tx.doc.objects[ref]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(obj.m))
	for k, e := range obj.m {
		if e.tombstone {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListValues returns the string scalars held in a list object at path,
// in order. Used to read back peer_urls / client_urls lists.
func (tx *Tx) ListValues(path []string) []string {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil || obj == nil || obj.kind != KindList {
		return nil
	}
	out := make([]string, 0, len(obj.l))
	for _, e := range obj.l {
		if e == nil {
			continue
		}
		if s, ok := e.value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Keys returns the sorted, non-tombstoned keys of the map object at
// path.
func (tx *Tx) Keys(path []string) []string {
	obj, err := tx.doc.resolve(path, false, writer{})
	if err != nil || obj == nil {
		return nil
	}
	out := make([]string, 0, len(obj.m))
	for k, e := range obj.m {
		if e.tombstone {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clonePath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}
