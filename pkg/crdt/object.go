package crdt

// writer identifies the change that last won a given register, used to
// break ties deterministically between concurrent writers.
type writer struct {
	counter uint64
	actor   string
	hash    string
}

// wins reports whether w should replace cur as the register's winner.
// Highest counter wins; actor id breaks an exact tie (astronomically
// rare, but must still be deterministic per §4.4's tie-break rule).
func (w writer) wins(cur writer) bool {
	if w.counter != cur.counter {
		return w.counter > cur.counter
	}
	return w.actor > cur.actor
}

// entry is one register slot inside a map or list object: either a
// scalar value or a reference to a nested object, plus the metadata
// needed to resolve concurrent writes and reconstruct losing history
// for the patch interpreter's deep merge (§4.10).
type entry struct {
	writer    writer
	value     any
	objRef    ObjID
	tombstone bool
	// conflicts holds entries that lost a concurrent write to this slot;
	// retained (not GC'd) so get_all can reconstruct loser history.
	conflicts []entry
}

// ObjID is an opaque object identifier, minted by Document.newObjID as
// "<actor>.<n>" each time an object is created (the root is "root").
// Paths are resolved to ObjIDs by following map entries' object
// references, so the same path can name different objects over time.
type ObjID string

// object is a map or list node in the document tree.
type object struct {
	kind Kind
	m    map[string]*entry
	l    []*entry
}

func newMapObject() *object  { return &object{kind: KindMap, m: map[string]*entry{}} }
func newListObject() *object { return &object{kind: KindList, l: nil} }
