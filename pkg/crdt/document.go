package crdt

import (
	"fmt"
	"sync"
	"time"
)

const rootObjID ObjID = "root"

// Document is the CRDT primitive: a tree of map/list objects rooted at
// a single well-known object, replicated by exchanging Changes. Object
// identity is a fresh token per PutObject call (not a schema path), so
// that two actors independently creating "the same" map-key end up with
// genuinely distinct objects whose merge is observable as a conflict —
// this is what lets the patch interpreter's deep merge (§4.10) find a
// loser's history to re-attach.
type Document struct {
	mu sync.Mutex

	actorID string
	seq     uint64
	objSeq  uint64
	counter uint64

	objects       map[ObjID]*object
	changes       []*Change
	changesByHash map[string]*Change
	heads         map[string]struct{}
	peers         map[string]*peerState
}

type peerState struct {
	theyHave map[string]struct{}
}

// New creates a fresh document for the given actor id (the node's own
// member id, stringified). Corresponds to the primitive's `new()` /
// `with_actor(id)` constructors.
func New(actorID string) *Document {
	d := &Document{
		actorID:       actorID,
		objects:       map[ObjID]*object{rootObjID: newMapObject()},
		changesByHash: map[string]*Change{},
		heads:         map[string]struct{}{},
		peers:         map[string]*peerState{},
	}
	return d
}

// Load rehydrates a document for actorID by replaying a previously
// persisted change log in order. Corresponds to the primitive's
// `load(persister)` constructor; the persistence layer (pkg/storage)
// owns reading the bytes, this just owns interpreting them.
func Load(actorID string, changes []Change) (*Document, error) {
	d := New(actorID)
	for i := range changes {
		c := changes[i]
		if _, err := d.applyChange(&c, true); err != nil {
			return nil, fmt.Errorf("crdt: replay change %s: %w", c.Hash, err)
		}
		if c.Actor == actorID && c.Seq > d.seq {
			d.seq = c.Seq
		}
	}
	return d, nil
}

// Changes returns the full change log in application order, for
// snapshotting / the persistence layer's append-only log.
func (d *Document) Changes() []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Change, len(d.changes))
	for i, c := range d.changes {
		out[i] = *c
	}
	return out
}

// GetHeads returns the current set of heads: change hashes with no
// known successor. The set fully identifies the document's state.
func (d *Document) GetHeads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedHeads(d.heads)
}

// GetChangesByHash returns the changes named by hashes, skipping any not
// present locally.
func (d *Document) GetChangesByHash(hashes []string) []Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Change, 0, len(hashes))
	for _, h := range hashes {
		if c, ok := d.changesByHash[h]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Transact runs f against a mutable view of the document and, if f
// performs any mutation, seals exactly one Change and returns the
// patches those mutations produced. A read-only f (e.g. range) performs
// no mutation and seals nothing, matching "if no branch op mutates, no
// new revision is allocated" (§4.4).
//
// f is expected to validate preconditions before mutating; Transact does
// not roll back partial writes on error; the document-layer callers in
// this repository only mutate after their checks pass.
func (d *Document) Transact(f func(tx *Tx) error) ([]Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Tx{doc: d}
	if err := f(tx); err != nil {
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}

	d.seq++
	d.counter++
	deps := sortedHeads(d.heads)
	change := &Change{
		Actor:     d.actorID,
		Seq:       d.seq,
		Deps:      deps,
		Ops:       tx.ops,
		Timestamp: nowUnixNano(),
	}
	change.Hash = change.computeHash()

	for _, e := range tx.touched {
		e.writer.counter = d.counter
		e.writer.actor = d.actorID
		e.writer.hash = change.Hash
	}

	d.changes = append(d.changes, change)
	d.changesByHash[change.Hash] = change
	for _, dep := range deps {
		delete(d.heads, dep)
	}
	d.heads[change.Hash] = struct{}{}

	return tx.patches, nil
}

// GenerateSyncMessage builds the frame to send peerID: every change it
// isn't yet believed to know about, in log order. Returns ok=false when
// there is nothing new to say (no need to round-trip an empty frame).
func (d *Document) GenerateSyncMessage(peerID string) (*Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ps := d.peerFor(peerID)
	var pending []Change
	for _, c := range d.changes {
		if _, known := ps.theyHave[c.Hash]; !known {
			pending = append(pending, *c)
		}
	}
	if len(pending) == 0 {
		return nil, false
	}
	for _, c := range pending {
		ps.theyHave[c.Hash] = struct{}{}
	}
	return &Message{Changes: pending, SentHeads: sortedHeads(d.heads)}, true
}

// ReceiveSyncMessageWith applies an inbound sync frame and returns the
// patches produced. observer, if non-nil, is called once per applied
// change (hook point for storage append); it may be nil.
func (d *Document) ReceiveSyncMessageWith(peerID string, msg *Message, observer func(Change)) ([]Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ps := d.peerFor(peerID)
	var patches []Patch
	for i := range msg.Changes {
		c := msg.Changes[i]
		ps.theyHave[c.Hash] = struct{}{}
		if _, already := d.changesByHash[c.Hash]; already {
			continue
		}
		p, err := d.applyChange(&c, false)
		if err != nil {
			return patches, err
		}
		patches = append(patches, p...)
		if observer != nil {
			observer(c)
		}
	}
	return patches, nil
}

// ReceiveChanges applies raw change records without the sync-message
// handshake (the engine's fast path when it already knows what the peer
// is missing).
func (d *Document) ReceiveChanges(changes []Change) ([]Patch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var patches []Patch
	for i := range changes {
		c := changes[i]
		if _, already := d.changesByHash[c.Hash]; already {
			continue
		}
		p, err := d.applyChange(&c, false)
		if err != nil {
			return patches, err
		}
		patches = append(patches, p...)
	}
	return patches, nil
}

func (d *Document) peerFor(peerID string) *peerState {
	ps, ok := d.peers[peerID]
	if !ok {
		ps = &peerState{theyHave: map[string]struct{}{}}
		d.peers[peerID] = ps
	}
	return ps
}

// applyChange replays one change's ops onto the tree. fromLoad is true
// for every change Load replays (our own and received ones alike) and
// does not change how the ops are applied; conflict detection only triggers for foreign-authored changes writing
// a key another actor already owns, since within one actor's own causal
// chain writes never race.
func (d *Document) applyChange(c *Change, fromLoad bool) ([]Patch, error) {
	d.counter++
	w := writer{counter: d.counter, actor: c.Actor, hash: c.Hash}

	var patches []Patch
	for _, o := range c.Ops {
		p, err := d.applyOp(o, w, c.Actor)
		if err != nil {
			return patches, err
		}
		patches = append(patches, p)
	}

	d.changes = append(d.changes, c)
	d.changesByHash[c.Hash] = c
	for _, dep := range c.Deps {
		delete(d.heads, dep)
	}
	d.heads[c.Hash] = struct{}{}
	_ = fromLoad
	return patches, nil
}

func (d *Document) applyOp(o op, w writer, actor string) (Patch, error) {
	parentPath := o.Path
	obj, err := d.resolve(parentPath, true, w)
	if err != nil {
		return Patch{}, err
	}

	switch o.Action {
	case PatchPut:
		e := &entry{writer: w, value: o.Value}
		return d.setEntry(obj, parentPath, o.Key, e, PatchPut, w, actor)
	case PatchExpose:
		id := d.newObjID()
		d.objects[id] = &object{kind: o.ObjKind, m: map[string]*entry{}}
		e := &entry{writer: w, objRef: id}
		return d.setEntry(obj, parentPath, o.Key, e, PatchExpose, w, actor)
	case PatchDelete:
		existing := obj.m[o.Key]
		if existing != nil {
			existing.tombstone = true
			existing.writer = w
		}
		return Patch{Path: parentPath, Key: o.Key, Action: PatchDelete}, nil
	case PatchSplice:
		if obj.kind == KindList {
			applySplice(obj, o)
		}
		return Patch{Path: parentPath, Key: o.Key, Action: PatchSplice}, nil
	default:
		return Patch{Path: parentPath, Key: o.Key, Action: o.Action, Value: o.Value}, nil
	}
}

func (d *Document) setEntry(obj *object, path []string, key string, newEntry *entry, action PatchAction, w writer, actor string) (Patch, error) {
	old := obj.m[key]
	conflict := false
	if old != nil && (old.value != nil || old.objRef != "" || old.tombstone) && old.writer.actor != "" && old.writer.actor != actor {
		conflict = true
	}
	if old == nil || w.wins(old.writer) {
		if old != nil {
			newEntry.conflicts = append(newEntry.conflicts, *old)
			newEntry.conflicts = append(newEntry.conflicts, old.conflicts...)
		}
		obj.m[key] = newEntry
	} else {
		old.conflicts = append(old.conflicts, *newEntry)
	}
	value := newEntry.value
	if old != nil && !w.wins(old.writer) {
		value = old.value
	}
	return Patch{Path: path, Key: key, Action: action, Value: value, Conflict: conflict}, nil
}

func applySplice(obj *object, o op) {
	idx := o.Index
	if idx < 0 {
		idx = 0
	}
	if idx > len(obj.l) {
		idx = len(obj.l)
	}
	del := o.Delete
	if idx+del > len(obj.l) {
		del = len(obj.l) - idx
	}
	tail := append([]*entry{}, obj.l[idx+del:]...)
	obj.l = obj.l[:idx]
	for _, s := range o.Insert {
		obj.l = append(obj.l, &entry{value: s})
	}
	obj.l = append(obj.l, tail...)
}

// resolve walks path from root, auto-vivifying missing map containers
// as KindMap when ensure is true (schema init relies on this).
func (d *Document) resolve(path []string, ensure bool, w writer) (*object, error) {
	cur := d.objects[rootObjID]
	for _, seg := range path {
		e, ok := cur.m[seg]
		if !ok || e.objRef == "" {
			if !ensure {
				return nil, fmt.Errorf("crdt: path segment %q not found", seg)
			}
			id := d.newObjID()
			d.objects[id] = newMapObject()
			cur.m[seg] = &entry{writer: w, objRef: id}
			cur = d.objects[id]
			continue
		}
		cur = d.objects[e.objRef]
	}
	return cur, nil
}

func (d *Document) newObjID() ObjID {
	d.objSeq++
	return ObjID(fmt.Sprintf("%s.%d", d.actorID, d.objSeq))
}

func nowUnixNano() int64 { return time.Now().UnixNano() }
