// Package patch implements the patch interpreter (C10): translating the
// CRDT primitive's post-merge patch stream into watch events and
// running conflict repair (deep merge), per §4.10.
package patch

import (
	"github.com/cuemby/dkvstore/pkg/codec"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/watch"
	"github.com/rs/zerolog"
)

// Interpreter wires the patch stream produced by applying a remote sync
// message to the watch bus and the membership subsystem.
type Interpreter struct {
	store  *document.Store
	bus    *watch.Bus
	member *membership.Manager
	log    zerolog.Logger
}

func NewInterpreter(store *document.Store, bus *watch.Bus, member *membership.Manager, log zerolog.Logger) *Interpreter {
	return &Interpreter{store: store, bus: bus, member: member, log: log.With().Str("component", "patch").Logger()}
}

// Apply walks patches produced by crdt.Document.ReceiveSyncMessageWith /
// ReceiveChanges and emits the corresponding watch events, running deep
// merge first whenever a patch reports a structural conflict.
func (it *Interpreter) Apply(patches []crdt.Patch) {
	for _, p := range patches {
		switch {
		case isKVTopLevel(p) && p.Action == crdt.PatchExpose:
			if p.Conflict {
				it.deepMerge(p.Key)
			}
			// Object creation itself has no user-visible watch
			// semantics (§4.10 bullet 3): the Put on revs that follows
			// in the same change carries the event.
		case isKVRevs(p) && p.Action == crdt.PatchPut:
			it.emitKVEvent(p)
		case isKVTopLevel(p) && p.Action == crdt.PatchDelete:
			it.emitKVDelete(p)
		case isMembersPath(p.Path):
			if it.member != nil {
				if err := it.member.ObserveSelf(); err != nil {
					it.log.Warn().Err(err).Msg("observe self failed")
				}
			}
		default:
			// Increment, Insert, Splice: no user-visible semantics.
		}
	}
}

func isKVTopLevel(p crdt.Patch) bool {
	return len(p.Path) == 1 && p.Path[0] == "kvs"
}

func isKVRevs(p crdt.Patch) bool {
	return len(p.Path) == 3 && p.Path[0] == "kvs" && p.Path[2] == "revs"
}

func isMembersPath(path []string) bool {
	return len(path) >= 1 && path[0] == "members"
}

// emitKVEvent handles a Put on kvs/<key>/revs: determines Put vs Delete
// by inspecting the value just written (nil means tombstone), computes
// prev_kv from revision-1, and publishes via the watch bus.
func (it *Interpreter) emitKVEvent(p crdt.Patch) {
	key := p.Path[1]
	rev, err := document.ParseRevisionKey(p.Key)
	if err != nil {
		it.log.Warn().Str("key", key).Msg("unparseable revision in patch")
		return
	}

	var ev watch.Event
	_, _ = it.store.Doc.Transact(func(tx *crdt.Tx) error {
		val, _ := tx.Get([]string{"kvs", key, "revs"}, p.Key)
		cr, ver, _ := document.RecomputeFromRevs(tx, key)
		if val == nil {
			ev = watch.Event{
				Type: document.EventDelete,
				KV:   document.KeyValue{Key: []byte(key), ModRevision: rev, CreateRevision: cr},
			}
		} else {
			b, _ := codec.Decode(val)
			kv := document.KeyValue{Key: []byte(key), Value: b, CreateRevision: cr, ModRevision: rev, Version: ver}
			if l, ok := tx.Get([]string{"kvs", key}, "lease_id"); ok {
				if li, ok := l.(int64); ok {
					kv.Lease = li
				}
			}
			ev = watch.Event{Type: document.EventPut, KV: kv}
		}
		if rev > 1 {
			if pv, _, pcr, pver, found := document.PointInTime(tx, key, rev-1); found {
				pb, _ := codec.Decode(pv)
				prev := document.KeyValue{Key: []byte(key), Value: pb, CreateRevision: pcr, ModRevision: rev - 1, Version: pver}
				ev.PrevKV = &prev
			}
		}
		return nil
	})
	it.bus.Publish(ev)
}

func (it *Interpreter) emitKVDelete(p crdt.Patch) {
	key := p.Key
	it.bus.Publish(watch.Event{
		Type: document.EventDelete,
		KV:   document.KeyValue{Key: []byte(key)},
	})
}

// deepMerge re-attaches every losing key-object's revs entries into the
// winner's revs, as a compensating transaction committed in the same
// actor turn as the sync message that produced the conflict (§9).
func (it *Interpreter) deepMerge(key string) {
	_, err := it.store.Doc.Transact(func(tx *crdt.Tx) error {
		winnerRevsPath := []string{"kvs", key, "revs"}
		have := map[string]bool{}
		for _, rk := range tx.Keys(winnerRevsPath) {
			have[rk] = true
		}
		all := tx.GetAll([]string{"kvs"}, key)
		if len(all) < 2 {
			return nil
		}
		for _, loser := range all[1:] {
			if loser.ObjRef == "" {
				continue
			}
			revsRef, ok := tx.GetObjectOf(loser.ObjRef, "revs")
			if !ok {
				continue
			}
			for _, rk := range tx.KeysOf(revsRef) {
				if have[rk] {
					continue
				}
				if v, ok := tx.GetOf(revsRef, rk); ok {
					tx.Put(winnerRevsPath, rk, v)
					have[rk] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		it.log.Warn().Err(err).Str("key", key).Msg("deep merge failed")
		return
	}
	cr, ver, _ := func() (int64, int64, bool) {
		var cr, ver int64
		var ok bool
		_, _ = it.store.Doc.Transact(func(tx *crdt.Tx) error {
			cr, ver, ok = document.RecomputeFromRevs(tx, key)
			return nil
		})
		return cr, ver, ok
	}()
	it.store.Cache.Insert(key, cr, ver)
	it.log.Debug().Str("key", key).Msg("deep merge reattached concurrent history")
}

