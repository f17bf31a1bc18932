package document

import (
	"sort"

	"github.com/cuemby/dkvstore/pkg/codec"
	"github.com/cuemby/dkvstore/pkg/crdt"
)

// Store wires the CRDT document to the revision cache and exposes the
// four public transaction-layer operations (C4): put, delete_range,
// range, txn. Every operation runs inside exactly one crdt.Transact
// call, as required by §4.4.
type Store struct {
	Doc   *crdt.Document
	Cache *RevisionCache
}

func NewStore(doc *crdt.Document) *Store {
	return &Store{Doc: doc, Cache: NewRevisionCache()}
}

// --- range -------------------------------------------------------------

type RangeRequest struct {
	Key       []byte
	RangeEnd  []byte
	Revision  int64 // 0 means "current"
	Limit     int64
	CountOnly bool
}

type RangeResponse struct {
	KVs   []KeyValue
	Count int64
}

func (s *Store) Range(req RangeRequest) (RangeResponse, error) {
	var resp RangeResponse
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		resp = s.rangeTx(tx, req)
		return nil
	})
	return resp, err
}

func (s *Store) rangeTx(tx *crdt.Tx, req RangeRequest) RangeResponse {
	revision := req.Revision
	if revision == 0 {
		revision = currentRevision(tx)
	}

	var matched []string
	if len(req.RangeEnd) == 0 {
		if _, ok := tx.GetObject(PathKVs, string(req.Key)); ok {
			matched = []string{string(req.Key)}
		}
	} else {
		matched = tx.MapRange(PathKVs, string(req.Key), string(req.RangeEnd))
	}

	var kvs []KeyValue
	count := int64(0)
	for _, k := range matched {
		val, modRev, createRev, version, found := pointInTime(tx, k, revision)
		if !found {
			continue
		}
		count++
		if req.CountOnly {
			continue
		}
		if req.Limit > 0 && int64(len(kvs)) >= req.Limit {
			continue
		}
		kv := KeyValue{
			Key:            []byte(k),
			CreateRevision: createRev,
			ModRevision:    modRev,
			Version:        version,
		}
		if b, err := codec.Decode(val); err == nil {
			kv.Value = b
		}
		if leaseID, ok := tx.Get(keyObjectPath(k), keyLeaseID); ok {
			if li, ok := leaseID.(int64); ok {
				kv.Lease = li
			}
		}
		kvs = append(kvs, kv)
	}
	return RangeResponse{KVs: kvs, Count: count}
}

// CurrentRevision reads server.revision, the authoritative global
// counter, via a read-only transaction (seals no change).
func (s *Store) CurrentRevision() (int64, error) {
	var rev int64
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		rev = currentRevision(tx)
		return nil
	})
	return rev, err
}

// currentRevision reads server.revision, the authoritative global
// counter.
func currentRevision(tx *crdt.Tx) int64 {
	v, ok := tx.Get(PathServer, keyRevision)
	if !ok {
		return 0
	}
	rev, _ := v.(int64)
	return rev
}

// pointInTime finds the greatest revs entry at or before revision,
// returning the stored value (nil means tombstone), its mod revision,
// the key's create revision, and version (count of non-tombstone writes
// up to and including that revision). found is false if the key has no
// history at or before revision, or its value there is a tombstone.
// PointInTime exposes pointInTime for the patch interpreter, which needs
// the identical point-in-time read the range operation uses to compute
// prev_kv for remotely-applied mutations.
func PointInTime(tx *crdt.Tx, key string, revision int64) (value any, modRevision, createRevision, version int64, found bool) {
	return pointInTime(tx, key, revision)
}

func pointInTime(tx *crdt.Tx, key string, revision int64) (value any, modRevision, createRevision, version int64, found bool) {
	revKeys := tx.Keys(revsPath(key))
	if len(revKeys) == 0 {
		return nil, 0, 0, 0, false
	}
	sort.Strings(revKeys)
	parsed := make([]int64, 0, len(revKeys))
	for _, rk := range revKeys {
		r, err := parseRevString(rk)
		if err != nil {
			continue
		}
		parsed = append(parsed, r)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })

	createRevision = parsed[0]
	var best int64 = -1
	ver := int64(0)
	for _, r := range parsed {
		v, _ := tx.Get(revsPath(key), revString(r))
		if r <= revision {
			if v != nil {
				ver++
			}
			best = r
		}
	}
	if best == -1 {
		return nil, 0, createRevision, 0, false
	}
	v, _ := tx.Get(revsPath(key), revString(best))
	if v == nil {
		return nil, best, createRevision, ver, false
	}
	return v, best, createRevision, ver, true
}

// History reconstructs every watch-visible mutation for the matched
// range at or after startRevision, in revision order. Used by the watch
// bus's replay-before-live-stream contract (§4.5): cmd/dkvstore and
// internal/testcluster wrap it in a storeHistory adapter, which is the
// watch.History the bus is built with.
func (s *Store) History(key, rangeEnd []byte, startRevision int64) ([]WatchEvent, error) {
	var events []WatchEvent
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		var matched []string
		if len(rangeEnd) == 0 {
			if _, ok := tx.GetObject(PathKVs, string(key)); ok {
				matched = []string{string(key)}
			}
		} else {
			matched = tx.MapRange(PathKVs, string(key), string(rangeEnd))
		}
		for _, k := range matched {
			revKeys := tx.Keys(revsPath(k))
			if len(revKeys) == 0 {
				continue
			}
			sort.Strings(revKeys)
			parsed := make([]int64, 0, len(revKeys))
			for _, rk := range revKeys {
				r, err := parseRevString(rk)
				if err != nil {
					continue
				}
				parsed = append(parsed, r)
			}
			sort.Slice(parsed, func(i, j int) bool { return parsed[i] < parsed[j] })
			if len(parsed) == 0 {
				continue
			}
			createRev := parsed[0]
			var version int64
			var prevKV *KeyValue
			for _, r := range parsed {
				v, _ := tx.Get(revsPath(k), revString(r))
				isDelete := v == nil
				if !isDelete {
					version++
				}
				kv := KeyValue{Key: []byte(k), CreateRevision: createRev, ModRevision: r, Version: version}
				if !isDelete {
					if b, err := codec.Decode(v); err == nil {
						kv.Value = b
					}
				}
				if r >= startRevision {
					evType := EventPut
					if isDelete {
						evType = EventDelete
					}
					events = append(events, WatchEvent{Type: evType, KV: kv, PrevKV: prevKV})
				}
				if isDelete {
					prevKV = nil
				} else {
					pv := kv
					prevKV = &pv
				}
			}
		}
		return nil
	})
	sort.Slice(events, func(i, j int) bool { return events[i].KV.ModRevision < events[j].KV.ModRevision })
	return events, err
}

// --- put -----------------------------------------------------------------

type PutRequest struct {
	Key     []byte
	Value   []byte
	LeaseID int64
	PrevKV  bool
}

type PutResponse struct {
	PrevKV *KeyValue
}

func (s *Store) Put(req PutRequest) (PutResponse, []WatchEvent, error) {
	var resp PutResponse
	var events []WatchEvent
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		var rev int64
		r, ev := s.putTx(tx, &rev, req)
		resp = r
		events = append(events, ev)
		return nil
	})
	return resp, events, err
}

func (s *Store) putTx(tx *crdt.Tx, revPtr *int64, req PutRequest) (PutResponse, WatchEvent) {
	key := string(req.Key)
	tx.EnsureObject(PathKVs, key)
	tx.EnsureObject(keyObjectPath(key), keyRevs)

	if req.LeaseID != 0 {
		tx.Put(keyObjectPath(key), keyLeaseID, req.LeaseID)
		leaseKey := LeaseIDString(req.LeaseID)
		if _, ok := tx.GetObject(PathLeases, leaseKey); ok {
			tx.EnsureObject(leaseObjectPath(leaseKey), keyLeaseKeys)
			tx.Put(append(leaseObjectPath(leaseKey), keyLeaseKeys), key, true)
		}
		// Missing lease: lease_id is still written on the key and the
		// put proceeds; no binding is recorded and no warning is emitted.
	}

	var prevKV *KeyValue
	cur := currentRevision(tx)
	if val, modRev, createRev, version, found := pointInTime(tx, key, cur); found {
		if b, err := codec.Decode(val); err == nil {
			prevKV = &KeyValue{Key: req.Key, Value: b, CreateRevision: createRev, ModRevision: modRev, Version: version}
		}
	}

	rev := allocateRevision(tx, revPtr)
	tx.Put(revsPath(key), revString(rev), codec.Encode(req.Value))

	cr, ver, _ := RecomputeFromRevs(tx, key)
	s.Cache.Insert(key, cr, ver)

	kv := KeyValue{Key: req.Key, Value: req.Value, CreateRevision: cr, ModRevision: rev, Version: ver, Lease: req.LeaseID}
	var respPrev *KeyValue
	if req.PrevKV {
		respPrev = prevKV
	}
	return PutResponse{PrevKV: respPrev}, WatchEvent{Type: EventPut, KV: kv, PrevKV: prevKV}
}

func allocateRevision(tx *crdt.Tx, revPtr *int64) int64 {
	if *revPtr != 0 {
		return *revPtr
	}
	rev := currentRevision(tx) + 1
	tx.Put(PathServer, keyRevision, rev)
	*revPtr = rev
	return rev
}

// --- delete_range ----------------------------------------------------------

type DeleteRangeRequest struct {
	Key      []byte
	RangeEnd []byte
	PrevKV   bool
}

type DeleteRangeResponse struct {
	Deleted int64
	PrevKVs []KeyValue
}

func (s *Store) DeleteRange(req DeleteRangeRequest) (DeleteRangeResponse, []WatchEvent, error) {
	var resp DeleteRangeResponse
	var events []WatchEvent
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		var rev int64
		r, ev := s.deleteRangeTx(tx, &rev, req)
		resp = r
		events = ev
		return nil
	})
	return resp, events, err
}

func (s *Store) deleteRangeTx(tx *crdt.Tx, revPtr *int64, req DeleteRangeRequest) (DeleteRangeResponse, []WatchEvent) {
	var matched []string
	if len(req.RangeEnd) == 0 {
		if _, ok := tx.GetObject(PathKVs, string(req.Key)); ok {
			matched = []string{string(req.Key)}
		}
	} else {
		matched = tx.MapRange(PathKVs, string(req.Key), string(req.RangeEnd))
	}

	var resp DeleteRangeResponse
	var events []WatchEvent
	cur := currentRevision(tx)
	for _, key := range matched {
		val, modRev, createRev, version, found := pointInTime(tx, key, cur)
		if !found {
			continue
		}
		var prevKV *KeyValue
		if b, err := codec.Decode(val); err == nil {
			prevKV = &KeyValue{Key: []byte(key), Value: b, CreateRevision: createRev, ModRevision: modRev, Version: version}
		}

		rev := allocateRevision(tx, revPtr)
		tx.Put(revsPath(key), revString(rev), nil)
		s.Cache.Remove(key)

		resp.Deleted++
		if req.PrevKV && prevKV != nil {
			resp.PrevKVs = append(resp.PrevKVs, *prevKV)
		}
		events = append(events, WatchEvent{Type: EventDelete, KV: KeyValue{Key: []byte(key), ModRevision: rev, CreateRevision: createRev}, PrevKV: prevKV})
	}
	return resp, events
}

// --- txn -------------------------------------------------------------------

type CompareTarget int

const (
	TargetVersion CompareTarget = iota
	TargetCreateRevision
	TargetModRevision
	TargetValue
	TargetLease
)

type CompareOp int

const (
	OpLess CompareOp = iota
	OpEqual
	OpGreater
	OpNotEqual
)

type Compare struct {
	Key    []byte
	Target CompareTarget
	Op     CompareOp
	Int    int64
	Bytes  []byte
}

type TxnOp struct {
	Range       *RangeRequest
	Put         *PutRequest
	DeleteRange *DeleteRangeRequest
	Txn         *TxnRequest
}

type TxnOpResponse struct {
	Range       *RangeResponse
	Put         *PutResponse
	DeleteRange *DeleteRangeResponse
	Txn         *TxnResponse
}

type TxnRequest struct {
	Compare []Compare
	Success []TxnOp
	Failure []TxnOp
}

type TxnResponse struct {
	Succeeded bool
	Responses []TxnOpResponse
}

func (s *Store) Txn(req TxnRequest) (TxnResponse, []WatchEvent, error) {
	var resp TxnResponse
	var events []WatchEvent
	_, err := s.Doc.Transact(func(tx *crdt.Tx) error {
		var rev int64
		r, ev := s.txnTx(tx, &rev, req)
		resp = r
		events = ev
		return nil
	})
	return resp, events, err
}

func (s *Store) txnTx(tx *crdt.Tx, revPtr *int64, req TxnRequest) (TxnResponse, []WatchEvent) {
	ok := true
	for _, c := range req.Compare {
		if !s.evalCompare(tx, c) {
			ok = false
			break
		}
	}
	branch := req.Success
	if !ok {
		branch = req.Failure
	}

	var responses []TxnOpResponse
	var events []WatchEvent
	for _, inner := range branch {
		switch {
		case inner.Range != nil:
			r := s.rangeTx(tx, *inner.Range)
			responses = append(responses, TxnOpResponse{Range: &r})
		case inner.Put != nil:
			r, ev := s.putTx(tx, revPtr, *inner.Put)
			responses = append(responses, TxnOpResponse{Put: &r})
			events = append(events, ev)
		case inner.DeleteRange != nil:
			r, ev := s.deleteRangeTx(tx, revPtr, *inner.DeleteRange)
			responses = append(responses, TxnOpResponse{DeleteRange: &r})
			events = append(events, ev...)
		case inner.Txn != nil:
			r, ev := s.txnTx(tx, revPtr, *inner.Txn)
			responses = append(responses, TxnOpResponse{Txn: &r})
			events = append(events, ev...)
		}
	}
	return TxnResponse{Succeeded: ok, Responses: responses}, events
}

func (s *Store) evalCompare(tx *crdt.Tx, c Compare) bool {
	key := string(c.Key)
	cur := currentRevision(tx)
	val, modRev, createRev, version, found := pointInTime(tx, key, cur)

	var lhsInt int64
	var lhsBytes []byte
	switch c.Target {
	case TargetVersion:
		lhsInt = version
	case TargetCreateRevision:
		lhsInt = createRev
	case TargetModRevision:
		lhsInt = modRev
	case TargetLease:
		if l, ok := tx.Get(keyObjectPath(key), keyLeaseID); ok {
			lhsInt, _ = l.(int64)
		}
	case TargetValue:
		if found {
			lhsBytes, _ = codec.Decode(val)
		}
	}
	if !found && c.Target != TargetValue {
		lhsInt = 0
	}

	switch c.Target {
	case TargetValue:
		return compareBytes(lhsBytes, c.Bytes, c.Op)
	default:
		return compareInt(lhsInt, c.Int, c.Op)
	}
}

func compareInt(lhs, rhs int64, op CompareOp) bool {
	switch op {
	case OpLess:
		return lhs < rhs
	case OpEqual:
		return lhs == rhs
	case OpGreater:
		return lhs > rhs
	case OpNotEqual:
		return lhs != rhs
	default:
		return false
	}
}

func compareBytes(lhs, rhs []byte, op CompareOp) bool {
	c := 0
	switch {
	case string(lhs) < string(rhs):
		c = -1
	case string(lhs) > string(rhs):
		c = 1
	}
	switch op {
	case OpLess:
		return c < 0
	case OpEqual:
		return c == 0
	case OpGreater:
		return c > 0
	case OpNotEqual:
		return c != 0
	default:
		return false
	}
}
