// Package actor implements the document actor (C6): a single logical
// thread that owns the persistent CRDT, serializing every mutation
// through one inbox and releasing replies only after the next durable
// flush, per §4.6. Grounded on the teacher's pkg/metrics collector
// shape for instrumentation (one counter/histogram per message kind,
// sampled the way metrics_collector.go samples manager-side gauges).
package actor

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/lease"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/metrics"
	"github.com/cuemby/dkvstore/pkg/patch"
	"github.com/cuemby/dkvstore/pkg/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// flushInterval is the periodic flush cadence from §4.6 ("a periodic
// flush fires every ~10ms").
const flushInterval = 10 * time.Millisecond

// leaseSweepInterval is how often the actor checks for TTL-expired
// leases (C7): independent of the flush cadence since expiry is driven
// by wall-clock time, not local write activity.
const leaseSweepInterval = time.Second

// Persister is the durability boundary the actor flushes through;
// satisfied by *storage.BoltStore.
type Persister interface {
	AppendChanges([]crdt.Change) error
	Sizes() (changes, document, syncStates int64, err error)
}

// Stats is the snapshot refreshed on every flush (§4.6 "Stats()
// snapshot"); cmd/dkvstore's metrics collector samples it.
type Stats struct {
	QueueDepth        int
	LastFlushDuration time.Duration
	Revision          int64
	ChangeCount       int
}

// Actor is the single-threaded owner of one node's CRDT document.
type Actor struct {
	store   *document.Store
	bus     *watch.Bus
	leases  *lease.Manager
	members *membership.Manager
	interp  *patch.Interpreter
	persist Persister
	log     zerolog.Logger

	clusterID uint64
	memberID  uint64

	inbox        chan func()
	stopCh       chan struct{}
	wg           sync.WaitGroup
	lastFlushSeq int

	changeNotify chan struct{}

	statsMu sync.Mutex
	stats   Stats

	metrics *Metrics
}

// Deps bundles everything the actor wires together; one instance per
// node.
type Deps struct {
	Store     *document.Store
	Bus       *watch.Bus
	Leases    *lease.Manager
	Members   *membership.Manager
	Interp    *patch.Interpreter
	Persist   Persister
	Log       zerolog.Logger
	ClusterID uint64
	MemberID  uint64
}

func New(d Deps) *Actor {
	a := &Actor{
		store:        d.Store,
		bus:          d.Bus,
		leases:       d.Leases,
		members:      d.Members,
		interp:       d.Interp,
		persist:      d.Persist,
		log:          d.Log.With().Str("component", "actor").Logger(),
		clusterID:    d.ClusterID,
		memberID:     d.MemberID,
		inbox:        make(chan func(), 256),
		stopCh:       make(chan struct{}),
		changeNotify: make(chan struct{}, 1),
		metrics:      newMetrics(),
	}
	return a
}

// Run starts the actor's single-threaded message loop. Call once; Stop
// shuts it down.
func (a *Actor) Run() {
	a.wg.Add(1)
	go a.loop()
}

func (a *Actor) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Actor) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(leaseSweepInterval)
	defer sweepTicker.Stop()
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-ticker.C:
			a.flush()
		case <-sweepTicker.C:
			a.sweepExpiredLeases()
		case <-a.stopCh:
			a.flush()
			return
		}
	}
}

// sweepExpiredLeases runs directly on the actor goroutine (unlike the
// public Put/Delete/... messages, it has no caller waiting on a reply,
// so it skips submit()'s queueing and removes each expired lease's
// bound keys inline before the next flush).
func (a *Actor) sweepExpiredLeases() {
	expired := a.leases.ExpiredLeases(time.Now())
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		removed, err := a.leases.RemoveLease(id)
		if err != nil {
			a.log.Error().Err(err).Int64("lease_id", id).Msg("expire lease")
			continue
		}
		for _, k := range removed {
			a.store.Cache.Remove(k)
			a.bus.Publish(watch.Event{Type: document.EventDelete, KV: document.KeyValue{Key: []byte(k)}})
		}
		if len(removed) > 0 {
			a.signalChange()
		}
		metrics.LeaseExpirationsTotal.Inc()
	}
	a.flush()
}

// submit enqueues fn to run on the actor's single goroutine and blocks
// until it has run, recording queue-wait/processing-time for kind.
func (a *Actor) submit(kind string, fn func()) {
	enqueued := time.Now()
	done := make(chan struct{})
	a.inbox <- func() {
		a.metrics.queueWait.WithLabelValues(kind).Observe(time.Since(enqueued).Seconds())
		start := time.Now()
		fn()
		a.metrics.processingTime.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		a.metrics.messages.WithLabelValues(kind).Inc()
		close(done)
	}
	<-done
}

// flush persists every change sealed since the last flush. Because the
// actor is single-threaded and every mutating message flushes inline
// before its submit() call returns, "register on the flush waitlist,
// deliver after the next flush" (§4.6 steps 4-5) collapses to "flush
// before returning" — there is never more than one reply waiting on a
// given flush. A no-op when nothing new was sealed.
func (a *Actor) flush() {
	start := time.Now()
	all := a.store.Doc.Changes()
	if len(all) > a.lastFlushSeq {
		pending := all[a.lastFlushSeq:]
		if err := a.persist.AppendChanges(pending); err != nil {
			a.log.Error().Err(err).Msg("flush failed")
		} else {
			a.lastFlushSeq = len(all)
		}
	}
	dur := time.Since(start)
	a.metrics.flushDuration.Observe(dur.Seconds())

	rev, _ := a.store.CurrentRevision()
	a.statsMu.Lock()
	a.stats = Stats{
		QueueDepth:        len(a.inbox),
		LastFlushDuration: dur,
		Revision:          rev,
		ChangeCount:       len(all),
	}
	a.statsMu.Unlock()
}

// signalChange notifies the peer-sync engine that new local changes
// exist (§4.6 step 3); non-blocking, capacity-1 channel — a pending
// signal already covers the next trigger.
func (a *Actor) signalChange() {
	select {
	case a.changeNotify <- struct{}{}:
	default:
	}
}

// ChangeNotifications is the peer-sync engine's trigger source.
func (a *Actor) ChangeNotifications() <-chan struct{} {
	return a.changeNotify
}

func (a *Actor) publishAll(events []document.WatchEvent) {
	for _, ev := range events {
		a.bus.Publish(watch.Event{Type: ev.Type, KV: ev.KV, PrevKV: ev.PrevKV})
	}
}

func (a *Actor) Header() document.Header {
	rev, _ := a.store.CurrentRevision()
	return document.Header{ClusterID: a.clusterID, MemberID: a.memberID, Revision: rev}
}

// --- read-only messages: no flush gating required --------------------

func (a *Actor) Range(req document.RangeRequest) (document.RangeResponse, document.Header, error) {
	var resp document.RangeResponse
	var err error
	a.submit("range", func() {
		resp, err = a.store.Range(req)
	})
	return resp, a.Header(), err
}

func (a *Actor) GetHeader() document.Header {
	var h document.Header
	a.submit("get_header", func() {
		h = a.Header()
	})
	return h
}

func (a *Actor) ListMembers() ([]membership.Member, error) {
	var members []membership.Member
	var err error
	a.submit("list_members", func() {
		members, err = a.members.ListMembers()
	})
	return members, err
}

func (a *Actor) GenerateSyncMessage(peerID string) (*crdt.Message, bool) {
	var msg *crdt.Message
	var ok bool
	a.submit("generate_sync_message", func() {
		msg, ok = a.store.Doc.GenerateSyncMessage(peerID)
	})
	return msg, ok
}

func (a *Actor) DbSize() (changes, doc, syncStates int64, err error) {
	a.submit("db_size", func() {
		a.flushLocked()
		changes, doc, syncStates, err = a.persist.Sizes()
	})
	return changes, doc, syncStates, err
}

// Flush forces an out-of-band flush (e.g. from an operator endpoint or
// graceful-shutdown path).
func (a *Actor) Flush() {
	a.submit("flush", func() {
		a.flushLocked()
	})
}

// flushLocked runs a synchronous flush from within an already-submitted
// closure (the actor's own goroutine), without going through the gate
// machinery — used by read paths that want fresh durable state without
// waiting on a reply gate of their own.
func (a *Actor) flushLocked() {
	a.flush()
}

// Health round-trips a no-op through the inbox, verifying the actor is
// live and not stuck behind a slow CRDT operation (§4.6).
func (a *Actor) Health(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case a.inbox <- func() { close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.stats
}

// RegisterMetrics adds the actor's per-message-kind instrumentation to
// reg; callers wire this to prometheus.DefaultRegisterer once per
// process alongside the package-level metrics in pkg/metrics.
func (a *Actor) RegisterMetrics(reg prometheus.Registerer) {
	a.metrics.Register(reg)
}

// History runs document.Store's replay reconstruction on the actor
// goroutine and returns it as watch events (§4.5). Its name differs from
// watch.History's Replay method, so *Actor does not satisfy that
// interface; the bus is built with a storeHistory adapter instead.
func (a *Actor) History(start, end []byte, startRevision int64) ([]watch.Event, error) {
	var out []watch.Event
	var err error
	a.submit("watch_replay", func() {
		var events []document.WatchEvent
		events, err = a.store.History(start, end, startRevision)
		for _, ev := range events {
			out = append(out, watch.Event{Type: ev.Type, KV: ev.KV, PrevKV: ev.PrevKV})
		}
	})
	return out, err
}

// --- mutating messages: auto-flush, gated reply -----------------------

func (a *Actor) Put(req document.PutRequest) (document.PutResponse, document.Header, error) {
	var resp document.PutResponse
	var err error
	a.submit("put", func() {
		var events []document.WatchEvent
		resp, events, err = a.store.Put(req)
		if err == nil {
			a.publishAll(events)
			a.signalChange()
		}
		a.flush()
	})
	return resp, a.Header(), err
}

func (a *Actor) Delete(req document.DeleteRangeRequest) (document.DeleteRangeResponse, document.Header, error) {
	var resp document.DeleteRangeResponse
	var err error
	a.submit("delete_range", func() {
		var events []document.WatchEvent
		resp, events, err = a.store.DeleteRange(req)
		if err == nil {
			a.publishAll(events)
			a.signalChange()
		}
		a.flush()
	})
	return resp, a.Header(), err
}

func (a *Actor) Txn(req document.TxnRequest) (document.TxnResponse, document.Header, error) {
	var resp document.TxnResponse
	var err error
	a.submit("txn", func() {
		var events []document.WatchEvent
		resp, events, err = a.store.Txn(req)
		if err == nil {
			a.publishAll(events)
			a.signalChange()
		}
		a.flush()
	})
	return resp, a.Header(), err
}

func (a *Actor) AddMember(idStr string, peerURLs, clientURLs []string, name string) (document.Header, error) {
	var err error
	a.submit("add_member", func() {
		err = a.members.AddMember(idStr, peerURLs, clientURLs, name)
		if err == nil {
			a.signalChange()
		}
		a.flush()
	})
	return a.Header(), err
}

func (a *Actor) AddLease(id, ttlSecs int64, now time.Time) (int64, int64, document.Header, error) {
	var leaseID, ttl int64
	var err error
	a.submit("add_lease", func() {
		leaseID, ttl, err = a.leases.AddLease(id, ttlSecs, now)
		if err == nil {
			a.signalChange()
		}
		a.flush()
	})
	return leaseID, ttl, a.Header(), err
}

func (a *Actor) RefreshLease(id int64, now time.Time) (int64, document.Header) {
	var ttl int64
	a.submit("refresh_lease", func() {
		ttl = a.leases.RefreshLease(id, now)
		if ttl > 0 {
			a.signalChange()
		} else {
			a.log.Warn().Int64("lease_id", id).Msg("refresh of missing lease")
		}
		a.flush()
	})
	return ttl, a.Header()
}

func (a *Actor) RemoveLease(id int64) (document.Header, error) {
	var err error
	a.submit("remove_lease", func() {
		var removed []string
		removed, err = a.leases.RemoveLease(id)
		if err == nil {
			for _, k := range removed {
				a.store.Cache.Remove(k)
				a.bus.Publish(watch.Event{Type: document.EventDelete, KV: document.KeyValue{Key: []byte(k)}})
			}
			if len(removed) > 0 {
				a.signalChange()
			}
		}
		a.flush()
	})
	return a.Header(), err
}

func (a *Actor) ReceiveSyncMessage(peerID string, msg *crdt.Message) error {
	var err error
	var patches []crdt.Patch
	a.submit("receive_sync_message", func() {
		a.flush()
		patches, err = a.store.Doc.ReceiveSyncMessageWith(peerID, msg, nil)
		a.flush()
		if err == nil && len(patches) > 0 {
			a.interp.Apply(patches)
			a.signalChange()
		}
		a.flush()
	})
	return err
}

func (a *Actor) ReceiveChanges(changes []crdt.Change) error {
	var err error
	var patches []crdt.Patch
	a.submit("receive_changes", func() {
		a.flush()
		patches, err = a.store.Doc.ReceiveChanges(changes)
		a.flush()
		if err == nil && len(patches) > 0 {
			a.interp.Apply(patches)
			a.signalChange()
		}
		a.flush()
	})
	return err
}
