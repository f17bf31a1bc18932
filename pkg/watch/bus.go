// Package watch implements the watch bus (C5): fan-out of logical
// change events to range-filtered subscribers, with historical replay
// and idempotent cancellation. Grounded on the teacher's pkg/events
// broadcast-to-subscribers shape, generalised with range filters,
// prev_kv, and start-revision replay.
package watch

import (
	"sync"

	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/metrics"
)

// CancelCause records why a subscription ended.
type CancelCause string

const (
	CancelRequested    CancelCause = "requested"
	CancelSlowConsumer CancelCause = "slow consumer"
)

// Event is delivered to a subscriber's channel.
type Event struct {
	Type   document.EventType
	KV     document.KeyValue
	PrevKV *document.KeyValue
}

// History supplies replay: the bus asks it for every committed event
// since a start revision (inclusive) for a given range. cmd/dkvstore and
// internal/testcluster implement it with an adapter over
// document.Store.History, which replays revs history; tests can fake it.
type History interface {
	Replay(start []byte, end []byte, startRevision int64) ([]Event, error)
}

const subscriberBuffer = 256

// Subscription is a live watch registration.
type Subscription struct {
	ID       uint64
	Key      []byte
	RangeEnd []byte
	PrevKV   bool
	NoPut    bool
	NoDelete bool

	Events chan Event
	Cancel chan CancelCause

	bus      *Bus
	mu       sync.Mutex
	canceled bool
}

// Done closes the event channel and marks the subscription canceled.
// Idempotent, matching §4.5's cancellation guarantee.
func (s *Subscription) done(cause CancelCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	select {
	case s.Cancel <- cause:
	default:
	}
	close(s.Cancel)
	close(s.Events)
}

// inRange reports whether key falls in this subscription's range.
func (s *Subscription) inRange(key []byte) bool {
	if len(s.RangeEnd) == 0 {
		return string(key) == string(s.Key)
	}
	return string(key) >= string(s.Key) && string(key) < string(s.RangeEnd)
}

// Bus owns the subscriber table. Registration and cancellation are
// O(#subscribers), guarded by a short critical section (§5).
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*Subscription
	history History
}

func NewBus(history History) *Bus {
	return &Bus{subs: map[uint64]*Subscription{}, history: history}
}

// Subscribe registers a watch and, if startRevision is set and at or
// before the current revision, replays history before returning — the
// caller should not read from Events until after Subscribe returns, so
// replay always precedes the live stream.
func (b *Bus) Subscribe(key, rangeEnd []byte, prevKV, noPut, noDelete bool, startRevision int64) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		ID:       b.nextID,
		Key:      append([]byte{}, key...),
		RangeEnd: append([]byte{}, rangeEnd...),
		PrevKV:   prevKV,
		NoPut:    noPut,
		NoDelete: noDelete,
		Events:   make(chan Event, subscriberBuffer),
		Cancel:   make(chan CancelCause, 1),
		bus:      b,
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	metrics.WatchSubscriptionsActive.Inc()

	if startRevision > 0 && b.history != nil {
		events, err := b.history.Replay(key, rangeEnd, startRevision)
		if err == nil {
			for _, ev := range events {
				b.deliverOne(sub, ev)
			}
		}
	}
	return sub
}

// CancelWatch unregisters a subscription. Idempotent: calling it twice,
// or after a slow-consumer force-cancel already fired, is a no-op.
func (b *Bus) CancelWatch(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		metrics.WatchSubscriptionsActive.Dec()
		sub.done(CancelRequested)
	}
}

// Publish fans a committed event out to every matching subscriber, at
// least once each, in the order Publish is called (which is revision /
// causal order as long as callers publish in that order).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.inRange(ev.KV.Key) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if ev.Type == document.EventPut && sub.NoPut {
			continue
		}
		if ev.Type == document.EventDelete && sub.NoDelete {
			continue
		}
		out := ev
		if !sub.PrevKV {
			out.PrevKV = nil
		}
		b.deliverOne(sub, out)
	}
}

// deliverOne pushes synchronously; a full channel marks the subscriber
// slow and force-cancels it rather than blocking the publisher.
func (b *Bus) deliverOne(sub *Subscription, ev Event) {
	select {
	case sub.Events <- ev:
		metrics.WatchFanOutTotal.WithLabelValues("ok").Inc()
	default:
		b.mu.Lock()
		delete(b.subs, sub.ID)
		b.mu.Unlock()
		metrics.WatchSubscriptionsActive.Dec()
		metrics.WatchFanOutTotal.WithLabelValues("slow_consumer").Inc()
		sub.done(CancelSlowConsumer)
	}
}

// Count returns the number of live subscriptions (for metrics/Stats).
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
