// Package lease implements the lease manager (C7): TTL-bound key
// groupings backed by the CRDT document, plus a local table timing
// expiry. State machine: Active -> Refreshed (loops to Active) ->
// Expired/Revoked (terminal, soft-null).
package lease

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/cuemby/dkvstore/pkg/apperrors"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
)

const DefaultTTLSecs = 30

// Manager owns the authoritative lease records in the CRDT plus a
// local timing table; the CRDT is the source of truth on restart, the
// timing table only drives wakeups.
type Manager struct {
	store *document.Store

	mu      sync.Mutex
	expires map[int64]time.Time
}

func NewManager(store *document.Store) *Manager {
	return &Manager{store: store, expires: map[int64]time.Time{}}
}

func randomID() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return 0, err
	}
	id := n.Int64()
	if id <= 0 {
		id = 1
	}
	return id, nil
}

// AddLease grants a lease. If id is 0, a random positive 64-bit id is
// generated; an explicit collision is a hard error (never a silent
// overwrite — §9 "random identifier generation").
func (m *Manager) AddLease(id, ttlSecs int64, now time.Time) (int64, int64, error) {
	if ttlSecs <= 0 {
		ttlSecs = DefaultTTLSecs
	}
	if id == 0 {
		for {
			candidate, err := randomID()
			if err != nil {
				return 0, 0, apperrors.Wrap(apperrors.Persistence, "generate lease id", err)
			}
			if !m.exists(candidate) {
				id = candidate
				break
			}
		}
	} else if m.exists(id) {
		return 0, 0, apperrors.New(apperrors.LeaseAlreadyExists, document.LeaseIDString(id))
	}

	leaseKey := document.LeaseIDString(id)
	_, err := m.store.Doc.Transact(func(tx *crdt.Tx) error {
		leasePath := []string{"leases"}
		tx.EnsureObject(leasePath, leaseKey)
		obj := append(append([]string{}, leasePath...), leaseKey)
		tx.Put(obj, "ttl_secs", ttlSecs)
		tx.Put(obj, "last_refresh_secs", now.Unix())
		tx.EnsureObject(obj, "keys")
		return nil
	})
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.Persistence, "add lease", err)
	}

	m.mu.Lock()
	m.expires[id] = now.Add(time.Duration(ttlSecs) * time.Second)
	m.mu.Unlock()
	return id, ttlSecs, nil
}

func (m *Manager) exists(id int64) bool {
	leaseKey := document.LeaseIDString(id)
	found := false
	_, _ = m.store.Doc.Transact(func(tx *crdt.Tx) error {
		_, found = tx.GetObject([]string{"leases"}, leaseKey)
		return nil
	})
	return found
}

// RefreshLease updates last_refresh_secs and returns the lease's ttl, or
// 0 if the lease is absent (logged by the caller, not a hard error).
func (m *Manager) RefreshLease(id int64, now time.Time) int64 {
	leaseKey := document.LeaseIDString(id)
	var ttl int64
	_, _ = m.store.Doc.Transact(func(tx *crdt.Tx) error {
		obj := []string{"leases", leaseKey}
		if _, ok := tx.GetObject([]string{"leases"}, leaseKey); !ok {
			return nil
		}
		if v, ok := tx.Get(obj, "ttl_secs"); ok {
			ttl, _ = v.(int64)
		}
		tx.Put(obj, "last_refresh_secs", now.Unix())
		return nil
	})
	if ttl > 0 {
		m.mu.Lock()
		m.expires[id] = now.Add(time.Duration(ttl) * time.Second)
		m.mu.Unlock()
	}
	return ttl
}

// RemoveLease enumerates the lease's bound keys, deletes them all in a
// single transaction sharing one revision, then soft-deletes the lease
// slot. This fixes the FIXME noted in §9: the source deleted each
// key in its own revision; here every deletion from one RemoveLease call
// shares the revision that removal allocates.
func (m *Manager) RemoveLease(id int64) ([]string, error) {
	leaseKey := document.LeaseIDString(id)
	var removedKeys []string
	_, err := m.store.Doc.Transact(func(tx *crdt.Tx) error {
		obj := []string{"leases", leaseKey}
		keys := tx.Keys(append(append([]string{}, obj...), "keys"))
		var rev int64
		for _, k := range keys {
			if _, ok := tx.GetObject([]string{"kvs"}, k); !ok {
				continue
			}
			revsPath := []string{"kvs", k, "revs"}
			if len(tx.Keys(revsPath)) == 0 {
				continue
			}
			if rev == 0 {
				if v, ok := tx.Get([]string{"server"}, "revision"); ok {
					cur, _ := v.(int64)
					rev = cur + 1
					tx.Put([]string{"server"}, "revision", rev)
				} else {
					rev = 1
					tx.Put([]string{"server"}, "revision", rev)
				}
			}
			tx.Put(revsPath, document.RevisionString(rev), nil)
			removedKeys = append(removedKeys, k)
		}
		tx.Delete([]string{"leases"}, leaseKey)
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Persistence, "remove lease", err)
	}
	m.mu.Lock()
	delete(m.expires, id)
	m.mu.Unlock()
	return removedKeys, nil
}

// NextExpiry returns the earliest (id, deadline) pair the expiry task
// should wake for, or ok=false if no leases are outstanding.
func (m *Manager) NextExpiry() (id int64, deadline time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := true
	for leaseID, exp := range m.expires {
		if first || exp.Before(deadline) {
			deadline = exp
			id = leaseID
			first = false
		}
	}
	return id, deadline, !first
}

// ExpiredLeases returns ids whose deadline has passed at `now`.
func (m *Manager) ExpiredLeases(now time.Time) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, exp := range m.expires {
		if !exp.After(now) {
			out = append(out, id)
		}
	}
	return out
}
