// Package storage persists the CRDT change log and sync bookkeeping to
// a local bbolt file, grounded on the teacher's pkg/storage/boltdb.go
// (same "one file, a handful of top-level buckets" shape), adapted from
// per-entity-type buckets (nodes/services/tasks/...) to the three
// buckets §6 "Persistent storage" names: changes, document, sync_states.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/dkvstore/pkg/apperrors"
	"github.com/cuemby/dkvstore/pkg/crdt"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketChanges    = []byte("changes")
	bucketDocument   = []byte("document")
	bucketSyncStates = []byte("sync_states")
)

const (
	documentSnapshotKey = "snapshot"
	caDataKey           = "ca_authority"
	selfIDKey           = "self_member_id"
)

// BoltStore is the durable half of the document actor: every sealed
// CRDT Change is appended under a sequence key. The sync_states bucket
// and SavePeerState/LoadPeerState hold per-peer sync bookkeeping, but
// nothing in the peer-sync engine calls them; its per-peer "already
// sent" state lives only in pkg/crdt's in-memory document.
type BoltStore struct {
	db *bolt.DB
}

func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Persistence, "open bolt store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChanges, bucketDocument, bucketSyncStates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.Persistence, "init bolt buckets", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// AppendChanges writes each change under a monotonically increasing
// sequence key so ReadDocument can replay them back in seal order.
func (s *BoltStore) AppendChanges(changes []crdt.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		for _, c := range changes {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadDocument replays every persisted change in seal order, for
// rebuilding the in-memory CRDT document on startup.
func (s *BoltStore) ReadDocument() ([]crdt.Change, error) {
	var out []crdt.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		return b.ForEach(func(_, v []byte) error {
			var c crdt.Change
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Persistence, "read document", err)
	}
	return out, nil
}

// SavePeerState stashes the peer-sync engine's last-sent bookkeeping
// for one peer, so a restart resumes rather than re-sending history
// the peer already acknowledged.
func (s *BoltStore) SavePeerState(peerID string, state []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncStates).Put([]byte(peerID), state)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "save peer state", err)
	}
	return nil
}

func (s *BoltStore) LoadPeerState(peerID string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSyncStates).Get([]byte(peerID))
		if v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.Persistence, "load peer state", err)
	}
	return out, out != nil, nil
}

// SaveSnapshot stores a full serialized document snapshot, letting a
// future startup skip replaying the entire change log. Unused for now
// (ReadDocument always replays from changes) but wired into Sizes so
// `db_size` reflects it once write-path support lands.
func (s *BoltStore) SaveSnapshot(data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocument).Put([]byte(documentSnapshotKey), data)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "save snapshot", err)
	}
	return nil
}

// GetCA and SaveCA satisfy security.CAStore, giving the certificate
// authority a durable home for its serialized root key/cert pair
// alongside the rest of the node's state.
func (s *BoltStore) GetCA() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocument).Get([]byte(caDataKey))
		if v == nil {
			return apperrors.New(apperrors.Persistence, "ca not found")
		}
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SaveCA(data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocument).Put([]byte(caDataKey), data)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "save ca", err)
	}
	return nil
}

// LoadSelfID returns the member id this node was assigned the first
// time it started, if any. A node must keep the same random id across
// restarts or its peers would see it as a newly admitted member.
func (s *BoltStore) LoadSelfID() (uint64, bool, error) {
	var out uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocument).Get([]byte(selfIDKey))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.Persistence, "load self id", err)
	}
	return out, found, nil
}

func (s *BoltStore) SaveSelfID(id uint64) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocument).Put([]byte(selfIDKey), raw)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "save self id", err)
	}
	return nil
}

// Sizes reports the on-disk byte count of each top-level bucket, for
// the actor's DbSize message.
func (s *BoltStore) Sizes() (changes, document, syncStates int64, err error) {
	viewErr := s.db.View(func(tx *bolt.Tx) error {
		changes = bucketSize(tx.Bucket(bucketChanges))
		document = bucketSize(tx.Bucket(bucketDocument))
		syncStates = bucketSize(tx.Bucket(bucketSyncStates))
		return nil
	})
	if viewErr != nil {
		return 0, 0, 0, apperrors.Wrap(apperrors.Persistence, "compute sizes", viewErr)
	}
	return changes, document, syncStates, nil
}

func bucketSize(b *bolt.Bucket) int64 {
	var total int64
	_ = b.ForEach(func(k, v []byte) error {
		total += int64(len(k) + len(v))
		return nil
	})
	return total
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
