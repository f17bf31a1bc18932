// Package document implements the fixed CRDT document schema (C2), the
// revision cache (C3), and the transaction layer (C4) on top of the
// CRDT primitive in pkg/crdt.
package document

import "github.com/cuemby/dkvstore/pkg/crdt"

// Top-level schema containers, per §3: kvs, leases, members, server.
var (
	pathRoot    = []string{}
	PathKVs     = []string{"kvs"}
	PathLeases  = []string{"leases"}
	PathMembers = []string{"members"}
	PathServer  = []string{"server"}
)

const (
	keyKVs     = "kvs"
	keyLeases  = "leases"
	keyMembers = "members"
	keyServer  = "server"

	keyRevs      = "revs"
	keyLeaseID   = "lease_id"
	keyTTLSecs   = "ttl_secs"
	keyLastRef   = "last_refresh_secs"
	keyLeaseKeys = "keys"
	keyName      = "name"
	keyPeerURLs  = "peer_urls"
	keyClientURL = "client_urls"
	keyRevision  = "revision"
)

// InitSchema idempotently creates the four top-level objects and seeds
// server.revision at 1, leaving anything already present untouched.
// Safe to call on every startup against a freshly loaded document.
func InitSchema(doc *crdt.Document) error {
	_, err := doc.Transact(func(tx *crdt.Tx) error {
		tx.EnsureObject(pathRoot, keyKVs)
		tx.EnsureObject(pathRoot, keyLeases)
		tx.EnsureObject(pathRoot, keyMembers)
		tx.EnsureObject(pathRoot, keyServer)
		if _, ok := tx.Get(PathServer, keyRevision); !ok {
			tx.Put(PathServer, keyRevision, int64(1))
		}
		return nil
	})
	return err
}

func keyObjectPath(key string) []string {
	return append(append([]string{}, PathKVs...), key)
}

func revsPath(key string) []string {
	return append(keyObjectPath(key), keyRevs)
}

func leaseObjectPath(leaseID string) []string {
	return append(append([]string{}, PathLeases...), leaseID)
}

func memberObjectPath(memberID string) []string {
	return append(append([]string{}, PathMembers...), memberID)
}
