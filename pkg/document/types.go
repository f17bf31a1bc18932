package document

import "fmt"

// KeyValue mirrors the etcd-style KeyValue record: {key, value,
// create_revision, mod_revision, version, lease?}.
type KeyValue struct {
	Key            []byte
	Value          []byte
	CreateRevision int64
	ModRevision    int64
	Version        int64
	Lease          int64
}

// Header is attached to every response: {cluster_id, member_id,
// revision}.
type Header struct {
	ClusterID uint64
	MemberID  uint64
	Revision  int64
}

// EventType distinguishes the two watch-visible mutation kinds.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// WatchEvent is what C4 buffers in-transaction and C6 hands to the
// watch bus once the transaction has recorded.
type WatchEvent struct {
	Type   EventType
	KV     KeyValue
	PrevKV *KeyValue
}

// LeaseIDString renders a lease id as the zero-padded, lexicographically
// ordered string the document schema uses as a map key (§3).
func LeaseIDString(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// MemberIDString renders a member id the same way leases do, keeping
// `list_members`'s "id order" iteration consistent with map iteration.
func MemberIDString(id uint64) string {
	return fmt.Sprintf("%020d", id)
}
