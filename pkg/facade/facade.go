// Package facade defines the etcd client-facing wire surface as thin
// Go interfaces (§6): KVServer, WatchServer, LeaseServer, ClusterServer.
// Request/response types are the repository's own pkg/document,
// pkg/membership, and pkg/watch types, plus this package's own
// compaction, watch, lease and member request/response structs — there
// is no gRPC
// transport or protobuf generation behind this seam, only the external-
// collaborator contract the core talks through.
package facade

import (
	"context"

	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/watch"
)

// KVServer mirrors etcd's KV service. Compact is a structural no-op in
// the CRDT design (history is structural, not compacted) but is kept
// on the interface for client-surface parity.
type KVServer interface {
	Range(ctx context.Context, req document.RangeRequest) (document.RangeResponse, document.Header, error)
	Put(ctx context.Context, req document.PutRequest) (document.PutResponse, document.Header, error)
	DeleteRange(ctx context.Context, req document.DeleteRangeRequest) (document.DeleteRangeResponse, document.Header, error)
	Txn(ctx context.Context, req document.TxnRequest) (document.TxnResponse, document.Header, error)
	Compact(ctx context.Context, req CompactRequest) (CompactResponse, document.Header, error)
}

type CompactRequest struct {
	Revision int64
	Physical bool
}

type CompactResponse struct{}

// WatchServer mirrors etcd's bidirectional Watch stream: one request
// channel carrying Create/Cancel/ProgressRequest variants, one response
// channel delivering the corresponding acks and pkg/watch events.
type WatchServer interface {
	Watch(ctx context.Context, req <-chan WatchRequest, resp chan<- WatchResponse) error
}

type WatchRequest struct {
	Create   *WatchCreateRequest
	Cancel   *WatchCancelRequest
	Progress *ProgressRequest
}

type WatchCreateRequest struct {
	Key            []byte
	RangeEnd       []byte
	StartRevision  int64
	ProgressNotify bool
	PrevKV         bool
}

type WatchCancelRequest struct {
	WatchID int64
}

type ProgressRequest struct{}

type WatchResponse struct {
	WatchID      int64
	Created      bool
	Canceled     bool
	CancelReason string
	Events       []watch.Event
}

// LeaseServer mirrors etcd's Lease service, over pkg/lease's id/ttl
// primitives.
type LeaseServer interface {
	Grant(ctx context.Context, req LeaseGrantRequest) (LeaseGrantResponse, document.Header, error)
	Revoke(ctx context.Context, req LeaseRevokeRequest) (LeaseRevokeResponse, document.Header, error)
	KeepAlive(ctx context.Context, req <-chan LeaseKeepAliveRequest, resp chan<- LeaseKeepAliveResponse) error
	TimeToLive(ctx context.Context, req LeaseTimeToLiveRequest) (LeaseTimeToLiveResponse, document.Header, error)
	Leases(ctx context.Context, req LeaseLeasesRequest) (LeaseLeasesResponse, document.Header, error)
}

type LeaseGrantRequest struct {
	TTL int64
	ID  int64
}

type LeaseGrantResponse struct {
	ID  int64
	TTL int64
}

type LeaseRevokeRequest struct {
	ID int64
}

type LeaseRevokeResponse struct{}

type LeaseKeepAliveRequest struct {
	ID int64
}

type LeaseKeepAliveResponse struct {
	ID  int64
	TTL int64
}

type LeaseTimeToLiveRequest struct {
	ID   int64
	Keys bool
}

type LeaseTimeToLiveResponse struct {
	ID         int64
	TTL        int64
	GrantedTTL int64
	Keys       [][]byte
}

type LeaseLeasesRequest struct{}

type LeaseLeasesResponse struct {
	Leases []int64
}

// ClusterServer mirrors etcd's Cluster service over pkg/membership's
// Member records.
type ClusterServer interface {
	MemberAdd(ctx context.Context, req MemberAddRequest) (MemberAddResponse, document.Header, error)
	MemberRemove(ctx context.Context, req MemberRemoveRequest) (MemberRemoveResponse, document.Header, error)
	MemberUpdate(ctx context.Context, req MemberUpdateRequest) (MemberUpdateResponse, document.Header, error)
	MemberList(ctx context.Context, req MemberListRequest) (MemberListResponse, document.Header, error)
	MemberPromote(ctx context.Context, req MemberPromoteRequest) (MemberPromoteResponse, document.Header, error)
}

type MemberAddRequest struct {
	Name       string
	PeerURLs   []string
	ClientURLs []string
	IsLearner  bool
}

type MemberAddResponse struct {
	Member  membership.Member
	Members []membership.Member
}

type MemberRemoveRequest struct {
	ID uint64
}

type MemberRemoveResponse struct {
	Members []membership.Member
}

type MemberUpdateRequest struct {
	ID       uint64
	PeerURLs []string
}

type MemberUpdateResponse struct {
	Members []membership.Member
}

type MemberListRequest struct {
	Linearizable bool
}

type MemberListResponse struct {
	Members []membership.Member
}

type MemberPromoteRequest struct {
	ID uint64
}

type MemberPromoteResponse struct {
	Members []membership.Member
}
