package api

import (
	"context"

	"github.com/cuemby/dkvstore/pkg/crdt"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// peerServiceName is the fully-qualified service name used on the wire,
// in place of a name a .proto file would otherwise assign.
const peerServiceName = "dkvstore.peer.Peer"

// Member is the wire form of one membership.Member, carried inside
// Hello and MemberList envelopes.
type Member struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	PeerURLs   []string               `json:"peer_urls"`
	ClientURLs []string               `json:"client_urls"`
	LastSeen   *timestamppb.Timestamp `json:"last_seen,omitempty"`
}

// HelloRequest/HelloResponse implement the Hello handshake (§4.9): the
// dialing side introduces itself so an unknown peer can learn its
// identity before any sync traffic flows.
type HelloRequest struct {
	From Member `json:"from"`
}

type HelloResponse struct {
	Self Member `json:"self"`
}

// SyncOneRequest/SyncOneResponse carry one crdt.Message exchange: the
// caller's encoded sync-protocol frame for a named peer, and the
// responder's reply frame for the same peer, if it has one.
type SyncOneRequest struct {
	FromID  string `json:"from_id"`
	Name    string `json:"name"`
	Message []byte `json:"message"`
}

type SyncOneResponse struct {
	HasReply bool   `json:"has_reply"`
	Reply    []byte `json:"reply,omitempty"`
}

// SendChangesRequest/SendChangesResponse implement the bulk raw-change
// fast path (SyncChanges in §4.9), bypassing the incremental
// sync-message protocol entirely.
type SendChangesRequest struct {
	FromID  string        `json:"from_id"`
	Changes []crdt.Change `json:"changes"`
}

type SendChangesResponse struct {
	Applied int `json:"applied"`
}

// MemberListRequest/MemberListResponse implement the fourth peer RPC:
// a cluster membership pull, served by peersync.Engine.MemberList. The
// engine's own reverse-connect path reads the local membership document
// rather than calling this RPC.
type MemberListRequest struct{}

type MemberListResponse struct {
	Members []Member `json:"members"`
}

// PeerServer is implemented by pkg/peersync.Engine and registered
// against a *grpc.Server via RegisterPeerServer.
type PeerServer interface {
	Hello(context.Context, *HelloRequest) (*HelloResponse, error)
	SyncOne(context.Context, *SyncOneRequest) (*SyncOneResponse, error)
	SendChanges(context.Context, *SendChangesRequest) (*SendChangesResponse, error)
	MemberList(context.Context, *MemberListRequest) (*MemberListResponse, error)
}

func RegisterPeerServer(s *grpc.Server, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

func _Peer_Hello_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peerServiceName + "/Hello"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_SyncOne_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SyncOneRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).SyncOne(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peerServiceName + "/SyncOne"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).SyncOne(ctx, req.(*SyncOneRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_SendChanges_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendChangesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).SendChanges(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peerServiceName + "/SendChanges"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).SendChanges(ctx, req.(*SendChangesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Peer_MemberList_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MemberListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).MemberList(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peerServiceName + "/MemberList"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PeerServer).MemberList(ctx, req.(*MemberListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: _Peer_Hello_Handler},
		{MethodName: "SyncOne", Handler: _Peer_SyncOne_Handler},
		{MethodName: "SendChanges", Handler: _Peer_SendChanges_Handler},
		{MethodName: "MemberList", Handler: _Peer_MemberList_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "peer.go",
}
