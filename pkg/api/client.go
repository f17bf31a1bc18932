package api

import (
	"context"

	"google.golang.org/grpc"
)

// PeerClient is the generated-style client stub for PeerServer, dialed
// by pkg/peersync.PeerSyncer over the mTLS connection pkg/client
// establishes.
type PeerClient interface {
	Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error)
	SyncOne(ctx context.Context, in *SyncOneRequest, opts ...grpc.CallOption) (*SyncOneResponse, error)
	SendChanges(ctx context.Context, in *SendChangesRequest, opts ...grpc.CallOption) (*SendChangesResponse, error)
	MemberList(ctx context.Context, in *MemberListRequest, opts ...grpc.CallOption) (*MemberListResponse, error)
}

type peerClient struct {
	cc *grpc.ClientConn
}

// NewPeerClient wraps an established *grpc.ClientConn (dialed with mTLS
// credentials by pkg/client) as a PeerClient.
func NewPeerClient(cc *grpc.ClientConn) PeerClient {
	return &peerClient{cc: cc}
}

func (c *peerClient) call(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *peerClient) Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error) {
	out := new(HelloResponse)
	if err := c.call(ctx, peerServiceName+"/Hello", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) SyncOne(ctx context.Context, in *SyncOneRequest, opts ...grpc.CallOption) (*SyncOneResponse, error) {
	out := new(SyncOneResponse)
	if err := c.call(ctx, peerServiceName+"/SyncOne", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) SendChanges(ctx context.Context, in *SendChangesRequest, opts ...grpc.CallOption) (*SendChangesResponse, error) {
	out := new(SendChangesResponse)
	if err := c.call(ctx, peerServiceName+"/SendChanges", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *peerClient) MemberList(ctx context.Context, in *MemberListRequest, opts ...grpc.CallOption) (*MemberListResponse, error) {
	out := new(MemberListResponse)
	if err := c.call(ctx, peerServiceName+"/MemberList", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
