/*
Package api implements dkvstore's peer-facing transport: the four-RPC
peer protocol from §4.9/§6 (Hello, SyncOne, SendChanges, MemberList)
served over gRPC with mutual TLS, plus an HTTP /health, /ready,
/metrics surface for operators.

# Wire Format

No .proto stubs are generated for the peer RPCs (out of scope for this
implementation). Instead the service is registered as a hand-built
grpc.ServiceDesc, and request/response envelopes travel as JSON via a
codec registered under the content-subtype "json" — the same
extension point grpc-go documents for non-protobuf payloads
(encoding.RegisterCodec, grpc.CallContentSubtype). Member/lease
timestamps inside envelopes use google.golang.org/protobuf's
timestamppb.Timestamp, matching the rest of the stack's protobuf-aware
types without requiring a full .proto pipeline.

# Transport Security

Every peer connection is mutually authenticated TLS 1.3, using
certificates issued by pkg/security.CertAuthority:

	Member A ──gRPC/mTLS──> Member B
	  cert verified by B's CA pool     cert verified by A's CA pool

NewServer requires and verifies the client certificate on every peer
RPC; there is no unauthenticated bootstrap method on this surface.
Certificates are issued out of band: at startup cmd/dkvstore's
bootstrapCerts loads or creates the CA in the node's own store and, if
the cert directory holds no certificate yet, issues one for the node.

# HTTP Surface

HealthServer exposes:

  - /health  - liveness, backed by a pkg/health.Checker (ActorChecker
    round-trips the document actor's inbox)
  - /ready   - readiness, backed by membership.Manager.Ready()
  - /metrics - Prometheus scrape endpoint (pkg/metrics.Handler)

# See Also

  - pkg/peersync - the PeerServer implementation and outbound dial logic
  - pkg/client - the mTLS dial helper used by outbound peer connections
  - pkg/security - the CA issuing the certificates this package loads
*/
package api
