package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/cuemby/dkvstore/pkg/security"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server is the peer-facing gRPC listener: one PeerServer registered
// behind mutual TLS, grounded on the teacher's NewServer/Start/Stop
// bootstrap shape.
type Server struct {
	grpc *grpc.Server
	log  zerolog.Logger
}

// NewServer builds a peer server bound to backend, loading the member
// certificate and CA from certDir (as issued by security.CertAuthority).
// Unlike the teacher's client-facing server, every peer RPC requires a
// verified client certificate: there is no unauthenticated
// bootstrap RPC on this surface, so ClientAuth is RequireAndVerifyClientCert.
func NewServer(backend PeerServer, certDir string, log zerolog.Logger) (*Server, error) {
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("member certificate not found at %s - ensure the cluster is initialized", certDir)
	}

	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load member certificate: %w", err)
	}

	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}

	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(
		grpc.Creds(creds),
		grpc.UnaryInterceptor(LoggingInterceptor(log)),
	)
	RegisterPeerServer(grpcServer, backend)

	return &Server{grpc: grpcServer, log: log.With().Str("component", "peer_server").Logger()}, nil
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.log.Info().Str("addr", addr).Msg("peer server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}
