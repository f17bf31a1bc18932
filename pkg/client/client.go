// Package client dials a peer's gRPC address over mutual TLS and
// returns a pkg/api.PeerClient stub, grounded on the teacher's
// connectWithMTLS helper.
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/dkvstore/pkg/api"
	"github.com/cuemby/dkvstore/pkg/security"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// PeerConn wraps a dialed peer connection with its typed client stub.
type PeerConn struct {
	conn   *grpc.ClientConn
	Client api.PeerClient
}

// Close closes the underlying gRPC connection.
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

// Dial connects to a peer's gRPC address using the member certificate
// at certDir (issued by security.CertAuthority.IssueNodeCertificate),
// returning an api.PeerClient ready to call Hello/SyncOne/SendChanges/
// MemberList.
func Dial(addr, certDir string) (*PeerConn, error) {
	conn, err := connectWithMTLS(addr, certDir)
	if err != nil {
		return nil, err
	}
	return &PeerConn{conn: conn, Client: api.NewPeerClient(conn)}, nil
}

// connectWithMTLS establishes a gRPC connection with mTLS, identical in
// shape to the teacher's CLI dial helper.
func connectWithMTLS(addr, certDir string) (*grpc.ClientConn, error) {
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
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}

	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}

	return conn, nil
}
