/*
Package security provides cryptographic services for dkvstore clusters.

This package implements two core security capabilities: a Certificate Authority
(CA) for mutual TLS (mTLS) between cluster members and the CLI, and the
generic AES-256-GCM primitives the CA uses to protect its root private key at
rest. Together they give every peer-to-peer and client connection encrypted,
mutually authenticated transport.

# Architecture

	┌───────────────────────────────────────────┐
	│              Security Architecture          │
	└─────┬────────────────────────┬──────────────┘
	      │                        │
	      ▼                        ▼
	┌─────────────┐        ┌──────────────┐
	│      CA     │        │ Certificate  │
	│ (Root only) │        │  Management  │
	└─────┬───────┘        └──────┬───────┘
	      │                       │
	      ▼                       ▼
	RSA 4096-bit            90-day rotation
	10-year validity        Manual renewal

## Cluster Encryption Key

All at-rest protection is rooted in the cluster encryption key, a 32-byte key
derived from the cluster ID during initialization:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

This key encrypts the CA's root private key before it is persisted. It is
held only in memory on each member and must be supplied again when a member
restarts or rejoins the cluster.

# Certificate Authority

## Root CA

dkvstore's CA uses a hierarchical structure with a long-lived root certificate:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key (high security)
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=dkvstore Root CA, O=dkvstore Cluster

The root CA is created during cluster initialization. Its certificate is
stored in plaintext (public); its private key is encrypted with the cluster
key before being handed to the CAStore.

## Member Certificates

The CA issues certificates for every cluster member:

	Member Certificate
	├── 90-day validity
	├── RSA 2048-bit key (faster operations)
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	├── Subject: CN={role}-{memberID}, O=dkvstore Cluster
	├── DNS Names: [member hostname]
	└── IP Addresses: [member IP]

Each member gets a unique certificate so peer sync connections can use
mutual TLS in both directions:

	Member A ←→ mTLS ←→ Member B
	    ↓                    ↓
	CA verifies          CA verifies
	B's cert             A's cert

## Client Certificates

CLI clients also receive certificates for authentication:

	CLI Certificate
	├── 90-day validity
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ClientAuth
	└── Subject: CN=cli-{clientID}, O=dkvstore Cluster

This lets the CLI talk to any member over mTLS without passwords.

# Usage Examples

## Setting Up the Certificate Authority

	import (
		"github.com/cuemby/dkvstore/pkg/security"
		"github.com/cuemby/dkvstore/pkg/storage"
	)

	// Create storage backend (also satisfies security.CAStore)
	store, err := storage.Open("/var/lib/dkvstore/member.db")
	if err != nil {
		panic(err)
	}

	// Set cluster encryption key (required for CA)
	clusterKey := security.DeriveKeyFromClusterID(clusterID)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		panic(err)
	}

	// Create and initialize CA
	ca := security.NewCertAuthority(store)
	if err := ca.Initialize(); err != nil { // generates root CA
		panic(err)
	}

	// Save CA to storage (root key encrypted)
	if err := ca.SaveToStore(); err != nil {
		panic(err)
	}

## Issuing Member Certificates

	memberID := "member-1"
	role := "member"
	dnsNames := []string{"member1.cluster.local", "localhost"}
	ipAddresses := []net.IP{
		net.ParseIP("192.168.1.10"),
		net.ParseIP("127.0.0.1"),
	}

	tlsCert, err := ca.IssueNodeCertificate(memberID, role, dnsNames, ipAddresses)
	if err != nil {
		panic(err)
	}

## Verifying Certificates

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		panic(err)
	}

	if err := ca.VerifyCertificate(cert); err != nil {
		// certificate invalid or not issued by this CA
		panic(err)
	}

## Certificate Rotation

	if security.CertNeedsRotation(cert) {
		newTLSCert, err := ca.IssueNodeCertificate(memberID, role, dnsNames, ipAddresses)
		if err != nil {
			panic(err)
		}

		certDir, _ := security.GetCertDir(role, memberID)
		if err := security.SaveCertToFile(newTLSCert, certDir); err != nil {
			panic(err)
		}
	}

# Integration Points

## Storage Integration

The CA's serialized root cert/key pair is persisted via the narrow CAStore
interface (GetCA/SaveCA), satisfied by *storage.BoltStore:

	bucket "document", key "ca_authority"
	value: {RootCertDER: [...], RootKeyDER: [...encrypted...]}

## gRPC TLS Integration

Peer sync and client-facing gRPC connections use mTLS with CA-issued
certificates:

	// Server-side (member)
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{memberCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool, // contains root CA
		MinVersion:   tls.VersionTLS13,
	})

	// Client-side (peer or CLI)
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      certPool, // contains root CA
		MinVersion:   tls.VersionTLS13,
	})

This ensures every connection is encrypted (TLS 1.3) and mutually
authenticated (CA-signed certs required on both ends).

# Design Patterns

## Authenticated Encryption

GCM mode provides both confidentiality and integrity for the CA's root key
at rest:

	Encryption:  plaintext + key + nonce → ciphertext + tag
	Decryption:  ciphertext + tag + key + nonce → plaintext (or error)

A modified ciphertext or wrong key makes decryption fail rather than
silently returning garbage.

## Hierarchical PKI

	Root CA (trust anchor)
	└── Member/Client Certificates (issued by root)

The root key is only ever used to sign new certificates, never for
transport directly.

## Key Derivation

	clusterKey = SHA-256(clusterID)

Same cluster ID always yields the same key, so the key never needs its own
separate backup channel beyond the cluster ID itself.

## Certificate Caching

The CA records each issued certificate in memory (certCache[id] = {Cert,
Key, IssuedAt, ExpiresAt}), readable through GetCachedCert. Issuing
does not consult this cache: every request generates a fresh key and
certificate and overwrites the entry for that id.

# Security Considerations

## Key Management

The cluster encryption key is critical: its compromise exposes the CA's
root private key, and its loss makes a restarted member unable to decrypt
its stored CA. Back it up as carefully as the cluster ID itself.

## Certificate Rotation

Member certificates expire after 90 days, the root CA after 10 years.
Rotation today is manual (reissue and replace before NotAfter); automated
renewal on a grace period is a natural follow-up.

## Threat Model

dkvstore's transport security protects against network eavesdropping (TLS),
unauthorized connections (mTLS), and impersonation (CA-signed certs). It
does not protect against a compromised cluster encryption key, a
compromised CA private key, or a compromised member process — those
require defense in depth (encrypted volumes, secure boot, host-level
auditing) outside this package's scope.

# See Also

  - pkg/storage - durable storage backend satisfying CAStore
  - pkg/peersync - peer-to-peer mTLS transport using CA-issued certificates
*/
package security
