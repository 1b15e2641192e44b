package domain

import (
	"crypto"
	"time"
)

// ServiceIdentity is the full credential of the local workload: its SPIFFE
// identity, the issued certificate bundle, and the private key. Key material
// never leaves process memory unencrypted after load; callers must not log
// or serialize the Key field.
type ServiceIdentity struct {
	ID     SPIFFEID
	Bundle *CertificateBundle
	Key    crypto.Signer
}

// Tenant returns the trust-domain label of the identity.
func (s *ServiceIdentity) Tenant() string { return s.ID.TrustDomain() }

// Service returns the workload path without the leading slash.
func (s *ServiceIdentity) Service() string {
	p := s.ID.Path()
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

// IdentityState describes the published lifecycle state of the identity.
type IdentityState int

const (
	// IdentityPending means no certificate has been issued yet.
	IdentityPending IdentityState = iota
	// IdentityActive means the published bundle is within its validity window.
	IdentityActive
	// IdentityExpired means not_after elapsed without a successful renewal.
	// The acceptor must reject new connections in this state.
	IdentityExpired
	// IdentityRevoked means the identity was explicitly revoked.
	IdentityRevoked
)

func (s IdentityState) String() string {
	switch s {
	case IdentityPending:
		return "pending"
	case IdentityActive:
		return "active"
	case IdentityExpired:
		return "expired"
	case IdentityRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ActiveIdentity is the immutable snapshot published by the identity service.
// Handshakes capture one reference at start and finish against it; rotation
// publishes a fresh snapshot instead of mutating this one.
type ActiveIdentity struct {
	State    IdentityState
	Identity *ServiceIdentity // nil unless State == IdentityActive
}

// Usable reports whether new handshakes may present this identity at t.
func (a *ActiveIdentity) Usable(t time.Time) bool {
	if a == nil || a.State != IdentityActive || a.Identity == nil {
		return false
	}
	b := a.Identity.Bundle
	return !t.Before(b.NotBefore()) && !t.After(b.NotAfter())
}
