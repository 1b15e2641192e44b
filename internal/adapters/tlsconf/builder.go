// Package tlsconf builds the mutual-TLS contexts presented by the sidecar.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sufield/pqmesh/internal/adapters/spiffe"
	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
)

// PQCProfile selects the key-exchange family.
type PQCProfile string

const (
	// ProfileHybrid prefers the hybrid X25519+ML-KEM-768 key exchange.
	ProfileHybrid PQCProfile = "hybrid"
	// ProfileClassical sticks to classical groups.
	ProfileClassical PQCProfile = "classical"
)

// ALPNHTTP is advertised on HTTP and gRPC listeners; raw TCP omits ALPN.
var ALPNHTTP = []string{"h2", "http/1.1"}

// Options configures the builder.
type Options struct {
	// Roots is the pinned CA trust anchor used for peer verification.
	Roots *x509.CertPool

	// Verifier enforces SPIFFE identity rules on verified peer chains.
	Verifier *spiffe.Verifier

	// Profile selects hybrid PQ or classical key exchange.
	Profile PQCProfile

	// ALPN protocols to advertise; nil for raw TCP.
	ALPN []string

	// LocalTrustDomain and TrustedDomains gate session resumption: tickets
	// are enabled only when every admissible peer shares the local trust
	// domain, since ticket keys would otherwise leak implicit authorization
	// across domains.
	LocalTrustDomain string
	TrustedDomains   []string
}

// Builder derives server and client TLS contexts from the currently
// published identity. The identity is resolved through a snapshot function at
// handshake time, so rotation takes effect for new handshakes without
// touching established connections.
type Builder struct {
	opts             Options
	resumptionOK     bool
	pqcWarn          sync.Once
	logger           *slog.Logger
}

// NewBuilder stores the options and precomputes the resumption decision.
func NewBuilder(opts Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		opts:         opts,
		resumptionOK: resumptionAllowed(opts.LocalTrustDomain, opts.TrustedDomains),
		logger:       logger,
	}
}

func resumptionAllowed(local string, trusted []string) bool {
	if local == "" || len(trusted) == 0 {
		return false
	}
	for _, d := range trusted {
		if !strings.EqualFold(d, local) {
			return false
		}
	}
	return true
}

// ServerConfig produces the ingress context: present the local identity,
// require a client certificate, verify it against the pinned roots and the
// SPIFFE rules. When the published identity is Expired the certificate
// callback fails, so no handshake completes.
func (b *Builder) ServerConfig(current func() *domain.ActiveIdentity) *tls.Config {
	cfg := &tls.Config{
		MinVersion:             tls.VersionTLS13,
		ClientAuth:             tls.RequireAndVerifyClientCert,
		ClientCAs:              b.opts.Roots,
		NextProtos:             b.opts.ALPN,
		VerifyPeerCertificate:  b.opts.Verifier.VerifyPeerCertificate,
		SessionTicketsDisabled: !b.resumptionOK,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return localCertificate(current)
		},
	}
	b.applyProfile(cfg)
	return cfg
}

// ClientConfig produces the egress context for dialing serverName. The
// server name is sent as SNI only: SPIFFE peers are identified by URI SAN,
// so the standard hostname check is replaced by the raw-chain verifier
// running against the same pinned roots.
func (b *Builder) ClientConfig(current func() *domain.ActiveIdentity, serverName string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		ServerName:            serverName,
		NextProtos:            b.opts.ALPN,
		InsecureSkipVerify:    true, // replaced by RawChainVerifier, never skipped
		VerifyPeerCertificate: b.opts.Verifier.RawChainVerifier(b.opts.Roots, x509.ExtKeyUsageServerAuth),
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return localCertificate(current)
		},
	}
	if b.resumptionOK {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	b.applyProfile(cfg)
	return cfg
}

// localCertificate snapshots the published identity once per handshake.
func localCertificate(current func() *domain.ActiveIdentity) (*tls.Certificate, error) {
	active := current()
	if !active.Usable(time.Now()) {
		return nil, errors.ErrIdentityExpired
	}
	cert := active.Identity.Bundle.TLSCertificate(active.Identity.Key)
	return &cert, nil
}

// applyProfile wires the PQC profile. The hybrid profile prefers the
// X25519+ML-KEM-768 group; Dilithium certificate signatures have no support
// in the TLS provider, so the signature family stays classical and the
// downgrade is logged once.
func (b *Builder) applyProfile(cfg *tls.Config) {
	switch b.opts.Profile {
	case ProfileHybrid, "":
		cfg.CurvePreferences = []tls.CurveID{tls.X25519MLKEM768, tls.X25519}
		b.pqcWarn.Do(func() {
			b.logger.Warn("PqcUnavailable: TLS provider has no Dilithium signature support, signatures stay classical",
				"kem", "X25519MLKEM768")
		})
	case ProfileClassical:
		cfg.CurvePreferences = []tls.CurveID{tls.X25519, tls.CurveP256}
	}
}
