// Package spiffe verifies peer certificates against SPIFFE identity rules.
package spiffe

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
)

// Verifier extracts and validates the SPIFFE identity of a presented peer
// chain. Chain validation itself (signatures, expiry, path length, name
// constraints, clientAuth/serverAuth key usage) happens first inside
// crypto/tls against the same CA trust anchor; the verifier then runs as the
// VerifyPeerCertificate hook on the already-verified chains.
type Verifier struct {
	trustedDomains map[string]struct{} // empty means any domain
}

// NewVerifier builds a verifier with an optional trust-domain allowlist.
// Domains are compared case-insensitively.
func NewVerifier(trustedDomains []string) *Verifier {
	v := &Verifier{trustedDomains: make(map[string]struct{}, len(trustedDomains))}
	for _, d := range trustedDomains {
		v.trustedDomains[strings.ToLower(d)] = struct{}{}
	}
	return v
}

// IdentifyPeer returns the canonical SPIFFE identity of a leaf certificate.
// The leaf must carry exactly one URI SAN of scheme spiffe, with a non-empty
// traversal-free path, in an allowed trust domain.
func (v *Verifier) IdentifyPeer(leaf *x509.Certificate) (domain.SPIFFEID, error) {
	if len(leaf.URIs) == 0 {
		return domain.SPIFFEID{}, errors.ErrSpiffeMissing
	}
	if len(leaf.URIs) > 1 {
		return domain.SPIFFEID{}, errors.NewDomainError(errors.ErrSpiffeAmbiguous,
			fmt.Errorf("%d URI SANs", len(leaf.URIs)))
	}

	id, err := domain.ParseSPIFFEID(leaf.URIs[0].String())
	if err != nil {
		return domain.SPIFFEID{}, errors.NewDomainError(errors.ErrSpiffeMissing, err)
	}

	if len(v.trustedDomains) > 0 {
		if _, ok := v.trustedDomains[id.TrustDomain()]; !ok {
			return domain.SPIFFEID{}, errors.NewDomainError(errors.ErrSpiffeUntrustedDomain,
				fmt.Errorf("trust domain %q", id.TrustDomain()))
		}
	}
	return id, nil
}

// VerifyPeerCertificate is the crypto/tls hook. It runs after standard chain
// verification, so verifiedChains is non-empty for any connection that
// reaches it; a failure here aborts the handshake with a fatal alert.
func (v *Verifier) VerifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return errors.ErrPeerCertInvalid
	}
	_, err := v.IdentifyPeer(verifiedChains[0][0])
	return err
}

// RawChainVerifier returns a VerifyPeerCertificate hook that performs full
// chain verification against the pinned roots followed by the SPIFFE rules.
// It backs the client-side context, where the standard verifier is bypassed:
// SPIFFE certificates carry no DNS SANs, so hostname verification would
// always fail and identity is established by URI SAN instead.
func (v *Verifier) RawChainVerifier(roots *x509.CertPool, usage x509.ExtKeyUsage) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.ErrPeerCertInvalid
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errors.NewDomainError(errors.ErrPeerCertInvalid, err)
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		if _, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{usage},
		}); err != nil {
			return errors.NewDomainError(errors.ErrPeerCertInvalid, err)
		}

		_, err := v.IdentifyPeer(certs[0])
		return err
	}
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
