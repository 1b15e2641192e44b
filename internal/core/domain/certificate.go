package domain

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// CertificateBundle holds the leaf certificate and its intermediate chain as
// returned by the CA. The private key lives on ServiceIdentity, never here,
// so a bundle can cross the CA client boundary without key material.
type CertificateBundle struct {
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate // leaf-to-root order, root excluded
}

// NotBefore returns the start of the leaf validity window.
func (b *CertificateBundle) NotBefore() time.Time { return b.Leaf.NotBefore }

// NotAfter returns the end of the leaf validity window.
func (b *CertificateBundle) NotAfter() time.Time { return b.Leaf.NotAfter }

// Serial returns the leaf serial number.
func (b *CertificateBundle) Serial() *big.Int { return b.Leaf.SerialNumber }

// SPIFFEID extracts the single SPIFFE URI SAN from the leaf. It fails when
// the leaf carries zero or more than one URI SAN.
func (b *CertificateBundle) SPIFFEID() (SPIFFEID, error) {
	return SPIFFEIDFromCertificate(b.Leaf)
}

// SPIFFEIDFromCertificate extracts the SPIFFE identity of an X.509 leaf.
func SPIFFEIDFromCertificate(cert *x509.Certificate) (SPIFFEID, error) {
	if len(cert.URIs) == 0 {
		return SPIFFEID{}, fmt.Errorf("certificate has no URI SAN")
	}
	if len(cert.URIs) > 1 {
		return SPIFFEID{}, fmt.Errorf("certificate has %d URI SANs, want exactly 1", len(cert.URIs))
	}
	return ParseSPIFFEID(cert.URIs[0].String())
}

// BundleValidationOptions configures Validate.
type BundleValidationOptions struct {
	ExpectedID SPIFFEID       // required: SAN must equal this identity
	Roots      *x509.CertPool // required unless SkipChainVerify
	Now        time.Time      // zero means time.Now()

	SkipChainVerify bool // testing only
}

// Validate checks an issued bundle before it is published: the SAN must equal
// the requested SPIFFE ID, the validity window must include now, and the
// chain must verify against the CA trust anchor.
func (b *CertificateBundle) Validate(opts BundleValidationOptions) error {
	if b == nil || b.Leaf == nil {
		return fmt.Errorf("certificate bundle is empty")
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	if now.Before(b.Leaf.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (not_before %v)", b.Leaf.NotBefore)
	}
	if now.After(b.Leaf.NotAfter) {
		return fmt.Errorf("certificate has expired (not_after %v)", b.Leaf.NotAfter)
	}

	id, err := b.SPIFFEID()
	if err != nil {
		return fmt.Errorf("certificate SAN: %w", err)
	}
	if !opts.ExpectedID.IsZero() && !id.Equal(opts.ExpectedID) {
		return fmt.Errorf("certificate SAN %s does not match requested identity %s", id, opts.ExpectedID)
	}

	if b.Leaf.IsCA {
		return fmt.Errorf("leaf certificate has CA=true basic constraint")
	}

	if !opts.SkipChainVerify {
		if opts.Roots == nil {
			return fmt.Errorf("no trust anchor configured for chain verification")
		}
		inter := x509.NewCertPool()
		for _, c := range b.Intermediates {
			inter.AddCert(c)
		}
		if _, err := b.Leaf.Verify(x509.VerifyOptions{
			Roots:         opts.Roots,
			Intermediates: inter,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return fmt.Errorf("chain does not verify against trust anchor: %w", err)
		}
	}

	return nil
}

// TLSCertificate assembles the tls.Certificate presented in handshakes.
func (b *CertificateBundle) TLSCertificate(key crypto.Signer) tls.Certificate {
	chain := make([][]byte, 0, 1+len(b.Intermediates))
	chain = append(chain, b.Leaf.Raw)
	for _, c := range b.Intermediates {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        b.Leaf,
	}
}
