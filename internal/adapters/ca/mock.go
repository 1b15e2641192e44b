package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/ports"
)

const mockDefaultTTL = time.Hour

// MockCA is an in-process CA: it generates its own root and signs CSRs
// directly. Selected with ca.type=mock for local development, and used as
// the CA double in tests.
type MockCA struct {
	mu      sync.Mutex
	rootKey *ecdsa.PrivateKey
	root    *x509.Certificate
	serial  int64
	revoked map[string]string // serial -> reason

	// TTL overrides the requested TTL when set.
	TTL time.Duration

	// FailWith, when set, makes Request and Renew fail with this error.
	FailWith error
}

var _ ports.CAClient = (*MockCA)(nil)

// NewMockCA generates a fresh ECDSA root valid for 24 hours.
func NewMockCA() (*MockCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pqmesh-mock-ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &MockCA{rootKey: key, root: root, serial: 1, revoked: map[string]string{}}, nil
}

// RootPool returns the trust anchor pool for the mock root.
func (m *MockCA) RootPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.root)
	return pool
}

// RootPEM returns the root in PEM form, for wiring into configs.
func (m *MockCA) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.root.Raw})
}

// Request signs the CSR against the mock root.
func (m *MockCA) Request(_ context.Context, req ports.CertificateRequest) (*domain.CertificateBundle, error) {
	return m.issue(req)
}

// Renew behaves like Request; the mock does not distinguish the channels.
func (m *MockCA) Renew(_ context.Context, _ *domain.ServiceIdentity, req ports.CertificateRequest) (*domain.CertificateBundle, error) {
	return m.issue(req)
}

// Revoke records the serial as revoked.
func (m *MockCA) Revoke(_ context.Context, serial string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[serial] = reason
	return nil
}

// Revoked reports whether a serial was revoked, and the recorded reason.
func (m *MockCA) Revoked(serial string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.revoked[serial]
	return reason, ok
}

func (m *MockCA) issue(req ports.CertificateRequest) (*domain.CertificateBundle, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	csr, err := x509.ParseCertificateRequest(req.CSRDER)
	if err != nil {
		return nil, errors.NewDomainError(errors.ErrCaRejected, fmt.Errorf("unparseable CSR: %w", err))
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.NewDomainError(errors.ErrCaRejected, fmt.Errorf("CSR signature: %w", err))
	}

	ttl := req.RequestedTTL
	if m.TTL > 0 {
		ttl = m.TTL
	}
	if ttl <= 0 {
		ttl = mockDefaultTTL
	}

	m.mu.Lock()
	m.serial++
	serial := m.serial
	m.mu.Unlock()

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               csr.Subject,
		URIs:                  csr.URIs,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(ttl),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.root, csr.PublicKey, m.rootKey)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &domain.CertificateBundle{Leaf: leaf}, nil
}
