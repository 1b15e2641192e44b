// Package services provides the core identity and policy services.
package services

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/ports"
)

const (
	// DefaultRenewalFraction schedules renewal halfway through the validity
	// window.
	DefaultRenewalFraction = 0.5

	// renewalHeadroom is the minimum margin between a scheduled renewal and
	// expiry.
	renewalHeadroom = time.Hour

	// maxFailureRetry caps the retry interval after a failed renewal while the
	// current certificate is still valid.
	maxFailureRetry = 5 * time.Minute

	// minFailureRetry floors the retry interval so a nearly-expired identity
	// does not spin against an unreachable CA.
	minFailureRetry = 15 * time.Second
)

// IdentityConfig configures the identity lifecycle.
type IdentityConfig struct {
	Tenant          string
	Service         string
	KeyAlgorithm    string  // ecdsa-p256 (default), rsa-2048, ed25519, dilithium, hybrid
	RenewalFraction float64 // 0 means DefaultRenewalFraction
	RequestedTTL    time.Duration
	PQCEnabled      bool
}

// IdentityService orchestrates key generation, CSR assembly, issuance,
// renewal scheduling and revocation. It publishes the active identity through
// a copy-on-write snapshot: in-flight handshakes that captured a reference
// finish against the old identity, new handshakes see the new one.
//
// Runtime failures never terminate the process. A failed renewal leaves the
// current identity published while it is still valid; once not_after elapses
// without a successful renewal the published state degrades to Expired, and
// the acceptor then rejects new connections while existing ones run to
// completion.
type IdentityService struct {
	cfg    IdentityConfig
	id     domain.SPIFFEID
	ca     ports.CAClient
	store  ports.IdentityStore
	roots  *x509.CertPool
	logger *slog.Logger

	current atomic.Pointer[domain.ActiveIdentity]

	pqcKeyWarn sync.Once

	// now is a test seam for clock control.
	now func() time.Time
}

// NewIdentityService validates the configuration and derives the local
// SPIFFE identity. Nothing is issued until Start runs.
func NewIdentityService(
	cfg IdentityConfig,
	ca ports.CAClient,
	store ports.IdentityStore,
	roots *x509.CertPool,
	logger *slog.Logger,
) (*IdentityService, error) {
	if ca == nil {
		return nil, &errors.ValidationError{Field: "ca", Value: nil, Message: "CA client is required"}
	}
	if store == nil {
		return nil, &errors.ValidationError{Field: "store", Value: nil, Message: "identity store is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	id, err := domain.NewSPIFFEID(cfg.Tenant, cfg.Service)
	if err != nil {
		return nil, &errors.ValidationError{Field: "identity", Value: cfg.Tenant + "/" + cfg.Service, Message: err.Error()}
	}

	if cfg.RenewalFraction <= 0 || cfg.RenewalFraction >= 1 {
		cfg.RenewalFraction = DefaultRenewalFraction
	}

	s := &IdentityService{
		cfg:    cfg,
		id:     id,
		ca:     ca,
		store:  store,
		roots:  roots,
		logger: logger.With("tenant", cfg.Tenant, "service", cfg.Service),
		now:    time.Now,
	}
	s.publish(&domain.ActiveIdentity{State: domain.IdentityPending})
	return s, nil
}

// SPIFFEID returns the local identity URI.
func (s *IdentityService) SPIFFEID() domain.SPIFFEID { return s.id }

// Current returns the latest published identity snapshot. It never blocks.
func (s *IdentityService) Current() *domain.ActiveIdentity {
	return s.current.Load()
}

func (s *IdentityService) publish(a *domain.ActiveIdentity) {
	s.current.Store(a)
	recordIdentityState(a)
}

// Start runs the lifecycle loop until ctx is canceled: obtain an identity,
// sleep until the renewal deadline, rotate, repeat. Renewal failures retry
// aggressively while the current certificate lives, then degrade to Expired.
func (s *IdentityService) Start(ctx context.Context) error {
	if err := s.ensureIdentity(ctx); err != nil {
		s.logger.Error("initial identity provisioning failed", "error", err)
	}

	wait := s.nextWait()
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.checkExpiry()
		if err := s.rotate(ctx); err != nil {
			s.logger.Warn("identity rotation failed", "error", err)
			recordRotation("failure")
			// The stale deadline is in the past now; pace the retries
			// instead of recomputing it.
			wait = s.retryInterval()
		} else {
			recordRotation("success")
			wait = s.nextWait()
		}
	}
}

// nextWait sleeps until the renewal deadline of the published bundle, or one
// retry interval when nothing usable is published.
func (s *IdentityService) nextWait() time.Duration {
	active := s.Current()
	if active.State == domain.IdentityActive {
		if d := time.Until(s.renewalDeadline(active.Identity.Bundle)); d > 0 {
			return d
		}
		return 0
	}
	return s.retryInterval()
}

// ensureIdentity loads the persisted bundle if one is still serviceable,
// otherwise issues a fresh identity.
func (s *IdentityService) ensureIdentity(ctx context.Context) error {
	identity, ok, err := s.store.Load(ctx, s.cfg.Tenant, s.cfg.Service)
	if err != nil {
		s.logger.Warn("loading persisted identity failed", "error", err)
	}
	if ok && err == nil {
		valid := identity.Bundle.Validate(domain.BundleValidationOptions{
			ExpectedID: s.id,
			Roots:      s.roots,
			Now:        s.now(),
		}) == nil
		if valid && s.now().Before(s.renewalDeadline(identity.Bundle)) {
			s.logger.Info("using persisted identity",
				"serial", identity.Bundle.Serial(),
				"not_after", identity.Bundle.NotAfter())
			s.publish(&domain.ActiveIdentity{State: domain.IdentityActive, Identity: identity})
			return nil
		}
		s.logger.Info("persisted identity needs rotation", "valid", valid)
	}
	return s.rotate(ctx)
}

// rotate generates a fresh key pair, obtains a certificate for it and
// publishes the result. Rotation is never a re-signing of the old key.
func (s *IdentityService) rotate(ctx context.Context) error {
	key, err := s.generateKey()
	if err != nil {
		return errors.NewDomainError(errors.ErrKeyGen, err)
	}

	csr, err := s.buildCSR(key)
	if err != nil {
		return errors.NewDomainError(errors.ErrCsrBuild, err)
	}

	req := ports.CertificateRequest{
		CSRDER:       csr,
		SPIFFEID:     s.id,
		Tenant:       s.cfg.Tenant,
		Service:      s.cfg.Service,
		PQCEnabled:   s.cfg.PQCEnabled,
		RequestedTTL: s.cfg.RequestedTTL,
	}

	var bundle *domain.CertificateBundle
	if prev := s.Current(); prev.State == domain.IdentityActive {
		bundle, err = s.ca.Renew(ctx, prev.Identity, req)
	} else {
		bundle, err = s.ca.Request(ctx, req)
	}
	if err != nil {
		s.checkExpiry()
		return err
	}

	if err := bundle.Validate(domain.BundleValidationOptions{
		ExpectedID: s.id,
		Roots:      s.roots,
		Now:        s.now(),
	}); err != nil {
		return errors.NewDomainError(errors.ErrCertValidation, err)
	}

	identity := &domain.ServiceIdentity{ID: s.id, Bundle: bundle, Key: key}
	if err := s.store.Save(ctx, identity); err != nil {
		// A credential that cannot be persisted is still usable for this
		// process lifetime; surface the storage failure but publish anyway.
		s.logger.Error("persisting identity failed", "error", err)
	}

	s.publish(&domain.ActiveIdentity{State: domain.IdentityActive, Identity: identity})
	s.logger.Info("identity published",
		"serial", bundle.Serial(),
		"not_after", bundle.NotAfter(),
		"renew_at", s.renewalDeadline(bundle))
	return nil
}

// Revoke revokes the current certificate at the CA, deletes the persisted
// bundle and publishes the Revoked state. Revocation is best-effort at the
// CA but its failure is surfaced.
func (s *IdentityService) Revoke(ctx context.Context, reason string) error {
	active := s.Current()
	if active.State != domain.IdentityActive {
		return fmt.Errorf("no active identity to revoke")
	}

	err := s.ca.Revoke(ctx, active.Identity.Bundle.Serial().String(), reason)
	if derr := s.store.Delete(ctx, s.cfg.Tenant, s.cfg.Service); derr != nil {
		s.logger.Warn("deleting revoked identity failed", "error", derr)
	}
	s.publish(&domain.ActiveIdentity{State: domain.IdentityRevoked})
	s.logger.Info("identity revoked", "reason", reason)
	return err
}

// checkExpiry transitions the published identity to Expired once not_after
// elapses without a successful renewal.
func (s *IdentityService) checkExpiry() {
	active := s.Current()
	if active.State == domain.IdentityActive && !active.Usable(s.now()) {
		s.logger.Error("local identity expired; rejecting new connections")
		s.publish(&domain.ActiveIdentity{State: domain.IdentityExpired})
	}
}

// renewalDeadline is not_before + fraction*lifetime, clamped so the attempt
// happens at least renewalHeadroom before expiry. Certificates too short to
// honor the headroom renew with a quarter of their lifetime left instead.
func (s *IdentityService) renewalDeadline(b *domain.CertificateBundle) time.Time {
	return renewalDeadline(b.NotBefore(), b.NotAfter(), s.cfg.RenewalFraction)
}

func renewalDeadline(notBefore, notAfter time.Time, fraction float64) time.Time {
	lifetime := notAfter.Sub(notBefore)
	deadline := notBefore.Add(time.Duration(fraction * float64(lifetime)))
	if latest := notAfter.Add(-renewalHeadroom); deadline.After(latest) {
		deadline = latest
		if !deadline.After(notBefore.Add(lifetime / 4)) {
			deadline = notAfter.Add(-lifetime / 4)
		}
	}
	return deadline
}

// retryInterval paces renewal attempts after a failure: min(5 minutes,
// remaining/8), floored, and a steady beat once already expired.
func (s *IdentityService) retryInterval() time.Duration {
	active := s.Current()
	if active.State != domain.IdentityActive {
		return maxFailureRetry
	}
	remaining := active.Identity.Bundle.NotAfter().Sub(s.now())
	interval := remaining / 8
	if interval > maxFailureRetry {
		interval = maxFailureRetry
	}
	if interval < minFailureRetry {
		interval = minFailureRetry
	}
	return interval
}

func (s *IdentityService) generateKey() (crypto.Signer, error) {
	algo := strings.ToLower(s.cfg.KeyAlgorithm)
	switch algo {
	case "dilithium", "hybrid":
		// No TLS provider in the toolchain signs with Dilithium keys; the PQC
		// profile still applies to the KEM. Downgrade the signature family.
		s.pqcKeyWarn.Do(func() {
			s.logger.Warn("PqcUnavailable: no Dilithium signer in TLS provider, using ECDSA P-256",
				"requested", s.cfg.KeyAlgorithm)
		})
		algo = "ecdsa-p256"
	}

	switch algo {
	case "", "ecdsa-p256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "rsa-2048":
		return rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", s.cfg.KeyAlgorithm)
	}
}

// buildCSR assembles a CSR whose SAN is exactly the local SPIFFE URI.
func (s *IdentityService) buildCSR(key crypto.Signer) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: s.cfg.Service},
		URIs:    []*url.URL{s.id.URL()},
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}
