// Package ports defines the interfaces between the core services and their
// adapters.
package ports

import (
	"context"
	"time"

	"github.com/sufield/pqmesh/internal/core/domain"
)

// CertificateRequest carries a CSR to the CA.
type CertificateRequest struct {
	CSRDER      []byte
	SPIFFEID    domain.SPIFFEID
	Tenant      string
	Service     string
	PQCEnabled  bool
	RequestedTTL time.Duration
}

// CAClient is the capability set consumed by the identity service. It is a
// pure transport: implementations deserialize the returned PEM/DER but never
// judge certificate semantics — validation belongs to the identity service.
//
// Request performs first issuance authenticated with the provisioning token.
// Renew re-issues under the current mTLS credential; the request carries the
// CSR of the replacement key pair, since rotation is never a re-signing.
// Revoke is best-effort but its failure is surfaced to the caller.
type CAClient interface {
	Request(ctx context.Context, req CertificateRequest) (*domain.CertificateBundle, error)
	Renew(ctx context.Context, current *domain.ServiceIdentity, req CertificateRequest) (*domain.CertificateBundle, error)
	Revoke(ctx context.Context, serial string, reason string) error
}
