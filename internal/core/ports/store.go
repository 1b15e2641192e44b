package ports

import (
	"context"

	"github.com/sufield/pqmesh/internal/core/domain"
)

// IdentityStore persists key and certificate bundles keyed by
// (tenant, service). The store is pure state: it guarantees that a reader
// never observes a half-written bundle, but it does not validate certificate
// contents.
type IdentityStore interface {
	// Load returns the persisted identity, or ok=false when none exists.
	Load(ctx context.Context, tenant, service string) (identity *domain.ServiceIdentity, ok bool, err error)

	// Save replaces the persisted bundle; a concurrent reader sees the old
	// bundle, no bundle, or the new one, never a mix.
	Save(ctx context.Context, identity *domain.ServiceIdentity) error

	// Delete removes the persisted bundle, if any.
	Delete(ctx context.Context, tenant, service string) error
}
