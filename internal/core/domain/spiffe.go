// Package domain contains the identity, policy and connection models.
package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// nameRe constrains tenant and service labels.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

// SPIFFEID identifies a workload as spiffe://<trust-domain>/<path>.
// The zero value is invalid; construct through NewSPIFFEID or ParseSPIFFEID.
type SPIFFEID struct {
	id spiffeid.ID
}

// NewSPIFFEID derives the canonical identity of a service within a tenant
// trust domain. Both labels must match [a-z0-9][a-z0-9.-]*.
func NewSPIFFEID(tenant, service string) (SPIFFEID, error) {
	if !nameRe.MatchString(tenant) {
		return SPIFFEID{}, fmt.Errorf("invalid tenant %q", tenant)
	}
	if !nameRe.MatchString(service) {
		return SPIFFEID{}, fmt.Errorf("invalid service %q", service)
	}

	td, err := spiffeid.TrustDomainFromString(tenant)
	if err != nil {
		return SPIFFEID{}, fmt.Errorf("invalid trust domain: %w", err)
	}
	id, err := spiffeid.FromSegments(td, service)
	if err != nil {
		return SPIFFEID{}, fmt.Errorf("invalid SPIFFE path: %w", err)
	}
	return SPIFFEID{id: id}, nil
}

// ParseSPIFFEID parses and canonicalizes a SPIFFE URI string. The trust
// domain is lowercased; the path must be non-empty and free of ".." segments.
func ParseSPIFFEID(s string) (SPIFFEID, error) {
	u, err := url.Parse(s)
	if err != nil {
		return SPIFFEID{}, fmt.Errorf("invalid SPIFFE URI: %w", err)
	}
	if u.Scheme != "spiffe" {
		return SPIFFEID{}, fmt.Errorf("invalid SPIFFE URI scheme %q", u.Scheme)
	}
	// go-spiffe rejects uppercase trust domains outright; the spec wants them
	// folded to the canonical lowercase form instead.
	u.Host = strings.ToLower(u.Host)

	id, err := spiffeid.FromString(u.String())
	if err != nil {
		return SPIFFEID{}, fmt.Errorf("invalid SPIFFE ID: %w", err)
	}
	path := id.Path()
	if path == "" || path == "/" {
		return SPIFFEID{}, fmt.Errorf("SPIFFE ID %q has an empty path", s)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg == ".." {
			return SPIFFEID{}, fmt.Errorf("SPIFFE ID %q contains a parent traversal segment", s)
		}
	}
	return SPIFFEID{id: id}, nil
}

// MustParseSPIFFEID parses s or panics. Test helper.
func MustParseSPIFFEID(s string) SPIFFEID {
	id, err := ParseSPIFFEID(s)
	if err != nil {
		panic(fmt.Sprintf("invalid SPIFFE ID %q: %v", s, err))
	}
	return id
}

// String returns the canonical URI form.
func (s SPIFFEID) String() string {
	if s.IsZero() {
		return ""
	}
	return s.id.String()
}

// TrustDomain returns the authority portion of the URI.
func (s SPIFFEID) TrustDomain() string {
	return s.id.TrustDomain().Name()
}

// Path returns the workload path, with the leading slash.
func (s SPIFFEID) Path() string {
	return s.id.Path()
}

// URL returns the URI as *url.URL, suitable for an X.509 SAN entry.
func (s SPIFFEID) URL() *url.URL {
	return s.id.URL()
}

// IsZero reports whether the ID is unset.
func (s SPIFFEID) IsZero() bool {
	return s.id.IsZero()
}

// Equal reports identity equality on the canonical form.
func (s SPIFFEID) Equal(other SPIFFEID) bool {
	return s.id.String() == other.id.String()
}

// MemberOf reports whether the ID belongs to the given trust domain.
// Comparison is case-insensitive.
func (s SPIFFEID) MemberOf(trustDomain string) bool {
	return s.TrustDomain() == strings.ToLower(trustDomain)
}
