// Package errors defines the error kinds used across pqmesh layers.
package errors

import "fmt"

// DomainError represents errors in the identity and connection handling logic.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code, so sentinel comparisons
// survive wrapping with context via NewDomainError.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

// Identity layer errors. Non-fatal at runtime; the identity service degrades
// to the Expired state when they prevent rotation.
var (
	ErrKeyGen = &DomainError{
		Code:    "KEY_GEN",
		Message: "key pair generation failed",
	}

	ErrCsrBuild = &DomainError{
		Code:    "CSR_BUILD",
		Message: "certificate signing request assembly failed",
	}

	ErrCaUnreachable = &DomainError{
		Code:    "CA_UNREACHABLE",
		Message: "certificate authority is unreachable",
	}

	ErrCaRejected = &DomainError{
		Code:    "CA_REJECTED",
		Message: "certificate authority rejected the request",
	}

	ErrCaMalformedResponse = &DomainError{
		Code:    "CA_MALFORMED_RESPONSE",
		Message: "certificate authority returned an unparseable response",
	}

	ErrTimeout = &DomainError{
		Code:    "TIMEOUT",
		Message: "certificate authority call timed out",
	}

	ErrCertValidation = &DomainError{
		Code:    "CERT_VALIDATION",
		Message: "issued certificate failed validation",
	}

	ErrStorage = &DomainError{
		Code:    "STORAGE",
		Message: "identity persistence failed",
	}

	ErrStoreCorrupt = &DomainError{
		Code:    "STORE_CORRUPT",
		Message: "persisted identity is corrupt",
	}
)

// Handshake layer errors. Always per-connection; log and close.
var (
	ErrTlsHandshake = &DomainError{
		Code:    "TLS_HANDSHAKE",
		Message: "TLS handshake failed",
	}

	ErrPeerCertInvalid = &DomainError{
		Code:    "PEER_CERT_INVALID",
		Message: "peer certificate chain is invalid",
	}

	ErrSpiffeMissing = &DomainError{
		Code:    "SPIFFE_MISSING",
		Message: "peer certificate carries no SPIFFE URI SAN",
	}

	ErrSpiffeAmbiguous = &DomainError{
		Code:    "SPIFFE_AMBIGUOUS",
		Message: "peer certificate carries more than one URI SAN",
	}

	ErrSpiffeUntrustedDomain = &DomainError{
		Code:    "SPIFFE_UNTRUSTED_DOMAIN",
		Message: "peer trust domain is not in the configured allowlist",
	}

	ErrIdentityExpired = &DomainError{
		Code:    "IDENTITY_EXPIRED",
		Message: "local identity is expired; new connections are rejected",
	}
)

// Policy and forwarding errors.
var (
	ErrPolicyDeny = &DomainError{
		Code:    "POLICY_DENY",
		Message: "connection denied by policy",
	}

	ErrHttpMalformed = &DomainError{
		Code:    "HTTP_MALFORMED",
		Message: "no valid HTTP request line within the inspection window",
	}

	ErrBackendUnreachable = &DomainError{
		Code:    "BACKEND_UNREACHABLE",
		Message: "backend dial failed",
	}

	ErrIdleTimeout = &DomainError{
		Code:    "IDLE_TIMEOUT",
		Message: "no bytes moved within the idle timeout",
	}

	ErrAbsoluteTimeout = &DomainError{
		Code:    "ABSOLUTE_TIMEOUT",
		Message: "connection exceeded its maximum duration",
	}
)

// NewDomainError wraps err with the code and message of base.
func NewDomainError(base *DomainError, err error) error {
	return &DomainError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// ValidationError represents input validation errors, fatal at startup.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}
