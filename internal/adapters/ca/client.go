// Package ca provides certificate-authority clients: the HTTPS client for a
// remote CA and an in-process mock for development and tests.
package ca

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/ports"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 30 * time.Second
	retryJitter          = 0.2
	maxAttempts          = 5

	defaultRequestTimeout = 10 * time.Second
)

// ClientConfig configures the HTTPS CA client.
type ClientConfig struct {
	// BaseURL of the CA, e.g. https://ca.internal:9000
	BaseURL string

	// Token is the one-time provisioning token used for first issuance.
	Token string

	// TrustAnchorPEM pins the CA root; the system pool is never consulted.
	TrustAnchorPEM []byte

	// RequestTimeout bounds one attempt, not the whole retry schedule.
	RequestTimeout time.Duration
}

// Client speaks the CA's {sign, renew, revoke} HTTP surface. It is a pure
// transport: PEM is deserialized but certificate semantics are not judged
// here. First issuance authenticates with the provisioning bearer token;
// renewal presents the current mTLS credential alongside the bearer token.
// Revocation sends the bearer token only; it presents no client certificate.
type Client struct {
	base    string
	token   string
	roots   *x509.CertPool
	timeout time.Duration
	logger  *slog.Logger
}

var _ ports.CAClient = (*Client)(nil)

// NewClient validates the configuration and pins the trust anchor.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, &errors.ValidationError{Field: "ca.url", Value: cfg.BaseURL, Message: "invalid CA URL"}
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(cfg.TrustAnchorPEM) {
		return nil, &errors.ValidationError{Field: "ca.trust_anchor", Value: "<pem>", Message: "no certificates in trust anchor"}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		roots:   roots,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type signRequest struct {
	CSR        []byte `json:"csr"` // DER, base64 by encoding/json
	SPIFFEID   string `json:"spiffe_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	PQC        bool   `json:"pqc,omitempty"`
}

type signResponse struct {
	Certificate string `json:"certificate"`
	Chain       string `json:"chain,omitempty"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

type caFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request sends the CSR for first issuance, authenticated with the
// provisioning token. Only transport errors are retried; a CA 4xx is final.
func (c *Client) Request(ctx context.Context, req ports.CertificateRequest) (*domain.CertificateBundle, error) {
	client := c.httpClient(nil)
	return c.sign(ctx, client, c.base+"/sign", req, false)
}

// Renew re-issues under the current mTLS credential. Renewal is idempotent,
// so transport errors and CA 5xx are retried with exponential backoff.
func (c *Client) Renew(ctx context.Context, current *domain.ServiceIdentity, req ports.CertificateRequest) (*domain.CertificateBundle, error) {
	cert := current.Bundle.TLSCertificate(current.Key)
	client := c.httpClient(&cert)
	return c.sign(ctx, client, c.base+"/renew", req, true)
}

// Revoke is best-effort: one attempt, failure surfaced to the caller.
func (c *Client) Revoke(ctx context.Context, serial string, reason string) error {
	body, _ := json.Marshal(revokeRequest{Reason: reason})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/revoke/"+url.PathEscape(serial), bytes.NewReader(body))
	if err != nil {
		return errors.NewDomainError(errors.ErrCaUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient(nil).Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return rejectionError(resp)
	}
	return nil
}

func (c *Client) sign(ctx context.Context, client *http.Client, endpoint string, req ports.CertificateRequest, retryServerErrors bool) (*domain.CertificateBundle, error) {
	body, err := json.Marshal(signRequest{
		CSR:        req.CSRDER,
		SPIFFEID:   req.SPIFFEID.String(),
		TTLSeconds: int64(req.RequestedTTL / time.Second),
		PQC:        req.PQCEnabled,
	})
	if err != nil {
		return nil, errors.NewDomainError(errors.ErrCsrBuild, err)
	}

	var bundle *domain.CertificateBundle
	attempt := 0
	op := func() error {
		attempt++
		b, err := c.signOnce(ctx, client, endpoint, body)
		if err != nil {
			if isPermanent(err, retryServerErrors) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("CA call failed, will retry", "endpoint", endpoint, "attempt", attempt, "error", err)
			return err
		}
		bundle = b
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = retryJitter

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (c *Client) signOnce(ctx context.Context, client *http.Client, endpoint string, body []byte) (*domain.CertificateBundle, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewDomainError(errors.ErrCaUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, rejectionError(resp)
	}

	var sr signResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return nil, errors.NewDomainError(errors.ErrCaMalformedResponse, err)
	}
	bundle, err := ParseBundlePEM([]byte(sr.Certificate), []byte(sr.Chain))
	if err != nil {
		return nil, errors.NewDomainError(errors.ErrCaMalformedResponse, err)
	}
	return bundle, nil
}

// httpClient builds a per-call client. Renewal passes the current credential
// so the transport presents it; first issuance passes nil and relies on the
// bearer token alone.
func (c *Client) httpClient(clientCert *tls.Certificate) *http.Client {
	tlsCfg := &tls.Config{
		RootCAs:    c.roots,
		MinVersion: tls.VersionTLS12,
	}
	if clientCert != nil {
		tlsCfg.Certificates = []tls.Certificate{*clientCert}
	}
	return &http.Client{
		Timeout:   c.timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || strings.Contains(err.Error(), "Client.Timeout") {
		return errors.NewDomainError(errors.ErrTimeout, err)
	}
	return errors.NewDomainError(errors.ErrCaUnreachable, err)
}

func rejectionError(resp *http.Response) error {
	var failure caFailure
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &failure); err != nil || failure.Message == "" {
		failure.Message = strings.TrimSpace(string(data))
	}
	return errors.NewDomainError(errors.ErrCaRejected,
		fmt.Errorf("status %d: %s %s", resp.StatusCode, failure.Code, failure.Message))
}

// isPermanent classifies sign failures: 4xx rejections are never retried;
// 5xx rejections are retried only for idempotent renewal.
func isPermanent(err error, retryServerErrors bool) bool {
	var derr *errors.DomainError
	if !stderrors.As(err, &derr) {
		return false
	}
	switch derr.Code {
	case errors.ErrCaRejected.Code:
		if !retryServerErrors {
			return true
		}
		return !strings.Contains(derr.Error(), "status 5")
	case errors.ErrCaMalformedResponse.Code:
		return true
	}
	return false
}

// ParseBundlePEM splits a PEM stream into the leaf and its intermediates.
// The chain argument may be empty when the leaf PEM already carries it.
func ParseBundlePEM(certPEM, chainPEM []byte) (*domain.CertificateBundle, error) {
	certs, err := decodeCertificates(certPEM)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in CA response")
	}
	chain := certs[1:]
	if len(chainPEM) > 0 {
		extra, err := decodeCertificates(chainPEM)
		if err != nil {
			return nil, err
		}
		chain = append(chain, extra...)
	}
	return &domain.CertificateBundle{Leaf: certs[0], Intermediates: chain}, nil
}

func decodeCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for rest := pemData; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate PEM: %w", err)
		}
		out = append(out, cert)
	}
	return out, nil
}
