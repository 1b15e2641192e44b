package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/ports"
)

func testCSR(t *testing.T, id string) ([]byte, domain.SPIFFEID) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spiffeID := domain.MustParseSPIFFEID(id)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		URIs: []*url.URL{spiffeID.URL()},
	}, key)
	require.NoError(t, err)
	return csr, spiffeID
}

// newCAServer runs an HTTPS CA double that signs with a MockCA and returns
// the configured client pinned to the server's certificate.
func newCAServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	anchor := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	client, err := NewClient(ClientConfig{
		BaseURL:        srv.URL,
		Token:          "one-time-token",
		TrustAnchorPEM: anchor,
	}, nil)
	require.NoError(t, err)
	return srv, client
}

func signHandler(t *testing.T, mock *MockCA) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer one-time-token", r.Header.Get("Authorization"))

		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		id := domain.MustParseSPIFFEID(req.SPIFFEID)
		bundle, err := mock.Request(r.Context(), ports.CertificateRequest{CSRDER: req.CSR, SPIFFEID: id})
		require.NoError(t, err)

		leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: bundle.Leaf.Raw})
		json.NewEncoder(w).Encode(signResponse{
			Certificate: string(leafPEM),
			Chain:       string(mock.RootPEM()),
		})
	}
}

func TestClientRequest(t *testing.T) {
	mock, err := NewMockCA()
	require.NoError(t, err)
	_, client := newCAServer(t, signHandler(t, mock))

	csr, id := testCSR(t, "spiffe://acme/web")
	bundle, err := client.Request(context.Background(), ports.CertificateRequest{CSRDER: csr, SPIFFEID: id})
	require.NoError(t, err)

	got, err := bundle.SPIFFEID()
	require.NoError(t, err)
	assert.Equal(t, "spiffe://acme/web", got.String())
	assert.NotEmpty(t, bundle.Intermediates, "chain PEM is carried into the bundle")
}

func TestClientRequestNotRetriedOnRejection(t *testing.T) {
	var calls atomic.Int32
	_, client := newCAServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"code": "BAD_TOKEN", "message": "token expired"})
	})

	csr, id := testCSR(t, "spiffe://acme/web")
	_, err := client.Request(context.Background(), ports.CertificateRequest{CSRDER: csr, SPIFFEID: id})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCaRejected), "got %v", err)
	assert.Contains(t, err.Error(), "BAD_TOKEN")
	assert.Equal(t, int32(1), calls.Load(), "a CA 4xx is never retried")
}

func TestClientRenewRetriesServerErrors(t *testing.T) {
	mock, err := NewMockCA()
	require.NoError(t, err)

	var calls atomic.Int32
	sign := signHandler(t, mock)
	_, client := newCAServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"code": "UPSTREAM", "message": "hsm busy"})
			return
		}
		sign(w, r)
	})

	// Build a current identity for the mTLS channel.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csr, id := testCSR(t, "spiffe://acme/web")
	currentBundle, err := mock.Request(context.Background(), ports.CertificateRequest{CSRDER: csr, SPIFFEID: id})
	require.NoError(t, err)
	current := &domain.ServiceIdentity{ID: id, Bundle: currentBundle, Key: key}

	csr2, _ := testCSR(t, "spiffe://acme/web")
	bundle, err := client.Renew(context.Background(), current, ports.CertificateRequest{CSRDER: csr2, SPIFFEID: id})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "renewal retries transient CA failures")
	require.NotNil(t, bundle)
}

func TestClientMalformedResponse(t *testing.T) {
	_, client := newCAServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	})

	csr, id := testCSR(t, "spiffe://acme/web")
	_, err := client.Request(context.Background(), ports.CertificateRequest{CSRDER: csr, SPIFFEID: id})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCaMalformedResponse), "got %v", err)
}

func TestClientRevoke(t *testing.T) {
	var gotPath string
	var gotReason string
	_, client := newCAServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req revokeRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotReason = req.Reason
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Revoke(context.Background(), "12345", "keyCompromise"))
	assert.Equal(t, "/revoke/12345", gotPath)
	assert.Equal(t, "keyCompromise", gotReason)
}

func TestClientRevokeFailureSurfaced(t *testing.T) {
	_, client := newCAServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"code": "ALREADY_REVOKED", "message": "serial already revoked"})
	})

	err := client.Revoke(context.Background(), "12345", "superseded")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCaRejected))
}

func TestClientRejectsBadConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "://nope", Token: "t", TrustAnchorPEM: []byte("x")}, nil)
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "https://ca.internal", Token: "t", TrustAnchorPEM: []byte("not pem")}, nil)
	assert.Error(t, err)
}
