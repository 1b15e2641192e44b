package spiffe

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	stderrors "errors"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pqmesh/internal/core/errors"
)

func selfSigned(t *testing.T, uris []string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var parsed []*url.URL
	for _, u := range uris {
		pu, err := url.Parse(u)
		require.NoError(t, err)
		parsed = append(parsed, pu)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "peer"},
		URIs:         parsed,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestIdentifyPeer(t *testing.T) {
	tests := []struct {
		name    string
		uris    []string
		trusted []string
		want    string
		wantErr *errors.DomainError
	}{
		{
			name: "single spiffe SAN",
			uris: []string{"spiffe://acme/web"},
			want: "spiffe://acme/web",
		},
		{
			name:    "allowed domain",
			uris:    []string{"spiffe://acme/web"},
			trusted: []string{"acme"},
			want:    "spiffe://acme/web",
		},
		{
			name:    "allowlist is case-insensitive",
			uris:    []string{"spiffe://acme/web"},
			trusted: []string{"ACME"},
			want:    "spiffe://acme/web",
		},
		{
			name:    "untrusted domain",
			uris:    []string{"spiffe://evil/web"},
			trusted: []string{"acme"},
			wantErr: errors.ErrSpiffeUntrustedDomain,
		},
		{
			name:    "no URI SAN",
			uris:    nil,
			wantErr: errors.ErrSpiffeMissing,
		},
		{
			name:    "two URI SANs",
			uris:    []string{"spiffe://acme/web", "spiffe://acme/extra"},
			wantErr: errors.ErrSpiffeAmbiguous,
		},
		{
			name:    "non-spiffe URI",
			uris:    []string{"https://acme/web"},
			wantErr: errors.ErrSpiffeMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.trusted)
			cert := selfSigned(t, tt.uris)
			id, err := v.IdentifyPeer(cert)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, stderrors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.String())
		})
	}
}

func TestVerifyPeerCertificateHook(t *testing.T) {
	v := NewVerifier([]string{"acme"})

	good := selfSigned(t, []string{"spiffe://acme/web"})
	assert.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{good}}))

	bad := selfSigned(t, []string{"spiffe://evil/web"})
	assert.Error(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{bad}}))

	assert.Error(t, v.VerifyPeerCertificate(nil, nil), "no verified chain")
}

func TestFingerprintIsStable(t *testing.T) {
	cert := selfSigned(t, []string{"spiffe://acme/web"})
	assert.Equal(t, Fingerprint(cert), Fingerprint(cert))
	assert.Len(t, Fingerprint(cert), 64)
}
