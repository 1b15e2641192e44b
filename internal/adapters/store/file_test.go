package store

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pqmesh/internal/adapters/ca"
	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/ports"
)

func issueIdentity(t *testing.T) *domain.ServiceIdentity {
	t.Helper()
	mock, err := ca.NewMockCA()
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := domain.MustParseSPIFFEID("spiffe://acme/web")

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		URIs: []*url.URL{id.URL()},
	}, key)
	require.NoError(t, err)

	bundle, err := mock.Request(context.Background(), ports.CertificateRequest{
		CSRDER:   csr,
		SPIFFEID: id,
		Tenant:   "acme",
		Service:  "web",
	})
	require.NoError(t, err)

	return &domain.ServiceIdentity{ID: id, Bundle: bundle, Key: key}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	identity := issueIdentity(t)
	ctx := context.Background()

	_, ok, err := fs.Load(ctx, "acme", "web")
	require.NoError(t, err)
	assert.False(t, ok, "empty store loads nothing")

	require.NoError(t, fs.Save(ctx, identity))

	loaded, ok, err := fs.Load(ctx, "acme", "web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity.ID.String(), loaded.ID.String())
	assert.Equal(t, identity.Bundle.Serial(), loaded.Bundle.Serial())
	assert.IsType(t, &ecdsa.PrivateKey{}, loaded.Key)
}

func TestFileStorePermissions(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	identity := issueIdentity(t)
	require.NoError(t, fs.Save(context.Background(), identity))

	identityDir := filepath.Join(dir, "acme", "web")
	info, err := os.Stat(identityDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	for _, name := range []string{"cert.pem", "key.pem", "meta.json"} {
		info, err := os.Stat(filepath.Join(identityDir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}
}

func TestFileStoreMissingMetaReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	identity := issueIdentity(t)
	ctx := context.Background()
	require.NoError(t, fs.Save(ctx, identity))

	// Simulate a crash between the data files and the commit marker.
	require.NoError(t, os.Remove(filepath.Join(dir, "acme", "web", "meta.json")))

	_, ok, err := fs.Load(ctx, "acme", "web")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreCorruptBundle(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	identity := issueIdentity(t)
	ctx := context.Background()
	require.NoError(t, fs.Save(ctx, identity))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", "web", "cert.pem"), []byte("garbage"), 0o600))

	_, _, err = fs.Load(ctx, "acme", "web")
	assert.Error(t, err)
}

func TestFileStoreDelete(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	identity := issueIdentity(t)
	ctx := context.Background()
	require.NoError(t, fs.Save(ctx, identity))
	require.NoError(t, fs.Delete(ctx, "acme", "web"))

	_, ok, err := fs.Load(ctx, "acme", "web")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	assert.NoError(t, fs.Delete(ctx, "acme", "web"))
}
