// Package store persists identity bundles on the filesystem.
package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/ports"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	certFile  = "cert.pem"
	chainFile = "chain.pem"
	keyFile   = "key.pem"
	metaFile  = "meta.json"
)

// meta is written last and acts as the commit marker: a bundle without a
// readable meta.json is treated as absent, so readers never observe a
// half-written bundle.
type meta struct {
	SPIFFEID string    `json:"spiffe_id"`
	Serial   string    `json:"serial"`
	NotAfter time.Time `json:"not_after"`
	SavedAt  time.Time `json:"saved_at"`
}

// FileStore keeps one bundle per (tenant, service) under
// <data_dir>/<tenant>/<service>/{cert.pem, chain.pem, key.pem, meta.json}.
// Directories are 0700 and files 0600; every file is written to a temp name
// and renamed into place. The store does not validate certificate contents.
type FileStore struct {
	dataDir string
}

var _ ports.IdentityStore = (*FileStore)(nil)

// NewFileStore creates the data directory if needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		return nil, &errors.ValidationError{Field: "identity.data_dir", Value: dataDir, Message: "data directory is required"}
	}
	if err := os.MkdirAll(dataDir, dirMode); err != nil {
		return nil, errors.NewDomainError(errors.ErrStorage, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) identityDir(tenant, service string) string {
	return filepath.Join(s.dataDir, tenant, service)
}

// Load reads a persisted identity. ok is false when no committed bundle
// exists; corrupt contents fail with StoreCorrupt.
func (s *FileStore) Load(ctx context.Context, tenant, service string) (*domain.ServiceIdentity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	dir := s.identityDir(tenant, service)

	metaData, err := os.ReadFile(filepath.Join(dir, metaFile))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewDomainError(errors.ErrStorage, err)
	}
	var m meta
	if err := json.Unmarshal(metaData, &m); err != nil {
		return nil, false, errors.NewDomainError(errors.ErrStoreCorrupt, err)
	}

	leaf, err := readCertificates(filepath.Join(dir, certFile))
	if err != nil || len(leaf) == 0 {
		return nil, false, corrupt(certFile, err)
	}
	var chain []*x509.Certificate
	if _, statErr := os.Stat(filepath.Join(dir, chainFile)); statErr == nil {
		chain, err = readCertificates(filepath.Join(dir, chainFile))
		if err != nil {
			return nil, false, corrupt(chainFile, err)
		}
	}

	key, err := readKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, false, corrupt(keyFile, err)
	}

	id, err := domain.ParseSPIFFEID(m.SPIFFEID)
	if err != nil {
		return nil, false, errors.NewDomainError(errors.ErrStoreCorrupt, err)
	}

	return &domain.ServiceIdentity{
		ID:     id,
		Bundle: &domain.CertificateBundle{Leaf: leaf[0], Intermediates: chain},
		Key:    key,
	}, true, nil
}

// Save replaces the persisted bundle. Any previous meta.json is removed
// first, the certificate and key files land next, and a fresh meta.json
// commits the bundle, so a reader sees either a complete bundle or none.
func (s *FileStore) Save(ctx context.Context, identity *domain.ServiceIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.identityDir(identity.Tenant(), identity.Service())
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.NewDomainError(errors.ErrStorage, err)
	}
	// Uncommit the old bundle before overwriting its files.
	if err := os.Remove(filepath.Join(dir, metaFile)); err != nil && !os.IsNotExist(err) {
		return errors.NewDomainError(errors.ErrStorage, err)
	}

	certPEM := encodeCertificates([]*x509.Certificate{identity.Bundle.Leaf})
	chainPEM := encodeCertificates(identity.Bundle.Intermediates)

	keyDER, err := x509.MarshalPKCS8PrivateKey(identity.Key)
	if err != nil {
		return errors.NewDomainError(errors.ErrStorage, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	metaJSON, err := json.MarshalIndent(meta{
		SPIFFEID: identity.ID.String(),
		Serial:   identity.Bundle.Serial().String(),
		NotAfter: identity.Bundle.NotAfter(),
		SavedAt:  time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return errors.NewDomainError(errors.ErrStorage, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{certFile, certPEM},
		{chainFile, chainPEM},
		{keyFile, keyPEM},
		{metaFile, metaJSON}, // last: commit marker
	}
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return errors.NewDomainError(errors.ErrStorage, err)
		}
	}
	return nil
}

// Delete removes the persisted bundle. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, tenant, service string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.identityDir(tenant, service)
	// Remove the commit marker first so a crash mid-delete reads as absent.
	for _, name := range []string{metaFile, keyFile, chainFile, certFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.NewDomainError(errors.ErrStorage, err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []*x509.Certificate
	for rest := data; ; {
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
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

func readKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T is not a signer", parsed)
	}
	return signer, nil
}

func encodeCertificates(certs []*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

func corrupt(file string, err error) error {
	if err == nil {
		err = fmt.Errorf("%s holds no certificates", file)
	}
	return errors.NewDomainError(errors.ErrStoreCorrupt, fmt.Errorf("%s: %w", file, err))
}
