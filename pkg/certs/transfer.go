package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/nexus-proxy/pkg/log"
	"github.com/cuemby/nexus-proxy/pkg/types"
)

// CertPath returns the file a certificate is written to inside dir
func CertPath(dir, name string) string {
	return filepath.Join(dir, name+".pem")
}

// Transferrer materializes certificate PEM files for the proxy
type Transferrer struct {
	loader   *Loader
	certsDir string
	tempDir  string
	syncer   Syncer
}

// NewTransferrer creates a transferrer that stages into tempDir and syncs
// the result into certsDir
func NewTransferrer(loader *Loader, certsDir, tempDir string, syncer Syncer) *Transferrer {
	if syncer == nil {
		syncer = &DirSyncer{}
	}
	return &Transferrer{
		loader:   loader,
		certsDir: certsDir,
		tempDir:  tempDir,
		syncer:   syncer,
	}
}

// CertsDir returns the live certificate directory
func (t *Transferrer) CertsDir() string {
	return t.certsDir
}

// boundCertificates returns the distinct valid certificates of listeners,
// visiting listeners in id order
func boundCertificates(listeners map[string]*types.Listener) []*types.Certificate {
	ids := make([]string, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var certs []*types.Certificate
	seen := make(map[string]struct{})
	for _, id := range ids {
		l := listeners[id]
		if !l.HasValidCertificate() {
			continue
		}
		if _, ok := seen[l.Certificate.ID]; ok {
			continue
		}
		seen[l.Certificate.ID] = struct{}{}
		certs = append(certs, l.Certificate)
	}
	return certs
}

// Transfer stages the certificate of every listener carrying a valid one and
// synchronizes the staging directory into the live directory. Files of
// certificates no longer referenced are removed from the live directory.
// It returns the names of the certificates written, which are the only ones
// an https port may bind.
func (t *Transferrer) Transfer(ctx context.Context, listeners map[string]*types.Listener) (types.CertificateSet, error) {
	logger := log.WithComponent("certs")

	if err := os.MkdirAll(t.certsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	// Start from an empty staging directory so stale files never reach the sync
	if err := os.RemoveAll(t.tempDir); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(t.tempDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	staged := types.NewCertificateSet()
	for _, cert := range boundCertificates(listeners) {
		ok, err := t.stage(ctx, cert)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", cert.ID, err)
		}
		if ok {
			staged.Add(cert.ID)
			logger.Debug().Str("certificate", cert.ID).Msg("Certificate staged")
		}
	}

	if err := t.syncer.Sync(ctx, t.tempDir, t.certsDir); err != nil {
		return nil, fmt.Errorf("failed to sync certificates: %w", err)
	}

	logger.Info().Int("certificates", len(staged)).Str("dir", t.certsDir).Msg("Certificates transferred")
	return staged, nil
}

// Verify returns the valid certificates of listeners whose stored PEM
// material is usable, without writing anything. It answers what Transfer
// would stage from the store alone.
func Verify(ctx context.Context, loader *Loader, listeners map[string]*types.Listener) (types.CertificateSet, error) {
	usable := types.NewCertificateSet()
	for _, cert := range boundCertificates(listeners) {
		pemData, err := usablePEM(ctx, loader, cert)
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", cert.ID, err)
		}
		if pemData != "" {
			usable.Add(cert.ID)
		}
	}
	return usable, nil
}

// stage writes one certificate into the staging directory. A live file at
// least as new as the record is copied as is, otherwise PEM material is read
// from the store and verified.
func (t *Transferrer) stage(ctx context.Context, cert *types.Certificate) (bool, error) {
	livePath := CertPath(t.certsDir, cert.ID)
	tempPath := CertPath(t.tempDir, cert.ID)

	if !cert.Modified.IsZero() {
		if info, err := os.Stat(livePath); err == nil && !info.ModTime().Before(cert.Modified) {
			data, err := os.ReadFile(livePath)
			if err != nil {
				return false, err
			}
			return true, os.WriteFile(tempPath, data, 0600)
		}
	}

	pemData, err := usablePEM(ctx, t.loader, cert)
	if err != nil || pemData == "" {
		return false, err
	}
	return true, os.WriteFile(tempPath, []byte(pemData), 0600)
}

// usablePEM returns the PEM bundle of cert when it parses, or "" when the
// store holds no usable material
func usablePEM(ctx context.Context, loader *Loader, cert *types.Certificate) (string, error) {
	logger := log.WithComponent("certs")

	pemData := cert.PEM
	if pemData == "" {
		var err error
		pemData, err = loader.LoadPEM(ctx, cert.ID)
		if err != nil {
			return "", err
		}
	}
	if pemData == "" {
		logger.Warn().Str("certificate", cert.ID).Msg("Certificate has no PEM material, skipping")
		return "", nil
	}

	info, err := InspectPEM([]byte(pemData))
	if err != nil {
		logger.Warn().Err(err).Str("certificate", cert.ID).Msg("Certificate PEM material is unusable, skipping")
		return "", nil
	}
	if !info.HasPrivateKey {
		logger.Warn().Str("certificate", cert.ID).Msg("Certificate bundle carries no private key")
	}
	return pemData, nil
}
