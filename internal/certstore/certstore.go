// Package certstore sources and provisions the X.509 certificate/key
// pair a Tunnel presents to a management server. Grounded on
// original_source/src/agent/core/tunnel.cpp (Tunnel::loadCertificate,
// loadCertificateFromFile, saveCertificate) and certinfo.cpp
// (H_CertificateInfo's PEM/DER/PKCS#12 parsing priority). Uses
// spf13/afero so tests can exercise the provisioning priority order
// against an in-memory filesystem instead of touching disk.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNoCertificate is returned when no certificate could be sourced
// through any provisioning path.
var ErrNoCertificate = errors.New("certstore: no certificate available")

// Store resolves and persists one tunnel's client certificate,
// following the original's priority order: an explicitly named,
// externally provisioned file first, falling back to the agent's own
// auto-generated cert/key pair in the certificate directory.
type Store struct {
	fs  afero.Fs
	dir string
}

func New(fs afero.Fs, certificateDir string) *Store {
	return &Store{fs: fs, dir: certificateDir}
}

// Load resolves the tunnel's certificate per §4.2's provisioning
// priority: a non-empty explicit path is tried first; failing
// that, the auto-provisioned "<prefix>.crt"/"<prefix>.key" pair under
// the certificate directory.
func (s *Store) Load(explicitPath, prefix string) (tls.Certificate, error) {
	if explicitPath != "" {
		cert, err := s.loadFromFile(explicitPath, explicitPath)
		if err == nil {
			return cert, nil
		}
	}
	crtPath := filepath.Join(s.dir, prefix+".crt")
	keyPath := filepath.Join(s.dir, prefix+".key")
	return s.loadFromFile(crtPath, keyPath)
}

func (s *Store) loadFromFile(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := afero.ReadFile(s.fs, certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certstore: read cert: %w", err)
	}
	keyPEM, err := afero.ReadFile(s.fs, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certstore: read key: %w", err)
	}
	// A single combined PEM file (cert followed by key) is also
	// accepted, matching the original's externally-provisioned-file
	// convention where both live in the same document.
	if certPath == keyPath {
		cert, certErr := tls.X509KeyPair(certPEM, certPEM)
		if certErr == nil {
			return cert, nil
		}
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// Provision generates a fresh self-signed cert/key pair and writes it
// to "<prefix>.crt"/"<prefix>.key" under the certificate directory,
// for use until the server replaces it via the bind flow
// (Tunnel::saveCertificate).
func (s *Store) Provision(prefix string, tmpl *x509.Certificate) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := s.fs.MkdirAll(s.dir, 0700); err != nil {
		return tls.Certificate{}, err
	}
	crtPath := filepath.Join(s.dir, prefix+".crt")
	keyPath := filepath.Join(s.dir, prefix+".key")
	if err := afero.WriteFile(s.fs, crtPath, certPEM, 0600); err != nil {
		return tls.Certificate{}, err
	}
	if err := afero.WriteFile(s.fs, keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

// Save persists a certificate issued by the server via the bind flow
// (Tunnel::saveCertificate), replacing whatever was previously at
// "<prefix>.crt"/"<prefix>.key".
func (s *Store) Save(prefix string, certPEM, keyPEM []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, prefix+".crt"), certPEM, 0600); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, filepath.Join(s.dir, prefix+".key"), keyPEM, 0600)
}
