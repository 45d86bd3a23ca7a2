// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package identity owns the agent's device identity: its P-256 key pair,
// client certificate, and issuing CA certificate. It drives the pairing
// handshake, persists key material to the secrets directory with
// owner-only permissions, and tracks certificate expiry for renewal.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/agenterr"
)

// State is the identity lifecycle state (spec: absent -> generating ->
// csr-sent -> installed -> expiring -> absent).
type State string

const (
	StateAbsent    State = "absent"
	StateGenerating State = "generating"
	StateCSRSent   State = "csr-sent"
	StateInstalled State = "installed"
	StateExpiring  State = "expiring"
)

const (
	keyFile = "client.key"
	crtFile = "client.crt"
	caFile  = "ca.crt"
)

// Material is the identity's loadable state, suitable for constructing a
// transport's TLS configuration.
type Material struct {
	DeviceID    string
	PrivateKey  *ecdsa.PrivateKey
	Certificate *x509.Certificate
	CertPEM     []byte
	KeyPEM      []byte
	CAPEM       []byte
	NotAfter    time.Time
}

// Paired reports whether all three of {key, client cert, CA cert} are
// present — the spec's invariant for "considered paired".
func (m *Material) Paired() bool {
	return m != nil && len(m.KeyPEM) > 0 && len(m.CertPEM) > 0 && len(m.CAPEM) > 0
}

// Requester submits a CSR to the control plane and returns the issued
// material. It is implemented by internal/transport; identity depends
// only on this narrow interface to keep the two packages decoupled.
type Requester interface {
	RequestPairingCode(description string) (code string, expiry time.Time, err error)
	PairingStatus(deviceID string) (paired bool, err error)
	CompletePairing(pairingCode string, csrDER []byte) (deviceID string, clientCertPEM, caCertPEM []byte, err error)
}

// Store manages identity material on disk under a single secrets
// directory, owner-only mode throughout.
type Store struct {
	dir string

	mu    sync.RWMutex
	state State
	mat   *Material
}

// New creates a Store rooted at dir. dir is created if missing, mode 0700.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, agenterr.Config("identity", "mkdir", err)
	}
	s := &Store{dir: dir, state: StateAbsent}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads existing material from disk, if any, leaving state at
// absent when any of the three files is missing.
func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyPEM, err1 := os.ReadFile(filepath.Join(s.dir, keyFile))
	certPEM, err2 := os.ReadFile(filepath.Join(s.dir, crtFile))
	caPEM, err3 := os.ReadFile(filepath.Join(s.dir, caFile))
	if err1 != nil || err2 != nil || err3 != nil {
		s.state = StateAbsent
		s.mat = nil
		return nil
	}

	mat, err := parseMaterial(keyPEM, certPEM, caPEM)
	if err != nil {
		// Corrupt material forces re-pairing rather than a boot crash.
		s.state = StateAbsent
		s.mat = nil
		return nil
	}
	s.mat = mat
	s.state = StateInstalled
	return nil
}

func parseMaterial(keyPEM, certPEM, caPEM []byte) (*Material, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("identity: no PEM block in key file")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("identity: no PEM block in client cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse client cert: %w", err)
	}

	return &Material{
		DeviceID:    cert.Subject.CommonName,
		PrivateKey:  key,
		Certificate: cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		CAPEM:       caPEM,
		NotAfter:    cert.NotAfter,
	}, nil
}

// Load returns the current identity material for transport use, or nil
// if unpaired. The returned pointer is shared with the store, not a copy.
func (s *Store) Load() *Material {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mat
}

// State reports the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Enrol runs the pairing handshake: generate a P-256 key, build a CSR
// naming deviceDescription's intended identity, submit it via req, and
// install the returned material.
func (s *Store) Enrol(req Requester, pairingCode, deviceDescription string) error {
	s.mu.Lock()
	s.state = StateGenerating
	s.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return agenterr.Identity("identity", "generate_key", err)
	}

	// The CSR's common name commits to the intended identity; the
	// control plane assigns the authoritative device id on completion
	// and may differ, in which case the issued certificate (not this
	// CSR) is authoritative.
	csrTemplate := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName: deviceDescription,
		},
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, key)
	if err != nil {
		return agenterr.Identity("identity", "create_csr", err)
	}

	s.mu.Lock()
	s.state = StateCSRSent
	s.mu.Unlock()

	deviceID, certPEM, caPEM, err := req.CompletePairing(pairingCode, csrDER)
	if err != nil {
		s.mu.Lock()
		s.state = StateAbsent
		s.mu.Unlock()
		return agenterr.Identity("identity", "complete_pairing", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return agenterr.Identity("identity", "marshal_key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := s.install(keyPEM, certPEM, caPEM); err != nil {
		return err
	}

	_ = deviceID // authoritative id is read back from the installed cert's CN
	return nil
}

// install persists the three material files atomically (temp-then-rename)
// with owner-only permissions, then reloads in-memory state.
func (s *Store) install(keyPEM, certPEM, caPEM []byte) error {
	if err := writeSecretAtomic(filepath.Join(s.dir, keyFile), keyPEM); err != nil {
		return agenterr.Identity("identity", "write_key", err)
	}
	if err := writeSecretAtomic(filepath.Join(s.dir, crtFile), certPEM); err != nil {
		return agenterr.Identity("identity", "write_cert", err)
	}
	if err := writeSecretAtomic(filepath.Join(s.dir, caFile), caPEM); err != nil {
		return agenterr.Identity("identity", "write_ca", err)
	}
	return s.load()
}

// RenewIfNeeded re-enrolls when the current certificate's remaining
// validity window is under renewBefore. It is a no-op when unpaired or
// when enough validity remains.
func (s *Store) RenewIfNeeded(req Requester, renewBefore time.Duration, pairingCode, deviceDescription string) error {
	mat := s.Load()
	if mat == nil {
		return nil
	}
	if time.Until(mat.NotAfter) > renewBefore {
		return nil
	}
	s.mu.Lock()
	s.state = StateExpiring
	s.mu.Unlock()
	return s.Enrol(req, pairingCode, deviceDescription)
}

// Unpair removes all identity material from disk and returns the store
// to the absent state.
func (s *Store) Unpair() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range []string{keyFile, crtFile, caFile} {
		if err := os.Remove(filepath.Join(s.dir, f)); err != nil && !os.IsNotExist(err) {
			return agenterr.Identity("identity", "unpair", err)
		}
	}
	s.state = StateAbsent
	s.mat = nil
	return nil
}

// writeSecretAtomic writes data to path via a temp file in the same
// directory followed by an atomic rename, owner-only mode throughout.
func writeSecretAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
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
