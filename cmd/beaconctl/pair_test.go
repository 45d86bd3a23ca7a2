// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeControlPlane serves the three device-pairing endpoints a real
// control plane would, issuing a certificate signed by an in-memory CA
// over whatever public key the CSR carries.
func fakeControlPlane(t *testing.T) *httptest.Server {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}

	confirmed := false

	mux := http.NewServeMux()
	mux.HandleFunc("/device-pairing/request", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"pairing_code": "ABC123",
			"expires_at":   time.Now().Add(10 * time.Minute),
		})
	})
	mux.HandleFunc("/device-pairing/status", func(w http.ResponseWriter, r *http.Request) {
		// Confirm on the first poll so pair_test runs fast.
		confirmed = true
		json.NewEncoder(w).Encode(map[string]any{"paired": confirmed})
	})
	mux.HandleFunc("/device-pairing/complete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PairingCode string `json:"pairing_code"`
			CSR         string `json:"csr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode complete body: %v", err)
			return
		}
		csrDER, err := base64.StdEncoding.DecodeString(body.CSR)
		if err != nil {
			t.Errorf("decode csr: %v", err)
			return
		}
		csr, err := x509.ParseCertificateRequest(csrDER)
		if err != nil {
			t.Errorf("parse csr: %v", err)
			return
		}

		leafTemplate := &x509.Certificate{
			SerialNumber: big.NewInt(2),
			Subject:      pkix.Name{CommonName: "dev-test-1"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(365 * 24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
		}
		leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, csr.PublicKey, caKey)
		if err != nil {
			t.Errorf("issue leaf cert: %v", err)
			return
		}
		leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})

		json.NewEncoder(w).Encode(map[string]any{
			"device_id":   "dev-test-1",
			"client_cert": string(leafPEM),
			"ca_cert":     string(caPEM),
		})
	})

	return httptest.NewServer(mux)
}

func writeTestConfig(t *testing.T, controlBaseURL string) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	contents := fmt.Sprintf(`
device:
  secrets_dir: %s
  cache_dir: %s
  queue_dir: %s
  log_dir: %s
endpoints:
  control_base_url: %s
`,
		filepath.Join(dir, "secrets"),
		filepath.Join(dir, "cache"),
		filepath.Join(dir, "queue"),
		filepath.Join(dir, "logs"),
		controlBaseURL,
	)
	if err := os.WriteFile(configPath, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunPairSucceeds(t *testing.T) {
	srv := fakeControlPlane(t)
	defer srv.Close()

	configPath := writeTestConfig(t, srv.URL)

	out, code := captureOutput(t, func() int {
		return runPair([]string{"--config", configPath, "--description", "lobby-01", "--timeout", "5s"})
	})
	if code != 0 {
		t.Fatalf("runPair exit = %d, want 0\noutput:\n%s", code, out)
	}
	if !strings.Contains(out, "Paired successfully as device dev-test-1") {
		t.Errorf("expected success message, got %q", out)
	}
}

func TestRunPairRefusesWhenAlreadyPaired(t *testing.T) {
	srv := fakeControlPlane(t)
	defer srv.Close()

	configPath := writeTestConfig(t, srv.URL)

	if code := (func() int {
		_, code := captureOutput(t, func() int {
			return runPair([]string{"--config", configPath, "--timeout", "5s"})
		})
		return code
	})(); code != 0 {
		t.Fatalf("initial pairing failed with exit %d", code)
	}

	out, code := captureOutput(t, func() int {
		return runPair([]string{"--config", configPath, "--timeout", "5s"})
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "already paired") {
		t.Errorf("expected already-paired message, got %q", out)
	}
}
