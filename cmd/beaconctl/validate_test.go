// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRunValidateAcceptsWellFormedConfig(t *testing.T) {
	configPath := writeTestConfig(t, "https://control.example.com")

	out, code := captureOutput(t, func() int {
		return runValidate([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\noutput:\n%s", code, out)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("expected success message, got %q", out)
	}
}

func TestRunValidateRejectsMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.yaml")

	out, code := captureOutput(t, func() int {
		return runValidate([]string{"--config", missing})
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "Configuration error") {
		t.Errorf("expected configuration error message, got %q", out)
	}
}

func TestRunValidateRejectsBadURL(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, `
device:
  secrets_dir: `+dir+`/secrets
  cache_dir: `+dir+`/cache
  queue_dir: `+dir+`/queue
  log_dir: `+dir+`/logs
endpoints:
  control_base_url: not-a-url
`)

	out, code := captureOutput(t, func() int {
		return runValidate([]string{"--config", configPath})
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "Configuration error") {
		t.Errorf("expected configuration error message, got %q", out)
	}
}
