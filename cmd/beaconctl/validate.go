// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/beaconsignal/beacon-agent/internal/config"
)

func runValidate(args []string) int {
	fs := flag.NewFlagSet("beaconctl validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	fs.StringVar(&file, "config", "", "path to YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 2
	}

	cfg, err := config.LoadFrom(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", file, err)
		return 1
	}

	fmt.Printf("%s is valid\n", file)
	fmt.Printf("  control plane:  %s\n", cfg.Endpoints.ControlBaseURL)
	if cfg.Endpoints.DuplexURL != "" {
		fmt.Printf("  duplex channel: %s\n", cfg.Endpoints.DuplexURL)
	}
	fmt.Printf("  secrets dir:    %s\n", cfg.Device.SecretsDir)
	fmt.Printf("  cache dir:      %s (%d bytes budget)\n", cfg.Device.CacheDir, cfg.Cache.MaxBytes)
	return 0
}
