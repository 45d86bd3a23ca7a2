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
	"github.com/beaconsignal/beacon-agent/internal/identity"
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("beaconctl status", flag.ContinueOnError)
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

	idStore, err := identity.New(cfg.Device.SecretsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open identity store: %v\n", err)
		return 1
	}

	mat := idStore.Load()
	if !mat.Paired() {
		fmt.Printf("state:  %s\n", idStore.State())
		fmt.Println("paired: no")
		return 0
	}

	fmt.Printf("state:       %s\n", idStore.State())
	fmt.Println("paired:      yes")
	fmt.Printf("device id:   %s\n", mat.DeviceID)
	fmt.Printf("cert expiry: %s\n", mat.NotAfter.Format("2006-01-02T15:04:05Z07:00"))
	return 0
}
