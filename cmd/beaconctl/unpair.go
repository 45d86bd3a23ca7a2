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

func runUnpair(args []string) int {
	fs := flag.NewFlagSet("beaconctl unpair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	var force bool
	fs.StringVar(&file, "config", "", "path to YAML configuration file")
	fs.BoolVar(&force, "force", false, "skip the confirmation prompt")

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

	if !idStore.Load().Paired() {
		fmt.Println("Device is not paired; nothing to do.")
		return 0
	}

	if !force {
		fmt.Print("This removes the device's certificate and key. Continue? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return 1
		}
	}

	if err := idStore.Unpair(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unpair: %v\n", err)
		return 1
	}
	fmt.Println("Device unpaired.")
	return 0
}
