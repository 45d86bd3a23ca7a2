// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/beaconsignal/beacon-agent/internal/config"
	"github.com/beaconsignal/beacon-agent/internal/identity"
	"github.com/beaconsignal/beacon-agent/internal/transport"
)

// runPair drives the same RequestPairingCode -> poll PairingStatus ->
// Enrol handshake the daemon's own pairing flow runs, but interactively:
// it prints the pairing code for an operator to enter into the control
// plane's confirmation UI, then blocks until confirmed or --timeout
// elapses. A device already carrying identity material refuses to
// re-pair without an explicit unpair first.
func runPair(args []string) int {
	fs := flag.NewFlagSet("beaconctl pair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file, description string
	var timeout time.Duration
	fs.StringVar(&file, "config", "", "path to YAML configuration file")
	fs.StringVar(&description, "description", "", "human-readable device description (overrides config)")
	fs.DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for operator confirmation")

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
	if description == "" {
		description = cfg.Device.Description
	}

	idStore, err := identity.New(cfg.Device.SecretsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open identity store: %v\n", err)
		return 1
	}
	if mat := idStore.Load(); mat.Paired() {
		fmt.Fprintf(os.Stderr, "Device %s is already paired; run 'beaconctl unpair' first\n", mat.DeviceID)
		return 1
	}

	req, err := transport.NewPairingClient(cfg.Endpoints.ControlBaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pairing client: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	code, expiry, err := req.RequestPairingCode(description)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to request pairing code: %v\n", err)
		return 1
	}
	fmt.Printf("Pairing code: %s (expires %s)\n", code, expiry.Format(time.RFC3339))
	fmt.Println("Enter this code in the control plane's device confirmation screen.")
	fmt.Println("Waiting for confirmation...")

	for {
		ok, err := req.PairingStatus(code)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  status check failed, retrying: %v\n", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Timed out waiting for operator confirmation")
			return 1
		case <-time.After(5 * time.Second):
		}
	}

	if err := idStore.Enrol(req, code, description); err != nil {
		fmt.Fprintf(os.Stderr, "Enrolment failed: %v\n", err)
		return 1
	}

	mat := idStore.Load()
	fmt.Printf("Paired successfully as device %s\n", mat.DeviceID)
	return 0
}
