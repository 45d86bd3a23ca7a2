// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// beaconctl is a small operator CLI for tasks the daemon itself has no
// interactive surface for: completing the pairing handshake from a
// terminal, validating a config file before deploying it, and checking
// or clearing a device's stored identity.
//
// Usage:
//
//	beaconctl pair --config config.yaml [--description "lobby-01"]
//	beaconctl validate --config config.yaml
//	beaconctl status --config config.yaml
//	beaconctl unpair --config config.yaml
//
// Exit codes follow the teacher pack's companion-CLI convention: 0 on
// success, 1 on an operational failure, 2 on a usage error.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return 0
	}

	switch args[0] {
	case "pair":
		return runPair(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "status":
		return runStatus(args[1:])
	case "unpair":
		return runUnpair(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  beaconctl pair --config config.yaml [--description text] [--timeout 10m]")
	fmt.Fprintln(os.Stderr, "  beaconctl validate --config config.yaml")
	fmt.Fprintln(os.Stderr, "  beaconctl status --config config.yaml")
	fmt.Fprintln(os.Stderr, "  beaconctl unpair --config config.yaml")
}
