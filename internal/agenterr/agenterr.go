// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

// Package agenterr defines the agent's error taxonomy. Every error a
// component returns is classified into one of a small set of kinds so
// callers can decide, without inspecting message text, whether to retry,
// fall back, quarantine, or escalate.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch purposes: what the caller should
// do about it, not what specifically went wrong.
type Kind string

const (
	// KindConfig marks invalid or missing configuration. Fatal at boot.
	KindConfig Kind = "config"
	// KindIdentity marks missing, expired, or corrupt certificate
	// material. Forces re-pairing.
	KindIdentity Kind = "identity"
	// KindTransport marks network, DNS, or TLS failure. Retried with
	// backoff; reported as offline when sustained.
	KindTransport Kind = "transport"
	// KindProtocol marks a server response that cannot be parsed or
	// violates the wire contract. Where a safe fallback exists (an
	// endpoint reporting not-implemented), the caller self-disables that
	// feature for the process lifetime.
	KindProtocol Kind = "protocol"
	// KindIntegrity marks a cache digest mismatch. Triggers quarantine;
	// never retried silently without a re-fetch.
	KindIntegrity Kind = "integrity"
	// KindResource marks disk-full or quota-exceeded conditions.
	// Triggers cache eviction or shipping deferral.
	KindResource Kind = "resource"
	// KindPolicy marks a rejected action under policy: a rate-limited or
	// expired command. Acknowledged with a reason, not retried.
	KindPolicy Kind = "policy"
	// KindRuntime marks an internal fault: renderer crash, scheduler
	// stall. Triggers a bounded restart.
	KindRuntime Kind = "runtime"
)

// Error is a classified agent error. It wraps an underlying cause and
// carries the component that raised it for log correlation.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, component, op string, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) is an *Error of the
// given kind. It lets callers write `if agenterr.Is(err, agenterr.KindTransport)`
// without caring which component raised it.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, defaulting to
// KindRuntime for anything not classified — an unclassified error is
// itself treated as an internal fault rather than silently ignored.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

// Config wraps err as a KindConfig error.
func Config(component, op string, err error) *Error { return New(KindConfig, component, op, err) }

// Identity wraps err as a KindIdentity error.
func Identity(component, op string, err error) *Error { return New(KindIdentity, component, op, err) }

// Transport wraps err as a KindTransport error.
func Transport(component, op string, err error) *Error { return New(KindTransport, component, op, err) }

// Protocol wraps err as a KindProtocol error.
func Protocol(component, op string, err error) *Error { return New(KindProtocol, component, op, err) }

// Integrity wraps err as a KindIntegrity error.
func Integrity(component, op string, err error) *Error { return New(KindIntegrity, component, op, err) }

// Resource wraps err as a KindResource error.
func Resource(component, op string, err error) *Error { return New(KindResource, component, op, err) }

// Policy wraps err as a KindPolicy error.
func Policy(component, op string, err error) *Error { return New(KindPolicy, component, op, err) }

// Runtime wraps err as a KindRuntime error.
func Runtime(component, op string, err error) *Error { return New(KindRuntime, component, op, err) }
