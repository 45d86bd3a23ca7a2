// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// AuditEvent represents a security- or lifecycle-relevant event worth a
// structured audit trail: pairing, certificate rotation, command execution,
// and cache integrity failures. Detail values under credential-like keys
// (pairing codes, tokens, private keys) are masked, and error messages
// that mention credentials are replaced, before logging.
type AuditEvent struct {
	// Event is the event kind (e.g. "enrol_succeeded", "command_executed").
	Event string
	// DeviceID is the agent's assigned device id, if known.
	DeviceID string
	// CommandID is the remote command id, for command-channel events.
	CommandID string
	// CommandKind is the command kind (reboot, refresh, screenshot, ...).
	CommandKind string
	// MediaID is the cache entry media id, for cache/integrity events.
	MediaID string
	// Success indicates whether the operation succeeded.
	Success bool
	// Error is the error message if the operation failed.
	Error string
	// Details contains additional sanitized key/value details.
	Details map[string]string
}

// AuditLogger provides structured audit logging for the agent's identity,
// command, and cache subsystems. It automatically sanitizes sensitive data
// before logging.
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger creates an audit logger from the global logger.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{
		logger: With().Str("component", "audit").Logger(),
	}
}

// NewAuditLoggerWithLogger creates an audit logger with a custom zerolog logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewAuditLoggerWithLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// LogEvent logs an audit event with automatic sanitization.
func (l *AuditLogger) LogEvent(event *AuditEvent) {
	e := l.logger.Info().Str("event", event.Event)

	if event.Success {
		e = e.Str("status", "success")
	} else {
		e = e.Str("status", "failed")
	}
	if event.DeviceID != "" {
		e = e.Str("device_id", event.DeviceID)
	}
	if event.CommandID != "" {
		e = e.Str("command_id", event.CommandID)
	}
	if event.CommandKind != "" {
		e = e.Str("command_kind", event.CommandKind)
	}
	if event.MediaID != "" {
		e = e.Str("media_id", event.MediaID)
	}
	if event.Error != "" && !event.Success {
		e = e.Str("error", SanitizeError(event.Error))
	}
	for k, v := range event.Details {
		e = e.Str(k, SanitizeValue(k, v))
	}
	e.Msg("")
}

// LogEnrolRequested logs a pairing-code submission.
func (l *AuditLogger) LogEnrolRequested(deviceDescription string) {
	l.LogEvent(&AuditEvent{
		Event:   "enrol_requested",
		Success: true,
		Details: map[string]string{"device_description": deviceDescription},
	})
}

// LogEnrolSucceeded logs a completed enrolment with the assigned device id.
func (l *AuditLogger) LogEnrolSucceeded(deviceID string, certExpiry string) {
	l.LogEvent(&AuditEvent{
		Event:    "enrol_succeeded",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]string{"cert_expiry": certExpiry},
	})
}

// LogEnrolFailed logs a failed enrolment attempt.
func (l *AuditLogger) LogEnrolFailed(reason string) {
	l.LogEvent(&AuditEvent{
		Event:   "enrol_failed",
		Success: false,
		Error:   reason,
	})
}

// LogCertRenewed logs a certificate rotation.
func (l *AuditLogger) LogCertRenewed(deviceID, newExpiry string) {
	l.LogEvent(&AuditEvent{
		Event:    "cert_renewed",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]string{"new_expiry": newExpiry},
	})
}

// LogCommandExecuted logs a dispatched command result.
func (l *AuditLogger) LogCommandExecuted(deviceID, commandID, kind string, success bool, errMsg string) {
	l.LogEvent(&AuditEvent{
		Event:       "command_executed",
		DeviceID:    deviceID,
		CommandID:   commandID,
		CommandKind: kind,
		Success:     success,
		Error:       errMsg,
	})
}

// LogCommandRateLimited logs a command rejected by the per-kind rate limiter.
func (l *AuditLogger) LogCommandRateLimited(deviceID, commandID, kind string) {
	l.LogEvent(&AuditEvent{
		Event:       "command_rate_limited",
		DeviceID:    deviceID,
		CommandID:   commandID,
		CommandKind: kind,
		Success:     false,
	})
}

// LogCacheQuarantined logs an integrity-verification failure.
func (l *AuditLogger) LogCacheQuarantined(mediaID, expectedDigest, actualDigest string) {
	l.LogEvent(&AuditEvent{
		Event:   "cache_quarantined",
		MediaID: mediaID,
		Success: false,
		Details: map[string]string{
			"expected_digest": expectedDigest,
			"actual_digest":   actualDigest,
		},
	})
}

// LogEmergencyActivated logs entry into the emergency playback state.
func (l *AuditLogger) LogEmergencyActivated(deviceID, mediaID string) {
	l.LogEvent(&AuditEvent{
		Event:    "emergency_activated",
		DeviceID: deviceID,
		MediaID:  mediaID,
		Success:  true,
	})
}

// LogEmergencyCleared logs exit from the emergency playback state.
func (l *AuditLogger) LogEmergencyCleared(deviceID string) {
	l.LogEvent(&AuditEvent{
		Event:    "emergency_cleared",
		DeviceID: deviceID,
		Success:  true,
	})
}

// ============================================================
// Sanitization Functions
// ============================================================

// SanitizeToken masks a token, showing only first and last 4 characters.
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeDeviceID masks a device id for log output.
func SanitizeDeviceID(deviceID string) string {
	if deviceID == "" {
		return ""
	}
	if len(deviceID) <= 8 {
		return "***"
	}
	return deviceID[:4] + "..." + deviceID[len(deviceID)-4:]
}

// SanitizePairingCode masks a pairing code, keeping only its length visible.
func SanitizePairingCode(code string) string {
	if code == "" {
		return ""
	}
	return strings.Repeat("*", len(code))
}

// SanitizeError removes potentially sensitive information from error messages.
func SanitizeError(err string) string {
	sensitivePatterns := []string{
		"password",
		"secret",
		"token",
		"key",
		"bearer",
		"authorization",
		"private key",
	}

	lowerErr := strings.ToLower(err)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			return "credential error"
		}
	}

	return truncateString(err, 200)
}

// SanitizeValue sanitizes a value based on its key name.
func SanitizeValue(key, value string) string {
	lowerKey := strings.ToLower(key)

	sensitiveKeys := map[string]bool{
		"token":         true,
		"password":      true,
		"secret":        true,
		"api_key":       true,
		"apikey":        true,
		"authorization": true,
		"bearer":        true,
		"private_key":   true,
		"pairing_code":  true,
	}

	if sensitiveKeys[lowerKey] {
		return SanitizeToken(value)
	}

	return value
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
