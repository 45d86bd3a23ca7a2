// Beacon - Digital Signage Device Agent
// Copyright 2026 Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconsignal/beacon-agent

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable that, when set, pins the
// config file path and skips DefaultConfigPaths search.
const ConfigPathEnvVar = "BEACON_CONFIG_PATH"

// EnvPrefix is stripped from environment variable names before they are
// mapped to koanf dot-paths.
const EnvPrefix = "BEACON_"

// DefaultConfigPaths is the file search order used when BEACON_CONFIG_PATH
// is unset, first match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/beacon/config.yaml",
	"/etc/beacon/config.yml",
}

var validate = validator.New()

// Load builds a Config from defaults, an optional YAML file, and the
// environment, in that order of increasing precedence, then validates it.
// The file is located via BEACON_CONFIG_PATH or DefaultConfigPaths; both
// sources are optional, so a completely unconfigured environment still
// produces a (possibly invalid) Config rather than an error.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFrom builds a Config the same way Load does, but requires path to
// exist and resolve rather than silently skipping a missing file — it is
// meant for operator tooling (cmd/beaconctl validate/dump) pointed at an
// explicit file, where a typo'd path should fail loudly instead of falling
// back to defaults.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults := DefaultConfig()

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	processSliceFields(k)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// findConfigFile resolves the config file path: BEACON_CONFIG_PATH first,
// then the first existing path in DefaultConfigPaths.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps every known config key, with its dots replaced by
// underscores, back to its koanf dot-path (cache_max_bytes ->
// cache.max_bytes).
var envKeys = func() map[string]string {
	k := koanf.New(".")
	_ = k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	m := make(map[string]string)
	for _, key := range k.Keys() {
		m[strings.ReplaceAll(key, ".", "_")] = key
	}
	return m
}()

// envTransformFunc maps BEACON_CACHE_MAX_BYTES-style environment variable
// names to koanf dot-paths (cache.max_bytes). Names that match no known
// key fall back to one dot per underscore.
func envTransformFunc(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	if key, ok := envKeys[s]; ok {
		return key
	}
	return strings.ReplaceAll(s, "_", ".")
}

// sliceConfigFields lists koanf dot-paths whose environment-sourced value is
// a comma-separated string needing conversion to a string slice. The YAML
// and defaults providers already produce real slices; only the env
// provider yields a flat string that needs this fixup.
var sliceConfigFields = []string{
	"security.allowed_source_domains",
}

// processSliceFields converts the comma-separated env-provider strings
// named in sliceConfigFields into string slices in place.
func processSliceFields(k *koanf.Koanf) {
	for _, path := range sliceConfigFields {
		v := k.String(path)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		_ = k.Set(path, parts)
	}
}
