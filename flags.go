// flags.go: Command-Line Configuration Binding for Bastion
//
// FlashFlags-backed flag parsing that overlays command-line values onto a
// file- or environment-sourced configuration. Flag values participate in
// the usual precedence chain: defaults < config file < environment <
// flags.
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"strconv"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

// NewFlagSet returns a flag set covering every tunable Config field,
// with BASTION_* environment variable support.
func NewFlagSet(appName string) *flashflags.FlagSet {
	fs := flashflags.New(appName)
	fs.String("config", "", "YAML configuration file path")
	fs.String("root-dir", "", "Orchestrator root directory")
	fs.StringSlice("trusted-bin-dirs", nil, "Trusted binary directories (allow-list)")
	fs.Duration("lock-timeout", 0, "Advisory lock acquisition timeout")
	fs.Int("max-json-size", 0, "Maximum accepted JSON size in bytes")
	fs.Int("max-json-depth", 0, "Maximum accepted JSON nesting depth")
	fs.Int("ledger-max-size", 0, "Ledger size threshold before rotation, in bytes")
	fs.String("min-coverage", "", "Coverage gate threshold (floor 70)")
	fs.String("min-security-score", "", "Security score gate threshold (floor 60)")
	fs.Int("max-critical-vulns", 0, "Critical vulnerability ceiling (maximum 0)")
	fs.String("test-runner", "", "Test runner binary required by the quality gate")
	fs.Bool("audit-enabled", true, "Enable the security-event audit trail")
	fs.SetEnvPrefix("BASTION")
	return fs
}

// ConfigFromFlags builds a configuration from a parsed flag set, loading
// the --config file first when given, then overlaying environment
// variables and explicit flag values. Defaults and gate clamps are
// applied by the components consuming the configuration, so requested
// thresholds below the floors remain visible for clamp auditing.
func ConfigFromFlags(fs *flashflags.FlagSet) (*Config, error) {
	config := &Config{}
	if path := fs.GetString("config"); path != "" {
		loaded, err := LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	applyEnvOverrides(config)

	if v := fs.GetString("root-dir"); v != "" {
		config.RootDir = v
	}
	if v := fs.GetStringSlice("trusted-bin-dirs"); len(v) > 0 {
		config.TrustedBinDirs = v
	}
	if v := fs.GetDuration("lock-timeout"); v > 0 {
		config.LockTimeout = v
	}
	if v := fs.GetInt("max-json-size"); v > 0 {
		config.MaxJSONSize = v
	}
	if v := fs.GetInt("max-json-depth"); v > 0 {
		config.MaxJSONDepth = v
	}
	if v := fs.GetInt("ledger-max-size"); v > 0 {
		config.LedgerMaxSize = int64(v)
	}
	// Score thresholds arrive as strings, like every other score in the
	// system; unparseable values are rejected rather than ignored.
	if v := fs.GetString("min-coverage"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New(ErrCodeInvalidConfig, "invalid --min-coverage value").
				WithContext("value", v)
		}
		config.Gates.MinCoverage = f
	}
	if v := fs.GetString("min-security-score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New(ErrCodeInvalidConfig, "invalid --min-security-score value").
				WithContext("value", v)
		}
		config.Gates.MinSecurityScore = f
	}
	if v := fs.GetInt("max-critical-vulns"); v > 0 {
		config.Gates.MaxCriticalVulns = v
	}
	if v := fs.GetString("test-runner"); v != "" {
		config.Gates.TestRunner = v
	}
	if !fs.GetBool("audit-enabled") {
		config.Audit.Enabled = false
	} else if config.Audit == (AuditConfig{}) {
		config.Audit = DefaultAuditConfig()
	}

	return config, nil
}
