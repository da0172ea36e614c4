// config.go: Configuration management for the Bastion trust-boundary layer
//
// Copyright (c) 2025 AGILira
// Series: AGILira System Libraries
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"go.yaml.in/yaml/v3"
)

// Immutable safety bounds. Runtime configuration may only make gates
// stricter than these values, never weaker; NewGateValidator clamps and
// logs every clamp as a security event.
const (
	// MinCoverageFloor is the lowest coverage threshold any configuration
	// may set.
	MinCoverageFloor = 70.0

	// MinSecurityScoreFloor is the lowest security-score threshold any
	// configuration may set.
	MinSecurityScoreFloor = 60.0

	// MaxCriticalVulnsCeiling is the highest tolerated critical
	// vulnerability count any configuration may set.
	MaxCriticalVulnsCeiling = 0
)

// Default resource bounds for untrusted input.
const (
	DefaultMaxJSONSize   = 100 * 1024 // 100 KB
	DefaultMaxJSONDepth  = 20
	DefaultLockTimeout   = 5 * time.Second
	DefaultLedgerMaxSize = 10 * 1024 * 1024 // 10 MB before rotation
)

// defaultTrustedBinDirs is the built-in binary allow-list. It is
// deliberately conservative; deployments extend it via configuration,
// which is treated as externally audited data.
var defaultTrustedBinDirs = []string{"/usr/bin", "/bin", "/usr/local/bin"}

// GateConfig holds runtime quality-gate thresholds. Requested values
// survive configuration loading unchanged; NewGateValidator clamps any
// value more permissive than the package floors/ceiling and logs the
// clamp as a security event.
type GateConfig struct {
	MinCoverage      float64 `yaml:"min_coverage"`
	MinSecurityScore float64 `yaml:"min_security_score"`
	MaxCriticalVulns int     `yaml:"max_critical_vulns"`

	// TestRunner is the binary name the gate requires to be resolvable
	// through the secure binary resolver. Empty disables the check.
	TestRunner string `yaml:"test_runner"`
}

// AuditConfig controls the buffered security-event logger.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MinLevel      AuditLevel    `yaml:"min_level"`
}

// DefaultAuditConfig returns audit settings suitable for production use.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:       true,
		BufferSize:    500,
		FlushInterval: 2 * time.Second,
		MinLevel:      AuditInfo,
	}
}

// Config configures every Bastion component. The zero value plus
// WithDefaults yields a working configuration rooted at the current
// working directory's "orchestrator" subdirectory.
type Config struct {
	// RootDir is the orchestrator-owned directory this core exclusively
	// validates and mutates. Every path handed to a mutation must
	// canonicalize to a strict descendant of RootDir.
	RootDir string `yaml:"root_dir"`

	// TrustedBinDirs is the fixed allow-list for binary resolution.
	// The caller's PATH is never consulted.
	TrustedBinDirs []string `yaml:"trusted_bin_dirs"`

	// LockTimeout bounds every advisory-lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// MaxJSONSize and MaxJSONDepth bound untrusted JSON before any
	// parser touches it.
	MaxJSONSize  int `yaml:"max_json_size"`
	MaxJSONDepth int `yaml:"max_json_depth"`

	// LedgerMaxSize triggers rotation once the active ledger exceeds it.
	LedgerMaxSize int64 `yaml:"ledger_max_size"`

	// ExtraSecretPatterns and ExtraDangerousPatterns extend the built-in
	// sanitizer tables with deployment-specific regular expressions.
	ExtraSecretPatterns    []string `yaml:"extra_secret_patterns"`
	ExtraDangerousPatterns []string `yaml:"extra_dangerous_patterns"`

	Gates GateConfig  `yaml:"gates"`
	Audit AuditConfig `yaml:"audit"`
}

// StateDir returns the directory holding file-backed state records.
func (c *Config) StateDir() string { return filepath.Join(c.RootDir, "state") }

// LogsDir returns the directory holding ledger and audit files.
func (c *Config) LogsDir() string { return filepath.Join(c.RootDir, "logs") }

// TasksDir returns the directory holding task queue files.
func (c *Config) TasksDir() string { return filepath.Join(c.RootDir, "tasks") }

// LedgerPath returns the active ledger file.
func (c *Config) LedgerPath() string { return filepath.Join(c.LogsDir(), "ledger.jsonl") }

// DatabasePath returns the SQLite state database file.
func (c *Config) DatabasePath() string { return filepath.Join(c.StateDir(), "state.db") }

// WithDefaults applies sensible defaults to the configuration. Unset gate
// thresholds default to the package floors; explicitly configured
// thresholds pass through unchanged so NewGateValidator can observe, log
// and clamp any value weaker than its bound. It returns a copy; the
// receiver is never modified.
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.RootDir == "" {
		config.RootDir = "orchestrator"
	}
	config.RootDir = filepath.Clean(config.RootDir)

	if len(config.TrustedBinDirs) == 0 {
		config.TrustedBinDirs = append([]string(nil), defaultTrustedBinDirs...)
	}

	if config.LockTimeout <= 0 {
		config.LockTimeout = DefaultLockTimeout
	}

	if config.MaxJSONSize <= 0 {
		config.MaxJSONSize = DefaultMaxJSONSize
	}

	if config.MaxJSONDepth <= 0 {
		config.MaxJSONDepth = DefaultMaxJSONDepth
	}

	if config.LedgerMaxSize <= 0 {
		config.LedgerMaxSize = DefaultLedgerMaxSize
	}

	if config.Gates.MinCoverage <= 0 {
		config.Gates.MinCoverage = MinCoverageFloor
	}
	if config.Gates.MinSecurityScore <= 0 {
		config.Gates.MinSecurityScore = MinSecurityScoreFloor
	}

	if config.Audit == (AuditConfig{}) {
		config.Audit = DefaultAuditConfig()
	}

	return &config
}

// EnsureLayout creates the orchestrator directory hierarchy with
// owner-only permissions. Idempotent.
func (c *Config) EnsureLayout() error {
	for _, dir := range []string{c.RootDir, c.StateDir(), c.LogsDir(), c.TasksDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "cannot create orchestrator directory '"+dir+"'")
		}
	}
	return nil
}

// LoadConfigFromFile reads a YAML configuration file, applies environment
// overrides and defaults, and returns the resulting configuration.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "cannot read configuration file '"+path+"'")
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "configuration parse error")
	}

	applyEnvOverrides(config)
	return config.WithDefaults(), nil
}

// LoadConfigFromEnv builds a configuration purely from BASTION_*
// environment variables plus defaults. Suitable for container deployments
// where no config file is mounted.
func LoadConfigFromEnv() *Config {
	config := &Config{}
	applyEnvOverrides(config)
	return config.WithDefaults()
}

// applyEnvOverrides applies BASTION_* environment variables onto config.
// Unparseable values are ignored; the environment is untrusted input and
// must never make the configuration invalid.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BASTION_ROOT_DIR"); v != "" {
		config.RootDir = v
	}
	if v := os.Getenv("BASTION_TRUSTED_BIN_DIRS"); v != "" {
		dirs := strings.Split(v, ":")
		out := dirs[:0]
		for _, d := range dirs {
			if d != "" {
				out = append(out, d)
			}
		}
		if len(out) > 0 {
			config.TrustedBinDirs = out
		}
	}
	if v := os.Getenv("BASTION_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.LockTimeout = d
		}
	}
	if v := os.Getenv("BASTION_MAX_JSON_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxJSONSize = n
		}
	}
	if v := os.Getenv("BASTION_MAX_JSON_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxJSONDepth = n
		}
	}
	if v := os.Getenv("BASTION_LEDGER_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.LedgerMaxSize = n
		}
	}
	if v := os.Getenv("BASTION_MIN_COVERAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Gates.MinCoverage = f
		}
	}
	if v := os.Getenv("BASTION_MIN_SECURITY_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Gates.MinSecurityScore = f
		}
	}
	if v := os.Getenv("BASTION_MAX_CRITICAL_VULNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Gates.MaxCriticalVulns = n
		}
	}
	if v := os.Getenv("BASTION_AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Audit.Enabled = b
			if b && config.Audit.BufferSize == 0 {
				config.Audit = DefaultAuditConfig()
			}
		}
	}
	if v := os.Getenv("BASTION_TEST_RUNNER"); v != "" {
		config.Gates.TestRunner = v
	}
}
