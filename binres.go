// binres.go: Secure Binary Resolution for Bastion
//
// Resolves executable names against a fixed trusted-directory allow-list,
// never the caller's PATH, and scrubs the subprocess environment so a
// hijacked LD_PRELOAD or PYTHONPATH cannot redirect a trusted binary's
// behavior.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"
)

// dangerousEnvVars are stripped (exact or prefix match) before any
// subprocess runs under SafeEnvExec. Each can redirect loader, interpreter
// or shell behavior out from under a trusted binary.
var dangerousEnvVars = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
	"PYTHONPATH",
	"PYTHONSTARTUP",
	"PERL5LIB",
	"PERLLIB",
	"RUBYLIB",
	"NODE_OPTIONS",
	"BASH_ENV",
	"ENV",
	"IFS",
	"GIT_SSH",
	"GIT_SSH_COMMAND",
	"GIT_EXTERNAL_DIFF",
}

// Resolver maps binary names to absolute paths inside a fixed set of
// trusted directories. The set is immutable after construction.
type Resolver struct {
	trustedDirs []string
}

// NewResolver builds a Resolver from the configured trusted directories.
// Relative entries are rejected; the allow-list must be unambiguous.
func NewResolver(config *Config) (*Resolver, error) {
	if len(config.TrustedBinDirs) == 0 {
		return nil, errors.New(ErrCodeInvalidConfig, "no trusted binary directories configured")
	}

	dirs := make([]string, 0, len(config.TrustedBinDirs))
	for _, dir := range config.TrustedBinDirs {
		if !filepath.IsAbs(dir) {
			return nil, errors.New(ErrCodeInvalidConfig, "trusted binary directory must be absolute").
				WithContext("dir", dir)
		}
		dirs = append(dirs, filepath.Clean(dir))
	}
	return &Resolver{trustedDirs: dirs}, nil
}

// SecureWhich resolves name to an absolute path inside the trusted
// directories, in allow-list order. The caller's PATH is never consulted.
// The candidate must be a regular executable file that is not
// world-writable.
func (r *Resolver) SecureWhich(name string) (string, error) {
	if name == "" {
		return "", errors.New(ErrCodeInvalidInput, "empty binary name")
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return "", errors.New(ErrCodeInvalidInput, "binary name must not contain path separators").
			WithContext("name", name)
	}
	if strings.ContainsAny(name, shellMetaRunes) {
		return "", errors.New(ErrCodeInvalidInput, "binary name contains shell metacharacter").
			WithContext("name", name)
	}

	for _, dir := range r.trustedDirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if info.Mode().Perm()&0111 == 0 {
			continue
		}
		if info.Mode().Perm()&0002 != 0 {
			// A world-writable binary in a trusted directory is an
			// integrity problem, not a lookup miss.
			return "", errors.New(ErrCodeUntrustedBinary, "trusted binary is world-writable").
				WithContext("path", candidate)
		}
		return candidate, nil
	}

	return "", errors.New(ErrCodeUntrustedBinary, "binary not found in trusted directories").
		WithContext("name", name)
}

// IsTrustedBinaryPath reports whether path is an absolute path directly
// under one of the trusted directories.
func (r *Resolver) IsTrustedBinaryPath(path string) bool {
	if path == "" || !filepath.IsAbs(path) || strings.ContainsRune(path, 0) {
		return false
	}
	clean := filepath.Clean(path)
	for _, dir := range r.trustedDirs {
		if filepath.Dir(clean) == dir {
			return true
		}
	}
	return false
}

// SecureExec resolves name via SecureWhich and executes the absolute path
// directly with the caller's environment. Returns combined output.
func (r *Resolver) SecureExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.run(ctx, name, os.Environ(), args)
}

// SafeEnvExec is SecureExec with a scrubbed environment: dangerous loader
// and interpreter variables are stripped and PATH is reset to the trusted
// directories.
func (r *Resolver) SafeEnvExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.run(ctx, name, r.ScrubEnvironment(os.Environ()), args)
}

func (r *Resolver) run(ctx context.Context, name string, env []string, args []string) ([]byte, error) {
	path, err := r.SecureWhich(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, args...) // #nosec G204 -- path resolved through the trusted allow-list
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, errors.Wrap(err, ErrCodeExecFailed, "trusted binary execution failed").
			WithContext("path", path)
	}
	return output, nil
}

// ScrubEnvironment returns a copy of env without dangerous loader and
// interpreter variables, with PATH reset to the trusted directories.
func (r *Resolver) ScrubEnvironment(env []string) []string {
	scrubbed := make([]string, 0, len(env)+1)
	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if key == "PATH" || isDangerousEnvVar(key) {
			continue
		}
		scrubbed = append(scrubbed, entry)
	}
	return append(scrubbed, "PATH="+strings.Join(r.trustedDirs, string(os.PathListSeparator)))
}

func isDangerousEnvVar(key string) bool {
	upper := strings.ToUpper(key)
	for _, name := range dangerousEnvVars {
		if upper == name {
			return true
		}
	}
	// DYLD_* and LD_* families beyond the explicit list.
	return strings.HasPrefix(upper, "DYLD_") || strings.HasPrefix(upper, "LD_")
}
