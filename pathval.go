// pathval.go: Path and Symlink Validation for Bastion
//
// Canonicalizes untrusted paths and bounds them against an
// orchestrator-owned base directory. All checks are fail-closed: any
// resolution ambiguity, I/O error, or empty input rejects. Callers must
// validate immediately before the actual mutation, never against a cached
// verdict, to keep the TOCTOU window minimal.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"
)

const (
	// maxPathLength bounds raw path input before any resolution.
	maxPathLength = 4096

	// maxPathComponents bounds directory nesting to defuse resource
	// exhaustion through pathological inputs.
	maxPathComponents = 128
)

// traversalPatterns are substrings that reject a path before any
// filesystem access. URL-encoded variants catch inputs that were decoded
// once too few times upstream.
var traversalPatterns = []string{
	"../", "..\\",
	"%2e%2e%2f", "%2e%2e/", "..%2f",
	"%2e%2e%5c", "%2e%2e\\", "..%5c",
	"%252e%252e%252f",
}

// EnsurePathInDirectory validates that path canonicalizes to baseDir or a
// strict descendant of it, returning a coded error identifying the
// safeguard that fired. Non-existent targets are allowed as long as their
// deepest existing ancestor canonicalizes inside baseDir.
func EnsurePathInDirectory(path, baseDir string) error {
	if err := checkRawPath(path); err != nil {
		return err
	}
	if baseDir == "" {
		return errors.New(ErrCodeInvalidPath, "empty base directory")
	}

	canonicalBase, err := canonicalizeBase(baseDir)
	if err != nil {
		return err
	}

	canonicalPath, err := canonicalizeTarget(path)
	if err != nil {
		return err
	}

	if !isWithin(canonicalPath, canonicalBase) {
		return errors.New(ErrCodeUnsafePath, "path escapes base directory").
			WithContext("path", path).
			WithContext("base_dir", baseDir)
	}
	return nil
}

// ValidatePathInDirectory reports whether path canonicalizes to baseDir or
// a strict descendant. Fail-closed boolean form of EnsurePathInDirectory.
func ValidatePathInDirectory(path, baseDir string) bool {
	return EnsurePathInDirectory(path, baseDir) == nil
}

// EnsureSymlinkSafe walks every path component from baseDir toward path.
// At each level, a symlink component is resolved and rejected if its
// target escapes baseDir. Missing trailing components are permitted so a
// not-yet-created file can be validated before its first write.
func EnsureSymlinkSafe(path, baseDir string) error {
	if err := checkRawPath(path); err != nil {
		return err
	}
	if baseDir == "" {
		return errors.New(ErrCodeInvalidPath, "empty base directory")
	}

	canonicalBase, err := canonicalizeBase(baseDir)
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return errors.Wrap(err, ErrCodeInvalidPath, "cannot absolutize path")
	}

	rel, err := filepath.Rel(canonicalBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New(ErrCodeUnsafePath, "path lies outside base directory").
			WithContext("path", path)
	}

	components := strings.Split(rel, string(filepath.Separator))
	if len(components) > maxPathComponents {
		return errors.New(ErrCodeInvalidPath, "path exceeds maximum component depth")
	}

	current := canonicalBase
	for _, component := range components {
		if component == "" || component == "." {
			continue
		}
		current = filepath.Join(current, component)

		info, lerr := os.Lstat(current)
		if lerr != nil {
			if os.IsNotExist(lerr) {
				// Nothing below a missing component can be a symlink.
				return nil
			}
			return errors.Wrap(lerr, ErrCodeInvalidPath, "cannot inspect path component").
				WithContext("component", current)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			resolved, rerr := filepath.EvalSymlinks(current)
			if rerr != nil {
				return errors.Wrap(rerr, ErrCodeSymlinkDetected, "cannot resolve symlink component").
					WithContext("component", current)
			}
			if !isWithin(resolved, canonicalBase) {
				return errors.New(ErrCodeSymlinkDetected, "symlink component escapes base directory").
					WithContext("component", current).
					WithContext("resolved", resolved)
			}
		}
	}
	return nil
}

// IsSymlinkSafe reports whether no symlink component between baseDir and
// path resolves outside baseDir. Fail-closed boolean form of
// EnsureSymlinkSafe.
func IsSymlinkSafe(path, baseDir string) bool {
	return EnsureSymlinkSafe(path, baseDir) == nil
}

// checkRawPath rejects structurally dangerous input before any
// filesystem access.
func checkRawPath(path string) error {
	if path == "" {
		return errors.New(ErrCodeInvalidPath, "empty path")
	}
	if len(path) > maxPathLength {
		return errors.New(ErrCodeInvalidPath, "path exceeds maximum length")
	}
	if strings.ContainsRune(path, 0) {
		return errors.New(ErrCodeInvalidPath, "path contains null byte")
	}
	for _, r := range path {
		if r < 32 && r != '\t' {
			return errors.New(ErrCodeInvalidPath, "path contains control character")
		}
	}

	lower := strings.ToLower(path)
	for _, pattern := range traversalPatterns {
		if strings.Contains(lower, pattern) {
			return errors.New(ErrCodeUnsafePath, "path contains traversal pattern").
				WithContext("pattern", pattern)
		}
	}
	if lower == ".." || strings.HasSuffix(lower, string(filepath.Separator)+"..") || lower == "../" {
		return errors.New(ErrCodeUnsafePath, "path contains traversal pattern")
	}
	return nil
}

// canonicalizeBase resolves the base directory, which must exist.
func canonicalizeBase(baseDir string) (string, error) {
	absBase, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "cannot absolutize base directory")
	}
	resolved, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "cannot resolve base directory").
			WithContext("base_dir", baseDir)
	}
	return resolved, nil
}

// canonicalizeTarget resolves a target path that may not exist yet by
// resolving its deepest existing ancestor and rejoining the remainder.
func canonicalizeTarget(path string) (string, error) {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "cannot absolutize path")
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrap(err, ErrCodeInvalidPath, "cannot resolve path")
	}

	// Walk up to the deepest existing ancestor, resolve it, then rejoin
	// the missing suffix. filepath.Join cleans any ".." the suffix could
	// smuggle in, and the raw-path check already rejected encoded forms.
	dir := absPath
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New(ErrCodeInvalidPath, "cannot resolve any ancestor of path")
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent

		resolved, err = filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", errors.Wrap(err, ErrCodeInvalidPath, "cannot resolve path ancestor")
		}
	}
}

// isWithin reports whether path equals base or is a descendant of it.
// The trailing-separator comparison prevents prefix confusion between
// "/state" and "/stateevil".
func isWithin(path, base string) bool {
	if path == base {
		return true
	}
	if base == string(filepath.Separator) {
		return strings.HasPrefix(path, base)
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
