// pathval_test.go: Testing Bastion Path Validation
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bastion

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestEnsurePathInDirectory(t *testing.T) {
	base := t.TempDir()

	t.Run("accepts_path_inside_base", func(t *testing.T) {
		target := filepath.Join(base, "state", "task.json")
		if err := EnsurePathInDirectory(target, base); err != nil {
			t.Errorf("path inside base rejected: %v", err)
		}
	})

	t.Run("accepts_base_itself", func(t *testing.T) {
		if err := EnsurePathInDirectory(base, base); err != nil {
			t.Errorf("base itself rejected: %v", err)
		}
	})

	t.Run("accepts_missing_target", func(t *testing.T) {
		target := filepath.Join(base, "not", "yet", "created.txt")
		if err := EnsurePathInDirectory(target, base); err != nil {
			t.Errorf("missing target inside base rejected: %v", err)
		}
	})

	t.Run("rejects_path_outside_base", func(t *testing.T) {
		if err := EnsurePathInDirectory("/etc/passwd", base); err == nil {
			t.Error("path outside base accepted")
		}
	})

	t.Run("rejects_traversal", func(t *testing.T) {
		inputs := []string{
			filepath.Join(base, "..", "escape"),
			base + "/subdir/../../escape",
			"../../../etc/passwd",
			"..",
		}
		for _, input := range inputs {
			if err := EnsurePathInDirectory(input, base); err == nil {
				t.Errorf("traversal input %q accepted", input)
			}
		}
	})

	t.Run("rejects_encoded_traversal", func(t *testing.T) {
		inputs := []string{
			base + "/%2e%2e%2fescape",
			base + "/..%2fescape",
			base + "/%252e%252e%252fescape",
		}
		for _, input := range inputs {
			if err := EnsurePathInDirectory(input, base); err == nil {
				t.Errorf("encoded traversal %q accepted", input)
			}
		}
	})

	t.Run("rejects_sibling_prefix_confusion", func(t *testing.T) {
		// "/tmp/xyz-evil" must not pass as inside "/tmp/xyz".
		sibling := base + "evil"
		if err := os.MkdirAll(sibling, 0755); err != nil {
			t.Fatalf("mkdir sibling: %v", err)
		}
		defer func() { _ = os.RemoveAll(sibling) }()

		if err := EnsurePathInDirectory(filepath.Join(sibling, "f"), base); err == nil {
			t.Error("sibling directory sharing the base prefix accepted")
		}
	})

	t.Run("rejects_empty_inputs", func(t *testing.T) {
		if err := EnsurePathInDirectory("", base); err == nil {
			t.Error("empty path accepted")
		}
		if err := EnsurePathInDirectory(filepath.Join(base, "f"), ""); err == nil {
			t.Error("empty base accepted")
		}
	})

	t.Run("rejects_null_byte", func(t *testing.T) {
		if err := EnsurePathInDirectory(base+"/bad\x00name", base); err == nil {
			t.Error("null byte in path accepted")
		}
	})

	t.Run("rejects_overlong_path", func(t *testing.T) {
		long := filepath.Join(base, strings.Repeat("a", maxPathLength))
		if err := EnsurePathInDirectory(long, base); err == nil {
			t.Error("overlong path accepted")
		}
	})

	t.Run("rejects_missing_base", func(t *testing.T) {
		missing := filepath.Join(base, "no-such-base")
		if err := EnsurePathInDirectory(filepath.Join(missing, "f"), missing); err == nil {
			t.Error("non-existent base accepted")
		}
	})
}

func TestEnsurePathInDirectorySymlinkedTarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	base := t.TempDir()
	outside := t.TempDir()

	victim := filepath.Join(outside, "victim.txt")
	if err := os.WriteFile(victim, []byte("data"), 0644); err != nil {
		t.Fatalf("write victim: %v", err)
	}

	link := filepath.Join(base, "innocent.txt")
	if err := os.Symlink(victim, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	// The link lives inside base but resolves outside it.
	if err := EnsurePathInDirectory(link, base); err == nil {
		t.Error("symlink escaping the base accepted")
	}
	if ValidatePathInDirectory(link, base) {
		t.Error("ValidatePathInDirectory returned true for escaping symlink")
	}
}

func TestEnsureSymlinkSafe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	base := t.TempDir()
	outside := t.TempDir()

	t.Run("plain_file_is_safe", func(t *testing.T) {
		target := filepath.Join(base, "plain.txt")
		if err := os.WriteFile(target, []byte("x"), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := EnsureSymlinkSafe(target, base); err != nil {
			t.Errorf("plain file rejected: %v", err)
		}
	})

	t.Run("missing_file_is_safe", func(t *testing.T) {
		if err := EnsureSymlinkSafe(filepath.Join(base, "future.txt"), base); err != nil {
			t.Errorf("missing file rejected: %v", err)
		}
	})

	t.Run("internal_symlink_is_safe", func(t *testing.T) {
		real := filepath.Join(base, "real.txt")
		if err := os.WriteFile(real, []byte("x"), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		link := filepath.Join(base, "alias.txt")
		if err := os.Symlink(real, link); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if err := EnsureSymlinkSafe(link, base); err != nil {
			t.Errorf("internal symlink rejected: %v", err)
		}
	})

	t.Run("escaping_file_symlink_rejected", func(t *testing.T) {
		link := filepath.Join(base, "escape.txt")
		if err := os.Symlink(filepath.Join(outside, "target"), link); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		err := EnsureSymlinkSafe(link, base)
		if err == nil {
			t.Fatal("escaping symlink accepted")
		}
		if code := GetErrorCode(err); code != ErrCodeSymlinkDetected {
			t.Errorf("error code = %s, want %s", code, ErrCodeSymlinkDetected)
		}
	})

	t.Run("escaping_directory_symlink_rejected", func(t *testing.T) {
		dirLink := filepath.Join(base, "dirlink")
		if err := os.Symlink(outside, dirLink); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if err := EnsureSymlinkSafe(filepath.Join(dirLink, "file.txt"), base); err == nil {
			t.Error("file under escaping directory symlink accepted")
		}
	})

	t.Run("path_outside_base_rejected", func(t *testing.T) {
		if err := EnsureSymlinkSafe(filepath.Join(outside, "f"), base); err == nil {
			t.Error("path outside base accepted")
		}
	})

	t.Run("boolean_wrapper", func(t *testing.T) {
		if !IsSymlinkSafe(filepath.Join(base, "plain.txt"), base) {
			t.Error("IsSymlinkSafe false for safe path")
		}
		if IsSymlinkSafe("", base) {
			t.Error("IsSymlinkSafe true for empty path")
		}
	})
}
