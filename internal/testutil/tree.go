package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Logger returns a logger that only reports errors, for use in tests
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// WriteTree creates files under root. Keys are slash-separated relative
// paths; a key ending in "/" creates an empty directory.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// Symlink creates a symlink at path pointing to target, creating parents
func Symlink(t *testing.T, target, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, path); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of path, failing the test on error
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// ReadLink returns the target of the symlink at path, failing the test on error
func ReadLink(t *testing.T, path string) string {
	t.Helper()
	target, err := os.Readlink(path)
	if err != nil {
		t.Fatal(err)
	}
	return target
}

// Exists reports whether path exists, without following symlinks
func Exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Lstat(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return false
}

// OSTree writes a minimal bootable OS tree into dir: a kernel and initramfs
// suffixed with bootcsum, and a /usr/etc/os-release naming prettyName.
// Extra files are written on top.
func OSTree(t *testing.T, dir, bootcsum, prettyName string, extra map[string]string) {
	t.Helper()
	files := map[string]string{
		"boot/vmlinuz-" + bootcsum:   "kernel " + bootcsum,
		"boot/initramfs-" + bootcsum: "initramfs " + bootcsum,
		"usr/etc/os-release":         "ID=testos\nPRETTY_NAME=\"" + prettyName + "\"\n",
		"usr/bin/true":               "#!/bin/sh\n",
	}
	for k, v := range extra {
		files[k] = v
	}
	WriteTree(t, dir, files)
}
