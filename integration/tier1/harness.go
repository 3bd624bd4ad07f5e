//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	defaultTimeout = 5 * time.Minute
	shimLogName    = "grub2-mkconfig.log"
)

// Harness builds the sysrootctl binary once and runs it against a scratch
// sysroot with a fake grub2-mkconfig on PATH
type Harness struct {
	t          *testing.T
	binary     string
	Sysroot    string
	configPath string
	shimDir    string
}

// NewHarness creates a new test harness with an empty sysroot
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	work := t.TempDir()
	return &Harness{
		t:          t,
		binary:     filepath.Join(work, "sysrootctl"),
		Sysroot:    filepath.Join(work, "sysroot"),
		configPath: filepath.Join(work, "config.yaml"),
		shimDir:    filepath.Join(work, "shim"),
	}
}

// Build compiles the binary from the project root
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/sysrootctl")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Setup writes the config, the fake grub2-mkconfig and the grub2 marker
// file bootloader detection looks for
func (h *Harness) Setup() error {
	h.t.Helper()

	for _, dir := range []string{h.Sysroot, h.shimDir, filepath.Join(h.Sysroot, "boot", "grub2")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(h.Sysroot, "boot", "grub2", "grub.cfg"), []byte("# placeholder\n"), 0644); err != nil {
		return err
	}

	// The shim appends "<bootversion> <args>" and writes a config the loader
	// directory can be checked for
	shim := fmt.Sprintf(`#!/bin/sh
echo "$_OSTREE_GRUB2_BOOTVERSION $*" >> %s
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; echo "# generated" > "$1"; fi
  shift
done
`, h.ShimLogPath())
	if err := os.WriteFile(filepath.Join(h.shimDir, "grub2-mkconfig"), []byte(shim), 0755); err != nil {
		return err
	}

	config := fmt.Sprintf(`sysroot:
  path: %q
  root_path: %q
deploy:
  osname: testos
bootloader:
  type: auto
  grub2_mkconfig: %q
`, h.Sysroot, h.RootPath(), filepath.Join(h.shimDir, "grub2-mkconfig"))
	return os.WriteFile(h.configPath, []byte(config), 0644)
}

// RootPath stands in for the running root. Boot makes it a link to a
// deployment.
func (h *Harness) RootPath() string {
	return filepath.Join(filepath.Dir(h.Sysroot), "running-root")
}

// Boot points the running root at the deployment directory name of osname
func (h *Harness) Boot(osname, name string) error {
	_ = os.Remove(h.RootPath())
	return os.Symlink(filepath.Join(h.Sysroot, "ostree", "deploy", osname, "deploy", name), h.RootPath())
}

// ShimLogPath is where the fake grub2-mkconfig records its invocations
func (h *Harness) ShimLogPath() string {
	return filepath.Join(h.shimDir, shimLogName)
}

// Run executes sysrootctl with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.configPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes sysrootctl and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("sysrootctl failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteTree writes an OS tree with the given kernel checksum and extra files
func (h *Harness) WriteTree(dir, bootcsum string, extra map[string]string) error {
	h.t.Helper()
	files := map[string]string{
		"boot/vmlinuz-" + bootcsum:   "kernel " + bootcsum,
		"boot/initramfs-" + bootcsum: "initramfs " + bootcsum,
		"usr/etc/os-release":         "ID=testos\nPRETTY_NAME=\"Test OS\"\n",
	}
	for k, v := range extra {
		files[k] = v
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ReadShimLog reads and parses the grub2-mkconfig shim log
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	h.t.Helper()
	content, err := os.ReadFile(h.ShimLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "1 -o /sysroot/boot/loader.1/grub.cfg"
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		entries = append(entries, ShimLogEntry{
			Bootversion: parts[0],
			Args:        strings.Fields(parts[1]),
		})
	}

	return entries, scanner.Err()
}

// ShimLogEntry represents one grub2-mkconfig invocation
type ShimLogEntry struct {
	Bootversion string
	Args        []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("bootversion %s: grub2-mkconfig %s", e.Bootversion, strings.Join(e.Args, " "))
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
