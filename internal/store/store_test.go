package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/sysrootctl/internal/checksum"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/testutil"
)

func TestCommitResolveCheckout(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(filepath.Join(t.TempDir(), "repo"))

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"usr/bin/true":       "#!/bin/sh\n",
		"usr/etc/os-release": "ID=testos\n",
	})
	testutil.Symlink(t, "usr/bin", filepath.Join(src, "bin"))

	csum, err := s.Commit(ctx, src, "testos/stable")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !checksum.IsValid(csum) {
		t.Fatalf("Commit returned invalid checksum %q", csum)
	}

	resolved, err := s.Resolve(ctx, "testos/stable")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != csum {
		t.Errorf("Resolve = %s, want %s", resolved, csum)
	}

	tree, err := s.ReadTree(ctx, csum)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if tree.Checksum != csum {
		t.Errorf("tree checksum = %s", tree.Checksum)
	}

	dest := filepath.Join(t.TempDir(), "checkout")
	if err := s.Checkout(ctx, tree, dest); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if got := testutil.ReadFile(t, filepath.Join(dest, "usr", "etc", "os-release")); got != "ID=testos\n" {
		t.Errorf("os-release = %q", got)
	}
	if got := testutil.ReadLink(t, filepath.Join(dest, "bin")); got != "usr/bin" {
		t.Errorf("bin link = %q", got)
	}

	if err := s.Checkout(ctx, tree, dest); err == nil {
		t.Error("expected error checking out over an existing directory")
	}
}

func TestCommitIdenticalContent(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(filepath.Join(t.TempDir(), "repo"))

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"a": "1"})

	first, err := s.Commit(ctx, src, "main")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Commit(ctx, src, "origin:main")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("identical content gave %s and %s", first, second)
	}

	resolved, err := s.Resolve(ctx, "origin:main")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != first {
		t.Errorf("remote ref resolved to %s", resolved)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, "trees"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected a single stored tree, got %d", len(entries))
	}
}

func TestTreeDigest(t *testing.T) {
	ctx := context.Background()

	a := t.TempDir()
	testutil.WriteTree(t, a, map[string]string{"f": "one", "d/g": "two"})
	b := t.TempDir()
	testutil.WriteTree(t, b, map[string]string{"f": "one", "d/g": "two"})

	sumA, err := TreeDigest(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	sumB, err := TreeDigest(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if sumA != sumB {
		t.Errorf("identical trees differ: %s vs %s", sumA, sumB)
	}

	testutil.WriteTree(t, b, map[string]string{"d/g": "changed"})
	sumB, err = TreeDigest(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if sumA == sumB {
		t.Error("content change did not change the digest")
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	csum := strings.Repeat("ab", 32)

	got, err := s.Resolve(ctx, csum)
	if err != nil || got != csum {
		t.Errorf("Resolve(checksum) = %q, %v", got, err)
	}

	if _, err := s.Resolve(ctx, "missing"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	testutil.WriteTree(t, s.root, map[string]string{"refs/heads/broken": "not-a-checksum\n"})
	if _, err := s.Resolve(ctx, "broken"); err == nil {
		t.Error("expected error for malformed ref")
	}

	if _, err := s.Resolve(ctx, ":bad"); err == nil {
		t.Error("expected error for invalid refspec")
	}
}

func TestReadTreeErrors(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	if _, err := s.ReadTree(ctx, "short"); err == nil {
		t.Error("expected error for malformed checksum")
	}
	if _, err := s.ReadTree(ctx, strings.Repeat("0", 64)); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.ReadTree(cancelled, strings.Repeat("0", 64)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
