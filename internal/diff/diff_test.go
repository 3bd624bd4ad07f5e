package diff

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
}

func TestDirsIdentical(t *testing.T) {
	orig := t.TempDir()
	mod := t.TempDir()
	for _, root := range []string{orig, mod} {
		writeFile(t, filepath.Join(root, "passwd"), "root:x:0:0", 0644)
		writeFile(t, filepath.Join(root, "sub", "a.conf"), "a", 0644)
		if err := os.Symlink("passwd", filepath.Join(root, "link")); err != nil {
			t.Fatal(err)
		}
	}

	r, err := Dirs(context.Background(), orig, mod)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Empty() {
		t.Errorf("expected empty diff, got %+v", r)
	}
}

func TestDirsChanges(t *testing.T) {
	orig := t.TempDir()
	mod := t.TempDir()

	// unchanged
	writeFile(t, filepath.Join(orig, "hosts"), "127.0.0.1", 0644)
	writeFile(t, filepath.Join(mod, "hosts"), "127.0.0.1", 0644)
	// modified content, same size
	writeFile(t, filepath.Join(orig, "hostname"), "aaaa", 0644)
	writeFile(t, filepath.Join(mod, "hostname"), "bbbb", 0644)
	// modified mode
	writeFile(t, filepath.Join(orig, "sub", "secret"), "s", 0644)
	writeFile(t, filepath.Join(mod, "sub", "secret"), "s", 0600)
	// removed file and removed directory
	writeFile(t, filepath.Join(orig, "old.conf"), "x", 0644)
	writeFile(t, filepath.Join(orig, "olddir", "f"), "x", 0644)
	// added file inside existing dir and added directory
	writeFile(t, filepath.Join(mod, "sub", "new.conf"), "n", 0644)
	writeFile(t, filepath.Join(mod, "newdir", "deep", "f"), "n", 0644)
	// directory replaced by a file
	writeFile(t, filepath.Join(orig, "swap", "inner"), "x", 0644)
	writeFile(t, filepath.Join(mod, "swap"), "now a file", 0644)
	// symlink target change
	if err := os.Symlink("a", filepath.Join(orig, "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("b", filepath.Join(mod, "link")); err != nil {
		t.Fatal(err)
	}

	r, err := Dirs(context.Background(), orig, mod)
	if err != nil {
		t.Fatal(err)
	}

	sorted := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if diff := cmp.Diff([]string{"newdir", "sub/new.conf"}, r.Added, sorted); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"old.conf", "olddir"}, r.Removed, sorted); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"hostname", "link", "sub/secret", "swap"}, r.Modified, sorted); diff != "" {
		t.Errorf("modified mismatch (-want +got):\n%s", diff)
	}
}

func TestDirsMissingOrig(t *testing.T) {
	mod := t.TempDir()
	writeFile(t, filepath.Join(mod, "a"), "a", 0644)
	writeFile(t, filepath.Join(mod, "d", "b"), "b", 0644)

	r, err := Dirs(context.Background(), filepath.Join(t.TempDir(), "missing"), mod)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "d"}, r.Added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
}

func TestDirsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dirs(ctx, t.TempDir(), t.TempDir()); err == nil {
		t.Error("expected cancellation error")
	}
}
