package testutil

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTree(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{
		"etc/hosts":  "127.0.0.1 localhost",
		"var/empty/": "",
	})

	if got := ReadFile(t, filepath.Join(root, "etc", "hosts")); got != "127.0.0.1 localhost" {
		t.Errorf("hosts = %q", got)
	}
	if !Exists(t, filepath.Join(root, "var", "empty")) {
		t.Error("expected var/empty to exist")
	}
	if Exists(t, filepath.Join(root, "missing")) {
		t.Error("missing should not exist")
	}
}

func TestOSTree(t *testing.T) {
	root := t.TempDir()
	csum := strings.Repeat("a", 64)
	OSTree(t, root, csum, "Test OS", map[string]string{"usr/etc/hostname": "box"})

	for _, rel := range []string{"boot/vmlinuz-" + csum, "boot/initramfs-" + csum, "usr/etc/os-release", "usr/etc/hostname"} {
		if !Exists(t, filepath.Join(root, rel)) {
			t.Errorf("expected %s to exist", rel)
		}
	}

	Symlink(t, "usr/etc", filepath.Join(root, "etc-link"))
	if got := ReadLink(t, filepath.Join(root, "etc-link")); got != "usr/etc" {
		t.Errorf("link target = %q", got)
	}
}
