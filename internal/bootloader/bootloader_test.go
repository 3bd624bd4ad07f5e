package bootloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/schaermu/sysrootctl/internal/config"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/testutil"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		typ      config.BootloaderType
		files    map[string]string
		wantName string
	}{
		{"none", config.BootloaderNone, map[string]string{"boot/grub2/grub.cfg": ""}, ""},
		{"forced grub2", config.BootloaderGrub2, nil, "grub2"},
		{"forced uboot", config.BootloaderUBoot, nil, "uboot"},
		{"auto grub2", config.BootloaderAuto, map[string]string{"boot/grub2/grub.cfg": ""}, "grub2"},
		{"auto uboot", config.BootloaderAuto, map[string]string{"boot/uEnv.txt": ""}, "uboot"},
		{"auto prefers grub2", config.BootloaderAuto, map[string]string{"boot/grub2/grub.cfg": "", "boot/uEnv.txt": ""}, "grub2"},
		{"auto nothing", config.BootloaderAuto, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			testutil.WriteTree(t, root, tt.files)

			b, err := Detect(root, config.BootloaderConfig{Type: tt.typ})
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if tt.wantName == "" {
				if b != nil {
					t.Errorf("expected no bootloader, got %s", b.Name())
				}
				return
			}
			if b == nil {
				t.Fatalf("expected %s, got none", tt.wantName)
			}
			if b.Name() != tt.wantName {
				t.Errorf("Name() = %s, want %s", b.Name(), tt.wantName)
			}
		})
	}

	if _, err := Detect(t.TempDir(), config.BootloaderConfig{Type: "lilo"}); err == nil {
		t.Error("expected error for unknown bootloader type")
	}
}

// fakeMkconfig writes a grub2-mkconfig stand-in that records the
// bootversion it was run for into the -o file.
func fakeMkconfig(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grub2-mkconfig")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" != \"-o\" ]; then exit 2; fi\n" +
		"echo \"bootversion=$_OSTREE_GRUB2_BOOTVERSION\" > \"$2\"\n" +
		"echo mkconfig-output >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGrub2WriteConfig(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"boot/grub2/grub.cfg": "legacy"})

	g := NewGrub2(root, fakeMkconfig(t, 0))
	if err := g.WriteConfig(ctx, 1); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	if got := testutil.ReadFile(t, filepath.Join(root, "boot", "loader.1", "grub.cfg")); got != "bootversion=1\n" {
		t.Errorf("grub.cfg = %q", got)
	}
	if got := testutil.ReadLink(t, filepath.Join(root, "boot", "grub2", "grub.cfg")); got != "../loader/grub.cfg" {
		t.Errorf("grub.cfg link = %q", got)
	}

	// A second run leaves the link alone
	if err := g.WriteConfig(ctx, 0); err != nil {
		t.Fatalf("second WriteConfig: %v", err)
	}
	if got := testutil.ReadFile(t, filepath.Join(root, "boot", "loader.0", "grub.cfg")); got != "bootversion=0\n" {
		t.Errorf("grub.cfg = %q", got)
	}
}

func TestGrub2WriteConfigFailure(t *testing.T) {
	root := t.TempDir()
	g := NewGrub2(root, fakeMkconfig(t, 1))

	err := g.WriteConfig(context.Background(), 1)
	if !errors.Is(err, errdefs.ErrBootloader) {
		t.Fatalf("expected ErrBootloader, got %v", err)
	}
	if !strings.Contains(err.Error(), "mkconfig-output") {
		t.Errorf("error should carry command output: %v", err)
	}
}

func TestUBootWriteConfig(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{
		"boot/loader.1/entries/ostree-testos-0.conf": "title ostree:testos:0 Test OS\n" +
			"version 2\n" +
			"linux /ostree/testos-abc/vmlinuz\n" +
			"initrd /ostree/testos-abc/initramfs\n" +
			"options quiet ostree=/ostree/boot.1/testos/abc/0\n",
		"boot/loader.1/entries/ostree-testos-1.conf": "title ostree:testos:1 Test OS\n" +
			"version 1\n" +
			"linux /ostree/testos-def/vmlinuz\n" +
			"options ostree=/ostree/boot.1/testos/def/0\n",
	})

	u := NewUBoot(root)
	if err := u.WriteConfig(ctx, 1); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	want := "kernel_image=/ostree/testos-abc/vmlinuz\n" +
		"ramdisk_image=/ostree/testos-abc/initramfs\n" +
		"bootargs=quiet ostree=/ostree/boot.1/testos/abc/0\n"
	if got := testutil.ReadFile(t, filepath.Join(root, "boot", "loader.1", "uEnv.txt")); got != want {
		t.Errorf("uEnv.txt = %q, want %q", got, want)
	}
	if got := testutil.ReadLink(t, filepath.Join(root, "boot", "uEnv.txt")); got != "loader/uEnv.txt" {
		t.Errorf("uEnv.txt link = %q", got)
	}
}

func TestUBootWriteConfigNoEntries(t *testing.T) {
	err := NewUBoot(t.TempDir()).WriteConfig(context.Background(), 0)
	if !errors.Is(err, errdefs.ErrBootloader) || !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrBootloader wrapping ErrNotFound, got %v", err)
	}
}
