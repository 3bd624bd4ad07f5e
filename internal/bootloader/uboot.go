package bootloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

// UBoot writes a uEnv.txt naming the default loader entry's kernel,
// initramfs and arguments
type UBoot struct {
	root string
}

// NewUBoot creates a u-boot bootloader for the sysroot at root
func NewUBoot(root string) *UBoot {
	return &UBoot{root: root}
}

// Name returns "uboot"
func (u *UBoot) Name() string {
	return "uboot"
}

func (u *UBoot) envLink() string {
	return filepath.Join(u.root, "boot", "uEnv.txt")
}

func (u *UBoot) query() (bool, error) {
	ok, err := fsutil.Exists(u.envLink())
	if err != nil {
		return false, errdefs.Bootloader(u.Name(), err)
	}
	return ok, nil
}

// WriteConfig renders boot/loader.<bootversion>/uEnv.txt from the entry
// with the highest version and makes boot/uEnv.txt follow the active
// loader directory.
func (u *UBoot) WriteConfig(ctx context.Context, bootversion int) error {
	dir := loaderDir(u.root, bootversion)
	entry, err := defaultEntry(filepath.Join(dir, "entries"))
	if err != nil {
		return errdefs.Bootloader(u.Name(), err)
	}

	var buf bytes.Buffer
	for _, kv := range [][2]string{
		{"kernel_image", bootconfig.KeyLinux},
		{"ramdisk_image", bootconfig.KeyInitrd},
		{"bootargs", bootconfig.KeyOptions},
	} {
		if val, ok := entry.Get(kv[1]); ok {
			fmt.Fprintf(&buf, "%s=%s\n", kv[0], val)
		}
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(dir, "uEnv.txt"), buf.Bytes(), 0644); err != nil {
		return errdefs.Bootloader(u.Name(), err)
	}
	if err := ensureLink(ctx, u.envLink(), "loader/uEnv.txt"); err != nil {
		return errdefs.Bootloader(u.Name(), err)
	}
	return nil
}

// defaultEntry returns the loader entry with the highest version
func defaultEntry(entriesDir string) (*bootconfig.Config, error) {
	entries, err := os.ReadDir(entriesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no loader entries in %s: %w", entriesDir, errdefs.ErrNotFound)
		}
		return nil, errdefs.IO("readdir", entriesDir, err)
	}

	type versioned struct {
		version int
		cfg     *bootconfig.Config
	}
	var configs []versioned
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		cfg, err := bootconfig.Load(filepath.Join(entriesDir, e.Name()))
		if err != nil {
			return nil, err
		}
		v, _ := cfg.Get(bootconfig.KeyVersion)
		n, _ := strconv.Atoi(v)
		configs = append(configs, versioned{version: n, cfg: cfg})
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no loader entries in %s: %w", entriesDir, errdefs.ErrNotFound)
	}

	sort.SliceStable(configs, func(i, j int) bool {
		return configs[i].version > configs[j].version
	})
	return configs[0].cfg, nil
}
