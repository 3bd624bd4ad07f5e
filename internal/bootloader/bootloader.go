// Package bootloader writes the platform bootloader's top-level
// configuration for a bootversion. Loader entries themselves are written by
// the deployment engine; a bootloader only points its own config at them.
package bootloader

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/schaermu/sysrootctl/internal/config"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

// Bootloader writes top-level bootloader configuration
type Bootloader interface {
	// Name identifies the bootloader in logs and errors
	Name() string
	// WriteConfig generates config referencing boot/loader.<bootversion>
	WriteConfig(ctx context.Context, bootversion int) error
}

// detector is a bootloader that can tell whether a sysroot uses it
type detector interface {
	Bootloader
	query() (bool, error)
}

// Detect returns the bootloader to use for the sysroot at root, or nil when
// there is none. With config.BootloaderAuto the sysroot's boot directory is
// inspected.
func Detect(root string, cfg config.BootloaderConfig) (Bootloader, error) {
	grub2 := NewGrub2(root, cfg.Grub2Mkconfig)
	uboot := NewUBoot(root)

	switch cfg.Type {
	case config.BootloaderNone:
		return nil, nil
	case config.BootloaderGrub2:
		return grub2, nil
	case config.BootloaderUBoot:
		return uboot, nil
	case config.BootloaderAuto, "":
		for _, b := range []detector{grub2, uboot} {
			ok, err := b.query()
			if err != nil {
				return nil, err
			}
			if ok {
				return b, nil
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown bootloader type %q", cfg.Type)
	}
}

// loaderDir returns boot/loader.<bootversion> under root
func loaderDir(root string, bootversion int) string {
	return filepath.Join(root, "boot", "loader."+strconv.Itoa(bootversion))
}

// ensureLink points linkPath at target unless it already does
func ensureLink(ctx context.Context, linkPath, target string) error {
	if current, err := fsutil.ReadLink(linkPath); err == nil && current == target {
		return nil
	}
	return fsutil.SymlinkSwap(ctx, linkPath, target)
}
