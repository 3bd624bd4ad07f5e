package bootloader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

// Grub2 regenerates grub.cfg by shelling out to grub2-mkconfig
type Grub2 struct {
	root     string
	mkconfig string
}

// NewGrub2 creates a grub2 bootloader for the sysroot at root. mkconfig is
// the grub2-mkconfig command to run.
func NewGrub2(root, mkconfig string) *Grub2 {
	if mkconfig == "" {
		mkconfig = "grub2-mkconfig"
	}
	return &Grub2{root: root, mkconfig: mkconfig}
}

// Name returns "grub2"
func (g *Grub2) Name() string {
	return "grub2"
}

func (g *Grub2) configLink() string {
	return filepath.Join(g.root, "boot", "grub2", "grub.cfg")
}

func (g *Grub2) query() (bool, error) {
	ok, err := fsutil.Exists(g.configLink())
	if err != nil {
		return false, errdefs.Bootloader(g.Name(), err)
	}
	return ok, nil
}

// WriteConfig runs grub2-mkconfig into boot/loader.<bootversion>/grub.cfg
// and makes boot/grub2/grub.cfg follow the active loader directory.
func (g *Grub2) WriteConfig(ctx context.Context, bootversion int) error {
	out := filepath.Join(loaderDir(g.root, bootversion), "grub.cfg")
	if err := fsutil.EnsureDir(filepath.Dir(out)); err != nil {
		return errdefs.Bootloader(g.Name(), err)
	}

	cmd := exec.CommandContext(ctx, g.mkconfig, "-o", out)
	// grub.d scripts pick the loader entries directory from this
	cmd.Env = append(os.Environ(), "_OSTREE_GRUB2_BOOTVERSION="+strconv.Itoa(bootversion))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errdefs.Bootloader(g.Name(), fmt.Errorf("%s failed: %w: %s", g.mkconfig, err, strings.TrimSpace(string(output))))
	}

	if err := ensureLink(ctx, g.configLink(), "../loader/grub.cfg"); err != nil {
		return errdefs.Bootloader(g.Name(), err)
	}
	return nil
}
