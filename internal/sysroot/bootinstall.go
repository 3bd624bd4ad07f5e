package sysroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/kargs"
	"github.com/schaermu/sysrootctl/internal/osrelease"
)

// installDeploymentKernel stages d's kernel and initramfs in the shared
// boot/ostree/<osname>-<bootcsum> directory and writes its loader entry
// into boot/loader.<bootversion>. total is the number of deployments in
// the new list.
func (s *Sysroot) installDeploymentKernel(ctx context.Context, bootversion int, d *Deployment, total int) error {
	deployPath := s.DeploymentPath(d)
	kernel, err := FindKernel(filepath.Join(deployPath, "boot"))
	if err != nil {
		return err
	}

	stageDir := s.bootcsumDir(d.OSName, kernel.Bootcsum)
	if err := fsutil.EnsureDir(stageDir); err != nil {
		return err
	}
	kernelDest := stagedName(kernel.KernelName)
	if err := stageBootFile(ctx, kernel.KernelPath(), filepath.Join(stageDir, kernelDest)); err != nil {
		return err
	}
	initramfsDest := ""
	if kernel.InitramfsName != "" {
		initramfsDest = stagedName(kernel.InitramfsName)
		if err := stageBootFile(ctx, kernel.InitramfsPath(), filepath.Join(stageDir, initramfsDest)); err != nil {
			return err
		}
	}

	osRelease, err := osrelease.Load(filepath.Join(deployPath, "etc", "os-release"))
	if err != nil {
		return err
	}
	name := osRelease["PRETTY_NAME"]
	if name == "" {
		name = osRelease["ID"]
	}
	if name == "" {
		return fmt.Errorf("os-release has neither PRETTY_NAME nor ID: %w", errdefs.ErrMissingField)
	}

	// Paths in loader entries are relative to the boot partition
	bootRelDir := "/" + filepath.ToSlash(filepath.Join("ostree", d.OSName+"-"+kernel.Bootcsum))

	entry := bootconfig.New()
	entry.Set(bootconfig.KeyTitle, fmt.Sprintf("ostree:%s:%d %s", d.OSName, d.Index, name))
	entry.Set(bootconfig.KeyVersion, strconv.Itoa(total-d.Index))
	entry.Set(bootconfig.KeyLinux, bootRelDir+"/"+kernelDest)
	if initramfsDest != "" {
		entry.Set(bootconfig.KeyInitrd, bootRelDir+"/"+initramfsDest)
	}
	if d.BootConfig != nil {
		for _, key := range d.BootConfig.Keys() {
			if _, ok := entry.Get(key); ok {
				continue
			}
			val, _ := d.BootConfig.Get(key)
			entry.Set(key, val)
		}
	}

	opts, _ := entry.Get(bootconfig.KeyOptions)
	args := kargs.Parse(opts)
	args.Replace("ostree", d.BootlinkPath(bootversion))
	entry.Set(bootconfig.KeyOptions, args.String())
	d.BootConfig = entry

	entryPath := filepath.Join(s.loaderDir(bootversion), "entries", fmt.Sprintf("ostree-%s-%d.conf", d.OSName, d.Index))
	return entry.Write(entryPath)
}

// stageBootFile copies src to dest unless dest already exists. Deployments
// sharing a bootcsum share the staged files.
func stageBootFile(ctx context.Context, src, dest string) error {
	exists, err := fsutil.Exists(dest)
	if err != nil || exists {
		return err
	}

	tmp := fsutil.TempPath(filepath.Dir(dest))
	if err := fsutil.CopyFileSync(ctx, src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return errdefs.IO("rename", dest, err)
	}
	return nil
}
