package sysroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/kargs"
)

// WriteDeployments makes deployments, in boot order, the active set.
//
// When every bootcsum keeps its deployment count only the bootlinks of the
// current bootversion are regenerated and swapped in. Otherwise loader
// entries are written for the other bootversion and boot/loader is swapped
// to it. Either way the swap is the single commit point: a failure before it
// leaves the previous configuration intact, and Cleanup followed by a retry
// recovers.
//
// The sysroot is reloaded and cleaned up after the commit.
func (s *Sysroot) WriteDeployments(ctx context.Context, deployments []*Deployment) error {
	if s.state == nil {
		return errors.New("sysroot not loaded")
	}
	current := s.state

	assignBootserials(deployments)

	if current.Booted != nil && !containsDeployment(deployments, current.Booted) {
		return fmt.Errorf("%s: %w", current.Booted, errdefs.ErrCannotRemoveBooted)
	}

	if !requiresNewBootversion(current.Deployments, deployments) {
		s.logger.Info("swapping bootlinks", "bootversion", current.Bootversion)
		s.warnUnappliedOptions(current.Deployments, deployments)
		if err := s.swapBootlinks(ctx, current.Bootversion, deployments); err != nil {
			return fmt.Errorf("swapping current bootlinks: %w", err)
		}
	} else {
		newBootversion := 1 - current.Bootversion
		s.logger.Info("writing new bootversion",
			"bootversion", newBootversion,
			"deployments", len(deployments))

		// The inactive loader directory may hold a failed attempt
		if err := fsutil.RemoveAll(ctx, s.loaderDir(newBootversion)); err != nil {
			return fmt.Errorf("removing stale loader: %w", err)
		}
		if err := fsutil.EnsureDir(filepath.Join(s.loaderDir(newBootversion), "entries")); err != nil {
			return err
		}

		for _, d := range deployments {
			if err := s.installDeploymentKernel(ctx, newBootversion, d, len(deployments)); err != nil {
				return fmt.Errorf("installing kernel: %w", err)
			}
		}

		if err := s.swapBootlinks(ctx, newBootversion, deployments); err != nil {
			return fmt.Errorf("generating new bootlinks: %w", err)
		}

		if s.bootloader != nil {
			s.logger.Info("writing bootloader config", "bootloader", s.bootloader.Name(), "bootversion", newBootversion)
			if err := s.bootloader.WriteConfig(ctx, newBootversion); err != nil {
				return fmt.Errorf("bootloader write config: %w", err)
			}
		}

		if err := fsutil.Sync(ctx); err != nil {
			return fmt.Errorf("full sync: %w", err)
		}

		if err := s.swapBootloader(ctx, current.Bootversion, newBootversion); err != nil {
			return fmt.Errorf("final bootloader swap: %w", err)
		}
	}

	s.logger.Info("transaction complete", "deployments", len(deployments))

	if err := s.Load(ctx); err != nil {
		return fmt.Errorf("reloading deployments after commit: %w", err)
	}
	if err := s.createCurrentSymlinks(ctx); err != nil {
		s.logger.Warn("failed to update current symlinks", "error", err)
	}
	if err := s.Cleanup(ctx); err != nil {
		return fmt.Errorf("performing final cleanup: %w", err)
	}
	return nil
}

// requiresNewBootversion reports whether the loader entries must change:
// when the number of deployments or of deployments per bootcsum differs.
func requiresNewBootversion(current, proposed []*Deployment) bool {
	if len(current) != len(proposed) {
		return true
	}
	currentCounts := bootcsumCounts(current)
	proposedCounts := bootcsumCounts(proposed)
	if len(currentCounts) != len(proposedCounts) {
		return true
	}
	for bootcsum, n := range currentCounts {
		if proposedCounts[bootcsum] != n {
			return true
		}
	}
	return false
}

// warnUnappliedOptions logs proposed deployments whose boot options differ
// from the loader entry they take over. A bootlink swap leaves the entries
// untouched, so those options do not apply until the next new bootversion.
func (s *Sysroot) warnUnappliedOptions(current, proposed []*Deployment) {
	for _, d := range proposed {
		if d.BootConfig == nil {
			continue
		}
		for _, c := range current {
			if c.OSName != d.OSName || c.Bootcsum != d.Bootcsum || c.Bootserial != d.Bootserial {
				continue
			}
			if c.BootConfig == nil {
				break
			}
			want, entry := kernelOptions(d.BootConfig), kernelOptions(c.BootConfig)
			if want != entry {
				s.logger.Warn("kernel arguments not applied by bootlink swap",
					"deployment", d.String(),
					"options", want,
					"entry_options", entry)
			}
			break
		}
	}
}

// kernelOptions returns the options of bc without the ostree= root
// argument, which names the bootlink and not the deployment.
func kernelOptions(bc *bootconfig.Config) string {
	opts, _ := bc.Get(bootconfig.KeyOptions)
	args := kargs.Parse(opts)
	args.Delete("ostree")
	return args.String()
}

func containsDeployment(deployments []*Deployment, target *Deployment) bool {
	for _, d := range deployments {
		if d.Equal(target) {
			return true
		}
	}
	return false
}

// swapBootlinks fills the unused ostree/boot.<bootversion>.<sub> directory
// with one link per deployment, then swaps ostree/boot.<bootversion> to it.
func (s *Sysroot) swapBootlinks(ctx context.Context, bootversion int, deployments []*Deployment) error {
	oldSub := 0
	if bootversion == s.state.Bootversion {
		oldSub = s.state.Subbootversion
	} else {
		var err error
		oldSub, err = readVersionLink(s.bootlinkLink(bootversion), "boot."+strconv.Itoa(bootversion)+".")
		if err != nil {
			return err
		}
	}
	newSub := 1 - oldSub

	dir := s.bootlinkDir(bootversion, newSub)
	if err := fsutil.RemoveAll(ctx, dir); err != nil {
		return err
	}
	for _, d := range deployments {
		if err := ctx.Err(); err != nil {
			return err
		}
		link := filepath.Join(dir, d.OSName, d.Bootcsum, strconv.Itoa(d.Bootserial))
		if err := fsutil.EnsureDir(filepath.Dir(link)); err != nil {
			return err
		}
		target := filepath.Join("..", "..", "..", "deploy", d.OSName, "deploy", d.Name())
		if err := os.Symlink(target, link); err != nil {
			return errdefs.IO("symlink", link, err)
		}
	}

	if err := fsutil.Sync(ctx); err != nil {
		return err
	}
	return fsutil.SymlinkSwap(ctx, s.bootlinkLink(bootversion), filepath.Base(dir))
}

// swapBootloader points boot/loader at loader.<newBootversion>
func (s *Sysroot) swapBootloader(ctx context.Context, currentBootversion, newBootversion int) error {
	link := filepath.Join(s.path, "boot", "loader")
	target, err := fsutil.ReadLink(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First transaction on this sysroot
	case err != nil:
		return err
	case target != "loader."+strconv.Itoa(currentBootversion):
		return fmt.Errorf("boot/loader points to %q, expected loader.%d: %w", target, currentBootversion, errdefs.ErrInvalidTree)
	}
	return fsutil.SymlinkSwap(ctx, link, "loader."+strconv.Itoa(newBootversion))
}

// createCurrentSymlinks points ostree/deploy/<osname>/current at the first
// deployment of each osname and removes the link of osnames with no
// deployment left. The links are informational only.
func (s *Sysroot) createCurrentSymlinks(ctx context.Context) error {
	var errs []error
	seen := make(map[string]bool)
	for _, d := range s.state.Deployments {
		if seen[d.OSName] {
			continue
		}
		seen[d.OSName] = true
		link := filepath.Join(s.path, "ostree", "deploy", d.OSName, "current")
		if err := fsutil.SymlinkSwap(ctx, link, filepath.Join("deploy", d.Name())); err != nil {
			errs = append(errs, err)
		}
	}

	deployRoot := filepath.Join(s.path, "ostree", "deploy")
	entries, err := os.ReadDir(deployRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Join(append(errs, errdefs.IO("read", deployRoot, err))...)
	}
	for _, e := range entries {
		if !e.IsDir() || seen[e.Name()] {
			continue
		}
		link := filepath.Join(deployRoot, e.Name(), "current")
		if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, errdefs.IO("remove", link, err))
		}
	}
	return errors.Join(errs...)
}
