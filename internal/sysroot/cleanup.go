package sysroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

// Cleanup removes everything the loaded state does not reference:
// temporary files of interrupted writes, deployment directories and origin
// files, staged kernels, the inactive bootversion and the inactive
// subbootversion. It is safe to run at any
// time and is how an interrupted transaction is rolled back.
func (s *Sysroot) Cleanup(ctx context.Context) error {
	if s.state == nil {
		return errors.New("sysroot not loaded")
	}

	if err := s.cleanupTempFiles(ctx); err != nil {
		return fmt.Errorf("cleaning temporary files: %w", err)
	}
	if err := s.cleanupDeployments(ctx); err != nil {
		return fmt.Errorf("cleaning deployments: %w", err)
	}
	if err := s.cleanupBootcsumDirs(ctx); err != nil {
		return fmt.Errorf("cleaning boot directories: %w", err)
	}
	if err := s.cleanupBootversions(ctx); err != nil {
		return fmt.Errorf("cleaning bootversions: %w", err)
	}
	return nil
}

// cleanupTempFiles sweeps every directory the engine writes to with a
// temporary name and a rename.
func (s *Sysroot) cleanupTempFiles(ctx context.Context) error {
	dirs := []string{
		filepath.Join(s.path, "boot"),
		filepath.Join(s.path, "boot", "grub2"),
		filepath.Join(s.path, "ostree"),
	}

	deployRoot := filepath.Join(s.path, "ostree", "deploy")
	osDirs, err := readDirIfExists(deployRoot)
	if err != nil {
		return err
	}
	for _, e := range osDirs {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(deployRoot, e.Name()), s.osDeployDir(e.Name()))
		}
	}

	bootRoot := filepath.Join(s.path, "boot", "ostree")
	bootDirs, err := readDirIfExists(bootRoot)
	if err != nil {
		return err
	}
	for _, e := range bootDirs {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(bootRoot, e.Name()))
		}
	}

	for _, dir := range dirs {
		removed, err := fsutil.RemoveTemp(ctx, dir)
		if err != nil {
			return err
		}
		for _, name := range removed {
			s.logger.Info("removed leftover temporary file", "dir", dir, "name", name)
		}
	}
	return nil
}

func (s *Sysroot) cleanupDeployments(ctx context.Context) error {
	active := make(map[string]bool)
	for _, d := range s.state.Deployments {
		active[d.RelPath()] = true
	}

	deployRoot := filepath.Join(s.path, "ostree", "deploy")
	osDirs, err := readDirIfExists(deployRoot)
	if err != nil {
		return err
	}
	for _, osDir := range osDirs {
		if !osDir.IsDir() {
			continue
		}
		osname := osDir.Name()
		dir := s.osDeployDir(osname)
		entries, err := readDirIfExists(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := strings.TrimSuffix(e.Name(), ".origin")
			if _, _, err := parseDeployName(name); err != nil {
				continue
			}
			rel := filepath.Join("ostree", "deploy", osname, "deploy", name)
			if active[rel] {
				continue
			}
			s.logger.Info("removing unreferenced deployment", "path", rel, "entry", e.Name())
			if err := fsutil.RemoveAll(ctx, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sysroot) cleanupBootcsumDirs(ctx context.Context) error {
	active := make(map[string]bool)
	for _, d := range s.state.Deployments {
		active[d.OSName+"-"+d.Bootcsum] = true
	}

	dir := filepath.Join(s.path, "boot", "ostree")
	entries, err := readDirIfExists(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || active[e.Name()] {
			continue
		}
		s.logger.Info("removing unreferenced boot directory", "name", e.Name())
		if err := fsutil.RemoveAll(ctx, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sysroot) cleanupBootversions(ctx context.Context) error {
	inactive := 1 - s.state.Bootversion

	if err := fsutil.RemoveAll(ctx, s.loaderDir(inactive)); err != nil {
		return err
	}
	if err := fsutil.EnsureUnlinked(s.bootlinkLink(inactive)); err != nil {
		return err
	}
	for sub := 0; sub <= 1; sub++ {
		if err := fsutil.RemoveAll(ctx, s.bootlinkDir(inactive, sub)); err != nil {
			return err
		}
	}

	// The inactive subbootversion of the active bootversion
	return fsutil.RemoveAll(ctx, s.bootlinkDir(s.state.Bootversion, 1-s.state.Subbootversion))
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.IO("readdir", dir, err)
	}
	return entries, nil
}
