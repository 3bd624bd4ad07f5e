// Package etcmerge carries local /etc changes from one deployment into a
// freshly checked-out tree.
//
// The merge is a three-way one between the pristine configuration of the
// previous deployment (its /usr/etc), the live configuration of the previous
// deployment (its /etc) and the new tree's /etc. Whatever the administrator
// changed relative to the pristine copy is replayed on top of the new /etc;
// there is no content-level merging, the modified version always wins.
package etcmerge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/sysrootctl/internal/diff"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

// Merge applies the difference between origEtc and modifiedEtc to newEtc.
// Removals are applied first so that a path which changed type (directory
// to file or back) does not collide with the new content. A path that would
// leave newEtc, by ".." or through a symlinked parent directory in newEtc,
// fails the merge with ErrInvalidTree before anything is changed.
func Merge(ctx context.Context, logger *slog.Logger, origEtc, modifiedEtc, newEtc string) (*diff.Result, error) {
	changes, err := diff.Dirs(ctx, origEtc, modifiedEtc)
	if err != nil {
		return nil, fmt.Errorf("computing configuration diff: %w", err)
	}

	if changes.Empty() {
		logger.Info("no modified configuration")
		return changes, nil
	}
	logger.Info("processing config",
		"modified", len(changes.Modified),
		"removed", len(changes.Removed),
		"added", len(changes.Added))

	if err := apply(ctx, changes, modifiedEtc, newEtc); err != nil {
		return nil, err
	}
	return changes, nil
}

func apply(ctx context.Context, changes *diff.Result, modifiedEtc, newEtc string) error {
	for _, paths := range [][]string{changes.Removed, changes.Modified, changes.Added} {
		for _, rel := range paths {
			if err := checkConfined(newEtc, rel); err != nil {
				return err
			}
		}
	}

	for _, rel := range changes.Removed {
		if err := fsutil.RemoveAll(ctx, filepath.Join(newEtc, rel)); err != nil {
			return fmt.Errorf("removing %s: %w", rel, err)
		}
	}

	for _, rel := range changes.Modified {
		if err := copyConfig(ctx, modifiedEtc, newEtc, rel); err != nil {
			return fmt.Errorf("copying modified %s: %w", rel, err)
		}
	}
	for _, rel := range changes.Added {
		if err := copyConfig(ctx, modifiedEtc, newEtc, rel); err != nil {
			return fmt.Errorf("copying added %s: %w", rel, err)
		}
	}
	return nil
}

// checkConfined rejects rel unless newEtc/rel stays inside newEtc. The
// nearest existing parent is resolved, since a symlinked directory in the
// new tree would redirect writes. The entry itself may be a symlink: it is
// replaced, not followed.
func checkConfined(newEtc, rel string) error {
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("%s escapes /etc: %w", rel, errdefs.ErrInvalidTree)
	}
	root, err := filepath.EvalSymlinks(newEtc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errdefs.IO("resolve", newEtc, err)
	}

	top := filepath.Clean(newEtc)
	parent := filepath.Dir(filepath.Join(top, rel))
	for parent != top {
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			inside, err := filepath.Rel(root, resolved)
			if err != nil || !filepath.IsLocal(inside) {
				return fmt.Errorf("%s resolves outside /etc to %s: %w", rel, resolved, errdefs.ErrInvalidTree)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return errdefs.IO("resolve", parent, err)
		}
		parent = filepath.Dir(parent)
	}
	return nil
}

// copyConfig copies modifiedEtc/rel over newEtc/rel. Directories are copied
// recursively; anything else replaces the destination outright.
func copyConfig(ctx context.Context, modifiedEtc, newEtc, rel string) error {
	src := filepath.Join(modifiedEtc, rel)
	dst := filepath.Join(newEtc, rel)

	srcInfo, err := os.Lstat(src)
	if err != nil {
		return errdefs.IO("lstat", src, err)
	}

	if err := fsutil.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	dstInfo, dstErr := os.Lstat(dst)
	if srcInfo.IsDir() {
		// A symlink in the new tree is replaced, never copied through
		if dstErr == nil && dstInfo.Mode()&os.ModeSymlink != 0 {
			if err := fsutil.EnsureUnlinked(dst); err != nil {
				return err
			}
		}
		return fsutil.CopyTree(ctx, src, dst)
	}

	if dstErr == nil && dstInfo.IsDir() {
		if err := fsutil.RemoveAll(ctx, dst); err != nil {
			return err
		}
	}
	return fsutil.CopyFile(ctx, src, dst)
}

// PrepareTree normalizes a checked-out deployment so that its pristine
// configuration lives in usr/etc and a working copy exists in etc.
//
// A tree shipping only /etc (the legacy layout) has it moved to /usr/etc. A
// tree shipping both is rejected with ErrInvalidTree.
func PrepareTree(ctx context.Context, logger *slog.Logger, deployPath string) error {
	etcPath := filepath.Join(deployPath, "etc")
	usrEtcPath := filepath.Join(deployPath, "usr", "etc")

	etcExists, err := fsutil.Exists(etcPath)
	if err != nil {
		return err
	}
	usrEtcExists, err := fsutil.Exists(usrEtcPath)
	if err != nil {
		return err
	}

	if etcExists && usrEtcExists {
		return fmt.Errorf("tree contains both /etc and /usr/etc: %w", errdefs.ErrInvalidTree)
	}

	if etcExists {
		if err := fsutil.EnsureDir(filepath.Dir(usrEtcPath)); err != nil {
			return err
		}
		if err := os.Rename(etcPath, usrEtcPath); err != nil {
			return errdefs.IO("rename", etcPath, err)
		}
		usrEtcExists = true
	}

	if !usrEtcExists {
		return nil
	}

	if err := fsutil.CopyTree(ctx, usrEtcPath, etcPath); err != nil {
		return fmt.Errorf("copying /usr/etc to /etc: %w", err)
	}
	logger.Info("created etc", "path", etcPath)
	return nil
}

// MergeDeployment prepares deployPath and, when previousPath is set,
// replays the previous deployment's /etc changes into it.
func MergeDeployment(ctx context.Context, logger *slog.Logger, previousPath, deployPath string) (*diff.Result, error) {
	if err := PrepareTree(ctx, logger, deployPath); err != nil {
		return nil, err
	}

	if previousPath == "" {
		logger.Info("no previous configuration changes to merge")
		return &diff.Result{}, nil
	}

	prevEtc := filepath.Join(previousPath, "etc")
	if _, err := os.Lstat(prevEtc); errors.Is(err, os.ErrNotExist) {
		logger.Info("previous deployment has no /etc, nothing to merge", "path", previousPath)
		return &diff.Result{}, nil
	}

	return Merge(ctx, logger,
		filepath.Join(previousPath, "usr", "etc"),
		prevEtc,
		filepath.Join(deployPath, "etc"))
}
