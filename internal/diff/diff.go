// Package diff compares two directory trees and reports which paths were
// added, removed or modified going from the first to the second.
package diff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"github.com/schaermu/sysrootctl/internal/checksum"
	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// Result holds the paths, relative to the compared roots, that differ.
// A directory that only exists on one side is reported once, not per child.
type Result struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the trees were identical
func (r *Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0
}

// Dirs compares the tree at orig with the tree at modified. A missing orig
// is treated as empty, so everything in modified is added.
func Dirs(ctx context.Context, orig, modified string) (*Result, error) {
	r := &Result{}

	if _, err := os.Lstat(orig); errors.Is(err, os.ErrNotExist) {
		entries, err := readDir(modified)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			r.Added = append(r.Added, e.Name())
		}
		return r, nil
	}

	if err := diffDir(ctx, orig, modified, "", r); err != nil {
		return nil, err
	}
	return r, nil
}

func diffDir(ctx context.Context, origRoot, modRoot, rel string, r *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	origEntries, err := readDir(filepath.Join(origRoot, rel))
	if err != nil {
		return err
	}
	modEntries, err := readDir(filepath.Join(modRoot, rel))
	if err != nil {
		return err
	}

	modByName := make(map[string]os.DirEntry, len(modEntries))
	for _, e := range modEntries {
		modByName[e.Name()] = e
	}

	for _, oe := range origEntries {
		childRel := filepath.Join(rel, oe.Name())
		me, exists := modByName[oe.Name()]
		if !exists {
			r.Removed = append(r.Removed, childRel)
			continue
		}
		delete(modByName, oe.Name())

		if oe.IsDir() && me.IsDir() {
			if err := diffDir(ctx, origRoot, modRoot, childRel, r); err != nil {
				return err
			}
			continue
		}

		same, err := sameEntry(filepath.Join(origRoot, childRel), filepath.Join(modRoot, childRel))
		if err != nil {
			return err
		}
		if !same {
			r.Modified = append(r.Modified, childRel)
		}
	}

	// Preserve directory order for additions
	for _, me := range modEntries {
		if _, added := modByName[me.Name()]; added {
			r.Added = append(r.Added, filepath.Join(rel, me.Name()))
		}
	}
	return nil
}

// sameEntry compares two non-directory entries by type, permissions,
// ownership and content (or link target).
func sameEntry(a, b string) (bool, error) {
	ai, err := os.Lstat(a)
	if err != nil {
		return false, errdefs.IO("lstat", a, err)
	}
	bi, err := os.Lstat(b)
	if err != nil {
		return false, errdefs.IO("lstat", b, err)
	}

	if ai.Mode() != bi.Mode() {
		return false, nil
	}
	if as, ok := ai.Sys().(*syscall.Stat_t); ok {
		if bs, ok := bi.Sys().(*syscall.Stat_t); ok && (as.Uid != bs.Uid || as.Gid != bs.Gid) {
			return false, nil
		}
	}

	switch {
	case ai.Mode()&os.ModeSymlink != 0:
		at, err := os.Readlink(a)
		if err != nil {
			return false, errdefs.IO("readlink", a, err)
		}
		bt, err := os.Readlink(b)
		if err != nil {
			return false, errdefs.IO("readlink", b, err)
		}
		return at == bt, nil
	case ai.Mode().IsRegular():
		if ai.Size() != bi.Size() {
			return false, nil
		}
		as, err := checksum.File(a)
		if err != nil {
			return false, err
		}
		bs, err := checksum.File(b)
		if err != nil {
			return false, err
		}
		return as == bs, nil
	default:
		// Devices, fifos and sockets: mode equality is all we compare.
		return true, nil
	}
}

func readDir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errdefs.IO("readdir", path, err)
	}
	return entries, nil
}
