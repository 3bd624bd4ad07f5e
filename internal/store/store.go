// Package store is the content store the deployment engine checks trees out
// of. Trees are addressed by sha256 checksum and never change once written.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/schaermu/sysrootctl/internal/checksum"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/origin"
)

// Store provides read access to committed trees
type Store interface {
	// Resolve turns a refspec or checksum into a tree checksum
	Resolve(ctx context.Context, refspec string) (string, error)
	// ReadTree opens the tree with the given checksum
	ReadTree(ctx context.Context, csum string) (Tree, error)
	// Checkout writes the content of tree into dest, which must not exist
	Checkout(ctx context.Context, tree Tree, dest string) error
}

// Tree is a handle on a committed tree
type Tree struct {
	Checksum string
	// Path is where the tree content can be read
	Path string
}

// BootDir returns the tree's boot directory
func (t Tree) BootDir() string {
	return filepath.Join(t.Path, "boot")
}

// LocalStore implements Store on a plain directory:
//
//	refs/heads/<ref>            local refs
//	refs/remotes/<remote>/<ref> refs mirrored from a remote
//	trees/<csum>/               tree content
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at root
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) treePath(csum string) string {
	return filepath.Join(s.root, "trees", csum)
}

func (s *LocalStore) refPath(remote, ref string) string {
	if remote == "" {
		return filepath.Join(s.root, "refs", "heads", filepath.FromSlash(ref))
	}
	return filepath.Join(s.root, "refs", "remotes", remote, filepath.FromSlash(ref))
}

// Resolve returns refspec itself when it already is a checksum, otherwise
// the checksum the ref file points to.
func (s *LocalStore) Resolve(ctx context.Context, refspec string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if checksum.IsValid(refspec) {
		return refspec, nil
	}

	remote, ref, err := origin.ParseRefspec(refspec)
	if err != nil {
		return "", err
	}
	path := s.refPath(remote, ref)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("ref %q: %w", refspec, errdefs.ErrNotFound)
		}
		return "", errdefs.IO("read ref", path, err)
	}

	csum := strings.TrimSpace(string(data))
	if err := checksum.Validate(csum); err != nil {
		return "", fmt.Errorf("ref %q: %w", refspec, err)
	}
	return csum, nil
}

// ReadTree returns a handle on a committed tree
func (s *LocalStore) ReadTree(ctx context.Context, csum string) (Tree, error) {
	if err := ctx.Err(); err != nil {
		return Tree{}, err
	}
	if err := checksum.Validate(csum); err != nil {
		return Tree{}, err
	}

	path := s.treePath(csum)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tree{}, fmt.Errorf("tree %s: %w", csum, errdefs.ErrNotFound)
		}
		return Tree{}, errdefs.IO("stat", path, err)
	}
	if !info.IsDir() {
		return Tree{}, fmt.Errorf("tree %s is not a directory: %w", csum, errdefs.ErrInvalidTree)
	}
	return Tree{Checksum: csum, Path: path}, nil
}

// Checkout copies the tree into dest preserving metadata
func (s *LocalStore) Checkout(ctx context.Context, tree Tree, dest string) error {
	exists, err := fsutil.Exists(dest)
	if err != nil {
		return err
	}
	if exists {
		return errdefs.IO("checkout", dest, fs.ErrExist)
	}
	return fsutil.CopyTree(ctx, tree.Path, dest)
}

// Commit imports srcDir as a tree and points ref at it. The tree checksum is
// computed by TreeDigest, so committing identical content twice is a no-op
// apart from the ref update.
func (s *LocalStore) Commit(ctx context.Context, srcDir, refspec string) (string, error) {
	remote, ref, err := origin.ParseRefspec(refspec)
	if err != nil {
		return "", err
	}

	csum, err := TreeDigest(ctx, srcDir)
	if err != nil {
		return "", fmt.Errorf("computing tree checksum: %w", err)
	}

	dest := s.treePath(csum)
	exists, err := fsutil.Exists(dest)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := fsutil.EnsureDir(filepath.Dir(dest)); err != nil {
			return "", err
		}
		staging := filepath.Join(filepath.Dir(dest), ".staging-"+uuid.NewString())
		if err := fsutil.CopyTree(ctx, srcDir, staging); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("importing tree: %w", err)
		}
		if err := os.Rename(staging, dest); err != nil {
			_ = os.RemoveAll(staging)
			return "", errdefs.IO("rename", dest, err)
		}
	}

	if err := fsutil.WriteFileAtomic(s.refPath(remote, ref), []byte(csum+"\n"), 0644); err != nil {
		return "", fmt.Errorf("updating ref %q: %w", refspec, err)
	}
	return csum, nil
}

// TreeDigest computes the checksum of the directory at root. Every entry
// contributes its slash-separated relative path, its mode, and either its
// content checksum, its link target, or nothing for directories, in lexical
// walk order.
func TreeDigest(ctx context.Context, root string) (string, error) {
	d := checksum.NewDigester()
	w := d.Writer()

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return errdefs.IO("walk", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return errdefs.IO("lstat", path, err)
		}

		var payload string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := fsutil.ReadLink(path)
			if err != nil {
				return err
			}
			payload = target
		case info.Mode().IsRegular():
			sum, err := checksum.File(path)
			if err != nil {
				return err
			}
			payload = sum
		}

		_, err = fmt.Fprintf(w, "%s\x00%o\x00%s\n", filepath.ToSlash(rel), uint32(info.Mode()), payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return d.Sum(), nil
}
