// Package fsutil holds the filesystem primitives the deployment engine is
// built on: metadata-preserving copies, recursive removal, atomic symlink
// replacement and full-filesystem sync.
package fsutil

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// Name prefixes of temporary entries created next to their final path.
const (
	tempFilePrefix = ".sysrootctl-tmp-"
	tempLinkPrefix = ".tmplink-"
	tempCopyPrefix = ".tmp-"
)

// TempPath returns a unique temporary path in dir that RemoveTemp recognizes.
func TempPath(dir string) string {
	return filepath.Join(dir, tempCopyPrefix+uuid.NewString())
}

// IsTemp reports whether name is a temporary entry created by TempPath,
// WriteFileAtomic or SymlinkSwap.
func IsTemp(name string) bool {
	for _, prefix := range []string{tempFilePrefix, tempLinkPrefix, tempCopyPrefix} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// RemoveTemp removes the temporary entries directly under dir that an
// interrupted write left behind and returns their names. A missing dir is
// not an error.
func RemoveTemp(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.IO("readdir", dir, err)
	}
	var removed []string
	for _, e := range entries {
		if !IsTemp(e.Name()) {
			continue
		}
		if err := RemoveAll(ctx, filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// Exists reports whether path exists without following a final symlink.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errdefs.IO("lstat", path, err)
}

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	return errdefs.IO("mkdir", path, os.MkdirAll(path, 0755))
}

// RemoveAll removes path recursively. A missing path is not an error.
func RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errdefs.IO("remove", path, os.RemoveAll(path))
}

// EnsureUnlinked removes a non-directory at path if there is one.
func EnsureUnlinked(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errdefs.IO("unlink", path, err)
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and
// renames it into place, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return errdefs.IO("create temp", dir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return errdefs.IO("write", tmpPath, err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return errdefs.IO("chmod", tmpPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return errdefs.IO("fsync", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		return errdefs.IO("close", tmpPath, err)
	}

	return errdefs.IO("rename", path, os.Rename(tmpPath, path))
}

// SymlinkSwap atomically points the symlink at linkPath to target. A new
// link is created under a unique temporary name in the same directory and
// renamed over linkPath, so readers see either the old or the new target.
func SymlinkSwap(ctx context.Context, linkPath, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(linkPath)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, tempLinkPrefix+uuid.NewString())
	if err := os.Symlink(target, tmpPath); err != nil {
		return errdefs.IO("symlink", tmpPath, err)
	}
	if err := os.Rename(tmpPath, linkPath); err != nil {
		_ = os.Remove(tmpPath)
		return errdefs.IO("rename", linkPath, err)
	}
	return nil
}

// ReadLink returns the target of the symlink at path
func ReadLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", errdefs.IO("readlink", path, err)
	}
	return target, nil
}

// Sync flushes all filesystems. It blocks on unrelated I/O too; this is the
// commit barrier used before every symlink swap.
func Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unix.Sync()
	return nil
}

// CopyTree copies src to dst like "cp -a": directories recursively,
// symlinks as links, regular files with mode, ownership, extended
// attributes and timestamps. Existing non-directory destinations are
// replaced.
func CopyTree(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Lstat(src)
	if err != nil {
		return errdefs.IO("lstat", src, err)
	}
	if !info.IsDir() {
		return CopyFile(ctx, src, dst)
	}

	if existing, err := os.Lstat(dst); err == nil && !existing.IsDir() {
		if err := EnsureUnlinked(dst); err != nil {
			return err
		}
	}
	// Create writable first; the real mode is applied after the children
	// so read-only directories can still be populated.
	if err := os.MkdirAll(dst, 0700); err != nil {
		return errdefs.IO("mkdir", dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errdefs.IO("readdir", src, err)
	}
	for _, entry := range entries {
		if err := CopyTree(ctx, filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}

	return copyMetadata(src, dst, info)
}

// CopyFile copies a single non-directory entry from src to dst, unlinking
// any existing dst first. Symlinks are recreated, not followed.
func CopyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Lstat(src)
	if err != nil {
		return errdefs.IO("lstat", src, err)
	}
	if info.IsDir() {
		return errdefs.IO("copy", src, errors.New("is a directory"))
	}

	// Unlink first: replacing a dangling symlink otherwise fails.
	if err := EnsureUnlinked(dst); err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return errdefs.IO("readlink", src, err)
		}
		if err := os.Symlink(target, dst); err != nil {
			return errdefs.IO("symlink", dst, err)
		}
	case info.Mode().IsRegular():
		if err := copyContents(src, dst); err != nil {
			return err
		}
	default:
		return errdefs.IO("copy", src, errors.New("unsupported file type "+info.Mode().Type().String()))
	}

	return copyMetadata(src, dst, info)
}

func copyContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errdefs.IO("open", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errdefs.IO("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return errdefs.IO("copy", dst, err)
	}
	return errdefs.IO("close", dst, out.Close())
}

// CopyFileSync copies a regular file and fsyncs the result. Used for boot
// files, which must be durable before the bootloader can reference them.
func CopyFileSync(ctx context.Context, src, dst string) error {
	if err := CopyFile(ctx, src, dst); err != nil {
		return err
	}
	f, err := os.Open(dst)
	if err != nil {
		return errdefs.IO("open", dst, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return errdefs.IO("fsync", dst, f.Sync())
}
