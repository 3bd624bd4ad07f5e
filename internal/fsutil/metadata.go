package fsutil

import (
	"bytes"
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// copyMetadata applies ownership, extended attributes, permissions and
// timestamps of src (described by info) to dst. Ownership and xattrs the
// caller is not privileged to set are skipped.
func copyMetadata(src, dst string, info os.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if ok {
		if err := os.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil && !isPermission(err) {
			return errdefs.IO("lchown", dst, err)
		}
	}

	if err := copyXattrs(src, dst); err != nil {
		return err
	}

	isLink := info.Mode()&os.ModeSymlink != 0
	if !isLink {
		// Chmod after chown: chown clears setuid/setgid bits.
		if err := os.Chmod(dst, info.Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
			return errdefs.IO("chmod", dst, err)
		}
	}

	mtime := unix.NsecToTimespec(info.ModTime().UnixNano())
	atime := mtime
	if ok {
		atime = unix.NsecToTimespec(st.Atim.Nano())
	}
	err := unix.UtimesNanoAt(unix.AT_FDCWD, dst, []unix.Timespec{atime, mtime}, unix.AT_SYMLINK_NOFOLLOW)
	return errdefs.IO("utimes", dst, err)
}

// copyXattrs copies every extended attribute of src onto dst without
// following symlinks.
func copyXattrs(src, dst string) error {
	size, err := unix.Llistxattr(src, nil)
	if err != nil {
		if isXattrUnsupported(err) {
			return nil
		}
		return errdefs.IO("llistxattr", src, err)
	}
	if size == 0 {
		return nil
	}

	buf := make([]byte, size)
	n, err := unix.Llistxattr(src, buf)
	if err != nil {
		return errdefs.IO("llistxattr", src, err)
	}

	for _, name := range bytes.Split(buf[:n], []byte{0}) {
		if len(name) == 0 {
			continue
		}
		attr := string(name)

		vsize, err := unix.Lgetxattr(src, attr, nil)
		if err != nil {
			return errdefs.IO("lgetxattr "+attr, src, err)
		}
		val := make([]byte, vsize)
		if vsize > 0 {
			if vsize, err = unix.Lgetxattr(src, attr, val); err != nil {
				return errdefs.IO("lgetxattr "+attr, src, err)
			}
			val = val[:vsize]
		}

		if err := unix.Lsetxattr(dst, attr, val, 0); err != nil {
			if isXattrUnsupported(err) || isPermission(err) {
				continue
			}
			return errdefs.IO("lsetxattr "+attr, dst, err)
		}
	}
	return nil
}

func isPermission(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)
}

func isXattrUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}
