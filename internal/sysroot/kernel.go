package sysroot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/sysrootctl/internal/checksum"
	"github.com/schaermu/sysrootctl/internal/errdefs"
)

const (
	kernelPrefix    = "vmlinuz-"
	initramfsPrefix = "initramfs-"
)

// Kernel is a kernel, and optionally an initramfs, found in a tree's boot
// directory
type Kernel struct {
	Dir string
	// KernelName and InitramfsName are file names in Dir; InitramfsName is
	// empty without an initramfs
	KernelName    string
	InitramfsName string
	// Bootcsum identifies the pair: the initramfs checksum if there is
	// one, else the kernel's
	Bootcsum string
}

// KernelPath returns the kernel's absolute path
func (k *Kernel) KernelPath() string {
	return filepath.Join(k.Dir, k.KernelName)
}

// InitramfsPath returns the initramfs path, or "" without one
func (k *Kernel) InitramfsPath() string {
	if k.InitramfsName == "" {
		return ""
	}
	return filepath.Join(k.Dir, k.InitramfsName)
}

// FindKernel scans bootDir for vmlinuz-<checksum> and initramfs-<checksum>.
// The first of each in directory order is used.
func FindKernel(bootDir string) (*Kernel, error) {
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no kernel in %s: %w", bootDir, errdefs.ErrNotFound)
		}
		return nil, errdefs.IO("readdir", bootDir, err)
	}

	k := &Kernel{Dir: bootDir}
	var kernelCsum, initramfsCsum string
	for _, e := range entries {
		name := e.Name()
		switch {
		case k.KernelName == "" && strings.HasPrefix(name, kernelPrefix):
			csum, err := suffixChecksum(name, kernelPrefix)
			if err != nil {
				return nil, err
			}
			k.KernelName, kernelCsum = name, csum
		case k.InitramfsName == "" && strings.HasPrefix(name, initramfsPrefix):
			csum, err := suffixChecksum(name, initramfsPrefix)
			if err != nil {
				return nil, err
			}
			k.InitramfsName, initramfsCsum = name, csum
		}
		if k.KernelName != "" && k.InitramfsName != "" {
			break
		}
	}

	if k.KernelName == "" {
		return nil, fmt.Errorf("no %s<checksum> in %s: %w", kernelPrefix, bootDir, errdefs.ErrNotFound)
	}
	if k.InitramfsName == "" {
		k.Bootcsum = kernelCsum
		return k, nil
	}
	if kernelCsum != initramfsCsum {
		return nil, fmt.Errorf("kernel %s and initramfs %s: %w", k.KernelName, k.InitramfsName, errdefs.ErrChecksumMismatch)
	}
	k.Bootcsum = initramfsCsum
	return k, nil
}

func suffixChecksum(name, prefix string) (string, error) {
	csum := strings.TrimPrefix(name, prefix)
	if err := checksum.Validate(csum); err != nil {
		return "", fmt.Errorf("boot file %s: %w: %w", name, errdefs.ErrInvalidTree, err)
	}
	return csum, nil
}

// stagedName strips the checksum suffix: vmlinuz-<csum> becomes vmlinuz
func stagedName(name string) string {
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		return name[:i]
	}
	return name
}
