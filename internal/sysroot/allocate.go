package sysroot

import (
	"errors"
	"io/fs"
	"os"

	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// AllocateDeployserial returns one more than the highest deployserial of
// revision under osname, or 0 if it was never deployed there. Only the
// directories on disk are consulted.
func (s *Sysroot) AllocateDeployserial(osname, revision string) (int, error) {
	dir := s.osDeployDir(osname)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, errdefs.IO("readdir", dir, err)
	}

	next := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		csum, serial, err := parseDeployName(e.Name())
		if err != nil || csum != revision {
			continue
		}
		if serial >= next {
			next = serial + 1
		}
	}
	return next, nil
}
