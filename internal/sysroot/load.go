package sysroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/kargs"
	"github.com/schaermu/sysrootctl/internal/origin"
)

// Load re-derives the sysroot state from disk: the bootversion from the
// boot/loader link, the subbootversion from the ostree/boot.<bootversion>
// link, and the deployments from the active loader entries.
func (s *Sysroot) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bootversion, err := readVersionLink(filepath.Join(s.path, "boot", "loader"), "loader.")
	if err != nil {
		return fmt.Errorf("reading bootversion: %w", err)
	}
	subbootversion, err := readVersionLink(s.bootlinkLink(bootversion), "boot."+strconv.Itoa(bootversion)+".")
	if err != nil {
		return fmt.Errorf("reading subbootversion: %w", err)
	}

	deployments, err := s.loadDeployments(bootversion)
	if err != nil {
		return err
	}

	booted, err := s.findBooted(deployments)
	if err != nil {
		return fmt.Errorf("finding booted deployment: %w", err)
	}

	s.state = &State{
		Bootversion:    bootversion,
		Subbootversion: subbootversion,
		Deployments:    deployments,
		Booted:         booted,
	}
	s.logger.Debug("loaded sysroot",
		"path", s.path,
		"bootversion", bootversion,
		"subbootversion", subbootversion,
		"deployments", len(deployments),
		"booted", booted != nil)
	return nil
}

// readVersionLink parses a "<prefix>0" or "<prefix>1" symlink target. A
// missing link is version 0.
func readVersionLink(path, prefix string) (int, error) {
	target, err := fsutil.ReadLink(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	switch target {
	case prefix + "0":
		return 0, nil
	case prefix + "1":
		return 1, nil
	}
	return 0, fmt.Errorf("unexpected target %q for %s: %w", target, path, errdefs.ErrInvalidTree)
}

func (s *Sysroot) loadDeployments(bootversion int) ([]*Deployment, error) {
	entriesDir := filepath.Join(s.loaderDir(bootversion), "entries")
	entries, err := os.ReadDir(entriesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.IO("readdir", entriesDir, err)
	}

	type loaded struct {
		version int
		d       *Deployment
	}
	var found []loaded
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "ostree-") || !strings.HasSuffix(name, ".conf") {
			continue
		}
		cfg, err := bootconfig.Load(filepath.Join(entriesDir, name))
		if err != nil {
			return nil, err
		}
		d, err := s.deploymentFromEntry(cfg)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		v, _ := cfg.Get(bootconfig.KeyVersion)
		version, _ := strconv.Atoi(v)
		found = append(found, loaded{version: version, d: d})
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].version > found[j].version
	})
	deployments := make([]*Deployment, len(found))
	for i, l := range found {
		l.d.Index = i
		deployments[i] = l.d
	}
	return deployments, nil
}

// deploymentFromEntry resolves a loader entry's ostree= argument through its
// bootlink to the deployment directory it boots.
func (s *Sysroot) deploymentFromEntry(cfg *bootconfig.Config) (*Deployment, error) {
	opts, _ := cfg.Get(bootconfig.KeyOptions)
	bootlink, hasValue, ok := kargs.Parse(opts).Get("ostree")
	if !ok || !hasValue {
		return nil, fmt.Errorf("no ostree= kernel argument: %w", errdefs.ErrInvalidTree)
	}

	// /ostree/boot.<v>/<osname>/<bootcsum>/<bootserial>
	parts := strings.Split(strings.TrimPrefix(bootlink, "/"), "/")
	if len(parts) != 5 || parts[0] != "ostree" || !strings.HasPrefix(parts[1], "boot.") {
		return nil, fmt.Errorf("malformed ostree=%s: %w", bootlink, errdefs.ErrInvalidTree)
	}
	bootserial, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, fmt.Errorf("malformed bootserial in ostree=%s: %w", bootlink, errdefs.ErrInvalidTree)
	}

	target, err := fsutil.ReadLink(filepath.Join(s.path, filepath.FromSlash(bootlink)))
	if err != nil {
		return nil, err
	}
	csum, deployserial, err := parseDeployName(filepath.Base(target))
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		OSName:       parts[2],
		Csum:         csum,
		Deployserial: deployserial,
		Bootcsum:     parts[3],
		Bootserial:   bootserial,
		BootConfig:   cfg,
	}

	originPath := origin.PathFor(s.DeploymentPath(d))
	exists, err := fsutil.Exists(originPath)
	if err != nil {
		return nil, err
	}
	if exists {
		if d.Origin, err = origin.Load(originPath); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// findBooted returns the deployment whose directory is the running root,
// compared by device and inode number. Bootlinks are not consulted: they
// are renumbered by every transaction.
func (s *Sysroot) findBooted(deployments []*Deployment) (*Deployment, error) {
	rootPath := s.cfg.BootedRootPath()
	if rootPath == "" {
		return nil, nil
	}
	var root unix.Stat_t
	if err := unix.Stat(rootPath, &root); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, nil
		}
		return nil, errdefs.IO("stat", rootPath, err)
	}

	for _, d := range deployments {
		path := s.DeploymentPath(d)
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			if errors.Is(err, unix.ENOENT) {
				continue
			}
			return nil, errdefs.IO("stat", path, err)
		}
		if st.Dev == root.Dev && st.Ino == root.Ino {
			return d, nil
		}
	}
	return nil, nil
}
