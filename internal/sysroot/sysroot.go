// Package sysroot manages the deployments of a sysroot and the
// double-buffered boot directories that select which of them boot.
//
// Every change goes through WriteDeployments, whose only commit points are
// atomic symlink swaps: boot/loader for a new bootversion, or
// ostree/boot.<bootversion> for a new subbootversion. State is always
// re-read from disk after a commit.
package sysroot

import (
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/schaermu/sysrootctl/internal/bootloader"
	"github.com/schaermu/sysrootctl/internal/config"
	"github.com/schaermu/sysrootctl/internal/store"
)

// State is what Load derives from disk
type State struct {
	Bootversion    int
	Subbootversion int
	// Deployments in boot order; Index is the position
	Deployments []*Deployment
	Booted      *Deployment
}

// Sysroot operates on the sysroot configured in cfg
type Sysroot struct {
	cfg        *config.Config
	path       string
	store      store.Store
	bootloader bootloader.Bootloader
	logger     *slog.Logger

	state *State
}

// New creates a sysroot. bl may be nil when no bootloader config is
// written. Call Load before anything else.
func New(cfg *config.Config, st store.Store, bl bootloader.Bootloader, logger *slog.Logger) *Sysroot {
	return &Sysroot{
		cfg:        cfg,
		path:       cfg.Sysroot.Path,
		store:      st,
		bootloader: bl,
		logger:     logger,
	}
}

// Path returns the sysroot directory
func (s *Sysroot) Path() string {
	return s.path
}

// State returns the state from the last Load
func (s *Sysroot) State() *State {
	return s.state
}

// Deployments returns the loaded deployments in boot order
func (s *Sysroot) Deployments() []*Deployment {
	if s.state == nil {
		return nil
	}
	return s.state.Deployments
}

// Booted returns the deployment the running system was booted from
func (s *Sysroot) Booted() *Deployment {
	if s.state == nil {
		return nil
	}
	return s.state.Booted
}

// DeploymentPath returns the absolute directory of d
func (s *Sysroot) DeploymentPath(d *Deployment) string {
	return filepath.Join(s.path, d.RelPath())
}

func (s *Sysroot) osDeployDir(osname string) string {
	return filepath.Join(s.path, "ostree", "deploy", osname, "deploy")
}

func (s *Sysroot) loaderDir(bootversion int) string {
	return filepath.Join(s.path, "boot", "loader."+strconv.Itoa(bootversion))
}

func (s *Sysroot) bootlinkDir(bootversion, subbootversion int) string {
	return filepath.Join(s.path, "ostree", "boot."+strconv.Itoa(bootversion)+"."+strconv.Itoa(subbootversion))
}

func (s *Sysroot) bootlinkLink(bootversion int) string {
	return filepath.Join(s.path, "ostree", "boot."+strconv.Itoa(bootversion))
}

func (s *Sysroot) bootcsumDir(osname, bootcsum string) string {
	return filepath.Join(s.path, "boot", "ostree", osname+"-"+bootcsum)
}
