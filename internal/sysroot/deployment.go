package sysroot

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/checksum"
	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/origin"
)

// Deployment is one bootable checked-out tree. Content is immutable once
// created; Index, Bootserial, Origin and BootConfig are updated in memory
// before a transaction writes them out.
type Deployment struct {
	OSName       string
	Csum         string
	Deployserial int
	Bootcsum     string
	Bootserial   int
	Index        int
	Origin       *origin.Origin
	BootConfig   *bootconfig.Config
}

// Name returns the deployment directory name, "<csum>.<deployserial>"
func (d *Deployment) Name() string {
	return d.Csum + "." + strconv.Itoa(d.Deployserial)
}

// RelPath returns the deployment directory relative to the sysroot
func (d *Deployment) RelPath() string {
	return filepath.Join("ostree", "deploy", d.OSName, "deploy", d.Name())
}

// BootlinkPath is the ostree= kernel argument for the deployment when booted
// from bootversion
func (d *Deployment) BootlinkPath(bootversion int) string {
	return fmt.Sprintf("/ostree/boot.%d/%s/%s/%d", bootversion, d.OSName, d.Bootcsum, d.Bootserial)
}

// Equal reports whether both refer to the same deployment directory
func (d *Deployment) Equal(other *Deployment) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.OSName == other.OSName && d.Csum == other.Csum && d.Deployserial == other.Deployserial
}

// Refspec returns the origin refspec, or "" without one
func (d *Deployment) Refspec() string {
	if d.Origin == nil {
		return ""
	}
	refspec, _ := d.Origin.Refspec()
	return refspec
}

func (d *Deployment) String() string {
	return d.OSName + "/" + d.Name()
}

// parseDeployName splits a "<csum>.<deployserial>" directory name
func parseDeployName(name string) (string, int, error) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", 0, fmt.Errorf("invalid deployment name %q: %w", name, errdefs.ErrInvalidTree)
	}
	csum, serialStr := name[:i], name[i+1:]
	if err := checksum.Validate(csum); err != nil {
		return "", 0, fmt.Errorf("invalid deployment name %q: %w", name, errdefs.ErrInvalidTree)
	}
	serial, err := strconv.Atoi(serialStr)
	if err != nil || serial < 0 {
		return "", 0, fmt.Errorf("invalid deployment serial in %q: %w", name, errdefs.ErrInvalidTree)
	}
	return csum, serial, nil
}

// assignBootserials numbers deployments sharing a bootcsum in list order
// and sets each Index to its list position.
func assignBootserials(deployments []*Deployment) {
	counts := make(map[string]int)
	for i, d := range deployments {
		d.Index = i
		d.Bootserial = counts[d.Bootcsum]
		counts[d.Bootcsum]++
	}
}

// bootcsumCounts returns how many deployments use each bootcsum
func bootcsumCounts(deployments []*Deployment) map[string]int {
	counts := make(map[string]int)
	for _, d := range deployments {
		counts[d.Bootcsum]++
	}
	return counts
}
