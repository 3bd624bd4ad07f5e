package sysroot

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/schaermu/sysrootctl/internal/bootconfig"
	"github.com/schaermu/sysrootctl/internal/etcmerge"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/kargs"
	"github.com/schaermu/sysrootctl/internal/origin"
)

// DeployOneTree checks revision out as a new deployment of osname and
// merges configuration from merge, which may be nil. Kernel arguments
// inherited from merge are overlaid with addKernelArgs after the keys in
// deleteKernelArgs are removed. The returned
// deployment is on disk but not yet bootable; pass it to WriteDeployments.
// A failed call can leave a partial deployment directory behind for Cleanup
// to remove.
func (s *Sysroot) DeployOneTree(ctx context.Context, osname, revision string, orig *origin.Origin, addKernelArgs, deleteKernelArgs []string, merge *Deployment) (*Deployment, error) {
	csum, err := s.store.Resolve(ctx, revision)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", revision, err)
	}
	tree, err := s.store.ReadTree(ctx, csum)
	if err != nil {
		return nil, fmt.Errorf("reading tree: %w", err)
	}

	kernel, err := FindKernel(tree.BootDir())
	if err != nil {
		return nil, fmt.Errorf("locating kernel: %w", err)
	}

	deployserial, err := s.AllocateDeployserial(osname, csum)
	if err != nil {
		return nil, fmt.Errorf("allocating deployserial: %w", err)
	}

	d := &Deployment{
		OSName:       osname,
		Csum:         csum,
		Deployserial: deployserial,
		Bootcsum:     kernel.Bootcsum,
		Bootserial:   -1,
		Index:        -1,
		Origin:       orig,
	}
	deployPath := s.DeploymentPath(d)

	s.logger.Info("creating deployment",
		"osname", osname,
		"csum", csum,
		"deployserial", deployserial,
		"path", deployPath)

	if err := fsutil.EnsureDir(filepath.Dir(deployPath)); err != nil {
		return nil, fmt.Errorf("checking out tree: %w", err)
	}
	if err := s.store.Checkout(ctx, tree, deployPath); err != nil {
		return nil, fmt.Errorf("checking out tree: %w", err)
	}

	if orig != nil {
		if err := orig.Write(origin.PathFor(deployPath)); err != nil {
			return nil, fmt.Errorf("writing origin file: %w", err)
		}
	}

	d.BootConfig = bootconfig.New()
	mergePath := ""
	if merge != nil {
		mergePath = s.DeploymentPath(merge)
		if merge.BootConfig != nil {
			if opts, ok := merge.BootConfig.Get(bootconfig.KeyOptions); ok {
				d.BootConfig.Set(bootconfig.KeyOptions, opts)
			}
		}
	}

	if _, err := etcmerge.MergeDeployment(ctx, s.logger, mergePath, deployPath); err != nil {
		return nil, fmt.Errorf("during /etc merge: %w", err)
	}

	if len(addKernelArgs) > 0 || len(deleteKernelArgs) > 0 {
		opts, _ := d.BootConfig.Get(bootconfig.KeyOptions)
		args := kargs.Parse(opts)
		for _, key := range deleteKernelArgs {
			if !args.Has(key) {
				s.logger.Warn("kernel argument to delete is not set", "key", key)
				continue
			}
			args.Delete(key)
		}
		for _, arg := range addKernelArgs {
			args.ReplaceArg(arg)
		}
		d.BootConfig.Set(bootconfig.KeyOptions, args.String())
	}

	return d, nil
}
