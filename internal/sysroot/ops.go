package sysroot

import (
	"context"
	"fmt"

	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/origin"
)

// DeployOptions describes a new deployment
type DeployOptions struct {
	// OSName defaults to the booted deployment's
	OSName string
	// Revision is a refspec or checksum to resolve in the store
	Revision string
	// Origin defaults to [origin] refspec=Revision
	Origin     *origin.Origin
	KernelArgs []string
	// DeleteKernelArgs are keys removed from the inherited kernel arguments
	DeleteKernelArgs []string
	// Retain keeps all current deployments of OSName
	Retain bool
}

// UpgradeResult reports what Upgrade did
type UpgradeResult struct {
	Changed bool
	// Previous is the deployment the upgrade started from
	Previous   *Deployment
	Deployment *Deployment
}

// Deploy loads the sysroot, checks out opts.Revision as the new default
// deployment and commits the new deployment list.
func (s *Sysroot) Deploy(ctx context.Context, opts DeployOptions) (*Deployment, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	osname, err := s.resolveOSName(opts.OSName)
	if err != nil {
		return nil, err
	}
	orig := opts.Origin
	if orig == nil {
		orig = origin.FromRefspec(opts.Revision)
	}

	merge := s.MergeDeployment(osname)

	if err := s.Cleanup(ctx); err != nil {
		return nil, fmt.Errorf("performing initial cleanup: %w", err)
	}

	created, err := s.DeployOneTree(ctx, osname, opts.Revision, orig, opts.KernelArgs, opts.DeleteKernelArgs, merge)
	if err != nil {
		return nil, err
	}

	planned := s.PlanDeployments(created, osname, merge, opts.Retain)
	if err := s.WriteDeployments(ctx, planned); err != nil {
		return nil, err
	}

	for _, d := range s.Deployments() {
		if d.Equal(created) {
			return d, nil
		}
	}
	return created, nil
}

// Upgrade deploys what the merge deployment's origin refspec resolves to
// now, unless that is already deployed.
func (s *Sysroot) Upgrade(ctx context.Context, opts DeployOptions) (*UpgradeResult, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	osname, err := s.resolveOSName(opts.OSName)
	if err != nil {
		return nil, err
	}
	merge := s.MergeDeployment(osname)
	if merge == nil {
		return nil, fmt.Errorf("no deployment of %s to upgrade: %w", osname, errdefs.ErrNotFound)
	}
	refspec := merge.Refspec()
	if refspec == "" {
		return nil, fmt.Errorf("deployment %s has no origin refspec: %w", merge, errdefs.ErrNotFound)
	}

	csum, err := s.store.Resolve(ctx, refspec)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", refspec, err)
	}
	if csum == merge.Csum {
		s.logger.Info("refspec unchanged", "refspec", refspec, "csum", csum)
		return &UpgradeResult{Previous: merge, Deployment: merge}, nil
	}

	created, err := s.Deploy(ctx, DeployOptions{
		OSName:           osname,
		Revision:         csum,
		Origin:           merge.Origin,
		KernelArgs:       opts.KernelArgs,
		DeleteKernelArgs: opts.DeleteKernelArgs,
		Retain:           opts.Retain,
	})
	if err != nil {
		return nil, err
	}
	return &UpgradeResult{Changed: true, Previous: merge, Deployment: created}, nil
}

func (s *Sysroot) resolveOSName(osname string) (string, error) {
	if osname != "" {
		return osname, nil
	}
	if booted := s.Booted(); booted != nil {
		return booted.OSName, nil
	}
	if s.cfg.Deploy.OSName != "" {
		return s.cfg.Deploy.OSName, nil
	}
	return "", fmt.Errorf("not booted into a deployment and no osname given: %w", errdefs.ErrNotFound)
}
