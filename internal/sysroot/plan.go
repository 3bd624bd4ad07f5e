package sysroot

// MergeDeployment picks the deployment whose configuration a new deployment
// of osname inherits: the booted one if it runs osname, else the first
// deployment of osname. It returns nil if there is none.
func (s *Sysroot) MergeDeployment(osname string) *Deployment {
	if booted := s.Booted(); booted != nil && booted.OSName == osname {
		return booted
	}
	for _, d := range s.Deployments() {
		if d.OSName == osname {
			return d
		}
	}
	return nil
}

// PlanDeployments returns the deployment list with created first. Of the
// current deployments it keeps the booted one, those of other osnames, the
// merge deployment as a rollback target, and with retain all of them.
func (s *Sysroot) PlanDeployments(created *Deployment, osname string, merge *Deployment, retain bool) []*Deployment {
	planned := []*Deployment{created}
	booted := s.Booted()
	for _, d := range s.Deployments() {
		keep := retain ||
			d.OSName != osname ||
			d.Equal(booted) ||
			d.Equal(merge)
		if keep && !d.Equal(created) {
			planned = append(planned, d)
		}
	}
	return planned
}
