package sysroot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/sysrootctl/internal/testutil"
)

func TestAllocateDeployserial(t *testing.T) {
	env := newTestEnv(t)
	testutil.WriteTree(t, env.root, map[string]string{
		"ostree/deploy/osa/deploy/" + treeA + ".0/":       "",
		"ostree/deploy/osa/deploy/" + treeA + ".3/":       "",
		"ostree/deploy/osa/deploy/" + treeA + ".3.origin": "[origin]\n",
		"ostree/deploy/osa/deploy/" + treeA + ".9.origin": "[origin]\n",
		"ostree/deploy/osa/deploy/" + treeB + ".5/":       "",
		"ostree/deploy/osa/deploy/garbage/":               "",
		"ostree/deploy/osb/deploy/" + treeA + ".7/":       "",
	})
	s := env.sysroot()

	tests := []struct {
		osname   string
		revision string
		want     int
	}{
		{"osa", treeA, 4},
		{"osa", treeB, 6},
		{"osa", csum("3"), 0},
		{"osb", treeA, 8},
		{"osc", treeA, 0},
	}
	for _, tt := range tests {
		got, err := s.AllocateDeployserial(tt.osname, tt.revision)
		if err != nil {
			t.Fatalf("AllocateDeployserial(%s, %s): %v", tt.osname, tt.revision, err)
		}
		if got != tt.want {
			t.Errorf("AllocateDeployserial(%s, %.8s) = %d, want %d", tt.osname, tt.revision, got, tt.want)
		}
	}
}

func TestAssignBootserials(t *testing.T) {
	deployments := []*Deployment{
		{Csum: treeA, Bootcsum: bootA},
		{Csum: treeB, Bootcsum: bootB},
		{Csum: treeA, Deployserial: 1, Bootcsum: bootA},
		{Csum: treeA, Deployserial: 2, Bootcsum: bootA},
	}
	assignBootserials(deployments)

	var got [][2]int
	for _, d := range deployments {
		got = append(got, [2]int{d.Index, d.Bootserial})
	}
	want := [][2]int{{0, 0}, {1, 0}, {2, 1}, {3, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("index/bootserial mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiresNewBootversion(t *testing.T) {
	a := &Deployment{Bootcsum: bootA}
	b := &Deployment{Bootcsum: bootB}

	tests := []struct {
		name     string
		current  []*Deployment
		proposed []*Deployment
		want     bool
	}{
		{"same list", []*Deployment{a, b}, []*Deployment{a, b}, false},
		{"reordered", []*Deployment{a, b}, []*Deployment{b, a}, false},
		{"added", []*Deployment{a}, []*Deployment{a, b}, true},
		{"removed", []*Deployment{a, b}, []*Deployment{a}, true},
		{"bootcsum changed", []*Deployment{a, a}, []*Deployment{a, b}, true},
		{"first deployment", nil, []*Deployment{a}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requiresNewBootversion(tt.current, tt.proposed); got != tt.want {
				t.Errorf("requiresNewBootversion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDeployName(t *testing.T) {
	c, serial, err := parseDeployName(treeA + ".12")
	if err != nil || c != treeA || serial != 12 {
		t.Errorf("parseDeployName = %q, %d, %v", c, serial, err)
	}
	for _, bad := range []string{"noserial", treeA, "abc.1", treeA + ".x", treeA + ".-1"} {
		if _, _, err := parseDeployName(bad); err == nil {
			t.Errorf("parseDeployName(%q) should fail", bad)
		}
	}
}

func TestDeploymentPaths(t *testing.T) {
	d := &Deployment{OSName: "testos", Csum: treeA, Deployserial: 2, Bootcsum: bootA, Bootserial: 1}
	if got, want := d.RelPath(), filepath.Join("ostree", "deploy", "testos", "deploy", treeA+".2"); got != want {
		t.Errorf("RelPath() = %q, want %q", got, want)
	}
	if got, want := d.BootlinkPath(1), "/ostree/boot.1/testos/"+bootA+"/1"; got != want {
		t.Errorf("BootlinkPath() = %q, want %q", got, want)
	}
	if d.Refspec() != "" {
		t.Error("deployment without origin has no refspec")
	}
}

func TestMergeDeploymentAndPlan(t *testing.T) {
	a0 := &Deployment{OSName: "testos", Csum: treeA}
	a1 := &Deployment{OSName: "testos", Csum: treeA, Deployserial: 1}
	b0 := &Deployment{OSName: "testos", Csum: treeB}
	other := &Deployment{OSName: "otheros", Csum: treeB}
	created := &Deployment{OSName: "testos", Csum: treeB, Deployserial: 1}

	names := func(ds []*Deployment) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.String())
		}
		return out
	}

	tests := []struct {
		name      string
		current   []*Deployment
		booted    *Deployment
		retain    bool
		wantMerge *Deployment
		wantPlan  []*Deployment
	}{
		{
			name:      "not booted keeps first of os as rollback",
			current:   []*Deployment{a1, a0, other},
			wantMerge: a1,
			wantPlan:  []*Deployment{created, a1, other},
		},
		{
			name:      "booted is merge source and kept",
			current:   []*Deployment{a1, a0, b0},
			booted:    a0,
			wantMerge: a0,
			wantPlan:  []*Deployment{created, a0},
		},
		{
			name:      "booted other os",
			current:   []*Deployment{other, a0},
			booted:    other,
			wantMerge: a0,
			wantPlan:  []*Deployment{created, other, a0},
		},
		{
			name:      "retain keeps everything",
			current:   []*Deployment{a1, a0, b0},
			retain:    true,
			wantMerge: a1,
			wantPlan:  []*Deployment{created, a1, a0, b0},
		},
		{
			name:     "empty sysroot",
			wantPlan: []*Deployment{created},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestEnv(t).sysroot()
			s.state = &State{Deployments: tt.current, Booted: tt.booted}

			merge := s.MergeDeployment("testos")
			if merge != tt.wantMerge {
				t.Errorf("MergeDeployment() = %v, want %v", merge, tt.wantMerge)
			}
			plan := s.PlanDeployments(created, "testos", merge, tt.retain)
			if diff := cmp.Diff(names(tt.wantPlan), names(plan)); diff != "" {
				t.Errorf("PlanDeployments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addTree(t, treeA, bootA, nil)
	env.deploy(t, treeA)

	stray := map[string]string{
		"ostree/deploy/testos/deploy/" + treeB + ".0/usr/bin/true": "x",
		"ostree/deploy/testos/deploy/" + treeB + ".0.origin":       "[origin]\n",
		"ostree/deploy/other/deploy/" + treeB + ".4/":              "",
		"boot/ostree/testos-" + bootB + "/vmlinuz":                 "k",
		"boot/loader.0/entries/ostree-testos-0.conf":               "title stale\n",
		"ostree/boot.0.1/testos/" + bootB + "/0/":                  "",
	}
	testutil.WriteTree(t, env.root, stray)
	testutil.Symlink(t, "boot.0.1", env.path("ostree", "boot.0"))
	testutil.WriteTree(t, env.root, map[string]string{"ostree/deploy/testos/deploy/README": "keep"})

	s := env.sysroot()
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	// Idempotent
	if err := s.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}

	for _, gone := range []string{
		env.path("ostree", "deploy", "testos", "deploy", treeB+".0"),
		env.path("ostree", "deploy", "testos", "deploy", treeB+".0.origin"),
		env.path("ostree", "deploy", "other", "deploy", treeB+".4"),
		env.path("boot", "ostree", "testos-"+bootB),
		env.path("boot", "loader.0"),
		env.path("ostree", "boot.0"),
		env.path("ostree", "boot.0.1"),
	} {
		if testutil.Exists(t, gone) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, kept := range []string{
		env.path("ostree", "deploy", "testos", "deploy", treeA+".0"),
		env.path("ostree", "deploy", "testos", "deploy", treeA+".0.origin"),
		env.path("ostree", "deploy", "testos", "deploy", "README"),
		env.path("boot", "ostree", "testos-"+bootA, "vmlinuz"),
		env.path("boot", "loader.1", "entries", "ostree-testos-0.conf"),
	} {
		if !testutil.Exists(t, kept) {
			t.Errorf("%s should have been kept", kept)
		}
	}
}

func TestCleanupRemovesTempFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addTree(t, treeA, bootA, nil)
	env.deploy(t, treeA)

	// Leftovers of a staging copy, an atomic write and symlink swaps
	testutil.WriteTree(t, env.root, map[string]string{
		"boot/ostree/testos-" + bootA + "/.tmp-6f1c":            "partial kernel",
		"ostree/deploy/testos/deploy/.sysrootctl-tmp-42":        "[origin]\n",
		"boot/grub2/.tmplink-77aa":                              "",
		"boot/ostree/testos-" + bootA + "/vmlinuz-not-temp.tmp": "keep",
	})
	testutil.Symlink(t, "loader.1", env.path("boot", ".tmplink-0a0a"))
	testutil.Symlink(t, "boot.1.0", env.path("ostree", ".tmplink-1b1b"))
	testutil.Symlink(t, "deploy/"+treeA+".0", env.path("ostree", "deploy", "testos", ".tmplink-2c2c"))

	s := env.sysroot()
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	for _, gone := range []string{
		env.path("boot", "ostree", "testos-"+bootA, ".tmp-6f1c"),
		env.path("ostree", "deploy", "testos", "deploy", ".sysrootctl-tmp-42"),
		env.path("boot", "grub2", ".tmplink-77aa"),
		env.path("boot", ".tmplink-0a0a"),
		env.path("ostree", ".tmplink-1b1b"),
		env.path("ostree", "deploy", "testos", ".tmplink-2c2c"),
	} {
		if testutil.Exists(t, gone) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, kept := range []string{
		env.path("boot", "ostree", "testos-"+bootA, "vmlinuz-not-temp.tmp"),
		env.path("ostree", "deploy", "testos", "current"),
		env.path("boot", "loader"),
		env.path("ostree", "boot.1"),
	} {
		if !testutil.Exists(t, kept) {
			t.Errorf("%s should have been kept", kept)
		}
	}
}
