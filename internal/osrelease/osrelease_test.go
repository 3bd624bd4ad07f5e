package osrelease

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	data := []byte(`# comment line
NAME=Fedora
ID=fedora
PRETTY_NAME="Fedora Linux 40 (Workstation Edition)"
VERSION_ID='40'
HOME_URL="https://fedoraproject.org/"
EMPTY=
not a key value line
BROKEN="unterminated
`)

	want := map[string]string{
		"NAME":        "Fedora",
		"ID":          "fedora",
		"PRETTY_NAME": "Fedora Linux 40 (Workstation Edition)",
		"VERSION_ID":  "40",
		"HOME_URL":    "https://fedoraproject.org/",
		"EMPTY":       "",
	}
	if diff := cmp.Diff(want, Parse(data)); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	if err := os.WriteFile(path, []byte("PRETTY_NAME=\"Test OS\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if values["PRETTY_NAME"] != "Test OS" {
		t.Errorf("PRETTY_NAME = %q", values["PRETTY_NAME"])
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
