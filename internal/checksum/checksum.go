// Package checksum validates and computes the sha256 content checksums that
// name trees, kernels and initramfs images.
package checksum

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// Validate checks that s is structurally a content checksum: 64 lowercase
// hex characters.
func Validate(s string) error {
	if err := digest.NewDigestFromEncoded(digest.SHA256, s).Validate(); err != nil {
		return fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return nil
}

// IsValid reports whether s passes Validate
func IsValid(s string) bool {
	return Validate(s) == nil
}

// File returns the hex sha256 of the file at path
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errdefs.IO("open", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", errdefs.IO("read", path, err)
	}
	return d.Encoded(), nil
}

// Digester accumulates data into a sha256 checksum
type Digester struct {
	d digest.Digester
}

// NewDigester creates an empty Digester
func NewDigester() *Digester {
	return &Digester{d: digest.SHA256.Digester()}
}

// Writer returns the writer that feeds the checksum
func (d *Digester) Writer() io.Writer {
	return d.d.Hash()
}

// Sum returns the hex checksum of everything written so far
func (d *Digester) Sum() string {
	return d.d.Digest().Encoded()
}
