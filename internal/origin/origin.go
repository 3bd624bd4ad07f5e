// Package origin reads and writes deployment origin files: key-file
// metadata stored next to each deployment that records where its content
// came from, so it can be upgraded later.
package origin

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
)

const (
	section    = "origin"
	refspecKey = "refspec"
)

func init() {
	// Key files use "key=value" without padding.
	ini.PrettyFormat = false
}

// Origin is the parsed content of an origin file
type Origin struct {
	file *ini.File
}

// New creates an empty Origin
func New() *Origin {
	return &Origin{file: ini.Empty()}
}

// FromRefspec creates an Origin whose [origin] refspec is refspec
func FromRefspec(refspec string) *Origin {
	o := New()
	o.SetRefspec(refspec)
	return o
}

// Parse reads origin key-file data
func Parse(data []byte) (*Origin, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	return &Origin{file: f}, nil
}

// Load reads the origin file at path
func Load(path string) (*Origin, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errdefs.IO("load origin", path, err)
	}
	return &Origin{file: f}, nil
}

// PathFor returns the origin file path for a deployment directory
func PathFor(deploymentPath string) string {
	return strings.TrimSuffix(deploymentPath, "/") + ".origin"
}

// Refspec returns [origin] refspec
func (o *Origin) Refspec() (string, bool) {
	return o.Get(section, refspecKey)
}

// SetRefspec sets [origin] refspec
func (o *Origin) SetRefspec(refspec string) {
	o.Set(section, refspecKey, refspec)
}

// Get returns the value of key in section
func (o *Origin) Get(sectionName, key string) (string, bool) {
	sec, err := o.file.GetSection(sectionName)
	if err != nil || !sec.HasKey(key) {
		return "", false
	}
	return sec.Key(key).String(), true
}

// Set stores a value in section
func (o *Origin) Set(sectionName, key, value string) {
	o.file.Section(sectionName).Key(key).SetValue(value)
}

// Bytes renders the origin as key-file text
func (o *Origin) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := o.file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering origin: %w", err)
	}
	return buf.Bytes(), nil
}

// Write replaces the origin file at path
func (o *Origin) Write(path string) error {
	data, err := o.Bytes()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}

// ParseRefspec splits "remote:ref" into its parts. A refspec without a
// colon is a local ref with an empty remote.
func ParseRefspec(refspec string) (remote, ref string, err error) {
	if i := strings.Index(refspec, ":"); i >= 0 {
		remote, ref = refspec[:i], refspec[i+1:]
		if remote == "" {
			return "", "", fmt.Errorf("invalid refspec %q: empty remote", refspec)
		}
	} else {
		ref = refspec
	}
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return "", "", fmt.Errorf("invalid refspec %q: bad ref name", refspec)
	}
	return remote, ref, nil
}
