// Package bootconfig reads and writes boot loader entries: one "key value"
// pair per line, as found in /boot/loader/entries/*.conf.
package bootconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/sysrootctl/internal/errdefs"
	"github.com/schaermu/sysrootctl/internal/fsutil"
	"github.com/schaermu/sysrootctl/internal/orderedmap"
)

// Well-known entry keys
const (
	KeyTitle   = "title"
	KeyVersion = "version"
	KeyLinux   = "linux"
	KeyInitrd  = "initrd"
	KeyOptions = "options"
)

// Config is an ordered set of loader entry fields. Keys are written in the
// order they were first set.
type Config struct {
	fields *orderedmap.Map[string, string]
}

// New creates an empty Config
func New() *Config {
	return &Config{fields: orderedmap.New[string, string]()}
}

// Parse reads loader entry text. Blank lines and lines starting with '#' are
// skipped; the key ends at the first whitespace and the rest of the line,
// trimmed, is the value.
func Parse(data []byte) *Config {
	c := New()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			key, val = line[:i], strings.TrimSpace(line[i+1:])
		}
		c.Set(key, val)
	}
	return c
}

// Load parses the loader entry at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IO("read", path, err)
	}
	return Parse(data), nil
}

// Get returns the value for key
func (c *Config) Get(key string) (string, bool) {
	return c.fields.Get(key)
}

// Set stores value for key, keeping the key's first insertion position.
func (c *Config) Set(key, value string) {
	c.fields.Set(key, value)
}

// Keys returns the keys in write order
func (c *Config) Keys() []string {
	return c.fields.Keys()
}

// Bytes renders the entry as "key value\n" lines
func (c *Config) Bytes() []byte {
	var buf bytes.Buffer
	c.fields.Range(func(key, value string) bool {
		fmt.Fprintf(&buf, "%s %s\n", key, value)
		return true
	})
	return buf.Bytes()
}

// Write renders the entry to path, creating parent directories as needed.
func (c *Config) Write(path string) error {
	return fsutil.WriteFileAtomic(path, c.Bytes(), 0644)
}
