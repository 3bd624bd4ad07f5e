// Package osrelease parses os-release(5) files.
package osrelease

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/google/shlex"

	"github.com/schaermu/sysrootctl/internal/errdefs"
)

// Parse reads KEY=value lines. Values are shell-unquoted; comment lines,
// lines without '=' and values that fail to unquote are skipped.
func Parse(data []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, quoted, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		val, ok := unquote(quoted)
		if !ok {
			continue
		}
		values[key] = val
	}
	return values
}

// Load parses the os-release file at path
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IO("read", path, err)
	}
	return Parse(data), nil
}

// unquote removes shell quoting. Multiple words are joined with single
// spaces, matching what a shell would assign for an unquoted value.
func unquote(s string) (string, bool) {
	words, err := shlex.Split(s)
	if err != nil {
		return "", false
	}
	return strings.Join(words, " "), true
}
