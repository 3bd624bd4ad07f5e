// Package kargs parses and rewrites kernel command lines while keeping the
// order in which arguments first appeared.
package kargs

import (
	"strings"
	"unicode"

	"github.com/schaermu/sysrootctl/internal/orderedmap"
)

// value is an argument value; bare flags have no value at all, which is
// different from an empty one ("quiet" vs "quiet=").
type value struct {
	s   string
	set bool
}

// Hash is an ordered key -> optional value table of kernel arguments
type Hash struct {
	args *orderedmap.Map[string, value]
}

// New creates an empty Hash
func New() *Hash {
	return &Hash{args: orderedmap.New[string, value]()}
}

// Parse splits a kernel command line into a Hash the way the kernel does:
// whitespace separates tokens except between double quotes, and the quotes
// themselves are dropped. There are no escapes or comments: backslashes,
// '#' and single quotes are ordinary characters. An unterminated quote runs
// to the end of the line. Each token is split on its first '='. A repeated
// key keeps its first position and takes the last value.
func Parse(cmdline string) *Hash {
	h := New()
	for _, tok := range split(cmdline) {
		h.ReplaceArg(tok)
	}
	return h
}

func split(cmdline string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
		inToken bool
	)
	for _, r := range cmdline {
		switch {
		case r == '"':
			inQuote = !inQuote
			inToken = true
		case unicode.IsSpace(r) && !inQuote:
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// SplitKeyEq splits "key=value" on the first '='. A token without '=' is a
// bare flag and reports hasValue false.
func SplitKeyEq(arg string) (key, val string, hasValue bool) {
	key, val, hasValue = strings.Cut(arg, "=")
	return key, val, hasValue
}

// Replace sets key to val. An existing key is updated in place; a new key is
// appended.
func (h *Hash) Replace(key, val string) {
	h.args.Set(key, value{s: val, set: true})
}

// ReplaceFlag sets key as a bare flag with no value, in the same position
// rules as Replace.
func (h *Hash) ReplaceFlag(key string) {
	h.args.Set(key, value{})
}

// ReplaceArg splits a "key[=value]" argument and applies it with Replace or
// ReplaceFlag. Double quotes are dropped as Parse drops them. Empty
// arguments are ignored.
func (h *Hash) ReplaceArg(arg string) {
	arg = strings.ReplaceAll(arg, `"`, "")
	if arg == "" {
		return
	}
	key, val, ok := SplitKeyEq(arg)
	if ok {
		h.Replace(key, val)
	} else {
		h.ReplaceFlag(key)
	}
}

// Get returns the value for key. hasValue is false for bare flags.
func (h *Hash) Get(key string) (val string, hasValue, ok bool) {
	v, ok := h.args.Get(key)
	return v.s, v.set, ok
}

// Has reports whether key is present
func (h *Hash) Has(key string) bool {
	return h.args.Has(key)
}

// Delete removes key
func (h *Hash) Delete(key string) {
	h.args.Delete(key)
}

// Keys returns the argument keys in order
func (h *Hash) Keys() []string {
	return h.args.Keys()
}

// Len returns the number of arguments
func (h *Hash) Len() int {
	return h.args.Len()
}

// String renders the arguments space-separated in table order. Values that
// contain whitespace are double-quoted so Parse reads them back.
func (h *Hash) String() string {
	parts := make([]string, 0, h.args.Len())
	h.args.Range(func(key string, v value) bool {
		if !v.set {
			parts = append(parts, key)
		} else {
			parts = append(parts, key+"="+quote(v.s))
		}
		return true
	})
	return strings.Join(parts, " ")
}

// quote wraps s in double quotes when it would not survive a whitespace
// split.
func quote(s string) string {
	if !strings.ContainsFunc(s, unicode.IsSpace) {
		return s
	}
	return `"` + s + `"`
}
