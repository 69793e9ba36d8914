// Package lca finds the part of a repository a change touches.
package lca

import (
	"path"
	"strings"
)

// Root is returned when changed paths share no directory.
const Root = "."

// Dir returns the deepest directory containing every path. Paths are
// slash-separated and relative to the repository root; empty entries are
// ignored.
func Dir(paths []string) string {
	var common []string
	seen := false
	for _, p := range paths {
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
		if p == "" {
			continue
		}
		dir := path.Dir(p)
		var parts []string
		if dir != "." {
			parts = strings.Split(dir, "/")
		}
		if !seen {
			common, seen = parts, true
			continue
		}
		common = prefix(common, parts)
		if len(common) == 0 {
			return Root
		}
	}
	if len(common) == 0 {
		return Root
	}
	return strings.Join(common, "/")
}

func prefix(a, b []string) []string {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return a[:n]
}

// Describe renders the area for humans, naming the root explicitly.
func Describe(paths []string) string {
	d := Dir(paths)
	if d == Root {
		return "repository root"
	}
	return "`" + d + "/`"
}
