package dispatch

import (
	"strings"

	"github.com/taskgate/taskgate/internal/tools"
)

// normalizeSegment lowers a path segment to its alias form: lowercase with
// everything outside a-z0-9 removed. "Search-Code" and "search_code"
// normalize identically.
func normalizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizePath normalizes each dotted segment independently, preserving
// segment boundaries.
func normalizePath(path string) string {
	segments := strings.Split(path, ".")
	for i, s := range segments {
		segments[i] = normalizeSegment(s)
	}
	return strings.Join(segments, ".")
}

// stripWrapper removes an optional leading "tools." segment from a requested
// path. Sandbox scripts address tools through a `tools` namespace object, and
// clients sometimes echo that wrapper back in explicit path strings.
func stripWrapper(requested string) (string, bool) {
	if i := strings.Index(requested, "."); i > 0 && i+1 < len(requested) &&
		normalizeSegment(requested[:i]) == "tools" {
		return requested[i+1:], true
	}
	return requested, false
}

// resolveAlias finds the tool whose normalized path matches the normalized
// request, retrying without a leading "tools." wrapper when the direct form
// misses.
func resolveAlias(requested string, snapshot *tools.Snapshot) (*tools.Definition, bool) {
	if def, ok := resolveNormalized(requested, snapshot); ok {
		return def, true
	}
	if stripped, wrapped := stripWrapper(requested); wrapped {
		return resolveNormalized(stripped, snapshot)
	}
	return nil, false
}

// resolveNormalized matches on normalized paths. A unique match wins
// outright; among ambiguous matches the shortest path with the same segment
// count is preferred.
func resolveNormalized(requested string, snapshot *tools.Snapshot) (*tools.Definition, bool) {
	want := normalizePath(requested)
	wantSegments := len(strings.Split(requested, "."))

	var matches []*tools.Definition
	for path, def := range snapshot.Tools {
		if normalizePath(path) == want {
			matches = append(matches, def)
		}
	}
	switch len(matches) {
	case 0:
		return nil, false
	case 1:
		return matches[0], true
	}

	var best *tools.Definition
	for _, def := range matches {
		segments := len(strings.Split(def.Path, "."))
		if best == nil {
			best = def
			continue
		}
		bestSegments := len(strings.Split(best.Path, "."))
		bestMatchesCount := bestSegments == wantSegments
		defMatchesCount := segments == wantSegments
		switch {
		case defMatchesCount && !bestMatchesCount:
			best = def
		case defMatchesCount == bestMatchesCount && len(def.Path) < len(best.Path):
			best = def
		}
	}
	return best, true
}
