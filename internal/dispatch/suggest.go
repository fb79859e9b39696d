package dispatch

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const maxSuggestions = 3

// suggest ranks candidate tool paths near a mistyped request: Levenshtein
// distance on the normalized paths, with a bonus for sharing the requested
// namespace prefix. Distant candidates are cut entirely.
func suggest(requested string, paths []string) []string {
	want := normalizePath(requested)
	wantNamespace := ""
	if i := strings.Index(requested, "."); i > 0 {
		wantNamespace = normalizeSegment(requested[:i])
	}

	type scored struct {
		path  string
		score int
	}
	var candidates []scored
	for _, path := range paths {
		norm := normalizePath(path)
		score := levenshtein.ComputeDistance(want, norm)
		if wantNamespace != "" && strings.HasPrefix(norm, wantNamespace+".") {
			score -= 2
		}
		// Anything further than half the request away is noise.
		if score > len(want)/2+1 {
			continue
		}
		candidates = append(candidates, scored{path: path, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})

	out := make([]string, 0, maxSuggestions)
	for _, c := range candidates {
		out = append(out, c.path)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// unknownToolMessage builds the resolution failure message, augmented with
// fuzzy suggestions when any are close enough. A request carrying the
// "tools." wrapper gets suggestions in the same wrapped form so they are
// copy-pasteable.
func unknownToolMessage(requested string, paths []string) string {
	msg := "Unknown tool: " + requested
	lookup, wrapped := stripWrapper(requested)
	suggestions := suggest(lookup, paths)
	if wrapped {
		for i, s := range suggestions {
			suggestions[i] = "tools." + s
		}
	}
	if len(suggestions) > 0 {
		msg += ". Did you mean: " + strings.Join(suggestions, ", ") + "?"
	}
	return msg
}
