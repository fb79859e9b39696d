// Package policy resolves tool calls against workspace access policies.
// Policies match on an optional actor, an optional client label, and a
// tool-path pattern; the most specific matching policy wins.
package policy

import (
	"regexp"
	"strings"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

// Context identifies who is making a tool call.
type Context struct {
	WorkspaceID string
	ActorID     string
	ClientID    string
}

// Evaluate resolves a tool call to a decision. Privileged builtins are always
// allowed. Without a matching policy the tool's approval mode decides:
// "required" yields require_approval, "auto" yields allow.
func Evaluate(def *tools.Definition, c Context, policies []store.AccessPolicy) string {
	if def.Privileged {
		return store.DecisionAllow
	}
	return evaluatePath(def.Path, defaultDecision(def.Approval), c, policies)
}

func defaultDecision(approval string) string {
	if approval == tools.ApprovalRequired {
		return store.DecisionRequireApproval
	}
	return store.DecisionAllow
}

// evaluatePath scores every applicable policy against a tool path and returns
// the highest-scoring decision. List order breaks ties (first wins).
func evaluatePath(path, fallback string, c Context, policies []store.AccessPolicy) string {
	best := -1
	decision := fallback
	for _, p := range policies {
		if p.ActorID != "" && p.ActorID != c.ActorID {
			continue
		}
		if p.ClientID != "" && p.ClientID != c.ClientID {
			continue
		}
		if !matchPattern(p.Pattern, path) {
			continue
		}
		score := specificity(p)
		if score > best {
			best = score
			decision = p.Decision
		}
	}
	return decision
}

// specificity ranks a matching policy: exact actor and client bindings beat
// wildcard ones, longer literal patterns beat shorter, then priority.
func specificity(p store.AccessPolicy) int {
	score := p.Priority
	if p.ActorID != "" {
		score += 4
	}
	if p.ClientID != "" {
		score += 2
	}
	literal := len(strings.ReplaceAll(p.Pattern, "*", ""))
	if literal < 1 {
		literal = 1
	}
	return score + literal
}

// matchPattern reports whether the pattern matches the full tool path.
// "*" is a greedy wildcard; all other regex meta-characters are literal.
func matchPattern(pattern, path string) bool {
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}
