package policy

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

// worse orders decisions deny > require_approval > allow.
var decisionRank = map[string]int{
	store.DecisionAllow:           0,
	store.DecisionRequireApproval: 1,
	store.DecisionDeny:            2,
}

// DecomposeGraphQL evaluates a call to a GraphQL source tool field by field.
// Each top-level selection becomes a pseudo-tool path
// <source>.query.<field> or <source>.mutation.<field>, and the combined
// decision is the worst across fields. The returned path is the comma-joined
// field list, used for approvals and events in place of the synthetic tool's
// own path.
func DecomposeGraphQL(
	def *tools.Definition, input map[string]any, c Context, policies []store.AccessPolicy,
) (decision, effectivePath string, err error) {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", "", fmt.Errorf("graphql tool %s: input is missing a query", def.Path)
	}

	doc, perr := parser.ParseQuery(&ast.Source{Input: query})
	if perr != nil {
		return "", "", fmt.Errorf("graphql tool %s: parse operation: %w", def.Path, perr)
	}

	var paths []string
	combined := store.DecisionAllow
	for _, op := range doc.Operations {
		kind, fieldDefault := operationKind(op.Operation, def.Approval)
		if kind == "" {
			return "", "", fmt.Errorf("graphql tool %s: unsupported operation type %q", def.Path, op.Operation)
		}
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			path := def.SourceName + "." + kind + "." + field.Name
			paths = append(paths, path)

			d := evaluatePath(path, fieldDefault, c, policies)
			if decisionRank[d] > decisionRank[combined] {
				combined = d
			}
			if combined == store.DecisionDeny {
				return combined, strings.Join(paths, ","), nil
			}
		}
	}
	if len(paths) == 0 {
		return "", "", fmt.Errorf("graphql tool %s: operation selects no fields", def.Path)
	}
	return combined, strings.Join(paths, ","), nil
}

// operationKind maps an operation type to its pseudo-tool segment and the
// default decision for its fields. Mutations always default to approval.
func operationKind(op ast.Operation, sourceApproval string) (string, string) {
	switch op {
	case ast.Query:
		return "query", defaultDecision(sourceApproval)
	case ast.Mutation:
		return "mutation", store.DecisionRequireApproval
	default:
		return "", ""
	}
}
