package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// discoverSchema accepts an optional namespace filter.
var discoverSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"namespace": {
			"type": "string",
			"description": "Only list tools under this source namespace."
		}
	},
	"additionalProperties": false
}`)

// DiscoveredTool is one row in the discover tool's output.
type DiscoveredTool struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	Approval    string `json:"approval"`
}

// NewDiscoverTool builds the privileged discover tool for a snapshot. It
// lists the callable tool surface and is exempt from policy and approval so
// sandboxed code can always enumerate what it may ask for.
func NewDiscoverTool(snapshot *Snapshot) *Definition {
	d := &Definition{
		Path:        "discover",
		Description: "List the tools available in this workspace, optionally filtered by source namespace.",
		InputSchema: discoverSchema,
		Approval:    ApprovalAuto,
		Privileged:  true,
		Binding:     Binding{Kind: "builtin", ToolName: "discover"},
	}
	d.Invoke = func(_ context.Context, call Call) (any, error) {
		ns, _ := call.Input["namespace"].(string)

		var out []DiscoveredTool
		for path, def := range snapshot.Tools {
			if def.Privileged {
				continue
			}
			if ns != "" && !strings.HasPrefix(path, ns+".") {
				continue
			}
			if call.IsToolAllowed != nil && !call.IsToolAllowed(path) {
				continue
			}
			out = append(out, DiscoveredTool{
				Path:        path,
				Description: def.Description,
				Approval:    def.Approval,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		return map[string]any{"tools": out}, nil
	}
	return d
}
