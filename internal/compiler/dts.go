package compiler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/taskgate/taskgate/internal/tools"
)

// generateDTS renders TypeScript declarations for one source's tools so the
// sandbox editor can offer completion on the tools namespace. The text is
// stored out-of-band in the workspace tool cache, never embedded in the
// snapshot blob.
func generateDTS(sourceName string, defs []*tools.Definition) string {
	if len(defs) == 0 {
		return ""
	}

	sorted := make([]*tools.Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder
	fmt.Fprintf(&b, "declare namespace tools {\n")
	fmt.Fprintf(&b, "  namespace %s {\n", tsIdent(sourceName))
	for _, def := range sorted {
		name := strings.TrimPrefix(def.Path, sourceName+".")
		if def.Description != "" {
			fmt.Fprintf(&b, "    /** %s */\n", strings.ReplaceAll(def.Description, "*/", ""))
		}
		fmt.Fprintf(&b, "    function %s(input: %s): Promise<unknown>;\n",
			tsIdent(strings.ReplaceAll(name, ".", "_")), tsInputType(def.InputSchema))
	}
	fmt.Fprintf(&b, "  }\n}\n")
	return b.String()
}

// tsInputType renders the input object type from a JSON Schema, falling back
// to a permissive record when the schema is absent or not an object.
func tsInputType(schema json.RawMessage) string {
	if len(schema) == 0 {
		return "Record<string, unknown>"
	}
	var parsed struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || parsed.Type != "object" {
		return "Record<string, unknown>"
	}
	if len(parsed.Properties) == 0 {
		return "Record<string, unknown>"
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, r := range parsed.Required {
		required[r] = true
	}

	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var fields []string
	for _, name := range names {
		opt := "?"
		if required[name] {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", tsIdent(name), opt, tsScalarType(parsed.Properties[name])))
	}
	return "{ " + strings.Join(fields, "; ") + " }"
}

func tsScalarType(schema json.RawMessage) string {
	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return "unknown"
	}
	switch parsed.Type {
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		return "unknown[]"
	case "object":
		return "Record<string, unknown>"
	default:
		return "unknown"
	}
}

// tsIdent keeps identifiers valid TypeScript: leading digits get an
// underscore prefix, other invalid runes become underscores.
func tsIdent(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range s {
		valid := r == '_' || r == '$' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if i == 0 && r >= '0' && r <= '9' {
			b.WriteRune('_')
			b.WriteRune(r)
			continue
		}
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
