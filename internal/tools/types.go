// Package tools defines the compiled tool surface exposed to sandboxed code.
// A Definition couples the metadata shown to callers (path, description,
// input schema, approval mode) with an Invoker closure that performs the
// actual upstream call. Closures are never serialized; snapshots persist the
// Binding instead and invokers are rebuilt from it on load.
package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Approval modes for a tool. Auto tools run immediately once policy allows
// them; Required tools block on a human decision even when policy allows.
const (
	ApprovalAuto     = "auto"
	ApprovalRequired = "required"
)

// Call carries the per-invocation inputs an Invoker needs. Headers hold
// credential material resolved at dispatch time and are never logged.
type Call struct {
	TaskID  string
	Input   map[string]any
	Headers http.Header

	// IsToolAllowed reports whether the calling context may see or invoke a
	// tool path under current policy. Used by discover to hide denied tools.
	IsToolAllowed func(path string) bool
}

// Invoker executes a tool call against its upstream.
type Invoker func(ctx context.Context, call Call) (any, error)

// BindingParam locates one named input inside an HTTP request.
type BindingParam struct {
	Name     string `json:"name"`
	In       string `json:"in"` // path | query | header
	Required bool   `json:"required,omitempty"`
}

// Binding describes how to reach a tool's upstream in a serializable form.
// It is the part of a Definition that survives a snapshot round trip.
type Binding struct {
	Kind string `json:"kind"` // openapi | graphql | mcp | builtin

	// openapi
	Method      string         `json:"method,omitempty"`
	URLTemplate string         `json:"urlTemplate,omitempty"`
	Params      []BindingParam `json:"params,omitempty"`
	HasBody     bool           `json:"hasBody,omitempty"`

	// graphql and mcp
	Endpoint string `json:"endpoint,omitempty"`

	// mcp
	Transport string `json:"transport,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
}

// CredentialSpec tells the resolver how to turn a stored credential into
// request headers for this tool's upstream.
type CredentialSpec struct {
	SourceKey  string `json:"sourceKey"`
	Scope      string `json:"scope"`          // workspace | actor
	Kind       string `json:"kind"`           // bearer | apiKey | basic
	HeaderName string `json:"headerName,omitempty"` // apiKey only
	Fallback   string `json:"fallback,omitempty"`   // static secret when no row exists
}

// Definition is one callable tool in a workspace's compiled surface.
type Definition struct {
	Path        string          `json:"path"` // namespaced, e.g. "github.get_repo"
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Approval    string          `json:"approval"`
	SourceID    string          `json:"sourceId,omitempty"`
	SourceName  string          `json:"sourceName,omitempty"`
	SourceKey   string          `json:"sourceKey,omitempty"`
	Credential  *CredentialSpec `json:"credential,omitempty"`
	GraphQL     bool            `json:"graphql,omitempty"` // carries sub-operations, decomposed by policy
	Privileged  bool            `json:"privileged,omitempty"`
	Binding     Binding         `json:"binding"`

	Invoke Invoker `json:"-"`
}

// Snapshot is the compiled tool surface for one workspace. Tools are keyed by
// their canonical namespaced path.
type Snapshot struct {
	WorkspaceID string
	Signature   string
	Tools       map[string]*Definition
	PseudoPaths []string          // policy-only GraphQL field paths
	DTS         map[string]string // per-source TypeScript declarations
	BuiltAt     time.Time
}

// Paths returns the tool paths in the snapshot in no particular order.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.Tools))
	for p := range s.Tools {
		out = append(out, p)
	}
	return out
}

// Lookup returns the definition for an exact canonical path.
func (s *Snapshot) Lookup(path string) (*Definition, bool) {
	d, ok := s.Tools[path]
	return d, ok
}
