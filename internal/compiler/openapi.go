package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/taskgate/taskgate/internal/tools"
)

// PreparedSpec is the normalized form of an OpenAPI document: the operation
// list with validated input schemas, stripped of everything the invoker does
// not need. This is what the prepared-spec cache serializes.
type PreparedSpec struct {
	Title      string              `json:"title,omitempty"`
	BaseURL    string              `json:"baseUrl,omitempty"`
	Operations []PreparedOperation `json:"operations"`
}

// PreparedOperation is one invocable HTTP operation.
type PreparedOperation struct {
	ID          string               `json:"id"` // dotted path segment
	Method      string               `json:"method"`
	Path        string               `json:"path"` // /pets/{petId}
	Summary     string               `json:"summary,omitempty"`
	Params      []tools.BindingParam `json:"params,omitempty"`
	HasBody     bool                 `json:"hasBody,omitempty"`
	InputSchema json.RawMessage      `json:"inputSchema,omitempty"`
}

// Marshal serializes the prepared spec for blob storage.
func (p *PreparedSpec) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPreparedSpec is the inverse of Marshal.
func UnmarshalPreparedSpec(data []byte) (*PreparedSpec, error) {
	var p PreparedSpec
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal prepared spec: %w", err)
	}
	return &p, nil
}

// openapiDoc mirrors the subset of OpenAPI v3 this compiler consumes.
type openapiDoc struct {
	Info struct {
		Title string `json:"title"`
	} `json:"info"`
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths map[string]map[string]*openapiOperation `json:"paths"`
}

type openapiOperation struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	Parameters  []struct {
		Name     string          `json:"name"`
		In       string          `json:"in"`
		Required bool            `json:"required"`
		Schema   json.RawMessage `json:"schema"`
	} `json:"parameters"`
	RequestBody *struct {
		Required bool `json:"required"`
		Content  map[string]struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"content"`
	} `json:"requestBody"`
}

var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// PrepareOpenAPI parses a raw OpenAPI v3 document, JSON or YAML, into its
// prepared form. The input to each operation is a flat object: path, query,
// and header parameters by name, plus "body" for the request body.
func PrepareOpenAPI(doc []byte) (*PreparedSpec, error) {
	doc, err := specToJSON(doc)
	if err != nil {
		return nil, err
	}
	var parsed openapiDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	if len(parsed.Paths) == 0 {
		return nil, fmt.Errorf("openapi document has no paths")
	}

	prepared := &PreparedSpec{Title: parsed.Info.Title}
	if len(parsed.Servers) > 0 {
		prepared.BaseURL = strings.TrimRight(parsed.Servers[0].URL, "/")
	}

	paths := make([]string, 0, len(parsed.Paths))
	for p := range parsed.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		for _, method := range httpMethods {
			op, ok := parsed.Paths[path][method]
			if !ok || op == nil {
				continue
			}
			prepared.Operations = append(prepared.Operations, prepareOperation(path, method, op))
		}
	}
	if len(prepared.Operations) == 0 {
		return nil, fmt.Errorf("openapi document has no operations")
	}
	return prepared, nil
}

// specToJSON converts a YAML spec document to JSON. JSON input passes
// through untouched so raw schema fragments keep their exact bytes.
func specToJSON(doc []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(doc, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return doc, nil
	}
	var parsed any
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse openapi document: %w", err)
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("convert openapi document: %w", err)
	}
	return out, nil
}

func prepareOperation(path, method string, op *openapiOperation) PreparedOperation {
	out := PreparedOperation{
		ID:      operationID(op.OperationID, method, path),
		Method:  strings.ToUpper(method),
		Path:    path,
		Summary: op.Summary,
	}

	properties := map[string]json.RawMessage{}
	var required []string
	for _, p := range op.Parameters {
		if p.In != "path" && p.In != "query" && p.In != "header" {
			continue
		}
		out.Params = append(out.Params, tools.BindingParam{
			Name: p.Name, In: p.In, Required: p.Required || p.In == "path",
		})
		schema := p.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		properties[p.Name] = schema
		if p.Required || p.In == "path" {
			required = append(required, p.Name)
		}
	}

	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok {
			out.HasBody = true
			schema := content.Schema
			if len(schema) == 0 {
				schema = json.RawMessage(`{}`)
			}
			properties["body"] = schema
			if op.RequestBody.Required {
				required = append(required, "body")
			}
		}
	}

	out.InputSchema = buildObjectSchema(properties, required)
	return out
}

// buildObjectSchema assembles a JSON Schema object from per-field schemas.
func buildObjectSchema(properties map[string]json.RawMessage, required []string) json.RawMessage {
	schema := map[string]any{"type": "object"}
	if len(properties) > 0 {
		props := make(map[string]any, len(properties))
		for name, s := range properties {
			var v any
			if err := json.Unmarshal(s, &v); err != nil {
				v = map[string]any{}
			}
			props[name] = v
		}
		schema["properties"] = props
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// operationID produces the dotted-path segment for an operation. Explicit
// operationIds are sanitized; anonymous operations derive from method+path.
func operationID(explicit, method, path string) string {
	if explicit != "" {
		return sanitizeSegment(explicit)
	}
	segment := method + strings.ReplaceAll(path, "/", "_")
	segment = strings.Map(func(r rune) rune {
		if r == '{' || r == '}' {
			return -1
		}
		return r
	}, segment)
	return sanitizeSegment(segment)
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// approvalFor decides the default approval mode for an operation: reads are
// auto, writes require approval, and per-path overrides pin either.
func approvalFor(cfg *OpenAPIConfig, op *PreparedOperation) string {
	if v, ok := cfg.Overrides[op.ID]; ok {
		return v
	}
	if v, ok := cfg.Overrides[op.Path]; ok {
		return v
	}
	if op.Method == http.MethodGet || op.Method == http.MethodHead {
		if cfg.DefaultReadApproval != "" {
			return cfg.DefaultReadApproval
		}
		return tools.ApprovalAuto
	}
	return tools.ApprovalRequired
}

// compileOpenAPI turns a prepared spec into tool definitions for one source.
func (c *Compiler) compileOpenAPI(cfg *SourceConfig, prepared *PreparedSpec) ([]*tools.Definition, error) {
	baseURL := cfg.OpenAPI.BaseURL
	if baseURL == "" {
		baseURL = prepared.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("source %q: no base url in config or spec", cfg.Name)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	defs := make([]*tools.Definition, 0, len(prepared.Operations))
	for i := range prepared.Operations {
		op := &prepared.Operations[i]
		def := &tools.Definition{
			Path:        cfg.Name + "." + op.ID,
			Description: op.Summary,
			InputSchema: op.InputSchema,
			Approval:    approvalFor(cfg.OpenAPI, op),
			SourceID:    cfg.SourceID,
			SourceName:  cfg.Name,
			Credential:  cfg.OpenAPI.Credential,
			Binding: tools.Binding{
				Kind:        "openapi",
				Method:      op.Method,
				URLTemplate: baseURL + op.Path,
				Params:      op.Params,
				HasBody:     op.HasBody,
			},
		}
		if def.Credential != nil {
			def.SourceKey = def.Credential.SourceKey
		}
		if err := c.bindOpenAPIInvoker(def); err != nil {
			return nil, fmt.Errorf("source %q: bind %s: %w", cfg.Name, def.Path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// bindOpenAPIInvoker attaches a live invoker to a definition from its
// serializable binding. Also used to rehydrate snapshot records.
func (c *Compiler) bindOpenAPIInvoker(def *tools.Definition) error {
	var validator *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Path, def.InputSchema)
		if err != nil {
			return err
		}
		validator = compiled
	}

	binding := def.Binding
	client := c.httpClient
	def.Invoke = func(ctx context.Context, call tools.Call) (any, error) {
		if validator != nil {
			if err := validator.Validate(normalizeInput(call.Input)); err != nil {
				return nil, fmt.Errorf("invalid input for %s: %w", def.Path, err)
			}
		}
		return invokeHTTP(ctx, client, binding, call)
	}
	return nil
}

func compileSchema(path string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	url := "inmemory://" + path + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// normalizeInput round-trips input through JSON so the validator sees the
// types it expects (e.g. json.Number handling stays consistent).
func normalizeInput(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return input
	}
	return out
}

// invokeHTTP materializes one HTTP request from a binding and a call:
// path params substitute into the URL template, query and header params
// attach by name, "body" serializes as JSON, credential headers overlay.
func invokeHTTP(ctx context.Context, client *http.Client, b tools.Binding, call tools.Call) (any, error) {
	target := b.URLTemplate
	query := url.Values{}
	header := http.Header{}

	for _, p := range b.Params {
		v, ok := call.Input[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		s := stringifyParam(v)
		switch p.In {
		case "path":
			target = strings.ReplaceAll(target, "{"+p.Name+"}", url.PathEscape(s))
		case "query":
			query.Set(p.Name, s)
		case "header":
			header.Set(p.Name, s)
		}
	}
	if strings.Contains(target, "{") {
		return nil, fmt.Errorf("unbound path parameter in %s", b.URLTemplate)
	}
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	if b.HasBody {
		if v, ok := call.Input["body"]; ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			body = bytes.NewReader(raw)
			header.Set("Content-Type", "application/json")
		}
	}

	req, err := http.NewRequestWithContext(ctx, b.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	for k, vals := range call.Headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", b.Method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", b.Method, target, resp.StatusCode, truncate(respBody, 512))
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return string(respBody), nil
	}
	return decoded, nil
}

func stringifyParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return strings.Trim(string(raw), `"`)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
