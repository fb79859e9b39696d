package compiler

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

// SourceConfig is a tool source's validated, type-specific configuration.
// Row inserts accept any config blob; validation happens here, at compile
// time, so a bad source degrades to a warning instead of blocking writes.
type SourceConfig struct {
	SourceID string
	Name     string
	Type     string

	OpenAPI *OpenAPIConfig
	GraphQL *GraphQLConfig
	MCP     *MCPConfig
}

// OpenAPIConfig describes a REST source. Spec is either a URL string (fetched
// through the prepared-spec cache) or an inline document.
type OpenAPIConfig struct {
	SpecURL             string                `json:"specUrl,omitempty"`
	SpecInline          json.RawMessage       `json:"spec,omitempty"`
	BaseURL             string                `json:"baseUrl,omitempty"`
	DefaultReadApproval string                `json:"defaultReadApproval,omitempty"`
	Overrides           map[string]string     `json:"overrides,omitempty"` // path → approval
	Credential          *tools.CredentialSpec `json:"credential,omitempty"`
}

// GraphQLConfig describes a GraphQL endpoint source. Schema, when present,
// is an SDL document used to enumerate pseudo-tool fields and typedefs.
type GraphQLConfig struct {
	Endpoint   string                `json:"endpoint"`
	Schema     string                `json:"schema,omitempty"`
	Credential *tools.CredentialSpec `json:"credential,omitempty"`
}

// MCPConfig describes a remote MCP server source.
type MCPConfig struct {
	URL        string                `json:"url"`
	Transport  string                `json:"transport,omitempty"` // sse | streamable-http
	Query      map[string]string     `json:"query,omitempty"`
	Credential *tools.CredentialSpec `json:"credential,omitempty"`
}

// rawSourceConfig is the on-disk shape before type dispatch. The spec field
// of an openapi source is polymorphic: string URL or inline object.
type rawSourceConfig struct {
	Spec                json.RawMessage       `json:"spec,omitempty"`
	BaseURL             string                `json:"baseUrl,omitempty"`
	DefaultReadApproval string                `json:"defaultReadApproval,omitempty"`
	Overrides           map[string]string     `json:"overrides,omitempty"`
	Endpoint            string                `json:"endpoint,omitempty"`
	Schema              string                `json:"schema,omitempty"`
	URL                 string                `json:"url,omitempty"`
	Transport           string                `json:"transport,omitempty"`
	Query               map[string]string     `json:"query,omitempty"`
	Credential          *tools.CredentialSpec `json:"credential,omitempty"`
}

// Normalize validates a tool source row into a typed SourceConfig. Errors
// name the offending source so they read well as per-source warnings.
func Normalize(src *store.ToolSource) (*SourceConfig, error) {
	name := strings.TrimSpace(src.Name)
	if name == "" {
		return nil, fmt.Errorf("source %s: name is empty", src.ID)
	}

	var raw rawSourceConfig
	if len(src.Config) > 0 {
		if err := json.Unmarshal(src.Config, &raw); err != nil {
			return nil, fmt.Errorf("source %q: invalid config: %w", name, err)
		}
	}

	cfg := &SourceConfig{SourceID: src.ID, Name: name, Type: src.Type}
	switch src.Type {
	case store.SourceOpenAPI:
		oa, err := normalizeOpenAPI(name, &raw)
		if err != nil {
			return nil, err
		}
		cfg.OpenAPI = oa
	case store.SourceGraphQL:
		gq, err := normalizeGraphQL(name, &raw)
		if err != nil {
			return nil, err
		}
		cfg.GraphQL = gq
	case store.SourceMCP:
		mc, err := normalizeMCP(name, &raw)
		if err != nil {
			return nil, err
		}
		cfg.MCP = mc
	default:
		return nil, fmt.Errorf("source %q: unknown type %q", name, src.Type)
	}
	return cfg, nil
}

func normalizeOpenAPI(name string, raw *rawSourceConfig) (*OpenAPIConfig, error) {
	cfg := &OpenAPIConfig{
		BaseURL:             raw.BaseURL,
		DefaultReadApproval: raw.DefaultReadApproval,
		Overrides:           raw.Overrides,
		Credential:          raw.Credential,
	}

	if len(raw.Spec) == 0 {
		return nil, fmt.Errorf("source %q: openapi config requires a spec", name)
	}
	var specURL string
	if err := json.Unmarshal(raw.Spec, &specURL); err == nil {
		if _, err := url.ParseRequestURI(specURL); err != nil {
			return nil, fmt.Errorf("source %q: spec url %q is not a valid URL", name, specURL)
		}
		cfg.SpecURL = specURL
	} else {
		cfg.SpecInline = raw.Spec
	}

	if v := cfg.DefaultReadApproval; v != "" && v != tools.ApprovalAuto && v != tools.ApprovalRequired {
		return nil, fmt.Errorf("source %q: defaultReadApproval %q is not auto or required", name, v)
	}
	for path, v := range cfg.Overrides {
		if v != tools.ApprovalAuto && v != tools.ApprovalRequired {
			return nil, fmt.Errorf("source %q: override for %q is not auto or required", name, path)
		}
	}
	return cfg, nil
}

func normalizeGraphQL(name string, raw *rawSourceConfig) (*GraphQLConfig, error) {
	if strings.TrimSpace(raw.Endpoint) == "" {
		return nil, fmt.Errorf("source %q: graphql config requires an endpoint", name)
	}
	if _, err := url.ParseRequestURI(raw.Endpoint); err != nil {
		return nil, fmt.Errorf("source %q: endpoint %q is not a valid URL", name, raw.Endpoint)
	}
	return &GraphQLConfig{
		Endpoint:   raw.Endpoint,
		Schema:     raw.Schema,
		Credential: raw.Credential,
	}, nil
}

func normalizeMCP(name string, raw *rawSourceConfig) (*MCPConfig, error) {
	if strings.TrimSpace(raw.URL) == "" {
		return nil, fmt.Errorf("source %q: mcp config requires a url", name)
	}
	if _, err := url.ParseRequestURI(raw.URL); err != nil {
		return nil, fmt.Errorf("source %q: url %q is not a valid URL", name, raw.URL)
	}
	transport := raw.Transport
	if transport == "" {
		transport = "streamable-http"
	}
	if transport != "sse" && transport != "streamable-http" {
		return nil, fmt.Errorf("source %q: transport %q is not sse or streamable-http", name, transport)
	}
	return &MCPConfig{
		URL:        raw.URL,
		Transport:  transport,
		Query:      raw.Query,
		Credential: raw.Credential,
	}, nil
}
