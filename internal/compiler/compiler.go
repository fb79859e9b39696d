// Package compiler turns registered tool sources into invocable tool
// definitions. Each source type has its own compilation path; all of them
// produce serializable artifacts whose invokers can be rebuilt later without
// recompiling the source.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/taskgate/taskgate/internal/tools"
)

// CompiledArtifact is the output of compiling one source: its tool
// definitions, the pseudo-tool paths for policy decomposition, and the
// typedef text stored out-of-band in the workspace tool cache.
type CompiledArtifact struct {
	SourceID    string              `json:"sourceId"`
	SourceName  string              `json:"sourceName"`
	Tools       []*tools.Definition `json:"tools"`
	PseudoPaths []string            `json:"pseudoPaths,omitempty"`
	DTS         string              `json:"-"`
}

// Compiler compiles sources and rebinds invokers onto snapshot records.
type Compiler struct {
	specCache  *SpecCache
	httpClient *http.Client
	log        *slog.Logger

	mcpMu      sync.Mutex
	mcpClients map[string]*mcpClient
}

// New creates a Compiler. client may be nil to use a default with a 60s
// timeout, matching what upstream tool calls tolerate.
func New(specCache *SpecCache, client *http.Client, log *slog.Logger) *Compiler {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Compiler{
		specCache:  specCache,
		httpClient: client,
		log:        log,
		mcpClients: make(map[string]*mcpClient),
	}
}

// Compile builds the artifact for one normalized source config.
func (c *Compiler) Compile(ctx context.Context, cfg *SourceConfig) (*CompiledArtifact, error) {
	artifact := &CompiledArtifact{SourceID: cfg.SourceID, SourceName: cfg.Name}

	switch cfg.Type {
	case "openapi":
		prepared, err := c.prepareSpec(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defs, err := c.compileOpenAPI(cfg, prepared)
		if err != nil {
			return nil, err
		}
		artifact.Tools = defs
	case "graphql":
		defs, pseudo, err := c.compileGraphQL(cfg)
		if err != nil {
			return nil, err
		}
		artifact.Tools = defs
		artifact.PseudoPaths = pseudo
	case "mcp":
		defs, err := c.compileMCP(ctx, cfg)
		if err != nil {
			return nil, err
		}
		artifact.Tools = defs
	default:
		return nil, fmt.Errorf("source %q: unknown type %q", cfg.Name, cfg.Type)
	}

	artifact.DTS = generateDTS(artifact.SourceName, artifact.Tools)
	return artifact, nil
}

// prepareSpec resolves the source's OpenAPI document: URLs go through the
// prepared-spec cache, inline documents are prepared directly.
func (c *Compiler) prepareSpec(ctx context.Context, cfg *SourceConfig) (*PreparedSpec, error) {
	if cfg.OpenAPI.SpecURL != "" {
		prepared, err := c.specCache.Get(ctx, cfg.OpenAPI.SpecURL)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
		}
		return prepared, nil
	}
	prepared, err := PrepareOpenAPI(cfg.OpenAPI.SpecInline)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}
	return prepared, nil
}

// Rehydrate attaches a live invoker to a definition loaded from a snapshot.
// The snapshot carries bindings, never closures.
func (c *Compiler) Rehydrate(def *tools.Definition) error {
	switch def.Binding.Kind {
	case "openapi":
		return c.bindOpenAPIInvoker(def)
	case "graphql":
		return c.bindGraphQLInvoker(def)
	case "mcp":
		c.bindMCPInvoker(def)
		return nil
	case "builtin":
		// Builtins are rebuilt from scratch by the cache, not rehydrated.
		return nil
	default:
		return fmt.Errorf("tool %s: unknown binding kind %q", def.Path, def.Binding.Kind)
	}
}
