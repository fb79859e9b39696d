package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/taskgate/taskgate/internal/tools"
)

var graphqlInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "GraphQL operation document."},
		"variables": {"type": "object"}
	},
	"required": ["query"]
}`)

// compileGraphQL produces the one synthetic tool for a GraphQL source, plus
// the pseudo-tool paths the policy evaluator uses when decomposing
// sub-operations. Pseudo-tools are never invocable.
func (c *Compiler) compileGraphQL(cfg *SourceConfig) ([]*tools.Definition, []string, error) {
	def := &tools.Definition{
		Path:        cfg.Name + ".graphql",
		Description: fmt.Sprintf("Execute a GraphQL operation against the %s endpoint.", cfg.Name),
		InputSchema: graphqlInputSchema,
		Approval:    tools.ApprovalAuto,
		SourceID:    cfg.SourceID,
		SourceName:  cfg.Name,
		Credential:  cfg.GraphQL.Credential,
		GraphQL:     true,
		Binding: tools.Binding{
			Kind:     "graphql",
			Endpoint: cfg.GraphQL.Endpoint,
		},
	}
	if def.Credential != nil {
		def.SourceKey = def.Credential.SourceKey
	}
	if err := c.bindGraphQLInvoker(def); err != nil {
		return nil, nil, fmt.Errorf("source %q: bind %s: %w", cfg.Name, def.Path, err)
	}

	pseudo, err := pseudoToolPaths(cfg.Name, cfg.GraphQL.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}
	return []*tools.Definition{def}, pseudo, nil
}

// bindGraphQLInvoker attaches the endpoint invoker. GraphQL-level errors in
// an otherwise successful response surface as invocation errors.
func (c *Compiler) bindGraphQLInvoker(def *tools.Definition) error {
	endpoint := def.Binding.Endpoint
	client := c.httpClient
	def.Invoke = func(ctx context.Context, call tools.Call) (any, error) {
		query, _ := call.Input["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("graphql call to %s: input is missing a query", def.Path)
		}
		payload := map[string]any{"query": query}
		if vars, ok := call.Input["variables"]; ok {
			payload["variables"] = vars
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal graphql request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("create graphql request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, vals := range call.Headers {
			for _, v := range vals {
				req.Header.Set(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("graphql %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
		if err != nil {
			return nil, fmt.Errorf("read graphql response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("graphql %s: status %d: %s", endpoint, resp.StatusCode, truncate(body, 512))
		}

		var result struct {
			Data   any `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decode graphql response: %w", err)
		}
		if len(result.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %s", result.Errors[0].Message)
		}
		return result.Data, nil
	}
	return nil
}

// pseudoToolPaths enumerates <source>.query.<field> and
// <source>.mutation.<field> paths from an SDL schema, when one is provided.
func pseudoToolPaths(sourceName, sdl string) ([]string, error) {
	if sdl == "" {
		return nil, nil
	}
	doc, err := parser.ParseSchema(&ast.Source{Name: sourceName, Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	var paths []string
	appendFields := func(kind string, def *ast.Definition) {
		for _, f := range def.Fields {
			paths = append(paths, sourceName+"."+kind+"."+f.Name)
		}
	}
	for _, def := range doc.Definitions {
		switch def.Name {
		case "Query":
			appendFields("query", def)
		case "Mutation":
			appendFields("mutation", def)
		}
	}
	return paths, nil
}
