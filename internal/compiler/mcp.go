package compiler

import (
	"context"
	"fmt"
	"net/url"

	"github.com/taskgate/taskgate/internal/tools"
)

// compileMCP connects to a remote MCP server and turns each remote tool into
// a definition whose invoker proxies tools/call. Remote tools default to
// requiring approval since their side effects are unknown; policies relax
// that per path.
func (c *Compiler) compileMCP(ctx context.Context, cfg *SourceConfig) ([]*tools.Definition, error) {
	client, err := c.mcpClientFor(cfg.MCP.URL, cfg.MCP.Query)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}

	remote, err := client.listTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("source %q: list remote tools: %w", cfg.Name, err)
	}
	if len(remote) == 0 {
		return nil, fmt.Errorf("source %q: remote server exposes no tools", cfg.Name)
	}

	endpoint := client.url
	defs := make([]*tools.Definition, 0, len(remote))
	for _, rt := range remote {
		def := &tools.Definition{
			Path:        cfg.Name + "." + sanitizeSegment(rt.Name),
			Description: rt.Description,
			InputSchema: rt.InputSchema,
			Approval:    tools.ApprovalRequired,
			SourceID:    cfg.SourceID,
			SourceName:  cfg.Name,
			Credential:  cfg.MCP.Credential,
			Binding: tools.Binding{
				Kind:      "mcp",
				Endpoint:  endpoint,
				Transport: cfg.MCP.Transport,
				ToolName:  rt.Name,
			},
		}
		if def.Credential != nil {
			def.SourceKey = def.Credential.SourceKey
		}
		c.bindMCPInvoker(def)
		defs = append(defs, def)
	}
	return defs, nil
}

// bindMCPInvoker attaches a proxying invoker from the serializable binding.
// Also used to rehydrate snapshot records.
func (c *Compiler) bindMCPInvoker(def *tools.Definition) {
	endpoint := def.Binding.Endpoint
	toolName := def.Binding.ToolName
	def.Invoke = func(ctx context.Context, call tools.Call) (any, error) {
		client, err := c.mcpClientFor(endpoint, nil)
		if err != nil {
			return nil, err
		}
		return client.callTool(ctx, toolName, call.Input, call.Headers)
	}
}

// mcpClientFor returns the shared client for an endpoint, creating it on
// first use so the MCP session survives across calls.
func (c *Compiler) mcpClientFor(rawURL string, query map[string]string) (*mcpClient, error) {
	key := rawURL
	if len(query) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse mcp url: %w", err)
		}
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		key = u.String()
	}

	c.mcpMu.Lock()
	defer c.mcpMu.Unlock()
	if client, ok := c.mcpClients[key]; ok {
		return client, nil
	}
	client, err := newMCPClient(key, nil, c.httpClient)
	if err != nil {
		return nil, err
	}
	c.mcpClients[key] = client
	return client, nil
}
