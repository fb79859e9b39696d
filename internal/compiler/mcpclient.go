package compiler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// mcpClient speaks JSON-RPC to a remote MCP server over Streamable HTTP.
// The sse transport differs only in that responses always arrive as
// text/event-stream; both are handled by sniffing the response content type.
type mcpClient struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	sessionID string // Mcp-Session-Id issued by the server
	reqID     atomic.Int64
	ready     bool
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpToolInfo is one entry of a tools/list result.
type mcpToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func newMCPClient(rawURL string, query map[string]string, client *http.Client) (*mcpClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse mcp url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return &mcpClient{url: u.String(), client: client}, nil
}

// ensureInitialized performs the MCP initialize handshake once per client.
func (c *mcpClient) ensureInitialized(ctx context.Context, headers http.Header) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}

	init := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf(`%d`, c.reqID.Add(1))),
		Method:  "initialize",
		Params: json.RawMessage(`{
			"protocolVersion": "2024-11-05",
			"capabilities": {},
			"clientInfo": {"name": "taskgate", "version": "0.1.0"}
		}`),
	}
	if _, err := c.doRPC(ctx, init, headers); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	// Notification; some servers ignore it, failures are non-fatal.
	notif := jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
	_, _ = c.doRPC(ctx, notif, headers)

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// listTools fetches the remote tool inventory.
func (c *mcpClient) listTools(ctx context.Context, headers http.Header) ([]mcpToolInfo, error) {
	if err := c.ensureInitialized(ctx, headers); err != nil {
		return nil, err
	}
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf(`%d`, c.reqID.Add(1))),
		Method:  "tools/list",
		Params:  json.RawMessage(`{}`),
	}
	result, err := c.doRPC(ctx, req, headers)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var parsed struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

// callTool invokes one remote tool and unwraps the MCP content envelope.
func (c *mcpClient) callTool(
	ctx context.Context, name string, args map[string]any, headers http.Header,
) (any, error) {
	if err := c.ensureInitialized(ctx, headers); err != nil {
		return nil, err
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("marshal tools/call params: %w", err)
	}
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf(`%d`, c.reqID.Add(1))),
		Method:  "tools/call",
		Params:  params,
	}
	result, err := c.doRPC(ctx, req, headers)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return unwrapToolResult(name, result)
}

func unwrapToolResult(name string, result json.RawMessage) (any, error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}

	var texts []string
	for _, item := range parsed.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if parsed.IsError {
		return nil, fmt.Errorf("remote tool %s failed: %s", name, joined)
	}

	// A single text block often carries JSON; decode it when it does.
	if len(texts) == 1 {
		var decoded any
		if err := json.Unmarshal([]byte(texts[0]), &decoded); err == nil {
			return decoded, nil
		}
	}
	return joined, nil
}

// doRPC posts one JSON-RPC message and returns its result, transparently
// handling JSON and SSE response bodies.
func (c *mcpClient) doRPC(
	ctx context.Context, rpcReq jsonRPCRequest, headers http.Header,
) (json.RawMessage, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, vals := range headers {
		for _, v := range vals {
			httpReq.Header.Set(k, v)
		}
	}

	c.mu.Lock()
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Mcp-Session-Id"); v != "" {
		c.mu.Lock()
		c.sessionID = v
		c.mu.Unlock()
	}

	// Notifications return 202 with no body.
	if rpcReq.ID == nil {
		if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
			return nil, nil
		}
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("notification failed (%d): %s", resp.StatusCode, respBody)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(respBody, 512))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// readSSEResponse extracts the JSON-RPC result from a text/event-stream
// body. Servers send "data:" lines per the MCP Streamable HTTP transport.
func readSSEResponse(body io.Reader) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	// Large tool inventories overflow the default 64KB buffer.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var rpcResp jsonRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		if rpcResp.Result != nil {
			return rpcResp.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse stream: %w", err)
	}
	return nil, fmt.Errorf("no result in sse stream")
}
