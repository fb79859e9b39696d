package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/approval"
	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/policy"
	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/store"
)

const (
	mcpProtocolVersion = "2025-03-26"
	serverName         = "taskgate"
	serverVersion      = "0.1.0"

	// runCodePollInterval is how often run_code re-reads the task row while
	// waiting for a terminal state.
	runCodePollInterval = 250 * time.Millisecond

	// runCodeGraceWindow pads the task timeout before run_code gives up
	// waiting; the runner needs time to record the timed_out state.
	runCodeGraceWindow = 30 * time.Second

	maxRPCBodyBytes = 4 << 20
)

type mcpStore interface {
	store.TaskStore
	store.PolicyStore
}

// mcpHandler serves the MCP Streamable HTTP endpoint. Workspace context
// comes from query parameters; the actor is the authenticated subject.
type mcpHandler struct {
	store       mcpStore
	scheduler   *runner.Scheduler
	toolCache   dispatch.SnapshotProvider
	coordinator *approval.Coordinator
	log         *slog.Logger

	// authRequired tracks whether bearer auth is configured. With auth on,
	// callers must name their workspace explicitly; the "default" fallback
	// would silently pool authenticated tenants.
	authRequired bool
}

func (h *mcpHandler) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		// End of session; no per-session server state to tear down.
		w.WriteHeader(http.StatusNoContent)
	default:
		// No SSE resumption support.
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *mcpHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, &rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "invalid JSON: " + err.Error()},
		})
		return
	}

	// Notifications get acknowledged without a body.
	if req.ID == nil {
		if req.Method == "notifications/initialized" {
			h.log.Info("mcp client initialized", "session_id", r.Header.Get("Mcp-Session-Id"))
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result json.RawMessage
	var rpcErr *rpcError
	switch req.Method {
	case "initialize":
		w.Header().Set("Mcp-Session-Id", "sess_"+uuid.NewString())
		result, rpcErr = marshalResult(&initializeResult{
			ProtocolVersion: mcpProtocolVersion,
			Capabilities:    serverCapability{Tools: &toolCapability{}},
			ServerInfo:      serverInfo{Name: serverName, Version: serverVersion},
		})
	case "ping":
		result = json.RawMessage(`{}`)
	case "tools/list":
		result, rpcErr = marshalResult(map[string]any{"tools": gatewayTools()})
	case "tools/call":
		result, rpcErr = h.handleToolsCall(r, req.Params)
	default:
		rpcErr = &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func marshalResult(v any) (json.RawMessage, *rpcError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return raw, nil
}

// gatewayTools is the fixed tool surface exposed to MCP clients.
func gatewayTools() []mcpTool {
	return []mcpTool{
		{
			Name:        "run_code",
			Description: "Execute JavaScript in the sandbox with access to workspace tools. Blocks until the task reaches a terminal state.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "JavaScript source. Use await tools.<namespace>.<name>(input) to call tools."},
					"runtimeId": {"type": "string", "description": "Runtime id, default javascript."},
					"timeoutMs": {"type": "integer", "description": "Execution budget in milliseconds, default 300000."}
				},
				"required": ["code"]
			}`),
		},
		{
			Name:        "list_tools",
			Description: "List the tools currently available to you in this workspace, filtered by your access policies.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {"namespace": {"type": "string"}}}`),
		},
		{
			Name:        "list_pending_approvals",
			Description: "List tool calls waiting for human approval in this workspace.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "approve_tool_call",
			Description: "Approve a pending tool call so the suspended task can continue.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"approvalId": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["approvalId"]
			}`),
		},
		{
			Name:        "deny_tool_call",
			Description: "Deny a pending tool call. The suspended task fails with a denial error.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"approvalId": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["approvalId"]
			}`),
		},
	}
}

func (h *mcpHandler) handleToolsCall(r *http.Request, params json.RawMessage) (json.RawMessage, *rpcError) {
	var call callToolRequest
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid arguments: " + err.Error()}
		}
	}

	workspaceID := r.URL.Query().Get("workspaceId")
	if workspaceID == "" {
		if h.authRequired {
			return nil, &rpcError{Code: codeInvalidParams, Message: "workspaceId query parameter is required"}
		}
		workspaceID = "default"
	}
	clientID := r.URL.Query().Get("clientId")
	actor := actorFrom(r)

	var result *callToolResult
	var err error
	switch call.Name {
	case "run_code":
		result, err = h.runCode(r.Context(), workspaceID, actor, clientID, args)
	case "list_tools":
		result, err = h.listTools(r.Context(), workspaceID, actor, clientID, args)
	case "list_pending_approvals":
		result, err = h.listPendingApprovals(r.Context(), workspaceID)
	case "approve_tool_call":
		result, err = h.resolveApproval(r.Context(), workspaceID, actor, args, true)
	case "deny_tool_call":
		result, err = h.resolveApproval(r.Context(), workspaceID, actor, args, false)
	default:
		return nil, &rpcError{Code: codeInvalidParams, Message: "unknown tool: " + call.Name}
	}
	if err != nil {
		result = textResult(err.Error(), true)
	}
	return marshalResult(result)
}

func (h *mcpHandler) runCode(
	ctx context.Context, workspaceID, actor, clientID string, args map[string]any,
) (*callToolResult, error) {
	code, _ := args["code"].(string)
	runtimeID, _ := args["runtimeId"].(string)
	timeoutMs := 0
	if v, ok := args["timeoutMs"].(float64); ok {
		timeoutMs = int(v)
	}

	task, err := h.scheduler.Submit(ctx, &store.Task{
		Code:        code,
		RuntimeID:   runtimeID,
		TimeoutMs:   timeoutMs,
		WorkspaceID: workspaceID,
		ActorID:     actor,
		ClientID:    clientID,
	})
	if err != nil {
		return nil, err
	}

	done, err := h.waitTerminal(ctx, task.ID, task.TimeoutMs)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if done.Stdout != "" {
		b.WriteString(done.Stdout)
		if !strings.HasSuffix(done.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if done.Stderr != "" {
		b.WriteString(done.Stderr)
		if !strings.HasSuffix(done.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "status: %s", done.Status)
	if done.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", done.Error)
	}
	return textResult(b.String(), done.Status != store.TaskCompleted), nil
}

// waitTerminal polls the task row until it is terminal. The wait is bounded
// by the task timeout plus a grace window.
func (h *mcpHandler) waitTerminal(ctx context.Context, taskID string, timeoutMs int) (*store.Task, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs)*time.Millisecond + runCodeGraceWindow)
	ticker := time.NewTicker(runCodePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		task, err := h.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s did not reach a terminal state in time", taskID)
		}
	}
}

func (h *mcpHandler) listTools(
	ctx context.Context, workspaceID, actor, clientID string, args map[string]any,
) (*callToolResult, error) {
	snapshot, warnings, err := h.toolCache.Snapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	policies, err := h.store.ListAccessPolicies(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	pctx := policy.Context{WorkspaceID: workspaceID, ActorID: actor, ClientID: clientID}
	namespace, _ := args["namespace"].(string)

	type toolInfo struct {
		Path        string `json:"path"`
		Description string `json:"description,omitempty"`
		Approval    string `json:"approval"`
	}
	var listed []toolInfo
	for path, def := range snapshot.Tools {
		if namespace != "" && !strings.HasPrefix(path, namespace+".") && path != namespace {
			continue
		}
		if !def.Privileged && policy.Evaluate(def, pctx, policies) == store.DecisionDeny {
			continue
		}
		listed = append(listed, toolInfo{
			Path:        path,
			Description: def.Description,
			Approval:    def.Approval,
		})
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Path < listed[j].Path })

	out, err := json.MarshalIndent(map[string]any{
		"tools":    listed,
		"warnings": warnings,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(out), false), nil
}

func (h *mcpHandler) listPendingApprovals(ctx context.Context, workspaceID string) (*callToolResult, error) {
	pending, err := h.coordinator.ListPending(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(map[string]any{"approvals": pending}, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(out), false), nil
}

func (h *mcpHandler) resolveApproval(
	ctx context.Context, workspaceID, actor string, args map[string]any, approve bool,
) (*callToolResult, error) {
	approvalID, _ := args["approvalId"].(string)
	if approvalID == "" {
		return nil, fmt.Errorf("approvalId is required")
	}
	reason, _ := args["reason"].(string)

	var resolved *store.Approval
	var err error
	if approve {
		resolved, err = h.coordinator.Approve(ctx, workspaceID, approvalID, actor, reason)
	} else {
		resolved, err = h.coordinator.Deny(ctx, workspaceID, approvalID, actor, reason)
	}
	if err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("approval %s: %s", resolved.ID, resolved.Status), false), nil
}
