package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskgate/taskgate/internal/approval"
	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/sandbox"
	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/store/sqlite"
	"github.com/taskgate/taskgate/internal/tools"
)

// fakeSnapshots serves a fixed snapshot so tool listing can be tested
// without the compiler.
type fakeSnapshots struct {
	snapshot *tools.Snapshot
	warnings []string
}

func (f *fakeSnapshots) Snapshot(_ context.Context, _ string) (*tools.Snapshot, []string, error) {
	return f.snapshot, f.warnings, nil
}

// echoInvoker answers every tool call with its input.
type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, _ *store.Task, call dispatch.ToolCall) (any, error) {
	return map[string]any{"echoed": call.ToolPath}, nil
}

func newTestMCPHandler(t *testing.T, snaps dispatch.SnapshotProvider) (*mcpHandler, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.Default()
	log := events.NewLog(db, nil)
	registry := sandbox.NewRegistry()
	registry.Register(sandbox.RuntimeJavaScript, sandbox.NewJSRuntime())
	run := runner.New(db, registry, echoInvoker{}, log, logger)
	sched := runner.NewScheduler(db, run, registry, log, logger)

	if snaps == nil {
		snaps = &fakeSnapshots{snapshot: &tools.Snapshot{Tools: map[string]*tools.Definition{}}}
	}
	return &mcpHandler{
		store:       db,
		scheduler:   sched,
		toolCache:   snaps,
		coordinator: approval.NewCoordinator(db, log, logger),
		log:         logger,
	}, db
}

func postRPC(t *testing.T, h *mcpHandler, target, body string) (*httptest.ResponseRecorder, *rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.handle(rr, req)

	var resp rpcResponse
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode rpc response: %v: %s", err, rr.Body.String())
		}
	}
	return rr, &resp
}

// callText extracts the text content of a tools/call result.
func callText(t *testing.T, resp *rpcResponse) (string, bool) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("expected one text content item, got %+v", result.Content)
	}
	return result.Content[0].Text, result.IsError
}

func TestMCPInitialize(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	rr, resp := postRPC(t, h, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Mcp-Session-Id"); !strings.HasPrefix(got, "sess_") {
		t.Fatalf("expected session id header, got %q", got)
	}
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if init.ProtocolVersion != mcpProtocolVersion {
		t.Fatalf("unexpected protocol version %q", init.ProtocolVersion)
	}
	if init.Capabilities.Tools == nil {
		t.Fatal("expected tools capability")
	}
}

func TestMCPNotificationAccepted(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	rr, _ := postRPC(t, h, "/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
}

func TestMCPParseError(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	_, resp := postRPC(t, h, "/mcp", `{not json`)
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestMCPMethodNotAllowed(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	rr := httptest.NewRecorder()
	h.handle(rr, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.handle(rr, httptest.NewRequest(http.MethodDelete, "/mcp", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session delete, got %d", rr.Code)
	}
}

func TestMCPToolsList(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	_, resp := postRPC(t, h, "/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var listed struct {
		Tools []mcpTool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		t.Fatalf("decode tools list: %v", err)
	}
	want := map[string]bool{
		"run_code": false, "list_tools": false, "list_pending_approvals": false,
		"approve_tool_call": false, "deny_tool_call": false,
	}
	for _, tool := range listed.Tools {
		want[tool.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("tool %s missing from tools/list", name)
		}
	}
}

func TestMCPRunCode(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	_, resp := postRPC(t, h, "/mcp?workspaceId=default",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"run_code","arguments":{"code":"console.log('hi from sandbox')","timeoutMs":5000}}}`)

	text, isError := callText(t, resp)
	if isError {
		t.Fatalf("expected success, got error text: %s", text)
	}
	if !strings.Contains(text, "hi from sandbox") {
		t.Fatalf("expected stdout in result, got %q", text)
	}
	if !strings.Contains(text, "status: completed") {
		t.Fatalf("expected completed status, got %q", text)
	}
}

func TestMCPRunCodeScriptError(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	_, resp := postRPC(t, h, "/mcp",
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"run_code","arguments":{"code":"throw new Error('broken')","timeoutMs":5000}}}`)

	text, isError := callText(t, resp)
	if !isError {
		t.Fatalf("expected error result, got %q", text)
	}
	if !strings.Contains(text, "status: failed") {
		t.Fatalf("expected failed status, got %q", text)
	}
}

func TestMCPListToolsFiltersDenied(t *testing.T) {
	snaps := &fakeSnapshots{snapshot: &tools.Snapshot{
		WorkspaceID: "default",
		Tools: map[string]*tools.Definition{
			"github.get_repo": {Path: "github.get_repo", Approval: tools.ApprovalAuto},
			"admin.wipe":      {Path: "admin.wipe", Approval: tools.ApprovalAuto},
		},
	}}
	h, db := newTestMCPHandler(t, snaps)

	policy := &store.AccessPolicy{
		ID:          "pol_block_admin",
		WorkspaceID: "default",
		Pattern:     "admin.*",
		Decision:    store.DecisionDeny,
		Priority:    10,
	}
	if err := db.CreateAccessPolicy(context.Background(), policy); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	_, resp := postRPC(t, h, "/mcp?workspaceId=default",
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"list_tools","arguments":{}}}`)

	text, isError := callText(t, resp)
	if isError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "github.get_repo") {
		t.Fatalf("expected allowed tool in listing, got %s", text)
	}
	if strings.Contains(text, "admin.wipe") {
		t.Fatalf("denied tool leaked into listing: %s", text)
	}
}

func TestMCPApprovalRoundTrip(t *testing.T) {
	h, db := newTestMCPHandler(t, nil)
	ctx := context.Background()

	pending := &store.Approval{
		ID:          "approval_1",
		TaskID:      "task_1",
		WorkspaceID: "default",
		ToolPath:    "github.create_issue",
		Input:       json.RawMessage(`{"title":"x"}`),
	}
	if err := db.CreateApproval(ctx, pending); err != nil {
		t.Fatalf("seed approval: %v", err)
	}

	_, resp := postRPC(t, h, "/mcp?workspaceId=default",
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"list_pending_approvals","arguments":{}}}`)
	text, _ := callText(t, resp)
	if !strings.Contains(text, "approval_1") {
		t.Fatalf("expected pending approval in listing, got %s", text)
	}

	_, resp = postRPC(t, h, "/mcp?workspaceId=default",
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"approve_tool_call","arguments":{"approvalId":"approval_1","reason":"looks fine"}}}`)
	text, isError := callText(t, resp)
	if isError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "approved") {
		t.Fatalf("expected approved confirmation, got %s", text)
	}

	resolved, err := db.GetApproval(ctx, "approval_1")
	if err != nil {
		t.Fatalf("reload approval: %v", err)
	}
	if resolved.Status != store.ApprovalApproved {
		t.Fatalf("expected approved status, got %s", resolved.Status)
	}
	if resolved.ReviewerID != anonymousActor {
		t.Fatalf("expected reviewer %q, got %q", anonymousActor, resolved.ReviewerID)
	}

	// Approvals resolve exactly once.
	_, resp = postRPC(t, h, "/mcp?workspaceId=default",
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"deny_tool_call","arguments":{"approvalId":"approval_1"}}}`)
	if text, isError := callText(t, resp); !isError {
		t.Fatalf("expected error for double resolve, got %s", text)
	}
}

func TestMCPWorkspaceRequiredWithAuth(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)
	h.authRequired = true

	_, resp := postRPC(t, h, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_pending_approvals","arguments":{}}}`)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("missing workspaceId should be rejected, got %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "workspaceId") {
		t.Fatalf("error should name the parameter: %q", resp.Error.Message)
	}

	// Naming the workspace satisfies the requirement.
	_, resp = postRPC(t, h, "/mcp?workspaceId=team-a",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_pending_approvals","arguments":{}}}`)
	if text, isErr := callText(t, resp); isErr {
		t.Fatalf("expected success, got %q", text)
	}

	// Without auth the default workspace still applies.
	h.authRequired = false
	_, resp = postRPC(t, h, "/mcp",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_pending_approvals","arguments":{}}}`)
	if text, isErr := callText(t, resp); isErr {
		t.Fatalf("expected success, got %q", text)
	}
}

func TestMCPUnknownTool(t *testing.T) {
	h, _ := newTestMCPHandler(t, nil)

	_, resp := postRPC(t, h, "/mcp",
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"bogus_tool"}}`)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}
