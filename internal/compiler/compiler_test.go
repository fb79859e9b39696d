package compiler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCompiler() *Compiler {
	return New(nil, nil, testLogger())
}

const petstoreSpec = `{
	"openapi": "3.0.0",
	"info": {"title": "Petstore"},
	"servers": [{"url": "https://api.example.com/v1"}],
	"paths": {
		"/pets": {
			"get": {
				"operationId": "listPets",
				"summary": "List all pets",
				"parameters": [
					{"name": "limit", "in": "query", "schema": {"type": "integer"}}
				]
			},
			"post": {
				"operationId": "createPet",
				"summary": "Create a pet",
				"requestBody": {
					"required": true,
					"content": {"application/json": {"schema": {
						"type": "object",
						"properties": {"name": {"type": "string"}},
						"required": ["name"]
					}}}
				}
			}
		},
		"/pets/{petId}": {
			"get": {
				"operationId": "getPet",
				"parameters": [
					{"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}
				]
			}
		}
	}
}`

func TestPrepareOpenAPI(t *testing.T) {
	prepared, err := PrepareOpenAPI([]byte(petstoreSpec))
	if err != nil {
		t.Fatalf("PrepareOpenAPI: %v", err)
	}
	if prepared.Title != "Petstore" {
		t.Errorf("title = %q", prepared.Title)
	}
	if prepared.BaseURL != "https://api.example.com/v1" {
		t.Errorf("base url = %q", prepared.BaseURL)
	}
	if len(prepared.Operations) != 3 {
		t.Fatalf("operations = %d, want 3", len(prepared.Operations))
	}

	byID := map[string]*PreparedOperation{}
	for i := range prepared.Operations {
		byID[prepared.Operations[i].ID] = &prepared.Operations[i]
	}
	if op := byID["getPet"]; op == nil || len(op.Params) != 1 || op.Params[0].In != "path" {
		t.Errorf("getPet params = %+v", byID["getPet"])
	}
	if op := byID["createPet"]; op == nil || !op.HasBody {
		t.Errorf("createPet should have a body")
	}
}

func TestPrepareOpenAPIFromYAML(t *testing.T) {
	doc := `
openapi: 3.0.0
info:
  title: Inventory
servers:
  - url: https://inv.example.com/api/
paths:
  /items:
    get:
      operationId: listItems
      summary: List items
      parameters:
        - name: q
          in: query
          schema:
            type: string
`
	prepared, err := PrepareOpenAPI([]byte(doc))
	if err != nil {
		t.Fatalf("PrepareOpenAPI: %v", err)
	}
	if prepared.Title != "Inventory" {
		t.Errorf("title = %q", prepared.Title)
	}
	if prepared.BaseURL != "https://inv.example.com/api" {
		t.Errorf("base url = %q", prepared.BaseURL)
	}
	if len(prepared.Operations) != 1 {
		t.Fatalf("operations = %d, want 1", len(prepared.Operations))
	}
	op := prepared.Operations[0]
	if op.ID != "listItems" || op.Method != "GET" {
		t.Errorf("operation = %+v", op)
	}
	if len(op.Params) != 1 || op.Params[0].Name != "q" || op.Params[0].In != "query" {
		t.Errorf("params = %+v", op.Params)
	}
}

func TestPrepareOpenAPIRejectsEmpty(t *testing.T) {
	if _, err := PrepareOpenAPI([]byte(`{"openapi": "3.0.0", "paths": {}}`)); err == nil {
		t.Error("empty paths: want error")
	}
	if _, err := PrepareOpenAPI([]byte(`not json`)); err == nil {
		t.Error("garbage document: want error")
	}
}

func TestPreparedSpecRoundTrip(t *testing.T) {
	prepared, err := PrepareOpenAPI([]byte(petstoreSpec))
	if err != nil {
		t.Fatalf("PrepareOpenAPI: %v", err)
	}
	raw, err := prepared.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	restored, err := UnmarshalPreparedSpec(raw)
	if err != nil {
		t.Fatalf("UnmarshalPreparedSpec: %v", err)
	}
	if len(restored.Operations) != len(prepared.Operations) {
		t.Errorf("operations = %d, want %d", len(restored.Operations), len(prepared.Operations))
	}
}

func TestApprovalDefaults(t *testing.T) {
	cfg := &OpenAPIConfig{}
	get := &PreparedOperation{ID: "listPets", Method: "GET", Path: "/pets"}
	post := &PreparedOperation{ID: "createPet", Method: "POST", Path: "/pets"}

	if got := approvalFor(cfg, get); got != tools.ApprovalAuto {
		t.Errorf("GET = %q, want auto", got)
	}
	if got := approvalFor(cfg, post); got != tools.ApprovalRequired {
		t.Errorf("POST = %q, want required", got)
	}

	strict := &OpenAPIConfig{DefaultReadApproval: tools.ApprovalRequired}
	if got := approvalFor(strict, get); got != tools.ApprovalRequired {
		t.Errorf("GET with defaultReadApproval = %q, want required", got)
	}

	pinned := &OpenAPIConfig{Overrides: map[string]string{"createPet": tools.ApprovalAuto}}
	if got := approvalFor(pinned, post); got != tools.ApprovalAuto {
		t.Errorf("POST with override = %q, want auto", got)
	}
}

func TestCompileOpenAPIInvokesHTTP(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(map[string]any{"pets": []string{"rex"}})
	}))
	defer server.Close()

	cfg := &SourceConfig{
		SourceID: "src_1", Name: "petstore", Type: "openapi",
		OpenAPI: &OpenAPIConfig{SpecInline: json.RawMessage(petstoreSpec), BaseURL: server.URL},
	}
	artifact, err := testCompiler().Compile(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(artifact.Tools) != 3 {
		t.Fatalf("tools = %d, want 3", len(artifact.Tools))
	}

	var listPets *tools.Definition
	for _, def := range artifact.Tools {
		if def.Path == "petstore.listPets" {
			listPets = def
		}
	}
	if listPets == nil {
		t.Fatal("petstore.listPets not compiled")
	}
	if listPets.Approval != tools.ApprovalAuto {
		t.Errorf("listPets approval = %q, want auto", listPets.Approval)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok")
	out, err := listPets.Invoke(context.Background(), tools.Call{
		Input:   map[string]any{"limit": 5},
		Headers: headers,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotPath != "/pets" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "5" {
		t.Errorf("limit query = %q", gotQuery)
	}
	result, ok := out.(map[string]any)
	if !ok || result["pets"] == nil {
		t.Errorf("result = %#v", out)
	}
}

func TestOpenAPIInvokerValidatesInput(t *testing.T) {
	cfg := &SourceConfig{
		SourceID: "src_1", Name: "petstore", Type: "openapi",
		OpenAPI: &OpenAPIConfig{SpecInline: json.RawMessage(petstoreSpec), BaseURL: "http://unused.invalid"},
	}
	artifact, err := testCompiler().Compile(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var getPet *tools.Definition
	for _, def := range artifact.Tools {
		if def.Path == "petstore.getPet" {
			getPet = def
		}
	}
	if getPet == nil {
		t.Fatal("petstore.getPet not compiled")
	}

	// Missing the required petId path parameter.
	if _, err := getPet.Invoke(context.Background(), tools.Call{Input: map[string]any{}}); err == nil {
		t.Error("missing required param: want error")
	}
}

func TestCompileGraphQL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Query, "fail") {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"message": "boom"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"ok": true}})
	}))
	defer server.Close()

	cfg := &SourceConfig{
		SourceID: "src_2", Name: "api", Type: "graphql",
		GraphQL: &GraphQLConfig{
			Endpoint: server.URL,
			Schema:   `type Query { user: String } type Mutation { deleteUser: Boolean }`,
		},
	}
	artifact, err := testCompiler().Compile(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(artifact.Tools) != 1 || artifact.Tools[0].Path != "api.graphql" {
		t.Fatalf("tools = %+v", artifact.Tools)
	}
	if !artifact.Tools[0].GraphQL {
		t.Error("synthetic tool should carry the GraphQL marker")
	}

	wantPseudo := map[string]bool{"api.query.user": true, "api.mutation.deleteUser": true}
	for _, p := range artifact.PseudoPaths {
		delete(wantPseudo, p)
	}
	if len(wantPseudo) != 0 {
		t.Errorf("missing pseudo paths: %v (got %v)", wantPseudo, artifact.PseudoPaths)
	}

	out, err := artifact.Tools[0].Invoke(context.Background(), tools.Call{
		Input: map[string]any{"query": "query { user }"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if data, ok := out.(map[string]any); !ok || data["ok"] != true {
		t.Errorf("result = %#v", out)
	}

	if _, err := artifact.Tools[0].Invoke(context.Background(), tools.Call{
		Input: map[string]any{"query": "query { fail }"},
	}); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("graphql error not surfaced: %v", err)
	}
}

func TestCompileMCP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Mcp-Session-Id", "sess_1")
		switch req.Method {
		case "initialize":
			writeRPCResult(w, req.ID, map[string]any{"protocolVersion": "2024-11-05"})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			writeRPCResult(w, req.ID, map[string]any{
				"tools": []map[string]any{{
					"name":        "search-code",
					"description": "Search code",
					"inputSchema": map[string]any{"type": "object"},
				}},
			})
		case "tools/call":
			writeRPCResult(w, req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": `{"hits": 2}`}},
			})
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer server.Close()

	cfg := &SourceConfig{
		SourceID: "src_3", Name: "github", Type: "mcp",
		MCP: &MCPConfig{URL: server.URL, Transport: "streamable-http"},
	}
	artifact, err := testCompiler().Compile(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(artifact.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(artifact.Tools))
	}
	def := artifact.Tools[0]
	if def.Path != "github.search_code" {
		t.Errorf("path = %q", def.Path)
	}
	if def.Approval != tools.ApprovalRequired {
		t.Errorf("approval = %q, want required", def.Approval)
	}

	out, err := def.Invoke(context.Background(), tools.Call{Input: map[string]any{"q": "x"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if data, ok := out.(map[string]any); !ok || data["hits"] != float64(2) {
		t.Errorf("result = %#v", out)
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func TestNormalizeErrorsNameSource(t *testing.T) {
	src := &store.ToolSource{
		ID: "src_9", WorkspaceID: "ws_1", Name: "broken", Type: "openapi",
		Config: json.RawMessage(`{}`),
	}
	_, err := Normalize(src)
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the source: %v", err)
	}

	src.Type = "carrier-pigeon"
	if _, err := Normalize(src); err == nil {
		t.Error("unknown type: want error")
	}
}

func TestNormalizeMCPDefaultsTransport(t *testing.T) {
	src := &store.ToolSource{
		ID: "src_4", Name: "gh", Type: "mcp",
		Config: json.RawMessage(`{"url": "https://mcp.example.com/x"}`),
	}
	cfg, err := Normalize(src)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.MCP.Transport != "streamable-http" {
		t.Errorf("transport = %q", cfg.MCP.Transport)
	}
}

func TestGenerateDTS(t *testing.T) {
	defs := []*tools.Definition{{
		Path:        "petstore.getPet",
		Description: "Fetch one pet",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"petId":{"type":"string"}},"required":["petId"]}`),
	}}
	dts := generateDTS("petstore", defs)
	for _, want := range []string{"namespace petstore", "function getPet", "petId: string"} {
		if !strings.Contains(dts, want) {
			t.Errorf("dts missing %q:\n%s", want, dts)
		}
	}
}

func TestRehydrateRebindsInvoker(t *testing.T) {
	c := testCompiler()
	def := &tools.Definition{
		Path: "petstore.listPets",
		Binding: tools.Binding{
			Kind: "openapi", Method: "GET", URLTemplate: "http://unused.invalid/pets",
		},
	}
	if err := c.Rehydrate(def); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if def.Invoke == nil {
		t.Error("invoker not rebound")
	}

	bad := &tools.Definition{Path: "x", Binding: tools.Binding{Kind: "teleport"}}
	if err := c.Rehydrate(bad); err == nil {
		t.Error("unknown binding kind: want error")
	}
}
