package api

import (
	"log/slog"
	"net/http"

	"github.com/taskgate/taskgate/internal/approval"
	"github.com/taskgate/taskgate/internal/authn"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/toolcache"
)

// RouterDeps holds the dependencies needed by the HTTP API router.
type RouterDeps struct {
	Store       store.Store
	Scheduler   *runner.Scheduler
	Invoker     runner.ToolInvoker
	ToolCache   *toolcache.Cache
	Coordinator *approval.Coordinator
	Bus         *events.Bus
	EventLog    *events.Log
	Encryptor   *secrets.AgeEncryptor

	Verifier *authn.Verifier   // optional; enables bearer enforcement
	Anon     *authn.AnonServer // optional; enables self-issued OAuth

	BaseURL       string
	InternalToken string
	Logger        *slog.Logger
}

// NewRouter creates an http.Handler with all gateway routes.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	// Authenticated surface: admin REST API and the MCP endpoint.
	protected := http.NewServeMux()

	tasks := &taskHandler{store: deps.Store, scheduler: deps.Scheduler}
	protected.HandleFunc("POST /api/v1/workspaces/{ws}/tasks", tasks.create)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/tasks", tasks.list)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/tasks/{id}", tasks.get)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/tasks/{id}/events", tasks.events)

	approvals := &approvalHandler{coordinator: deps.Coordinator}
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/approvals", approvals.list)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/approvals/{id}", approvals.get)
	protected.HandleFunc("POST /api/v1/workspaces/{ws}/approvals/{id}/resolve", approvals.resolve)

	sources := &sourceHandler{store: deps.Store, toolCache: deps.ToolCache}
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/sources", sources.list)
	protected.HandleFunc("POST /api/v1/workspaces/{ws}/sources", sources.create)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/sources/{id}", sources.get)
	protected.HandleFunc("PUT /api/v1/workspaces/{ws}/sources/{id}", sources.update)
	protected.HandleFunc("DELETE /api/v1/workspaces/{ws}/sources/{id}", sources.delete)
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/tools", sources.tools)

	policies := &policyHandler{store: deps.Store}
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/policies", policies.list)
	protected.HandleFunc("POST /api/v1/workspaces/{ws}/policies", policies.create)
	protected.HandleFunc("DELETE /api/v1/workspaces/{ws}/policies/{id}", policies.delete)

	credentials := &credentialHandler{store: deps.Store, encryptor: deps.Encryptor}
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/credentials", credentials.list)
	protected.HandleFunc("POST /api/v1/workspaces/{ws}/credentials", credentials.put)
	protected.HandleFunc("DELETE /api/v1/workspaces/{ws}/credentials/{id}", credentials.delete)

	sse := &eventSSEHandler{bus: deps.Bus}
	protected.HandleFunc("GET /api/v1/workspaces/{ws}/events", sse.stream)

	mcp := &mcpHandler{
		store:        deps.Store,
		scheduler:    deps.Scheduler,
		toolCache:    deps.ToolCache,
		coordinator:  deps.Coordinator,
		log:          deps.Logger,
		authRequired: deps.Verifier != nil && deps.Verifier.Enabled(),
	}
	protected.HandleFunc("/mcp", mcp.handle)

	authGate := bearerAuth(deps.Verifier, deps.BaseURL, protected)
	mux.Handle("/api/v1/", authGate)
	mux.Handle("/mcp", authGate)

	// Internal run callbacks for out-of-process runtimes.
	runs := &runHandler{
		store:   deps.Store,
		invoker: deps.Invoker,
		events:  deps.EventLog,
		log:     deps.Logger,
	}
	internal := http.NewServeMux()
	internal.HandleFunc("POST /internal/runs/{id}/tool-call", runs.toolCall)
	internal.HandleFunc("POST /internal/runs/{id}/output", runs.output)
	mux.Handle("/internal/", internalAuth(deps.InternalToken, internal))

	// Unauthenticated discovery and OAuth surface.
	wellknown := &wellknownHandler{baseURL: deps.BaseURL, verifier: deps.Verifier, anon: deps.Anon}
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", wellknown.protectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", wellknown.authorizationServer)

	if deps.Anon != nil {
		oauth := &oauthHandler{anon: deps.Anon}
		mux.HandleFunc("GET /oauth2/jwks", oauth.jwks)
		mux.HandleFunc("POST /register", oauth.register)
		mux.HandleFunc("GET /authorize", oauth.authorize)
		mux.HandleFunc("POST /token", oauth.token)
	}

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Middleware chain: CORS -> RequestID -> Logging -> mux.
	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = corsMiddleware(handler)
	return handler
}
