package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/toolcache"
)

type sourceHandler struct {
	store     store.ToolSourceStore
	toolCache *toolcache.Cache
}

type sourceRequest struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

func (h *sourceHandler) list(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.ListToolSources(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (h *sourceHandler) create(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.Type {
	case store.SourceOpenAPI, store.SourceGraphQL, store.SourceMCP:
	default:
		writeError(w, http.StatusBadRequest, "type must be openapi, graphql, or mcp")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	src := &store.ToolSource{
		ID:          "src_" + uuid.NewString(),
		WorkspaceID: r.PathValue("ws"),
		Name:        req.Name,
		Type:        req.Type,
		Enabled:     enabled,
		Config:      req.Config,
	}
	if err := h.store.CreateToolSource(r.Context(), src); err != nil {
		writeStoreError(w, err)
		return
	}
	h.toolCache.Invalidate(src.WorkspaceID)
	writeJSON(w, http.StatusCreated, src)
}

func (h *sourceHandler) get(w http.ResponseWriter, r *http.Request) {
	src, err := h.getScoped(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *sourceHandler) update(w http.ResponseWriter, r *http.Request) {
	src, err := h.getScoped(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if req.Name != "" {
		src.Name = req.Name
	}
	if req.Type != "" {
		src.Type = req.Type
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if req.Config != nil {
		src.Config = req.Config
	}
	src.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateToolSource(r.Context(), src); err != nil {
		writeStoreError(w, err)
		return
	}
	h.toolCache.Invalidate(src.WorkspaceID)
	writeJSON(w, http.StatusOK, src)
}

func (h *sourceHandler) delete(w http.ResponseWriter, r *http.Request) {
	src, err := h.getScoped(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.store.DeleteToolSource(r.Context(), src.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	h.toolCache.Invalidate(src.WorkspaceID)
	w.WriteHeader(http.StatusNoContent)
}

// tools returns the compiled tool surface for a workspace along with any
// per-source compile warnings.
func (h *sourceHandler) tools(w http.ResponseWriter, r *http.Request) {
	snapshot, warnings, err := h.toolCache.Snapshot(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type toolInfo struct {
		Path        string `json:"path"`
		Description string `json:"description,omitempty"`
		Approval    string `json:"approval"`
		Source      string `json:"source,omitempty"`
	}
	listed := make([]toolInfo, 0, len(snapshot.Tools))
	for _, path := range snapshot.Paths() {
		def, _ := snapshot.Lookup(path)
		listed = append(listed, toolInfo{
			Path:        path,
			Description: def.Description,
			Approval:    def.Approval,
			Source:      def.SourceName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     listed,
		"warnings":  warnings,
		"signature": snapshot.Signature,
	})
}

// getScoped loads the source and hides ids that belong to other workspaces.
func (h *sourceHandler) getScoped(r *http.Request) (*store.ToolSource, error) {
	src, err := h.store.GetToolSource(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if src.WorkspaceID != r.PathValue("ws") {
		return nil, store.ErrNotFound
	}
	return src, nil
}
