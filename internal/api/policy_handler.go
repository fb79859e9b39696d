package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/store"
)

type policyHandler struct {
	store store.PolicyStore
}

type policyRequest struct {
	ActorID  string `json:"actorId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Pattern  string `json:"pattern"`
	Decision string `json:"decision"`
	Priority int    `json:"priority,omitempty"`
}

func (h *policyHandler) list(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListAccessPolicies(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *policyHandler) create(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	switch req.Decision {
	case store.DecisionAllow, store.DecisionRequireApproval, store.DecisionDeny:
	default:
		writeError(w, http.StatusBadRequest, "decision must be allow, require_approval, or deny")
		return
	}

	p := &store.AccessPolicy{
		ID:          "pol_" + uuid.NewString(),
		WorkspaceID: r.PathValue("ws"),
		ActorID:     req.ActorID,
		ClientID:    req.ClientID,
		Pattern:     req.Pattern,
		Decision:    req.Decision,
		Priority:    req.Priority,
	}
	if err := h.store.CreateAccessPolicy(r.Context(), p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *policyHandler) delete(w http.ResponseWriter, r *http.Request) {
	// Scope the delete: the id must belong to the workspace in the path.
	policies, err := h.store.ListAccessPolicies(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	id := r.PathValue("id")
	for _, p := range policies {
		if p.ID == id {
			if err := h.store.DeleteAccessPolicy(r.Context(), id); err != nil {
				writeStoreError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}
