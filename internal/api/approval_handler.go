package api

import (
	"net/http"

	"github.com/taskgate/taskgate/internal/approval"
	"github.com/taskgate/taskgate/internal/store"
)

type approvalHandler struct {
	coordinator *approval.Coordinator
}

func (h *approvalHandler) list(w http.ResponseWriter, r *http.Request) {
	pending, err := h.coordinator.ListPending(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (h *approvalHandler) get(w http.ResponseWriter, r *http.Request) {
	a, err := h.coordinator.Get(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (h *approvalHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	// The reviewer is the authenticated caller, never taken from the body.
	reviewer := actorFrom(r)
	workspaceID, approvalID := r.PathValue("ws"), r.PathValue("id")

	var resolved *store.Approval
	var err error
	switch req.Decision {
	case string(store.ApprovalApproved), "approve":
		resolved, err = h.coordinator.Approve(r.Context(), workspaceID, approvalID, reviewer, req.Reason)
	case string(store.ApprovalDenied), "deny":
		resolved, err = h.coordinator.Deny(r.Context(), workspaceID, approvalID, reviewer, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
