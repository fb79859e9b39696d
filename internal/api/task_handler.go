package api

import (
	"encoding/json"
	"net/http"

	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/store"
)

type taskStore interface {
	store.TaskStore
	store.EventStore
}

type taskHandler struct {
	store     taskStore
	scheduler *runner.Scheduler
}

type createTaskRequest struct {
	Code      string          `json:"code"`
	RuntimeID string          `json:"runtimeId,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
}

func (h *taskHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	task, err := h.scheduler.Submit(r.Context(), &store.Task{
		Code:        req.Code,
		RuntimeID:   req.RuntimeID,
		TimeoutMs:   req.TimeoutMs,
		Metadata:    req.Metadata,
		WorkspaceID: r.PathValue("ws"),
		ActorID:     actorFrom(r),
		ClientID:    req.ClientID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *taskHandler) list(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *taskHandler) get(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTaskInWorkspace(r.Context(), r.PathValue("id"), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *taskHandler) events(w http.ResponseWriter, r *http.Request) {
	// Workspace check first so cross-workspace task ids read as not found.
	task, err := h.store.GetTaskInWorkspace(r.Context(), r.PathValue("id"), r.PathValue("ws"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	list, err := h.store.ListEventsByTask(r.Context(), task.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}
