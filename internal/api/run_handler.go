package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/runner"
	"github.com/taskgate/taskgate/internal/store"
)

// runHandler serves the internal run callbacks used by out-of-process
// sandbox runtimes to reach the dispatcher and the output stream. Both
// endpoints are gated behind the shared internal bearer token.
type runHandler struct {
	store   store.TaskStore
	invoker runner.ToolInvoker
	events  *events.Log
	log     *slog.Logger
}

func (h *runHandler) toolCall(w http.ResponseWriter, r *http.Request) {
	task, ok := h.runningTask(w, r)
	if !ok {
		return
	}

	var call dispatch.ToolCall
	if err := decodeJSON(r, &call); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if call.ToolPath == "" {
		writeError(w, http.StatusBadRequest, "toolPath is required")
		return
	}

	value, err := h.invoker.Invoke(r.Context(), task, call)
	writeJSON(w, http.StatusOK, runner.NormalizeResult(value, err))
}

type outputRequest struct {
	Stream    string     `json:"stream"`
	Line      string     `json:"line"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (h *runHandler) output(w http.ResponseWriter, r *http.Request) {
	task, ok := h.runningTask(w, r)
	if !ok {
		return
	}

	var req outputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	typ := events.TypeTaskStdout
	if req.Stream == "stderr" {
		typ = events.TypeTaskStderr
	}
	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}

	if _, err := h.events.Append(
		r.Context(), task.ID, task.WorkspaceID, store.EventCategoryTask, typ,
		&events.OutputPayload{TaskID: task.ID, Line: req.Line, Timestamp: ts},
	); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// runningTask loads the run's task and refuses callbacks for tasks that are
// not currently running.
func (h *runHandler) runningTask(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	task, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if task.Status != store.TaskRunning {
		writeError(w, http.StatusConflict, "task is not running")
		return nil, false
	}
	return task, true
}
