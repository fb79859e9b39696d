// Package runner drives queued tasks through the sandbox to a terminal state.
// Promotion from queued to running is atomic in the store, so any number of
// workers may trigger the same task safely.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/sandbox"
	"github.com/taskgate/taskgate/internal/store"
)

// ToolInvoker executes one tool call for a running task. Implemented by the
// dispatcher.
type ToolInvoker interface {
	Invoke(ctx context.Context, task *store.Task, call dispatch.ToolCall) (any, error)
}

var _ ToolInvoker = (*dispatch.Dispatcher)(nil)

// Runner executes one task at a time per call. Run is idempotent per task id.
type Runner struct {
	store    store.TaskStore
	runtimes *sandbox.Registry
	invoker  ToolInvoker
	events   *events.Log
	log      *slog.Logger
}

// New creates a Runner.
func New(
	s store.TaskStore, runtimes *sandbox.Registry, invoker ToolInvoker,
	log *events.Log, logger *slog.Logger,
) *Runner {
	return &Runner{store: s, runtimes: runtimes, invoker: invoker, events: log, log: logger}
}

// Run takes a queued task to a terminal state. A task that has already
// advanced is left alone.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskQueued {
		return nil
	}

	running, err := r.store.MarkTaskRunning(ctx, taskID)
	if err != nil {
		return err
	}
	if running == nil {
		// Lost the race to another worker.
		return nil
	}

	r.emitStatus(ctx, running, events.TypeTaskRunning, &events.TaskStatusPayload{
		TaskID:    running.ID,
		Status:    string(store.TaskRunning),
		StartedAt: running.StartedAt,
	})
	r.log.Info("task running", "task_id", running.ID, "runtime_id", running.RuntimeID)

	rt, err := r.runtimes.Get(running.RuntimeID)
	if err != nil {
		return r.finish(ctx, running, sandbox.Result{ExitCode: 1, Err: err})
	}

	result := rt.Execute(ctx, sandbox.Execution{
		TaskID:    running.ID,
		Code:      running.Code,
		TimeoutMs: running.TimeoutMs,
	}, newAdapter(running, r.invoker, r.events, r.log))

	return r.finish(ctx, running, result)
}

// finish records the terminal state and publishes the matching event.
func (r *Runner) finish(ctx context.Context, task *store.Task, result sandbox.Result) error {
	status := store.TaskCompleted
	errMsg := ""
	switch {
	case result.TimedOut:
		status = store.TaskTimedOut
		errMsg = result.Err.Error()
	case result.Err != nil && dispatch.IsDenial(result.Err):
		status = store.TaskDenied
		errMsg = result.Err.Error()
	case result.Err != nil:
		status = store.TaskFailed
		errMsg = result.Err.Error()
	}

	exitCode := result.ExitCode
	finished, err := r.store.MarkTaskFinished(ctx, task.ID, store.TaskResult{
		Status:   status,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: &exitCode,
		Error:    errMsg,
	})
	if err != nil {
		return err
	}
	if finished == nil {
		r.log.Warn("task already terminal", "task_id", task.ID, "status", status)
		return nil
	}

	r.emitStatus(ctx, finished, terminalEventType(status), &events.TaskStatusPayload{
		TaskID:      finished.ID,
		Status:      string(status),
		ExitCode:    finished.ExitCode,
		DurationMs:  durationMs(finished),
		Error:       errMsg,
		StartedAt:   finished.StartedAt,
		CompletedAt: finished.CompletedAt,
	})
	r.log.Info("task finished", "task_id", finished.ID, "status", status, "exit_code", exitCode)
	return nil
}

func (r *Runner) emitStatus(
	ctx context.Context, task *store.Task, typ string, payload *events.TaskStatusPayload,
) {
	if _, err := r.events.Append(ctx, task.ID, task.WorkspaceID, store.EventCategoryTask, typ, payload); err != nil {
		r.log.Warn("task event append failed", "task_id", task.ID, "type", typ, "error", err)
	}
}

func terminalEventType(status store.TaskStatus) string {
	switch status {
	case store.TaskFailed:
		return events.TypeTaskFailed
	case store.TaskTimedOut:
		return events.TypeTaskTimedOut
	case store.TaskDenied:
		return events.TypeTaskDenied
	default:
		return events.TypeTaskComplete
	}
}

func durationMs(task *store.Task) int64 {
	if task.StartedAt == nil || task.CompletedAt == nil {
		return 0
	}
	return int64(task.CompletedAt.Sub(*task.StartedAt) / time.Millisecond)
}
