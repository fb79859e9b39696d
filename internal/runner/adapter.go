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

// ToolCallResult is the normalized shape returned to out-of-process runtimes
// through the internal run callbacks.
type ToolCallResult struct {
	OK     bool   `json:"ok"`
	Value  any    `json:"value,omitempty"`
	Denied bool   `json:"denied,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NormalizeResult maps a dispatcher outcome to a ToolCallResult. Denials keep
// their sentinel-prefixed message in Error.
func NormalizeResult(value any, err error) ToolCallResult {
	if err != nil {
		return ToolCallResult{Denied: dispatch.IsDenial(err), Error: err.Error()}
	}
	return ToolCallResult{OK: true, Value: value}
}

// adapter is the in-process sandbox bridge for one running task. Tool errors
// are returned as-is so the runtime can raise them inside the script and the
// denial sentinel survives to the runner.
type adapter struct {
	task    *store.Task
	invoker ToolInvoker
	events  *events.Log
	log     *slog.Logger
}

var _ sandbox.Adapter = (*adapter)(nil)

func newAdapter(task *store.Task, invoker ToolInvoker, log *events.Log, logger *slog.Logger) *adapter {
	return &adapter{task: task, invoker: invoker, events: log, log: logger}
}

func (a *adapter) InvokeTool(
	ctx context.Context, callID, toolPath string, input map[string]any,
) (any, error) {
	return a.invoker.Invoke(ctx, a.task, dispatch.ToolCall{
		CallID:   callID,
		ToolPath: toolPath,
		Input:    input,
	})
}

func (a *adapter) EmitOutput(ctx context.Context, stream, line string) {
	typ := events.TypeTaskStdout
	if stream == "stderr" {
		typ = events.TypeTaskStderr
	}
	payload := &events.OutputPayload{
		TaskID:    a.task.ID,
		Line:      line,
		Timestamp: time.Now().UTC(),
	}
	if _, err := a.events.Append(
		ctx, a.task.ID, a.task.WorkspaceID, store.EventCategoryTask, typ, payload,
	); err != nil {
		a.log.Warn("output event append failed", "task_id", a.task.ID, "error", err)
	}
}
