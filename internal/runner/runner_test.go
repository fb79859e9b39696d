package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskgate/taskgate/internal/dispatch"
	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/sandbox"
	"github.com/taskgate/taskgate/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]*store.Task
	events []store.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*store.Task)}
}

func (f *fakeStore) CreateTask(_ context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; ok {
		return store.ErrAlreadyExists
	}
	t.CreatedAt = time.Now().UTC()
	copied := *t
	f.tasks[t.ID] = &copied
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) GetTaskInWorkspace(_ context.Context, id, workspaceID string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) MarkTaskRunning(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.TaskQueued {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = store.TaskRunning
	t.StartedAt = &now
	copied := *t
	return &copied, nil
}

func (f *fakeStore) MarkTaskFinished(_ context.Context, id string, res store.TaskResult) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, nil
	}
	now := time.Now().UTC()
	t.Status = res.Status
	t.Stdout = res.Stdout
	t.Stderr = res.Stderr
	t.ExitCode = res.ExitCode
	t.Error = res.Error
	t.CompletedAt = &now
	copied := *t
	return &copied, nil
}

func (f *fakeStore) ListQueuedTaskIDs(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, t := range f.tasks {
		if t.Status == store.TaskQueued && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) ListTasks(context.Context, string) ([]store.Task, error) { return nil, nil }

func (f *fakeStore) AppendEvent(_ context.Context, e *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) ListEventsByTask(context.Context, string) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Event(nil), f.events...), nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.events))
	for i, e := range f.events {
		types[i] = e.Type
	}
	return types
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []dispatch.ToolCall
	fn    func(call dispatch.ToolCall) (any, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, _ *store.Task, call dispatch.ToolCall) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(call)
	}
	return "ok", nil
}

func newTestRunner(fs *fakeStore, invoker ToolInvoker) *Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := sandbox.NewRegistry()
	registry.Register(sandbox.RuntimeJavaScript, sandbox.NewJSRuntime())
	return New(fs, registry, invoker, events.NewLog(fs, nil), logger)
}

func queuedTask(id, code string) *store.Task {
	return &store.Task{
		ID: id, Code: code, RuntimeID: sandbox.RuntimeJavaScript,
		TimeoutMs: 5000, WorkspaceID: "ws_1", ActorID: "actor_1",
		Status: store.TaskQueued, CreatedAt: time.Now().UTC(),
	}
}

func TestRunCompletesTask(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["task_1"] = queuedTask("task_1", `console.log("done");`)
	r := newTestRunner(fs, &fakeInvoker{})

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := fs.tasks["task_1"]
	if task.Status != store.TaskCompleted {
		t.Errorf("status = %q", task.Status)
	}
	if !strings.Contains(task.Stdout, "done") {
		t.Errorf("stdout = %q", task.Stdout)
	}
	if task.ExitCode == nil || *task.ExitCode != 0 {
		t.Errorf("exit code = %v", task.ExitCode)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("timestamps not set")
	}

	want := []string{events.TypeTaskRunning, events.TypeTaskStdout, events.TypeTaskComplete}
	got := fs.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunDeniedToolCallEndsDenied(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["task_1"] = queuedTask("task_1", `await tools.admin.delete_data({key: "important"});`)
	invoker := &fakeInvoker{fn: func(dispatch.ToolCall) (any, error) {
		return nil, errors.New(dispatch.DenialSentinel + "admin.delete_data (approval_7)")
	}}
	r := newTestRunner(fs, invoker)

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := fs.tasks["task_1"]
	if task.Status != store.TaskDenied {
		t.Errorf("status = %q, want denied", task.Status)
	}
	if !strings.Contains(task.Error, "approval_7") {
		t.Errorf("error = %q, want approval id", task.Error)
	}
	if got := fs.eventTypes(); got[len(got)-1] != events.TypeTaskDenied {
		t.Errorf("terminal event = %q", got[len(got)-1])
	}
}

func TestRunScriptErrorEndsFailed(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["task_1"] = queuedTask("task_1", `throw new Error("kaboom");`)
	r := newTestRunner(fs, &fakeInvoker{})

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	task := fs.tasks["task_1"]
	if task.Status != store.TaskFailed || !strings.Contains(task.Error, "kaboom") {
		t.Errorf("task = %q %q", task.Status, task.Error)
	}
}

func TestRunTimeoutEndsTimedOut(t *testing.T) {
	fs := newFakeStore()
	task := queuedTask("task_1", `for (;;) {}`)
	task.TimeoutMs = 50
	fs.tasks["task_1"] = task
	r := newTestRunner(fs, &fakeInvoker{})

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fs.tasks["task_1"].Status != store.TaskTimedOut {
		t.Errorf("status = %q, want timed_out", fs.tasks["task_1"].Status)
	}
}

func TestRunUnsupportedRuntimeFails(t *testing.T) {
	fs := newFakeStore()
	task := queuedTask("task_1", `console.log("x");`)
	task.RuntimeID = "python"
	fs.tasks["task_1"] = task
	r := newTestRunner(fs, &fakeInvoker{})

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := fs.tasks["task_1"]
	if got.Status != store.TaskFailed || !strings.Contains(got.Error, "unsupported runtime") {
		t.Errorf("task = %q %q", got.Status, got.Error)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	task := queuedTask("task_1", `console.log("x");`)
	task.Status = store.TaskCompleted
	fs.tasks["task_1"] = task
	r := newTestRunner(fs, &fakeInvoker{})

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fs.eventTypes()) != 0 {
		t.Errorf("events emitted for terminal task: %v", fs.eventTypes())
	}
}

func TestRunForwardsToolCalls(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["task_1"] = queuedTask("task_1", `
		const r = await tools.echo.say({msg: "hi"});
		console.log(r);
	`)
	invoker := &fakeInvoker{fn: func(call dispatch.ToolCall) (any, error) {
		return call.Input["msg"], nil
	}}
	r := newTestRunner(fs, invoker)

	if err := r.Run(context.Background(), "task_1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(invoker.calls) != 1 || invoker.calls[0].ToolPath != "echo.say" {
		t.Errorf("calls = %+v", invoker.calls)
	}
	if invoker.calls[0].CallID == "" {
		t.Error("call id not assigned")
	}
	if !strings.Contains(fs.tasks["task_1"].Stdout, "hi") {
		t.Errorf("stdout = %q", fs.tasks["task_1"].Stdout)
	}
}

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name  string
		value any
		err   error
		want  ToolCallResult
	}{
		{"success", "v", nil, ToolCallResult{OK: true, Value: "v"}},
		{"failure", nil, errors.New("boom"), ToolCallResult{Error: "boom"}},
		{
			"denial", nil, errors.New(dispatch.DenialSentinel + "x.y (approval_1)"),
			ToolCallResult{Denied: true, Error: dispatch.DenialSentinel + "x.y (approval_1)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeResult(tt.value, tt.err); got != tt.want {
				t.Errorf("NormalizeResult = %+v, want %+v", got, tt.want)
			}
		})
	}
}
