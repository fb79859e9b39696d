package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/sandbox"
	"github.com/taskgate/taskgate/internal/store"
)

// DefaultSweepInterval is how often the scheduler re-scans for queued tasks
// that lost their immediate trigger (crashed worker, restart).
const DefaultSweepInterval = 5 * time.Second

// sweepBatch bounds how many queued tasks one sweep picks up.
const sweepBatch = 32

// Scheduler accepts task submissions and hands queued tasks to the runner.
// Submitted tasks are triggered immediately; a periodic sweep recovers any
// left behind.
type Scheduler struct {
	store    store.TaskStore
	runner   *Runner
	runtimes *sandbox.Registry
	events   *events.Log
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	s store.TaskStore, r *Runner, runtimes *sandbox.Registry,
	log *events.Log, logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   r,
		runtimes: runtimes,
		events:   log,
		log:      logger,
		interval: DefaultSweepInterval,
	}
}

// Submit validates and persists a new task, publishes task.created and
// task.queued, and triggers a run. The task id, runtime and timeout are
// defaulted when absent.
func (s *Scheduler) Submit(ctx context.Context, task *store.Task) (*store.Task, error) {
	if strings.TrimSpace(task.Code) == "" {
		return nil, fmt.Errorf("task code must not be empty")
	}
	if task.ID == "" {
		task.ID = "task_" + uuid.NewString()
	}
	if task.RuntimeID == "" {
		task.RuntimeID = sandbox.RuntimeJavaScript
	}
	if task.TimeoutMs <= 0 {
		task.TimeoutMs = sandbox.DefaultTimeoutMs
	}
	if _, err := s.runtimes.Get(task.RuntimeID); err != nil {
		return nil, err
	}

	task.Status = store.TaskQueued
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.emit(ctx, task, events.TypeTaskCreated, &events.TaskCreatedPayload{
		TaskID:    task.ID,
		Status:    string(task.Status),
		RuntimeID: task.RuntimeID,
		TimeoutMs: task.TimeoutMs,
		Workspace: task.WorkspaceID,
		Actor:     task.ActorID,
		Client:    task.ClientID,
		CreatedAt: task.CreatedAt,
	})
	s.emit(ctx, task, events.TypeTaskQueued, &events.TaskStatusPayload{
		TaskID: task.ID,
		Status: string(store.TaskQueued),
	})

	s.Trigger(task.ID)
	return task, nil
}

// Trigger starts a background run for one task id. Safe to call more than
// once; the runner exits early for tasks that already advanced.
func (s *Scheduler) Trigger(taskID string) {
	ctx := s.base()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(ctx, taskID); err != nil {
			s.log.Error("task run failed", "task_id", taskID, "error", err)
		}
	}()
}

// Run sweeps for queued tasks until the context is canceled, then waits for
// in-flight runs to settle. Runs triggered while the scheduler is active
// inherit its context, not the submitter's request context.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	ids, err := s.store.ListQueuedTaskIDs(ctx, sweepBatch)
	if err != nil {
		s.log.Warn("queued task sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		s.Trigger(id)
	}
}

func (s *Scheduler) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Scheduler) emit(
	ctx context.Context, task *store.Task, typ string, payload any,
) {
	if _, err := s.events.Append(ctx, task.ID, task.WorkspaceID, store.EventCategoryTask, typ, payload); err != nil {
		s.log.Warn("task event append failed", "task_id", task.ID, "type", typ, "error", err)
	}
}
