// Package dispatch orchestrates a single tool call: resolution, policy,
// credentials, the approval gate, invocation, and event emission.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/policy"
	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store"
	"github.com/taskgate/taskgate/internal/toolcache"
	"github.com/taskgate/taskgate/internal/tools"
)

// DefaultPollInterval is how often the approval gate re-reads a pending
// approval row. There is no dispatcher-level timeout; the task timeout
// bounds the wait.
const DefaultPollInterval = 500 * time.Millisecond

// maxEventPayloadBytes truncates tool inputs and outputs in event payloads.
const maxEventPayloadBytes = 4096

// ToolCall identifies one invocation request from the sandbox.
type ToolCall struct {
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

type dispatchStore interface {
	store.ApprovalStore
	store.PolicyStore
}

// SnapshotProvider yields the compiled tool surface for a workspace.
// Implemented by the workspace tool cache.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, workspaceID string) (*tools.Snapshot, []string, error)
}

var _ SnapshotProvider = (*toolcache.Cache)(nil)

// Dispatcher runs tool calls for running tasks.
type Dispatcher struct {
	store        dispatchStore
	toolCache    SnapshotProvider
	credentials  *secrets.Resolver
	events       *events.Log
	log          *slog.Logger
	pollInterval time.Duration
}

// New creates a Dispatcher.
func New(
	s dispatchStore, tc SnapshotProvider, creds *secrets.Resolver,
	log *events.Log, logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:        s,
		toolCache:    tc,
		credentials:  creds,
		events:       log,
		log:          logger,
		pollInterval: DefaultPollInterval,
	}
}

// Invoke executes one tool call on behalf of a task. Errors propagate to the
// caller; denial errors carry the sentinel prefix.
func (d *Dispatcher) Invoke(ctx context.Context, task *store.Task, call ToolCall) (any, error) {
	if call.CallID == "" {
		call.CallID = "call_" + uuid.NewString()
	}

	snapshot, warnings, err := d.toolCache.Snapshot(ctx, task.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace tools: %w", err)
	}
	for _, w := range warnings {
		d.log.Warn("tool source skipped", "workspace_id", task.WorkspaceID, "warning", w)
	}

	def, err := d.resolve(call.ToolPath, snapshot)
	if err != nil {
		return nil, err
	}

	policies, err := d.store.ListAccessPolicies(ctx, task.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	pctx := policy.Context{
		WorkspaceID: task.WorkspaceID,
		ActorID:     task.ActorID,
		ClientID:    task.ClientID,
	}

	// The effective path differs from the requested one for GraphQL source
	// tools, where policy applies per decomposed field.
	decision, effectivePath := "", def.Path
	if def.GraphQL {
		decision, effectivePath, err = policy.DecomposeGraphQL(def, call.Input, pctx, policies)
		if err != nil {
			return nil, err
		}
	} else {
		decision = policy.Evaluate(def, pctx, policies)
	}

	if decision == store.DecisionDeny {
		d.emitToolEvent(ctx, task, events.TypeToolCallDenied, &events.ToolCallPayload{
			TaskID:   task.ID,
			CallID:   call.CallID,
			ToolPath: effectivePath,
			Reason:   ReasonPolicyDeny,
		})
		return nil, policyDenialError(effectivePath)
	}

	headers, err := d.credentials.Resolve(ctx, task.WorkspaceID, task.ActorID, def.Credential)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for %s: %w", def.Path, err)
	}

	inputJSON := marshalTruncated(call.Input)
	d.emitToolEvent(ctx, task, events.TypeToolCallStarted, &events.ToolCallPayload{
		TaskID:   task.ID,
		CallID:   call.CallID,
		ToolPath: effectivePath,
		Approval: def.Approval,
		Input:    inputJSON,
	})

	if decision == store.DecisionRequireApproval {
		if err := d.awaitApproval(ctx, task, call, effectivePath, inputJSON); err != nil {
			return nil, err
		}
	}

	out, err := def.Invoke(ctx, tools.Call{
		TaskID:  task.ID,
		Input:   call.Input,
		Headers: headers,
		IsToolAllowed: func(path string) bool {
			return policy.Evaluate(&tools.Definition{Path: path, Approval: tools.ApprovalAuto},
				pctx, policies) != store.DecisionDeny
		},
	})
	if err != nil {
		d.emitToolEvent(ctx, task, events.TypeToolCallFailed, &events.ToolCallPayload{
			TaskID:   task.ID,
			CallID:   call.CallID,
			ToolPath: effectivePath,
			Error:    err.Error(),
		})
		return nil, err
	}

	d.emitToolEvent(ctx, task, events.TypeToolCallCompleted, &events.ToolCallPayload{
		TaskID:   task.ID,
		CallID:   call.CallID,
		ToolPath: effectivePath,
		Output:   marshalTruncated(out),
	})
	return out, nil
}

// resolve finds the requested tool: exact match, then alias match, then an
// unknown-tool error with fuzzy suggestions.
func (d *Dispatcher) resolve(toolPath string, snapshot *tools.Snapshot) (*tools.Definition, error) {
	if def, ok := snapshot.Lookup(toolPath); ok {
		return def, nil
	}
	if def, ok := resolveAlias(toolPath, snapshot); ok {
		return def, nil
	}
	return nil, errors.New(unknownToolMessage(toolPath, snapshot.Paths()))
}

// awaitApproval creates the pending approval row and polls it until a
// reviewer resolves it. Denial fails the call with the sentinel error.
func (d *Dispatcher) awaitApproval(
	ctx context.Context, task *store.Task, call ToolCall, toolPath string, input json.RawMessage,
) error {
	approval := &store.Approval{
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		ToolPath:    toolPath,
		Input:       input,
		Status:      store.ApprovalPending,
	}
	if err := d.store.CreateApproval(ctx, approval); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}

	d.emitApprovalEvent(ctx, task, events.TypeApprovalRequested, &events.ApprovalPayload{
		ApprovalID: approval.ID,
		TaskID:     task.ID,
		ToolPath:   toolPath,
		Input:      input,
		CreatedAt:  &approval.CreatedAt,
	})

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := d.store.GetApproval(ctx, approval.ID)
		if err != nil {
			return fmt.Errorf("poll approval %s: %w", approval.ID, err)
		}
		switch current.Status {
		case store.ApprovalPending:
			continue
		case store.ApprovalApproved:
			return nil
		case store.ApprovalDenied:
			d.emitToolEvent(ctx, task, events.TypeToolCallDenied, &events.ToolCallPayload{
				TaskID:     task.ID,
				CallID:     call.CallID,
				ToolPath:   toolPath,
				Reason:     current.Reason,
				ApprovalID: approval.ID,
			})
			return approvalDenialError(toolPath, approval.ID)
		default:
			return fmt.Errorf("approval %s in unexpected status %q", approval.ID, current.Status)
		}
	}
}

func (d *Dispatcher) emitToolEvent(
	ctx context.Context, task *store.Task, typ string, payload *events.ToolCallPayload,
) {
	if _, err := d.events.Append(ctx, task.ID, task.WorkspaceID, store.EventCategoryTask, typ, payload); err != nil {
		d.log.Warn("tool event append failed", "task_id", task.ID, "type", typ, "error", err)
	}
}

func (d *Dispatcher) emitApprovalEvent(
	ctx context.Context, task *store.Task, typ string, payload *events.ApprovalPayload,
) {
	if _, err := d.events.Append(ctx, task.ID, task.WorkspaceID, store.EventCategoryApproval, typ, payload); err != nil {
		d.log.Warn("approval event append failed", "task_id", task.ID, "type", typ, "error", err)
	}
}

// marshalTruncated serializes an event payload fragment, capping its size so
// large tool outputs don't bloat the event log.
func marshalTruncated(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if len(raw) <= maxEventPayloadBytes {
		return raw
	}
	truncated, err := json.Marshal(map[string]any{
		"truncated": true,
		"sizeBytes": len(raw),
	})
	if err != nil {
		return nil
	}
	return truncated
}
