// Package approval mediates reviewer actions on pending approvals. Every
// operation is scoped to a caller-supplied workspace; an approval in another
// workspace is indistinguishable from a missing one.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/store"
)

// Coordinator exposes the reviewer-facing approval surface.
type Coordinator struct {
	store  store.ApprovalStore
	events *events.Log
	log    *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.ApprovalStore, log *events.Log, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: s, events: log, log: logger}
}

// ListPending returns the workspace's unresolved approvals.
func (c *Coordinator) ListPending(ctx context.Context, workspaceID string) ([]store.Approval, error) {
	return c.store.ListPendingApprovals(ctx, workspaceID)
}

// Get returns one approval, workspace-scoped.
func (c *Coordinator) Get(ctx context.Context, workspaceID, approvalID string) (*store.Approval, error) {
	return c.store.GetApprovalInWorkspace(ctx, approvalID, workspaceID)
}

// Approve resolves a pending approval in the reviewer's favor. The reviewer
// id is the authenticated actor, never caller-supplied.
func (c *Coordinator) Approve(
	ctx context.Context, workspaceID, approvalID, reviewerID, reason string,
) (*store.Approval, error) {
	return c.resolve(ctx, workspaceID, approvalID, store.ApprovalApproved, reviewerID, reason)
}

// Deny resolves a pending approval against the caller. The waiting
// dispatcher observes the row and fails its call with the denial sentinel.
func (c *Coordinator) Deny(
	ctx context.Context, workspaceID, approvalID, reviewerID, reason string,
) (*store.Approval, error) {
	return c.resolve(ctx, workspaceID, approvalID, store.ApprovalDenied, reviewerID, reason)
}

func (c *Coordinator) resolve(
	ctx context.Context, workspaceID, approvalID string,
	status store.ApprovalStatus, reviewerID, reason string,
) (*store.Approval, error) {
	// Workspace check first so cross-workspace ids read as not found, never
	// as conflicts that confirm existence.
	if _, err := c.store.GetApprovalInWorkspace(ctx, approvalID, workspaceID); err != nil {
		return nil, err
	}

	resolved, err := c.store.ResolveApproval(ctx, approvalID, status, reviewerID, reason)
	if err != nil {
		return nil, fmt.Errorf("resolve approval %s: %w", approvalID, err)
	}

	payload := &events.ApprovalPayload{
		ApprovalID: resolved.ID,
		TaskID:     resolved.TaskID,
		ToolPath:   resolved.ToolPath,
		Decision:   string(status),
		ReviewerID: reviewerID,
		Reason:     reason,
		ResolvedAt: resolved.ResolvedAt,
	}
	if _, err := c.events.Append(
		ctx, resolved.TaskID, resolved.WorkspaceID,
		store.EventCategoryApproval, events.TypeApprovalResolved, payload,
	); err != nil {
		c.log.Warn("approval event append failed", "approval_id", resolved.ID, "error", err)
	}
	return resolved, nil
}
