package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskgate/taskgate/internal/events"
	"github.com/taskgate/taskgate/internal/store"
)

type fakeStore struct {
	approvals map[string]*store.Approval
	events    []store.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{approvals: make(map[string]*store.Approval)}
}

func (f *fakeStore) CreateApproval(_ context.Context, a *store.Approval) error {
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeStore) GetApproval(_ context.Context, id string) (*store.Approval, error) {
	a, ok := f.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) GetApprovalInWorkspace(_ context.Context, id, workspaceID string) (*store.Approval, error) {
	a, ok := f.approvals[id]
	if !ok || a.WorkspaceID != workspaceID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ResolveApproval(
	_ context.Context, id string, status store.ApprovalStatus, reviewerID, reason string,
) (*store.Approval, error) {
	a, ok := f.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Status != store.ApprovalPending {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	a.Status = status
	a.ReviewerID = reviewerID
	a.Reason = reason
	a.ResolvedAt = &now
	return a, nil
}

func (f *fakeStore) ListPendingApprovals(_ context.Context, workspaceID string) ([]store.Approval, error) {
	var out []store.Approval
	for _, a := range f.approvals {
		if a.WorkspaceID == workspaceID && a.Status == store.ApprovalPending {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) ListApprovals(context.Context, string, store.ApprovalStatus) ([]store.Approval, error) {
	return nil, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e *store.Event) error {
	e.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) ListEventsByTask(context.Context, string) ([]store.Event, error) {
	return f.events, nil
}

func newTestCoordinator(fs *fakeStore) *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(fs, events.NewLog(fs, nil), logger)
}

func pending(id, workspace string) *store.Approval {
	return &store.Approval{
		ID: id, TaskID: "task_1", WorkspaceID: workspace,
		ToolPath: "pay.transfer", Status: store.ApprovalPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestApproveEmitsResolvedEvent(t *testing.T) {
	fs := newFakeStore()
	fs.approvals["approval_1"] = pending("approval_1", "ws_1")
	c := newTestCoordinator(fs)

	resolved, err := c.Approve(context.Background(), "ws_1", "approval_1", "actor_9", "fine")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if resolved.Status != store.ApprovalApproved {
		t.Errorf("status = %q", resolved.Status)
	}
	if resolved.ReviewerID != "actor_9" {
		t.Errorf("reviewer = %q", resolved.ReviewerID)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolvedAt not set")
	}

	if len(fs.events) != 1 || fs.events[0].Type != events.TypeApprovalResolved {
		t.Errorf("events = %+v", fs.events)
	}
}

func TestDenySetsReason(t *testing.T) {
	fs := newFakeStore()
	fs.approvals["approval_1"] = pending("approval_1", "ws_1")
	c := newTestCoordinator(fs)

	resolved, err := c.Deny(context.Background(), "ws_1", "approval_1", "actor_9", "nope")
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if resolved.Status != store.ApprovalDenied || resolved.Reason != "nope" {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestResolveIsSingleShot(t *testing.T) {
	fs := newFakeStore()
	fs.approvals["approval_1"] = pending("approval_1", "ws_1")
	c := newTestCoordinator(fs)

	if _, err := c.Approve(context.Background(), "ws_1", "approval_1", "a", ""); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	_, err := c.Deny(context.Background(), "ws_1", "approval_1", "a", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("second resolution err = %v, want ErrConflict", err)
	}
}

func TestCrossWorkspaceReadsAsNotFound(t *testing.T) {
	fs := newFakeStore()
	fs.approvals["approval_1"] = pending("approval_1", "ws_1")
	c := newTestCoordinator(fs)

	if _, err := c.Get(context.Background(), "ws_2", "approval_1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if _, err := c.Approve(context.Background(), "ws_2", "approval_1", "a", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Approve err = %v, want ErrNotFound", err)
	}
	// The row is untouched.
	if fs.approvals["approval_1"].Status != store.ApprovalPending {
		t.Error("cross-workspace attempt must not mutate the approval")
	}
}

func TestListPendingScopesToWorkspace(t *testing.T) {
	fs := newFakeStore()
	fs.approvals["approval_1"] = pending("approval_1", "ws_1")
	fs.approvals["approval_2"] = pending("approval_2", "ws_2")
	c := newTestCoordinator(fs)

	got, err := c.ListPending(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != "approval_1" {
		t.Errorf("pending = %+v", got)
	}
}
