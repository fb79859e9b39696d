package store

import (
	"context"
	"time"
)

// Store is the composite interface for all data access.
type Store interface {
	TaskStore
	ApprovalStore
	ToolSourceStore
	PolicyStore
	CredentialStore
	EventStore
	SpecCacheStore
	ToolCacheStore
	BlobStore
	Tx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// TaskStore manages task rows and their state machine.
type TaskStore interface {
	// CreateTask inserts a queued task. Fails with ErrAlreadyExists on a
	// duplicate id. Code must be non-empty after trimming.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// GetTaskInWorkspace returns ErrNotFound when the task exists but belongs
	// to a different workspace.
	GetTaskInWorkspace(ctx context.Context, id, workspaceID string) (*Task, error)
	// MarkTaskRunning transitions queued → running. Returns (nil, nil) when the
	// task has already advanced, so concurrent workers can race safely.
	MarkTaskRunning(ctx context.Context, id string) (*Task, error)
	// MarkTaskFinished transitions any non-terminal state to the given terminal
	// status. Returns (nil, nil) when the task is already terminal.
	MarkTaskFinished(ctx context.Context, id string, res TaskResult) (*Task, error)
	ListQueuedTaskIDs(ctx context.Context, limit int) ([]string, error)
	ListTasks(ctx context.Context, workspaceID string) ([]Task, error)
}

// ApprovalStore manages approval rows.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	GetApprovalInWorkspace(ctx context.Context, id, workspaceID string) (*Approval, error)
	// ResolveApproval transitions pending → approved|denied. Returns
	// ErrConflict when the approval has already been resolved.
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, reviewerID, reason string) (*Approval, error)
	ListPendingApprovals(ctx context.Context, workspaceID string) ([]Approval, error)
	ListApprovals(ctx context.Context, workspaceID string, status ApprovalStatus) ([]Approval, error)
}

// ToolSourceStore manages registered tool sources.
type ToolSourceStore interface {
	CreateToolSource(ctx context.Context, s *ToolSource) error
	GetToolSource(ctx context.Context, id string) (*ToolSource, error)
	GetToolSourceByName(ctx context.Context, workspaceID, name string) (*ToolSource, error)
	// ListEnabledToolSources returns enabled sources ordered by id.
	ListEnabledToolSources(ctx context.Context, workspaceID string) ([]ToolSource, error)
	ListToolSources(ctx context.Context, workspaceID string) ([]ToolSource, error)
	UpdateToolSource(ctx context.Context, s *ToolSource) error
	DeleteToolSource(ctx context.Context, id string) error
}

// PolicyStore manages access policies.
type PolicyStore interface {
	CreateAccessPolicy(ctx context.Context, p *AccessPolicy) error
	ListAccessPolicies(ctx context.Context, workspaceID string) ([]AccessPolicy, error)
	DeleteAccessPolicy(ctx context.Context, id string) error
}

// CredentialStore manages credential rows.
type CredentialStore interface {
	// PutCredential upserts on (workspace, source_key, scope, actor).
	PutCredential(ctx context.Context, c *Credential) error
	// GetCredential looks up by the unique tuple. actorID is ignored for
	// workspace scope.
	GetCredential(ctx context.Context, workspaceID, sourceKey, scope, actorID string) (*Credential, error)
	ListCredentials(ctx context.Context, workspaceID string) ([]Credential, error)
	DeleteCredential(ctx context.Context, id string) error
}

// EventStore is the append-only per-task event log. Appends assign the next
// per-task sequence atomically; readers observe only committed appends.
type EventStore interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEventsByTask(ctx context.Context, taskID string) ([]Event, error)
}

// SpecCacheStore manages the content-addressed prepared-spec cache.
type SpecCacheStore interface {
	// GetSpecCacheEntry returns ErrNotFound for missing or mismatched keys.
	GetSpecCacheEntry(ctx context.Context, specURL, schemaVersion string) (*SpecCacheEntry, error)
	// PutSpecCacheEntry replaces any prior entry for the key and returns the
	// displaced blob id, if any, for best-effort deletion.
	PutSpecCacheEntry(ctx context.Context, e *SpecCacheEntry) (displacedBlobID string, err error)
	// PruneSpecCache deletes entries older than cutoff, at most limit per call.
	// Returns the blob ids of deleted entries.
	PruneSpecCache(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// ToolCacheStore manages the workspace tool cache metadata.
type ToolCacheStore interface {
	GetToolCacheEntry(ctx context.Context, workspaceID string) (*ToolCacheEntry, error)
	// PutToolCacheEntry replaces the workspace's entry and returns blob ids
	// displaced by the write.
	PutToolCacheEntry(ctx context.Context, e *ToolCacheEntry) (displaced []string, err error)
}

// BlobStore holds out-of-band binary payloads (prepared specs, snapshots,
// typedef bundles).
type BlobStore interface {
	PutBlob(ctx context.Context, id string, data []byte) error
	GetBlob(ctx context.Context, id string) ([]byte, error)
	DeleteBlob(ctx context.Context, id string) error
}
