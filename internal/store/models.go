package store

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses. Transitions are strictly queued → running → terminal.
const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskDenied    TaskStatus = "denied"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskDenied:
		return true
	}
	return false
}

// Task is one queued code-execution request.
type Task struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	RuntimeID   string          `json:"runtime_id"`
	TimeoutMs   int             `json:"timeout_ms"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	WorkspaceID string          `json:"workspace_id"`
	ActorID     string          `json:"actor_id"`
	ClientID    string          `json:"client_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskResult carries the terminal details recorded by MarkTaskFinished.
type TaskResult struct {
	Status   TaskStatus
	Stdout   string
	Stderr   string
	ExitCode *int
	Error    string
}

// ApprovalStatus is the lifecycle state of an approval.
type ApprovalStatus string

// Approval statuses. At most one transition out of pending.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is a human-in-the-loop gate on one tool call.
type Approval struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	WorkspaceID string          `json:"workspace_id"`
	ToolPath    string          `json:"tool_path"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	ReviewerID  string          `json:"reviewer_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Tool source types.
const (
	SourceOpenAPI = "openapi"
	SourceGraphQL = "graphql"
	SourceMCP     = "mcp"
)

// ToolSource is a registered origin from which tools are compiled.
// (workspace_id, name) is unique. Config is validated at compile time,
// not at row insert.
type ToolSource struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Enabled     bool            `json:"enabled"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Policy decisions.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionDeny            = "deny"
)

// AccessPolicy maps (actor?, client?, tool-path pattern) to a decision.
// Pattern supports "*" as a greedy wildcard.
type AccessPolicy struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	Pattern     string    `json:"pattern"`
	Decision    string    `json:"decision"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// Credential scopes and providers.
const (
	CredScopeWorkspace = "workspace"
	CredScopeActor     = "actor"

	CredProviderManaged = "managed"
	CredProviderVault   = "workos-vault"
)

// Credential stores a secret payload for a tool source key. For actor scope
// ActorID must be present. Uniqueness on (workspace, source_key, scope, actor).
type Credential struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	SourceKey   string    `json:"source_key"`
	Scope       string    `json:"scope"`
	ActorID     string    `json:"actor_id,omitempty"`
	Provider    string    `json:"provider"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event categories.
const (
	EventCategoryTask     = "task"
	EventCategoryApproval = "approval"
)

// Event is one entry in the append-only per-task event log. Seq is strictly
// increasing within a task.
type Event struct {
	Seq         int64           `json:"seq"`
	TaskID      string          `json:"task_id"`
	WorkspaceID string          `json:"workspace_id"`
	Category    string          `json:"category"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SpecCacheEntry is the metadata row of the content-addressed prepared-spec
// cache. The serialized spec lives in a blob referenced by BlobID.
type SpecCacheEntry struct {
	SpecURL       string    `json:"spec_url"`
	SchemaVersion string    `json:"schema_version"`
	BlobID        string    `json:"blob_id"`
	SizeBytes     int64     `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolCacheEntry is the metadata row of the workspace tool cache. The stripped
// compiled snapshot lives in SnapshotBlobID; large typedef blobs per source in
// DTSBlobIDs.
type ToolCacheEntry struct {
	WorkspaceID    string            `json:"workspace_id"`
	Signature      string            `json:"signature"`
	SnapshotBlobID string            `json:"snapshot_blob_id"`
	DTSBlobIDs     map[string]string `json:"dts_blob_ids,omitempty"` // source key → blob id
	CreatedAt      time.Time         `json:"created_at"`
}
