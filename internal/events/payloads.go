package events

import (
	"encoding/json"
	"time"
)

// Event type names. Task events follow task.<status>; tool call events follow
// tool.call.<phase>.
const (
	TypeTaskCreated  = "task.created"
	TypeTaskQueued   = "task.queued"
	TypeTaskRunning  = "task.running"
	TypeTaskStdout   = "task.stdout"
	TypeTaskStderr   = "task.stderr"
	TypeTaskComplete = "task.completed"
	TypeTaskFailed   = "task.failed"
	TypeTaskTimedOut = "task.timed_out"
	TypeTaskDenied   = "task.denied"

	TypeToolCallStarted   = "tool.call.started"
	TypeToolCallCompleted = "tool.call.completed"
	TypeToolCallFailed    = "tool.call.failed"
	TypeToolCallDenied    = "tool.call.denied"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"
)

// TaskCreatedPayload is the payload of task.created.
type TaskCreatedPayload struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	RuntimeID string    `json:"runtimeId"`
	TimeoutMs int       `json:"timeoutMs"`
	Workspace string    `json:"workspace"`
	Actor     string    `json:"actor"`
	Client    string    `json:"client,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TaskStatusPayload is the payload of task.queued, task.running, and the
// terminal task events.
type TaskStatusPayload struct {
	TaskID      string     `json:"taskId"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// OutputPayload is the payload of task.stdout and task.stderr.
type OutputPayload struct {
	TaskID    string    `json:"taskId"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallPayload is the payload of the tool.call.* events.
type ToolCallPayload struct {
	TaskID     string          `json:"taskId"`
	CallID     string          `json:"callId"`
	ToolPath   string          `json:"toolPath"`
	Approval   string          `json:"approval,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ApprovalID string          `json:"approvalId,omitempty"`
}

// ApprovalPayload is the payload of approval.requested and approval.resolved.
type ApprovalPayload struct {
	ApprovalID string          `json:"approvalId"`
	TaskID     string          `json:"taskId"`
	ToolPath   string          `json:"toolPath"`
	Input      json.RawMessage `json:"input,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	ReviewerID string          `json:"reviewerId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  *time.Time      `json:"createdAt,omitempty"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}
