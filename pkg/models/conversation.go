package models

import (
	"encoding/json"
	"time"
)

// Conversation is a stable, titled thread owning an ordered sequence of
// Messages and at most one RollingSummary.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentBlockType discriminates the provider-neutral content block
// variants carried in a Message.
type ContentBlockType string

const (
	ContentBlockText       ContentBlockType = "text"
	ContentBlockToolUse    ContentBlockType = "tool_use"
	ContentBlockToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one provider-neutral block of message content. Only the
// fields matching Type are populated; the rest are left zero.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// Text holds the delta/body for a "text" block.
	Text string `json:"text,omitempty"`

	// ToolUseID, ToolName, and ToolInput populate a "tool_use" block.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// ToolResultFor and ToolResultContent populate a "tool_result" block.
	// ToolResultFor references the tool_use block's ToolUseID.
	ToolResultFor     string `json:"tool_result_for,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`
}

// RollingSummary covers the oldest MessagesCovered messages of a
// Conversation. Together with the recent-window messages that follow it,
// it forms a valid substitute context.
type RollingSummary struct {
	ConversationID  string    `json:"conversation_id"`
	Text            string    `json:"text"`
	MessagesCovered int       `json:"messages_covered"`
	CreatedAt       time.Time `json:"created_at"`
}

// WorkItemKind enumerates the kinds of unified activity tracked by the
// Work Registry.
type WorkItemKind string

const (
	WorkItemAgentRun WorkItemKind = "agent_run"
	WorkItemPlan     WorkItemKind = "plan"
	WorkItemPlanStep WorkItemKind = "plan_step"
	WorkItemSubAgent WorkItemKind = "sub_agent"
	WorkItemTask     WorkItemKind = "task"
	WorkItemReminder WorkItemKind = "reminder"
)

// WorkItemStatus is the lifecycle state of a WorkItem. Completed, Failed,
// and Cancelled are terminal: once reached, a WorkItem's status is never
// overwritten.
type WorkItemStatus string

const (
	WorkItemPending   WorkItemStatus = "pending"
	WorkItemRunning   WorkItemStatus = "running"
	WorkItemCompleted WorkItemStatus = "completed"
	WorkItemFailed    WorkItemStatus = "failed"
	WorkItemCancelled WorkItemStatus = "cancelled"
)

// IsTerminal reports whether s is one of the terminal WorkItem states.
func (s WorkItemStatus) IsTerminal() bool {
	switch s {
	case WorkItemCompleted, WorkItemFailed, WorkItemCancelled:
		return true
	default:
		return false
	}
}

// WorkItem is one entry in the Work Registry's unified activity log.
// ParentID forms a forest: sub-steps and sub-agents reference the item
// that spawned them.
type WorkItem struct {
	ID             string         `json:"id"`
	Kind           WorkItemKind   `json:"kind"`
	Title          string         `json:"title"`
	Status         WorkItemStatus `json:"status"`
	ParentID       string         `json:"parent_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a background Task. Transitions are
// pending -> running -> {completed, failed, cancelled}; there are no
// back-transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of background work queued for the Task Queue.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    TaskStatus      `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
