// Package store implements the Store contract: conversations, messages,
// rolling summaries, tasks, and work items, backed by sqlite.
package store

import (
	"context"
	"time"

	"github.com/kestrelai/core/pkg/models"
)

// Store is the single persistence boundary for the runtime. Every method
// fails with a TransientStoreError (retriable) or a PermanentStoreError
// (bad data shape); callers never recover mid-turn from a permanent error,
// they surface it.
type Store interface {
	// Conversations

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversationAndMessages(ctx context.Context, id string) error

	// Messages

	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// Rolling summary — at most one per conversation.

	GetSummary(ctx context.Context, conversationID string) (*models.RollingSummary, error)
	SaveSummary(ctx context.Context, summary *models.RollingSummary) error

	// Tasks

	CreateTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, error)

	// Work items

	UpsertWorkItem(ctx context.Context, item *models.WorkItem) error
	UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkItemStatus) error
	ListWorkItems(ctx context.Context, opts ListWorkItemsOptions) ([]*models.WorkItem, error)

	// Usage aggregates and health.

	UsageSummary(ctx context.Context, since time.Time) (UsageSummary, error)
	Ping(ctx context.Context) error

	Close() error
}

// ListTasksOptions filters ListTasks.
type ListTasksOptions struct {
	Status *models.TaskStatus
	Limit  int
	Offset int
}

// ListWorkItemsOptions filters ListWorkItems.
type ListWorkItemsOptions struct {
	Kind           models.WorkItemKind
	Status         models.WorkItemStatus
	ConversationID string
	ParentID       string
	Since          time.Time
	Limit          int
	Offset         int
}

// UsageSummary aggregates token and message counts, used for the raw-query
// health check and any operator-facing usage reporting.
type UsageSummary struct {
	ConversationCount int
	MessageCount      int
	TokensIn          int64
	TokensOut         int64
}
