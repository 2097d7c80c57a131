package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelai/core/pkg/models"
)

// SQLiteStore is the sqlite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if necessary) a sqlite database at path and applies
// any pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer, avoid SQLITE_BUSY under concurrent access

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	mig, err := newMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := mig.up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	if err != nil {
		return classify("ping", err)
	}
	return nil
}

// Conversations

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return classify("create_conversation", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	conv := &models.Conversation{}
	if err := row.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &PermanentStoreError{Op: "get_conversation", Cause: ErrNotFound}
		}
		return nil, classify("get_conversation", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("list_conversations", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, classify("list_conversations", err)
		}
		out = append(out, conv)
	}
	return out, classify("list_conversations", rows.Err())
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
	if err != nil {
		return classify("rename_conversation", err)
	}
	return requireRowsAffected("rename_conversation", res)
}

func (s *SQLiteStore) DeleteConversationAndMessages(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("delete_conversation_and_messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return classify("delete_conversation_and_messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rolling_summaries WHERE conversation_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return classify("delete_conversation_and_messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return classify("delete_conversation_and_messages", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("delete_conversation_and_messages", err)
	}
	return nil
}

// Messages

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	blocks, err := marshalOrNil(msg.Blocks)
	if err != nil {
		return &PermanentStoreError{Op: "append_message", Cause: err}
	}
	metadata, err := marshalOrNil(msg.Metadata)
	if err != nil {
		return &PermanentStoreError{Op: "append_message", Cause: err}
	}

	_, execErr := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, blocks, model_tag, tokens_in, tokens_out, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, msg.Role, msg.Content, blocks, msg.ModelTag, msg.TokensIn, msg.TokensOut, metadata, msg.CreatedAt.UTC())
	if execErr != nil {
		return classify("append_message", execErr)
	}

	_, touchErr := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), conversationID)
	if touchErr != nil {
		return classify("append_message", touchErr)
	}
	return nil
}

func (s *SQLiteStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, blocks, model_tag, tokens_in, tokens_out, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, classify("get_recent_messages", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify("get_recent_messages", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get_recent_messages", err)
	}

	// Reverse to chronological order (oldest first) — the query above reads
	// newest-first so LIMIT keeps the most recent N.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, classify("count_messages", err)
	}
	return count, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	msg := &models.Message{}
	var blocks, metadata sql.NullString
	if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &blocks,
		&msg.ModelTag, &msg.TokensIn, &msg.TokensOut, &metadata, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("unmarshal message blocks: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return msg, nil
}

// Rolling summary

func (s *SQLiteStore) GetSummary(ctx context.Context, conversationID string) (*models.RollingSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, text, messages_covered, created_at FROM rolling_summaries WHERE conversation_id = ?`, conversationID)
	summary := &models.RollingSummary{}
	if err := row.Scan(&summary.ConversationID, &summary.Text, &summary.MessagesCovered, &summary.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classify("get_summary", err)
	}
	return summary, nil
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, summary *models.RollingSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rolling_summaries (conversation_id, text, messages_covered, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET text = excluded.text, messages_covered = excluded.messages_covered, created_at = excluded.created_at`,
		summary.ConversationID, summary.Text, summary.MessagesCovered, summary.CreatedAt.UTC())
	if err != nil {
		return classify("save_summary", err)
	}
	return nil
}

// Tasks

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, payload, status, result, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, []byte(task.Payload), task.Status, task.Result, task.Error, task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return classify("create_task", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		task.Status, task.Result, task.Error, time.Now().UTC(), task.ID)
	if err != nil {
		return classify("update_task", err)
	}
	return requireRowsAffected("update_task", res)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*models.Task, error) {
	query := `SELECT id, type, payload, status, result, error, created_at, updated_at FROM tasks`
	var args []any
	if opts.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *opts.Status)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_tasks", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var payload sql.NullString
		if err := rows.Scan(&task.ID, &task.Type, &payload, &task.Status, &task.Result, &task.Error, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, classify("list_tasks", err)
		}
		if payload.Valid {
			task.Payload = json.RawMessage(payload.String)
		}
		out = append(out, task)
	}
	return out, classify("list_tasks", rows.Err())
}

// Work items

func (s *SQLiteStore) UpsertWorkItem(ctx context.Context, item *models.WorkItem) error {
	metadata, err := marshalOrNil(item.Metadata)
	if err != nil {
		return &PermanentStoreError{Op: "upsert_work_item", Cause: err}
	}

	_, execErr := s.db.ExecContext(ctx,
		`INSERT INTO work_items (id, kind, title, status, parent_id, conversation_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		item.ID, item.Kind, item.Title, item.Status, nullIfEmpty(item.ParentID), nullIfEmpty(item.ConversationID),
		metadata, item.CreatedAt.UTC(), item.UpdatedAt.UTC())
	if execErr != nil {
		return classify("upsert_work_item", execErr)
	}
	return nil
}

// UpdateWorkItemStatus updates a WorkItem's status, refusing to overwrite a
// terminal status per the WorkItem invariant (spec.md §3).
func (s *SQLiteStore) UpdateWorkItemStatus(ctx context.Context, id string, status models.WorkItemStatus) error {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM work_items WHERE id = ?`, id)
	var current models.WorkItemStatus
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &PermanentStoreError{Op: "update_work_item_status", Cause: ErrNotFound}
		}
		return classify("update_work_item_status", err)
	}
	if current.IsTerminal() {
		return &PermanentStoreError{Op: "update_work_item_status", Cause: fmt.Errorf("work item %s is already terminal (%s)", id, current)}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return classify("update_work_item_status", err)
	}
	return requireRowsAffected("update_work_item_status", res)
}

func (s *SQLiteStore) ListWorkItems(ctx context.Context, opts ListWorkItemsOptions) ([]*models.WorkItem, error) {
	query := `SELECT id, kind, title, status, parent_id, conversation_id, metadata, created_at, updated_at FROM work_items WHERE 1=1`
	var args []any
	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	if opts.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, opts.ConversationID)
	}
	if opts.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, opts.ParentID)
	}
	if !opts.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list_work_items", err)
	}
	defer rows.Close()

	var out []*models.WorkItem
	for rows.Next() {
		item := &models.WorkItem{}
		var parentID, conversationID, metadata sql.NullString
		if err := rows.Scan(&item.ID, &item.Kind, &item.Title, &item.Status, &parentID, &conversationID, &metadata, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, classify("list_work_items", err)
		}
		item.ParentID = parentID.String
		item.ConversationID = conversationID.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
				return nil, classify("list_work_items", err)
			}
		}
		out = append(out, item)
	}
	return out, classify("list_work_items", rows.Err())
}

// UsageSummary aggregates conversation/message counts and token totals.
func (s *SQLiteStore) UsageSummary(ctx context.Context, since time.Time) (UsageSummary, error) {
	var summary UsageSummary
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE created_at >= ?`, since.UTC())
	if err := row.Scan(&summary.ConversationCount); err != nil {
		return UsageSummary{}, classify("usage_summary", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0) FROM messages WHERE created_at >= ?`, since.UTC())
	if err := row.Scan(&summary.MessageCount, &summary.TokensIn, &summary.TokensOut); err != nil {
		return UsageSummary{}, classify("usage_summary", err)
	}
	return summary, nil
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []models.ContentBlock:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRowsAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return &PermanentStoreError{Op: op, Cause: ErrNotFound}
	}
	return nil
}
