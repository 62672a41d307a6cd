package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

const messageSelectFields = "message_id as id, conversation_id, role, content, thinking, " +
	"sources, status, job_id, created_at, updated_at"

// MessageStore implements interfaces.MessageStore using SurrealDB.
type MessageStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *surrealdb.DB, logger *common.Logger) *MessageStore {
	return &MessageStore{db: db, logger: logger}
}

func (s *MessageStore) Create(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()[:8]
	}
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusPending
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	sql := `UPSERT $rid SET
		message_id = $message_id, conversation_id = $conversation_id, role = $role,
		content = $content, thinking = $thinking, sources = $sources, status = $status,
		job_id = $job_id, created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("messages", msg.ID),
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"role":            msg.Role,
		"content":         msg.Content,
		"thinking":        msg.Thinking,
		"sources":         msg.Sources,
		"status":          msg.Status,
		"job_id":          msg.JobID,
		"created_at":      msg.CreatedAt,
		"updated_at":      msg.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	sql := "SELECT " + messageSelectFields + " FROM messages WHERE message_id = $id LIMIT 1"
	msgs, err := s.queryMessages(ctx, sql, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func (s *MessageStore) SetStatus(ctx context.Context, id, status string) error {
	sql := "UPDATE $rid SET status = $status, updated_at = $now"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("messages", id),
		"status": status,
		"now":    time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	return nil
}

func (s *MessageStore) SyncFromJob(ctx context.Context, job *models.Job) error {
	if job.MessageID == "" {
		return nil
	}

	sql := `UPDATE $rid SET content = $content, thinking = $thinking,
		sources = $sources, status = $status, updated_at = $now`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("messages", job.MessageID),
		"content":  job.Content,
		"thinking": job.Thinking,
		"sources":  job.Sources,
		"status":   job.Status,
		"now":      time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to sync message from job %s: %w", job.ID, err)
	}
	return nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	sql := "SELECT " + messageSelectFields + ` FROM messages WHERE conversation_id = $conv
		ORDER BY created_at ASC`
	return s.queryMessages(ctx, sql, map[string]any{"conv": conversationID})
}

func (s *MessageStore) queryMessages(ctx context.Context, sql string, vars map[string]any) ([]*models.Message, error) {
	results, err := surrealdb.Query[[]models.Message](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var msgs []*models.Message
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			msgs = append(msgs, &(*results)[0].Result[i])
		}
	}
	return msgs, nil
}

// Compile-time check
var _ interfaces.MessageStore = (*MessageStore)(nil)
