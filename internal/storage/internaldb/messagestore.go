package internaldb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/interfaces"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

// MessageStore implements interfaces.MessageStore using BadgerHold.
type MessageStore struct {
	db     *badgerhold.Store
	logger *common.Logger
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *badgerhold.Store, logger *common.Logger) *MessageStore {
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

	if err := s.db.Insert(msg.ID, msg); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.Get(id, &msg); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *MessageStore) SetStatus(ctx context.Context, id, status string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found", id)
	}

	msg.Status = status
	msg.UpdatedAt = time.Now()
	if err := s.db.Update(msg.ID, msg); err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	return nil
}

func (s *MessageStore) SyncFromJob(ctx context.Context, job *models.Job) error {
	if job.MessageID == "" {
		return nil
	}

	msg, err := s.Get(ctx, job.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found for job %s", job.MessageID, job.ID)
	}

	msg.Content = job.Content
	msg.Thinking = job.Thinking
	msg.Sources = job.Sources
	msg.Status = job.Status
	msg.UpdatedAt = time.Now()

	if err := s.db.Update(msg.ID, msg); err != nil {
		return fmt.Errorf("failed to sync message from job %s: %w", job.ID, err)
	}
	return nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var msgs []models.Message
	if err := s.db.Find(&msgs, badgerhold.Where("ConversationID").Eq(conversationID)); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	refs := make([]*models.Message, len(msgs))
	for i := range msgs {
		refs[i] = &msgs[i]
	}
	return refs, nil
}

// Compile-time check
var _ interfaces.MessageStore = (*MessageStore)(nil)
