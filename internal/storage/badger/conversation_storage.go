package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// ConversationStorage implements the ConversationStorage interface for
// Badger
type ConversationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewConversationStorage creates a new ConversationStorage instance
func NewConversationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ConversationStorage {
	return &ConversationStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ConversationStorage) SaveConversation(ctx context.Context, conversation *models.Conversation) error {
	if conversation.ID == "" {
		return kernelerr.Validation("conversation ID is required", nil)
	}
	if conversation.Started.IsZero() {
		conversation.Started = time.Now()
	}
	if err := s.db.Store().Upsert(conversation.ID, conversation); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *ConversationStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := s.db.Store().Get(id, &conversation); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, kernelerr.NotFound(fmt.Sprintf("conversation not found: %s", id), nil)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conversation, nil
}

// messageKey orders messages chronologically per conversation.
func messageKey(conversationID string, ts time.Time) string {
	return fmt.Sprintf("%s:%020d", conversationID, ts.UnixNano())
}

func (s *ConversationStorage) AppendMessage(ctx context.Context, message *models.ChatMessage) error {
	if message.ConversationID == "" {
		return kernelerr.Validation("conversation ID is required", nil)
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	if err := s.db.Store().Insert(messageKey(message.ConversationID, message.Timestamp), message); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetMessages returns the newest messages in chronological order.
func (s *ConversationStorage) GetMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	query := badgerhold.Where("ConversationID").Eq(conversationID).SortBy("Timestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []models.ChatMessage
	if err := s.db.Store().Find(&messages, query); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	// Reverse back to chronological order
	result := make([]*models.ChatMessage, len(messages))
	for i := range messages {
		result[len(messages)-1-i] = &messages[i]
	}
	return result, nil
}

func (s *ConversationStorage) CountMessages(ctx context.Context, conversationID string) (int, error) {
	count, err := s.db.Store().Count(&models.ChatMessage{}, badgerhold.Where("ConversationID").Eq(conversationID))
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(count), nil
}

func (s *ConversationStorage) GetSummaryTracking(ctx context.Context, conversationID string) (*models.SummaryTracking, error) {
	var tracking models.SummaryTracking
	err := s.db.Store().Get("tracking:"+conversationID, &tracking)
	if err == badgerhold.ErrNotFound {
		return &models.SummaryTracking{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary tracking: %w", err)
	}
	return &tracking, nil
}

func (s *ConversationStorage) SaveSummaryTracking(ctx context.Context, tracking *models.SummaryTracking) error {
	if tracking.ConversationID == "" {
		return kernelerr.Validation("conversation ID is required", nil)
	}
	if err := s.db.Store().Upsert("tracking:"+tracking.ConversationID, tracking); err != nil {
		return fmt.Errorf("failed to save summary tracking: %w", err)
	}
	return nil
}
