// Package conversations is the kernel's conversation memory: idempotent
// session tracking, message persistence, and threshold-driven topic
// summarization via the job queue.
package conversations

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/interfaces"
	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

const (
	defaultSummaryEveryMessages = 20
	defaultSummaryEvery         = 30 * time.Minute
)

// StartRequest is the bus payload for conversation:start.
type StartRequest struct {
	SessionID     string `json:"session_id"`
	InterfaceType string `json:"interface_type"`
}

// AddMessageRequest is the bus payload for conversation:addMessage.
type AddMessageRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Role           models.ChatRole        `json:"role"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Service implements the ConversationService interface.
type Service struct {
	storage interfaces.ConversationStorage
	queue   interfaces.JobQueue
	clock   common.Clock
	logger  arbor.ILogger

	summaryEveryMessages int
	summaryEvery         time.Duration
}

// NewService creates the conversation service. The clock drives
// activity stamps and the elapsed-time summary threshold; nil means
// wall time.
func NewService(
	config *common.ConversationConfig,
	storage interfaces.ConversationStorage,
	queue interfaces.JobQueue,
	clock common.Clock,
	logger arbor.ILogger,
) *Service {
	everyMessages := config.SummaryEveryMessages
	if everyMessages <= 0 {
		everyMessages = defaultSummaryEveryMessages
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &Service{
		storage:              storage,
		queue:                queue,
		clock:                clock,
		logger:               logger,
		summaryEveryMessages: everyMessages,
		summaryEvery:         common.ParseDuration(config.SummaryEvery, defaultSummaryEvery),
	}
}

// StartConversation creates or refreshes a conversation. The ID is
// deterministic, so repeated starts for the same session return the
// same conversation.
func (s *Service) StartConversation(ctx context.Context, sessionID, interfaceType string) (*models.Conversation, error) {
	if sessionID == "" || interfaceType == "" {
		return nil, kernelerr.Validation("session ID and interface type are required", nil)
	}

	id := models.ConversationID(interfaceType, sessionID)
	existing, err := s.storage.GetConversation(ctx, id)
	if err == nil {
		existing.LastActive = s.clock.Now()
		if err := s.storage.SaveConversation(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !kernelerr.IsKind(err, kernelerr.KindNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	conversation := &models.Conversation{
		ID:            id,
		InterfaceType: interfaceType,
		Started:       now,
		LastActive:    now,
	}
	if err := s.storage.SaveConversation(ctx, conversation); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("conversation", id).
		Str("interface_type", interfaceType).
		Msg("Conversation started")
	return conversation, nil
}

// AddMessage persists a message and checks the summarization
// thresholds. Threshold crossings enqueue a conversation-topic job;
// the write itself never waits on summarization.
func (s *Service) AddMessage(ctx context.Context, conversationID string, role models.ChatRole, content string, metadata map[string]interface{}) error {
	if content == "" {
		return kernelerr.Validation("message content is required", nil)
	}

	conversation, err := s.storage.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.storage.AppendMessage(ctx, &models.ChatMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
		Metadata:       metadata,
	}); err != nil {
		return err
	}

	conversation.LastActive = now
	if err := s.storage.SaveConversation(ctx, conversation); err != nil {
		return err
	}

	return s.checkThresholds(ctx, conversationID, now)
}

func (s *Service) GetMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	if _, err := s.storage.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.storage.GetMessages(ctx, conversationID, limit)
}

// checkThresholds advances the summary counter and enqueues a topic job
// when either the message count or the elapsed time crosses its limit.
func (s *Service) checkThresholds(ctx context.Context, conversationID string, now time.Time) error {
	tracking, err := s.storage.GetSummaryTracking(ctx, conversationID)
	if err != nil {
		return err
	}
	tracking.ConversationID = conversationID
	tracking.MessagesSinceLast++
	if tracking.LastSummarizedAt.IsZero() {
		// First message starts the clock; nothing to summarize yet.
		tracking.LastSummarizedAt = now
	}

	due := tracking.MessagesSinceLast >= s.summaryEveryMessages ||
		now.Sub(tracking.LastSummarizedAt) >= s.summaryEvery
	if due {
		if _, err := s.queue.Enqueue(ctx, models.JobTypeConversationTopic, map[string]interface{}{
			"conversation_id": conversationID,
		}, nil); err != nil {
			// Persisting the message matters more than the summary; the
			// next threshold crossing tries again.
			s.logger.Warn().Err(err).
				Str("conversation", conversationID).
				Msg("Failed to enqueue topic job")
		} else {
			tracking.MessagesSinceLast = 0
			tracking.LastSummarizedAt = now
		}
	}

	return s.storage.SaveSummaryTracking(ctx, tracking)
}

// RegisterBusHandlers wires conversation:start and
// conversation:addMessage so interface plugins can drive conversations
// over the bus.
func (s *Service) RegisterBusHandlers(busService interfaces.MessageBus) {
	busService.Subscribe(models.TopicConversationStart, func(ctx context.Context, msg *models.Message) (models.Response, error) {
		request, ok := msg.Payload.(*StartRequest)
		if !ok {
			return models.Response{}, kernelerr.Validation(
				fmt.Sprintf("conversation:start expects a StartRequest, got %T", msg.Payload), nil)
		}
		conversation, err := s.StartConversation(ctx, request.SessionID, request.InterfaceType)
		if err != nil {
			return models.Response{}, err
		}
		return models.Response{Success: true, Data: conversation}, nil
	}, nil)

	busService.Subscribe(models.TopicConversationAddMessage, func(ctx context.Context, msg *models.Message) (models.Response, error) {
		request, ok := msg.Payload.(*AddMessageRequest)
		if !ok {
			return models.Response{}, kernelerr.Validation(
				fmt.Sprintf("conversation:addMessage expects an AddMessageRequest, got %T", msg.Payload), nil)
		}
		if err := s.AddMessage(ctx, request.ConversationID, request.Role, request.Content, request.Metadata); err != nil {
			return models.Response{}, err
		}
		return models.Response{Success: true}, nil
	}, nil)
}
