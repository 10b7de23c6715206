package interfaces

import (
	"context"

	"github.com/ternarybob/cerebrum/internal/models"
)

// ConversationService is the kernel's conversation memory. Message
// writes check summarization thresholds and enqueue topic jobs
// asynchronously; reads never trigger work.
type ConversationService interface {
	// StartConversation is idempotent: the session ID is the
	// conversation ID.
	StartConversation(ctx context.Context, sessionID, interfaceType string) (*models.Conversation, error)
	AddMessage(ctx context.Context, conversationID string, role models.ChatRole, content string, metadata map[string]interface{}) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
}
