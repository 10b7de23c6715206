package models

import (
	"fmt"
	"time"
)

// ChatRole is the author role of a conversation message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// Conversation is one interface session. The ID is deterministic so
// StartConversation is idempotent.
type Conversation struct {
	ID            string                 `json:"id"` // "<interfaceType>-<channelID>"
	InterfaceType string                 `json:"interface_type"`
	Started       time.Time              `json:"started"`
	LastActive    time.Time              `json:"last_active"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationID builds the deterministic conversation ID.
func ConversationID(interfaceType, channelID string) string {
	return fmt.Sprintf("%s-%s", interfaceType, channelID)
}

// ChatMessage is one message within a conversation.
type ChatMessage struct {
	ConversationID string                 `json:"conversation_id"`
	Role           ChatRole               `json:"role"`
	Content        string                 `json:"content"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// SummaryTracking counts messages since the last topic summarization so
// the threshold check is O(1) per AddMessage.
type SummaryTracking struct {
	ConversationID    string    `json:"conversation_id"`
	MessagesSinceLast int       `json:"messages_since_last"`
	LastSummarizedAt  time.Time `json:"last_summarized_at"`
	// Offset of the first message not yet covered by a summary window.
	NextWindowStart int `json:"next_window_start"`
}
