package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one stored entry of a conversation.
type Message struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ConversationID   string          `json:"conversation_id"`
	Role             Role            `json:"role"`
	Content          string          `json:"content"`
	Model            string          `json:"model,omitempty"`
	PromptTokens     int             `json:"prompt_tokens,omitempty"`
	CompletionTokens int             `json:"completion_tokens,omitempty"`
	Attachments      []AttachmentRef `json:"attachments,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Usage carries upstream token counters for one reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
