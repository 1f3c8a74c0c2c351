package models

// Frame is one line of the NDJSON turn stream. Exactly one frame of a turn
// carries FinishReason or Error; earlier frames carry only Delta and ids.
//
// On the terminal frame MessageID is the persisted assistant reply and
// UserMessageID the persisted user message. Attachments referenced by the
// turn are bound to UserMessageID.
type Frame struct {
	Delta         string  `json:"delta"`
	FinishReason  *string `json:"finish_reason"`
	SessionID     string  `json:"sessionId,omitempty"`
	TurnID        string  `json:"turnId,omitempty"`
	Message       *string `json:"message,omitempty"`
	Model         string  `json:"model,omitempty"`
	Error         string  `json:"error,omitempty"`
	MessageID     string  `json:"messageId,omitempty"`
	UserMessageID string  `json:"userMessageId,omitempty"`
	Title         string  `json:"title,omitempty"`
	Usage         *Usage  `json:"usage,omitempty"`
}

// Terminal reports whether f ends the stream.
func (f *Frame) Terminal() bool {
	return f.FinishReason != nil || f.Error != ""
}
