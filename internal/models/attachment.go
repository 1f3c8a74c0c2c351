package models

import "time"

// Attachment is an uploaded binary. ConversationID and MessageID stay nil
// until the turn that referenced it completes.
type Attachment struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	FileName       string    `json:"file_name"`
	StorageKey     string    `json:"storage_key"`
	DeclaredMIME   string    `json:"declared_mime"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	ConversationID *string   `json:"conversation_id"`
	MessageID      *string   `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Bound reports whether the attachment has been linked to a message.
func (a *Attachment) Bound() bool {
	return a != nil && a.MessageID != nil && *a.MessageID != ""
}

// AttachmentRef is the lightweight view embedded in message listings.
type AttachmentRef struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime"`
	Size     int64  `json:"sizeBytes"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// AttachmentURL is the retrieval path served for an attachment id.
func AttachmentURL(id string) string {
	return "/api/files/" + id
}
