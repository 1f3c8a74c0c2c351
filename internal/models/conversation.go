package models

import "time"

// Conversation groups an ordered sequence of messages owned by one user.
// Messages reference it by ID only.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
