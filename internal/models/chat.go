// Package models defines the chat domain types shared across internal
// packages. Field tags match the remote service's JSON.
package models

import "strings"

// User is an account known to the client. Identity is immutable; the
// display attributes may change through a profile update.
type User struct {
	ID       int64   `json:"id"`
	Email    string  `json:"email"`
	FullName *string `json:"full_name"`
	IsActive bool    `json:"is_active"`
}

// DisplayName returns the full name, falling back to the email address.
func (u User) DisplayName() string {
	if u.FullName != nil && strings.TrimSpace(*u.FullName) != "" {
		return *u.FullName
	}

	if u.Email != "" {
		return u.Email
	}

	return "Unknown user"
}

// Conversation is a direct or group chat. MessageCount is only a hint
// used to seed unread counters when no better value is known.
type Conversation struct {
	ID           int64     `json:"id"`
	Name         *string   `json:"name"`
	IsGroup      bool      `json:"is_group"`
	Participants []User    `json:"participants,omitempty"`
	CreatedAt    Timestamp `json:"created_at"`
	MessageCount *int      `json:"message_count,omitempty"`
}

// Title returns the label shown for a conversation from the point of
// view of localUserID. Direct chats are named after the other participant.
func (c Conversation) Title(localUserID int64) string {
	if c.IsGroup {
		if c.Name != nil && *c.Name != "" {
			return *c.Name
		}

		return "Group"
	}

	for _, p := range c.Participants {
		if p.ID != localUserID {
			return p.DisplayName()
		}
	}

	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}

	return "Direct chat"
}

// Message is a single chat message. Seen is local-only state derived
// from read receipts and is never sent by the server.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"created_at"`
	Seen           bool      `json:"seen,omitempty"`
}

// ReadReceipt asserts that UserID has read ConversationID up to LastReadAt.
type ReadReceipt struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	LastReadAt     Timestamp `json:"last_read_at"`
}

// Notification is a transient alert for a message that arrived in a
// conversation other than the active one.
type Notification struct {
	ID             string    `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CreatedAt      Timestamp `json:"created_at"`
}
