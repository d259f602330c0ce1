package model

import (
	"time"
)

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Counterpart   string       `json:"counterpart"`
	LastMessage   *LastMessage `json:"last_message"`
	LastMessageAt time.Time    `json:"last_message_at"`
	UnreadCount   int          `json:"unread_count"`
	MessageCount  int          `json:"message_count"`
	Starred       bool         `json:"starred"`
	Archived      bool         `json:"archived"`
}

// LastMessage is the preview of the newest message in a conversation.
type LastMessage struct {
	ID              string    `json:"id"`
	Preview         string    `json:"preview"`
	HasAttachments  bool      `json:"has_attachments"`
	AttachmentCount int       `json:"attachment_count"`
	FromMe          bool      `json:"from_me"`
	CreatedAt       time.Time `json:"created_at"`
}

// DayGroup holds the messages of one calendar day, oldest first.
type DayGroup struct {
	Date     string    `json:"date"`
	Messages []Message `json:"messages"`
}

// ConversationThread is an opened conversation.
type ConversationThread struct {
	Counterpart string     `json:"counterpart"`
	Days        []DayGroup `json:"days"`
	MarkedRead  int        `json:"marked_read"`
	Starred     bool       `json:"starred"`
	Archived    bool       `json:"archived"`
}

// ConversationPreference stores conversation-level flags for one side of a pair.
type ConversationPreference struct {
	UserID      string    `json:"user_id"`
	Counterpart string    `json:"counterpart"`
	Starred     bool      `json:"starred"`
	Archived    bool      `json:"archived"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationPreferenceUpdate changes only the fields that are set.
type ConversationPreferenceUpdate struct {
	Starred  *bool `json:"starred,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}

// ListConversationsRequest filters the conversation list.
type ListConversationsRequest struct {
	// Archived selects archived (true) or active (false) conversations; nil returns both.
	Archived *bool
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ReplyRequest sends a message inside a conversation.
type ReplyRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
