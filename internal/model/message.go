// Package model defines data structures for the mailbox engine.
package model

import (
	"time"
)

// Attachment is a reference to a blob held by the attachment store.
// The mailbox never stores attachment bytes itself.
type Attachment struct {
	Name     string `json:"name"`
	Locator  string `json:"locator"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Message is a two-party mailbox message.
type Message struct {
	// Identity
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Content
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Flags
	Read    bool `json:"read"`
	Starred bool `json:"starred"`
	Draft   bool `json:"draft"`

	// Per-party deletion. DeletedBy is a set; order carries no meaning.
	Deleted   bool     `json:"deleted"`
	DeletedBy []string `json:"deleted_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsParticipant reports whether user sent or received the message.
func (m *Message) IsParticipant(user string) bool {
	return m.Sender == user || m.Recipient == user
}

// IsSelfMessage reports whether sender and recipient are the same identity.
func (m *Message) IsSelfMessage() bool {
	return m.Sender == m.Recipient
}

// DiscardedBy reports whether user has moved the message to their trash.
func (m *Message) DiscardedBy(user string) bool {
	for _, u := range m.DeletedBy {
		if u == user {
			return true
		}
	}
	return false
}

// PurgeEligible reports whether every participant has discarded the message.
// Drafts are only ever visible to their author, so the author alone suffices.
func (m *Message) PurgeEligible() bool {
	if m.Draft || m.IsSelfMessage() {
		return m.DiscardedBy(m.Sender)
	}
	return m.DiscardedBy(m.Sender) && m.DiscardedBy(m.Recipient)
}

// Counterpart returns the other participant as seen by user.
func (m *Message) Counterpart(user string) string {
	if m.Sender == user {
		return m.Recipient
	}
	return m.Sender
}

// Clone returns a deep copy so callers never share slices with a store.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.DeletedBy != nil {
		c.DeletedBy = append([]string(nil), m.DeletedBy...)
	}
	return &c
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Recipient   string       `json:"recipient"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DraftRequest creates or edits a draft. Every field may be empty.
type DraftRequest struct {
	Recipient   string       `json:"recipient"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	ID      string   `json:"id"`
	Message *Message `json:"message,omitempty"`
}

// DeleteStatus is the outcome of a delete action.
type DeleteStatus string

const (
	DeleteStatusTrashed DeleteStatus = "trashed"
	DeleteStatusPurged  DeleteStatus = "purged"
)

// DeleteResult is returned by a delete action.
type DeleteResult struct {
	Status DeleteStatus `json:"status"`
}

// StarResult is returned by a star toggle.
type StarResult struct {
	Starred bool `json:"starred"`
}
