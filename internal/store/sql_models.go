package store

import (
	"time"

	"github.com/classifieds-hub/mailbox/internal/model"
)

type messageRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Sender    string    `gorm:"size:64;not null;index:idx_messages_sender"`
	Recipient string    `gorm:"size:64;not null;index:idx_messages_recipient"`
	Subject   string    `gorm:"size:255;not null"`
	Content   string    `gorm:"type:text;not null"`
	IsRead    bool      `gorm:"column:is_read;not null"`
	IsStarred bool      `gorm:"column:is_starred;not null"`
	IsDraft   bool      `gorm:"column:is_draft;not null"`
	IsDeleted bool      `gorm:"column:is_deleted;not null"`
	CreatedAt time.Time `gorm:"not null;index"`

	Attachments []attachmentRow `gorm:"foreignKey:MessageID"`
	Deletions   []deletionRow   `gorm:"foreignKey:MessageID"`
}

func (messageRow) TableName() string { return "messages" }

type attachmentRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:36;not null;index"`
	Position  int    `gorm:"not null"`
	Name      string `gorm:"size:255;not null"`
	Locator   string `gorm:"size:255;not null;index"`
	Size      int64  `gorm:"not null"`
	MimeType  string `gorm:"size:128;not null"`
}

func (attachmentRow) TableName() string { return "message_attachments" }

// deletionRow is one member of a message's deletedBy set. The composite
// primary key makes the insert an idempotent set-add.
type deletionRow struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"not null"`
}

func (deletionRow) TableName() string { return "message_deletions" }

type notificationRow struct {
	ID         string     `gorm:"primaryKey;size:36"`
	UserID     string     `gorm:"size:64;not null;index:idx_notifications_user"`
	Type       string     `gorm:"size:32;not null"`
	Title      string     `gorm:"size:255;not null"`
	Message    string     `gorm:"type:text;not null"`
	ActionURL  string     `gorm:"size:512"`
	ActionText string     `gorm:"size:128"`
	IsRead     bool       `gorm:"column:is_read;not null;index"`
	ReadAt     *time.Time
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (notificationRow) TableName() string { return "notifications" }

type notificationPrefRow struct {
	UserID  string `gorm:"primaryKey;size:64"`
	Listing bool   `gorm:"not null"`
	Message bool   `gorm:"not null"`
	Comment bool   `gorm:"not null"`
	Payment bool   `gorm:"not null"`
	Account bool   `gorm:"not null"`
}

func (notificationPrefRow) TableName() string { return "notification_preferences" }

type conversationPrefRow struct {
	UserID      string    `gorm:"primaryKey;size:64"`
	Counterpart string    `gorm:"primaryKey;size:64"`
	Starred     bool      `gorm:"not null"`
	Archived    bool      `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (conversationPrefRow) TableName() string { return "conversation_preferences" }

func newMessageRow(m *model.Message) *messageRow {
	row := &messageRow{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Content:   m.Content,
		IsRead:    m.Read,
		IsStarred: m.Starred,
		IsDraft:   m.Draft,
		IsDeleted: m.Deleted,
		CreatedAt: m.CreatedAt,
	}
	row.Attachments = newAttachmentRows(m.ID, m.Attachments)
	for _, u := range m.DeletedBy {
		row.Deletions = append(row.Deletions, deletionRow{MessageID: m.ID, UserID: u, CreatedAt: m.CreatedAt})
	}
	return row
}

func newAttachmentRows(messageID string, attachments []model.Attachment) []attachmentRow {
	rows := make([]attachmentRow, 0, len(attachments))
	for i, a := range attachments {
		rows = append(rows, attachmentRow{
			MessageID: messageID,
			Position:  i,
			Name:      a.Name,
			Locator:   a.Locator,
			Size:      a.Size,
			MimeType:  a.MimeType,
		})
	}
	return rows
}

func (r *messageRow) toModel() model.Message {
	m := model.Message{
		ID:        r.ID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Subject:   r.Subject,
		Content:   r.Content,
		Read:      r.IsRead,
		Starred:   r.IsStarred,
		Draft:     r.IsDraft,
		Deleted:   r.IsDeleted,
		CreatedAt: r.CreatedAt.UTC(),
	}
	for _, a := range r.Attachments {
		m.Attachments = append(m.Attachments, model.Attachment{
			Name:     a.Name,
			Locator:  a.Locator,
			Size:     a.Size,
			MimeType: a.MimeType,
		})
	}
	for _, d := range r.Deletions {
		m.DeletedBy = append(m.DeletedBy, d.UserID)
	}
	return m
}

func newNotificationRow(n *model.Notification) *notificationRow {
	return &notificationRow{
		ID:         n.ID,
		UserID:     n.UserID,
		Type:       string(n.Type),
		Title:      n.Title,
		Message:    n.Message,
		ActionURL:  n.ActionURL,
		ActionText: n.ActionText,
		IsRead:     n.IsRead,
		ReadAt:     n.ReadAt,
		CreatedAt:  n.CreatedAt,
	}
}

func (r *notificationRow) toModel() model.Notification {
	n := model.Notification{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       model.NotificationType(r.Type),
		Title:      r.Title,
		Message:    r.Message,
		ActionURL:  r.ActionURL,
		ActionText: r.ActionText,
		IsRead:     r.IsRead,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.ReadAt != nil {
		t := r.ReadAt.UTC()
		n.ReadAt = &t
	}
	return n
}
