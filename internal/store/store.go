// Package store persists messages, notifications and preferences.
//
// Two implementations exist: Memory, used for tests and single-process
// development, and SQL (gorm), used in production. Both evaluate the same
// folder.Filter definitions.
package store

import (
	"context"
	"time"

	"github.com/classifieds-hub/mailbox/internal/folder"
	"github.com/classifieds-hub/mailbox/internal/model"
)

// DiscardResult is the outcome of a per-party delete.
type DiscardResult struct {
	// Message is the state after the discard. For a purge it is the last
	// stored state, so callers can release attachment blobs.
	Message *model.Message
	// Purged is true when the message was physically removed.
	Purged bool
	// AlreadyDiscarded is true when the user had discarded it before.
	AlreadyDiscarded bool
}

// MessageStore is the mailbox store.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// UpdateDraft replaces recipient, subject, content and attachments of a draft.
	UpdateDraft(ctx context.Context, msg *model.Message) error
	// RemoveMessage hard deletes a message regardless of deletion state.
	RemoveMessage(ctx context.Context, id string) error

	FindMessages(ctx context.Context, f folder.Filter, page model.PageRequest) ([]model.Message, int64, error)
	SearchMessages(ctx context.Context, f folder.Filter, limit int) ([]model.Message, error)
	// ParticipantMessages returns non-draft messages of user not discarded by user, oldest first.
	ParticipantMessages(ctx context.Context, user string) ([]model.Message, error)
	// ConversationMessages returns the non-draft messages between user and
	// counterpart that user has not discarded, oldest first.
	ConversationMessages(ctx context.Context, user, counterpart string) ([]model.Message, error)
	CountUnreadMessages(ctx context.Context, user string) (int64, error)
	// AttachmentReferences returns the ids of every stored message, drafts
	// included, that references locator.
	AttachmentReferences(ctx context.Context, locator string) ([]string, error)

	// MarkRead sets read=true and reports whether the flag changed.
	MarkRead(ctx context.Context, id string) (bool, error)
	// MarkConversationRead flips every unread message from sender to
	// recipient in one batch and returns the ids it changed.
	MarkConversationRead(ctx context.Context, recipient, sender string) ([]string, error)
	// ToggleStar flips the shared starred flag and returns the new value.
	ToggleStar(ctx context.Context, id string) (bool, error)
	// Discard atomically adds user to deletedBy and purges the message once
	// every participant has discarded it.
	Discard(ctx context.Context, id, user string) (*DiscardResult, error)
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	ListNotifications(ctx context.Context, user string, req model.ListNotificationsRequest) ([]model.Notification, int64, error)
	CountUnreadNotifications(ctx context.Context, user string) (int64, error)
	// MarkNotificationRead reports whether the flag changed.
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, user string, at time.Time) (int64, error)
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context, user string) (int64, error)
	// PruneReadNotifications removes read notifications created before the cutoff.
	PruneReadNotifications(ctx context.Context, before time.Time) (int64, error)
}

// PreferenceStore persists notification and conversation preferences.
type PreferenceStore interface {
	// GetNotificationPreferences returns defaults when nothing was saved.
	GetNotificationPreferences(ctx context.Context, user string) (model.NotificationPreferences, error)
	SaveNotificationPreferences(ctx context.Context, prefs model.NotificationPreferences) error
	// GetConversationPreference returns a zero preference when nothing was saved.
	GetConversationPreference(ctx context.Context, user, counterpart string) (model.ConversationPreference, error)
	ListConversationPreferences(ctx context.Context, user string) (map[string]model.ConversationPreference, error)
	SaveConversationPreference(ctx context.Context, pref model.ConversationPreference) error
}

// Store bundles every persistence concern.
type Store interface {
	MessageStore
	NotificationStore
	PreferenceStore

	Ping(ctx context.Context) error
	Close() error
}
