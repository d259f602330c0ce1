// Package events defines the internal events the API layer publishes after a
// successful mutation and the push layer subscribes to.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/classifieds-hub/mailbox/internal/model"
)

// Kind identifies an event variant.
type Kind string

const (
	KindMessageSent             Kind = "message_sent"
	KindMessageRead             Kind = "message_read"
	KindMessageStarred          Kind = "message_starred"
	KindMessageDeleted          Kind = "message_deleted"
	KindNotificationCreated     Kind = "notification_created"
	KindNotificationRead        Kind = "notification_read"
	KindNotificationsAllRead    Kind = "notifications_all_read"
	KindNotificationDeleted     Kind = "notification_deleted"
	KindNotificationsDeletedAll Kind = "notifications_deleted_all"
)

// Event is one of the variants below.
type Event interface {
	Kind() Kind
	// Audience lists the users whose sessions receive the event.
	Audience() []string
}

// MessageSent is published when a non-draft message is persisted.
type MessageSent struct {
	Message model.Message `json:"message"`
}

func (MessageSent) Kind() Kind { return KindMessageSent }

func (e MessageSent) Audience() []string {
	return unique(e.Message.Sender, e.Message.Recipient)
}

// MessageRead is published when messages from Sender were read by Reader.
type MessageRead struct {
	Reader string   `json:"reader"`
	Sender string   `json:"sender"`
	IDs    []string `json:"ids"`
}

func (MessageRead) Kind() Kind { return KindMessageRead }

func (e MessageRead) Audience() []string { return unique(e.Reader, e.Sender) }

// MessageStarred is published when the shared starred flag flips.
type MessageStarred struct {
	ID           string   `json:"id"`
	Starred      bool     `json:"starred"`
	Participants []string `json:"participants"`
}

func (MessageStarred) Kind() Kind { return KindMessageStarred }

func (e MessageStarred) Audience() []string { return unique(e.Participants...) }

// MessageDeleted is published when UserID discards a message.
type MessageDeleted struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Purged bool   `json:"purged"`
}

func (MessageDeleted) Kind() Kind { return KindMessageDeleted }

func (e MessageDeleted) Audience() []string { return []string{e.UserID} }

// NotificationCreated is published after a notification is stored.
type NotificationCreated struct {
	Notification model.Notification `json:"notification"`
}

func (NotificationCreated) Kind() Kind { return KindNotificationCreated }

func (e NotificationCreated) Audience() []string { return []string{e.Notification.UserID} }

// NotificationRead is published when one notification flips to read.
type NotificationRead struct {
	UserID string    `json:"user_id"`
	ID     string    `json:"id"`
	ReadAt time.Time `json:"read_at"`
}

func (NotificationRead) Kind() Kind { return KindNotificationRead }

func (e NotificationRead) Audience() []string { return []string{e.UserID} }

// NotificationsAllRead is published after a bulk mark-read.
type NotificationsAllRead struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

func (NotificationsAllRead) Kind() Kind { return KindNotificationsAllRead }

func (e NotificationsAllRead) Audience() []string { return []string{e.UserID} }

// NotificationDeleted is published after a single notification is removed.
type NotificationDeleted struct {
	UserID    string `json:"user_id"`
	ID        string `json:"id"`
	WasUnread bool   `json:"was_unread"`
}

func (NotificationDeleted) Kind() Kind { return KindNotificationDeleted }

func (e NotificationDeleted) Audience() []string { return []string{e.UserID} }

// NotificationsDeletedAll is published after every notification of UserID is removed.
type NotificationsDeletedAll struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

func (NotificationsDeletedAll) Kind() Kind { return KindNotificationsDeletedAll }

func (e NotificationsDeletedAll) Audience() []string { return []string{e.UserID} }

func unique(users ...string) []string {
	out := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an event with its kind so Decode can restore the variant.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// Decode restores an event produced by Encode.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindMessageSent:
		e, err = decodeAs[MessageSent](env.Data)
	case KindMessageRead:
		e, err = decodeAs[MessageRead](env.Data)
	case KindMessageStarred:
		e, err = decodeAs[MessageStarred](env.Data)
	case KindMessageDeleted:
		e, err = decodeAs[MessageDeleted](env.Data)
	case KindNotificationCreated:
		e, err = decodeAs[NotificationCreated](env.Data)
	case KindNotificationRead:
		e, err = decodeAs[NotificationRead](env.Data)
	case KindNotificationsAllRead:
		e, err = decodeAs[NotificationsAllRead](env.Data)
	case KindNotificationDeleted:
		e, err = decodeAs[NotificationDeleted](env.Data)
	case KindNotificationsDeletedAll:
		e, err = decodeAs[NotificationsDeletedAll](env.Data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", env.Kind, err)
	}
	return e, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
