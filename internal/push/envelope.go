// Package push delivers events to connected websocket sessions.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
)

// Server to client event names.
const (
	EventConnected               = "connected"
	EventNewNotification         = "new_notification"
	EventNotificationUpdated     = "notification_updated"
	EventAllNotificationsRead    = "all_notifications_read"
	EventNotificationDeleted     = "notification_deleted"
	EventNotificationsDeletedAll = "notification:deleted-all"
	EventNewMessage              = "new_message"
	EventMessagesRead            = "messages_read"
	EventMessageUpdated          = "message_updated"
	EventMessageDeleted          = "message_deleted"
)

// Client to server event names.
const (
	EventMarkNotificationRead = "mark_notification_read"
	EventMarkAllRead          = "mark_all_read"
)

// Envelope is the frame exchanged on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload is sent once after the session is registered.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// IDPayload carries a single entity id.
type IDPayload struct {
	ID string `json:"id"`
}

// NotificationDeletedPayload is the data of notification_deleted. WasUnread
// lets clients fix their counter for notifications they never loaded.
type NotificationDeletedPayload struct {
	ID        string `json:"id"`
	WasUnread bool   `json:"was_unread,omitempty"`
}

// NotificationChanges lists the fields that changed on a notification.
type NotificationChanges struct {
	IsRead *bool      `json:"is_read,omitempty"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// NotificationUpdatedPayload is the data of notification_updated.
type NotificationUpdatedPayload struct {
	ID      string              `json:"id"`
	Changes NotificationChanges `json:"changes"`
}

// NewMessagePayload is the data of new_message.
type NewMessagePayload struct {
	Message model.Message `json:"message"`
}

// MessagesReadPayload is the data of messages_read.
type MessagesReadPayload struct {
	IDs    []string `json:"ids"`
	Reader string   `json:"reader"`
}

// MessageChanges lists the fields that changed on a message.
type MessageChanges struct {
	Starred *bool `json:"starred,omitempty"`
}

// MessageUpdatedPayload is the data of message_updated.
type MessageUpdatedPayload struct {
	ID      string         `json:"id"`
	Changes MessageChanges `json:"changes"`
}

// MessageDeletedPayload is the data of message_deleted.
type MessageDeletedPayload struct {
	ID     string `json:"id"`
	Purged bool   `json:"purged"`
}

// NewEnvelope builds an envelope. data may be nil.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// Translate maps an internal event to the envelope sessions receive.
func Translate(e events.Event) (Envelope, error) {
	switch ev := e.(type) {
	case events.NotificationCreated:
		return NewEnvelope(EventNewNotification, ev.Notification)
	case events.NotificationRead:
		read := true
		at := ev.ReadAt
		return NewEnvelope(EventNotificationUpdated, NotificationUpdatedPayload{
			ID:      ev.ID,
			Changes: NotificationChanges{IsRead: &read, ReadAt: &at},
		})
	case events.NotificationsAllRead:
		return NewEnvelope(EventAllNotificationsRead, nil)
	case events.NotificationDeleted:
		return NewEnvelope(EventNotificationDeleted, NotificationDeletedPayload{ID: ev.ID, WasUnread: ev.WasUnread})
	case events.NotificationsDeletedAll:
		return NewEnvelope(EventNotificationsDeletedAll, nil)
	case events.MessageSent:
		return NewEnvelope(EventNewMessage, NewMessagePayload{Message: ev.Message})
	case events.MessageRead:
		return NewEnvelope(EventMessagesRead, MessagesReadPayload{IDs: ev.IDs, Reader: ev.Reader})
	case events.MessageStarred:
		starred := ev.Starred
		return NewEnvelope(EventMessageUpdated, MessageUpdatedPayload{
			ID:      ev.ID,
			Changes: MessageChanges{Starred: &starred},
		})
	case events.MessageDeleted:
		return NewEnvelope(EventMessageDeleted, MessageDeletedPayload{ID: ev.ID, Purged: ev.Purged})
	default:
		return Envelope{}, fmt.Errorf("no push event for %s", e.Kind())
	}
}
