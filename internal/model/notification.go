package model

import (
	"fmt"
	"time"
)

// NotificationType enumerates the user-facing events that produce a notification.
type NotificationType string

const (
	NotificationSystem  NotificationType = "system"
	NotificationListing NotificationType = "listing"
	NotificationMessage NotificationType = "message"
	NotificationComment NotificationType = "comment"
	NotificationPayment NotificationType = "payment"
	NotificationAccount NotificationType = "account"
)

// NotificationTypes lists every notification type in display order.
var NotificationTypes = []NotificationType{
	NotificationSystem,
	NotificationListing,
	NotificationMessage,
	NotificationComment,
	NotificationPayment,
	NotificationAccount,
}

// ParseNotificationType validates a wire value.
func ParseNotificationType(s string) (NotificationType, error) {
	for _, t := range NotificationTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", NewValidationError(fmt.Sprintf("unknown notification type %q", s))
}

// Notification is one user-facing event.
type Notification struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	ActionURL  string           `json:"action_url,omitempty"`
	ActionText string           `json:"action_text,omitempty"`
	IsRead     bool             `json:"is_read"`
	ReadAt     *time.Time       `json:"read_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NotificationAction is an optional call-to-action attached to a notification.
type NotificationAction struct {
	URL  string
	Text string
}

// UnreadCount is the badge shown to the user.
type UnreadCount struct {
	Notifications int64 `json:"notifications"`
	Messages      int64 `json:"messages"`
	Total         int64 `json:"total"`
}

// NewUnreadCount builds an UnreadCount with a consistent total.
func NewUnreadCount(notifications, messages int64) UnreadCount {
	return UnreadCount{
		Notifications: notifications,
		Messages:      messages,
		Total:         notifications + messages,
	}
}

// NotificationPreferences holds one delivery switch per notification type.
type NotificationPreferences struct {
	UserID  string `json:"user_id"`
	Listing bool   `json:"listing"`
	Message bool   `json:"message"`
	Comment bool   `json:"comment"`
	Payment bool   `json:"payment"`
	Account bool   `json:"account"`
}

// DefaultNotificationPreferences enables every type.
func DefaultNotificationPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:  userID,
		Listing: true,
		Message: true,
		Comment: true,
		Payment: true,
		Account: true,
	}
}

// NotificationPreferencesUpdate is a partial update. Nil fields keep their
// stored value.
type NotificationPreferencesUpdate struct {
	Listing *bool `json:"listing,omitempty"`
	Message *bool `json:"message,omitempty"`
	Comment *bool `json:"comment,omitempty"`
	Payment *bool `json:"payment,omitempty"`
	Account *bool `json:"account,omitempty"`
}

// Apply returns p with the set fields of u applied.
func (u NotificationPreferencesUpdate) Apply(p NotificationPreferences) NotificationPreferences {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Listing, u.Listing)
	set(&p.Message, u.Message)
	set(&p.Comment, u.Comment)
	set(&p.Payment, u.Payment)
	set(&p.Account, u.Account)
	return p
}

// Enabled reports whether notifications of type t are delivered.
// System notifications cannot be switched off.
func (p NotificationPreferences) Enabled(t NotificationType) bool {
	switch t {
	case NotificationSystem:
		return true
	case NotificationListing:
		return p.Listing
	case NotificationMessage:
		return p.Message
	case NotificationComment:
		return p.Comment
	case NotificationPayment:
		return p.Payment
	case NotificationAccount:
		return p.Account
	default:
		return false
	}
}

// ListNotificationsRequest selects a page of notifications.
type ListNotificationsRequest struct {
	PageRequest
	UnreadOnly bool
}
