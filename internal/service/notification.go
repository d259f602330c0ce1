package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

// NotificationStore is the persistence NotificationService needs.
type NotificationStore interface {
	store.NotificationStore
	store.PreferenceStore
	CountUnreadMessages(ctx context.Context, user string) (int64, error)
}

// NotificationService handles notification operations.
type NotificationService struct {
	store  NotificationStore
	bus    events.Publisher
	logger *logger.Logger
	now    func() time.Time
}

// NewNotificationService creates a new notification service.
func NewNotificationService(st NotificationStore, bus events.Publisher, log *logger.Logger) *NotificationService {
	return &NotificationService{
		store:  st,
		bus:    bus,
		logger: log,
		now:    utcNow,
	}
}

// Notify creates a notification for user unless the user switched its type off.
// A suppressed notification returns (nil, nil).
func (s *NotificationService) Notify(
	ctx context.Context,
	user string,
	typ model.NotificationType,
	title, message string,
	action *model.NotificationAction,
) (n *model.Notification, err error) {
	ctx, span := tracer.Start(ctx, "NotificationService.Notify")
	span.SetAttributes(attribute.String("notification.type", string(typ)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(user) == "" {
		return nil, model.NewValidationError("notification user is required")
	}
	if _, err := model.ParseNotificationType(string(typ)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, model.NewValidationError("notification title is required")
	}

	prefs, err := s.store.GetNotificationPreferences(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification preferences: %w", err)
	}
	if !prefs.Enabled(typ) {
		s.logger.Debug("Notification suppressed by preferences",
			zap.String("user_id", user),
			zap.String("type", string(typ)),
		)
		return nil, nil
	}

	n = &model.Notification{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    user,
		Type:      typ,
		Title:     title,
		Message:   message,
		CreatedAt: s.now(),
	}
	if action != nil {
		n.ActionURL = action.URL
		n.ActionText = action.Text
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(typ)).Inc()

	publish(ctx, s.bus, s.logger, events.NotificationCreated{Notification: *n})
	return n, nil
}

// List returns one page of the user's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, user string, req model.ListNotificationsRequest) (model.Page[model.Notification], error) {
	req.PageRequest = req.PageRequest.Normalize()
	items, total, err := s.store.ListNotifications(ctx, user, req)
	if err != nil {
		return model.Page[model.Notification]{}, err
	}
	return model.NewPage(items, total, req.PageRequest), nil
}

// UnreadCount returns the badge counters.
func (s *NotificationService) UnreadCount(ctx context.Context, user string) (model.UnreadCount, error) {
	notifications, err := s.store.CountUnreadNotifications(ctx, user)
	if err != nil {
		return model.UnreadCount{}, fmt.Errorf("failed to count notifications: %w", err)
	}
	messages, err := s.store.CountUnreadMessages(ctx, user)
	if err != nil {
		return model.UnreadCount{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return model.NewUnreadCount(notifications, messages), nil
}

func (s *NotificationService) owned(ctx context.Context, user, id string) (*model.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != user {
		return nil, fmt.Errorf("notification %s: %w", id, model.ErrForbidden)
	}
	return n, nil
}

// MarkRead marks one notification read. Repeating it is a no-op.
func (s *NotificationService) MarkRead(ctx context.Context, user, id string) error {
	if _, err := s.owned(ctx, user, id); err != nil {
		return err
	}

	at := s.now()
	changed, err := s.store.MarkNotificationRead(ctx, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if changed {
		publish(ctx, s.bus, s.logger, events.NotificationRead{UserID: user, ID: id, ReadAt: at})
	}
	return nil
}

// MarkAllRead marks every unread notification of user read in one update.
func (s *NotificationService) MarkAllRead(ctx context.Context, user string) (count int64, err error) {
	ctx, span := tracer.Start(ctx, "NotificationService.MarkAllRead")
	defer func() { endSpan(span, err) }()

	count, err = s.store.MarkAllNotificationsRead(ctx, user, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	publish(ctx, s.bus, s.logger, events.NotificationsAllRead{UserID: user, Count: count})
	return count, nil
}

// Delete removes one notification owned by user.
func (s *NotificationService) Delete(ctx context.Context, user, id string) error {
	n, err := s.owned(ctx, user, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, id); err != nil {
		return err
	}
	publish(ctx, s.bus, s.logger, events.NotificationDeleted{UserID: user, ID: id, WasUnread: !n.IsRead})
	return nil
}

// DeleteAll removes every notification of user.
func (s *NotificationService) DeleteAll(ctx context.Context, user string) (int64, error) {
	count, err := s.store.DeleteAllNotifications(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	publish(ctx, s.bus, s.logger, events.NotificationsDeletedAll{UserID: user, Count: count})
	return count, nil
}

// Prune removes read notifications created before cutoff.
func (s *NotificationService) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.PruneReadNotifications(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", err)
	}
	metrics.RetentionPruned.Add(float64(n))
	return n, nil
}

// Preferences returns the user's delivery switches.
func (s *NotificationService) Preferences(ctx context.Context, user string) (model.NotificationPreferences, error) {
	return s.store.GetNotificationPreferences(ctx, user)
}

// UpdatePreferences changes the switches set in update and keeps the rest.
func (s *NotificationService) UpdatePreferences(ctx context.Context, user string, update model.NotificationPreferencesUpdate) (model.NotificationPreferences, error) {
	current, err := s.store.GetNotificationPreferences(ctx, user)
	if err != nil {
		return model.NotificationPreferences{}, fmt.Errorf("failed to load notification preferences: %w", err)
	}
	prefs := update.Apply(current)
	prefs.UserID = user
	if err := s.store.SaveNotificationPreferences(ctx, prefs); err != nil {
		return model.NotificationPreferences{}, fmt.Errorf("failed to save notification preferences: %w", err)
	}
	return prefs, nil
}
