package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
)

func notify(t *testing.T, f *fixture, user string, typ model.NotificationType) *model.Notification {
	t.Helper()
	n, err := f.notifications.Notify(context.Background(), user, typ, "title", "body", nil)
	require.NoError(t, err)
	return n
}

func TestMarkAllReadThenUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		notify(t, f, "bob", model.NotificationListing)
	}

	count, err := f.notifications.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	unread, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread.Notifications)

	count, err = f.notifications.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkAllReadDuringConcurrentCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		notify(t, f, "bob", model.NotificationComment)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := f.notifications.Notify(ctx, "bob", model.NotificationComment, fmt.Sprintf("n%d", i), "", nil)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		_, err := f.notifications.MarkAllRead(ctx, "bob")
		assert.NoError(t, err)
	}()
	wg.Wait()

	_, err := f.notifications.MarkAllRead(ctx, "bob")
	require.NoError(t, err)
	unread, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread.Notifications)
}

func TestNotificationOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := notify(t, f, "bob", model.NotificationPayment)

	assert.ErrorIs(t, f.notifications.MarkRead(ctx, "alice", n.ID), model.ErrForbidden)
	assert.ErrorIs(t, f.notifications.Delete(ctx, "alice", n.ID), model.ErrForbidden)
	assert.ErrorIs(t, f.notifications.MarkRead(ctx, "bob", "missing"), model.ErrNotFound)

	f.events.reset()
	require.NoError(t, f.notifications.MarkRead(ctx, "bob", n.ID))
	require.NoError(t, f.notifications.MarkRead(ctx, "bob", n.ID))
	assert.Equal(t, []events.Kind{events.KindNotificationRead}, f.events.kinds())

	require.NoError(t, f.notifications.Delete(ctx, "bob", n.ID))
	deleted, ok := f.events.last().(events.NotificationDeleted)
	require.True(t, ok)
	assert.False(t, deleted.WasUnread)
	assert.ErrorIs(t, f.notifications.Delete(ctx, "bob", n.ID), model.ErrNotFound)
}

func TestDeleteAllNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notify(t, f, "bob", model.NotificationSystem)
	notify(t, f, "bob", model.NotificationAccount)
	notify(t, f, "alice", model.NotificationAccount)

	count, err := f.notifications.DeleteAll(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	page, err := f.notifications.List(ctx, "bob", model.ListNotificationsRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.Pages)

	page, err = f.notifications.List(ctx, "alice", model.ListNotificationsRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestListNotificationsPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var last *model.Notification
	for i := 0; i < 5; i++ {
		last = notify(t, f, "bob", model.NotificationListing)
	}
	require.NoError(t, f.notifications.MarkRead(ctx, "bob", last.ID))

	page, err := f.notifications.List(ctx, "bob", model.ListNotificationsRequest{PageRequest: model.PageRequest{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, last.ID, page.Items[0].ID, "newest first")

	page, err = f.notifications.List(ctx, "bob", model.ListNotificationsRequest{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
}

func TestPreferencesSuppressNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prefs, err := f.notifications.Preferences(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultNotificationPreferences("bob"), prefs)

	off := false
	saved, err := f.notifications.UpdatePreferences(ctx, "bob", model.NotificationPreferencesUpdate{Message: &off})
	require.NoError(t, err)
	assert.Equal(t, "bob", saved.UserID)
	assert.False(t, saved.Message)
	assert.True(t, saved.Listing, "omitted types keep their setting")
	assert.True(t, saved.Account)

	n, err := f.notifications.Notify(ctx, "bob", model.NotificationMessage, "t", "m", nil)
	require.NoError(t, err)
	assert.Nil(t, n)

	// Sending a message still succeeds, it just does not notify.
	f.send(t, "alice", "bob", "Test", "Hello")
	count, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.UnreadCount{Notifications: 0, Messages: 1, Total: 1}, count)

	// System notifications cannot be switched off.
	assert.NotNil(t, notify(t, f, "bob", model.NotificationSystem))
}

func TestUpdatePreferencesMergesPartialUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	off, on := false, true

	_, err := f.notifications.UpdatePreferences(ctx, "bob", model.NotificationPreferencesUpdate{Listing: &off, Payment: &off})
	require.NoError(t, err)
	saved, err := f.notifications.UpdatePreferences(ctx, "bob", model.NotificationPreferencesUpdate{Payment: &on})
	require.NoError(t, err)

	want := model.DefaultNotificationPreferences("bob")
	want.Listing = false
	assert.Equal(t, want, saved)

	stored, err := f.notifications.Preferences(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestNotifyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.notifications.Notify(ctx, "", model.NotificationSystem, "t", "m", nil)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.notifications.Notify(ctx, "bob", model.NotificationType("bogus"), "t", "m", nil)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.notifications.Notify(ctx, "bob", model.NotificationSystem, "", "m", nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	n, err := f.notifications.Notify(ctx, "bob", model.NotificationListing, "Price drop", "", &model.NotificationAction{URL: "/listings/1", Text: "Open"})
	require.NoError(t, err)
	assert.Equal(t, "/listings/1", n.ActionURL)
	assert.Equal(t, "Open", n.ActionText)
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := notify(t, f, "bob", model.NotificationListing)
	recent := notify(t, f, "bob", model.NotificationListing)
	unread := notify(t, f, "bob", model.NotificationListing)
	require.NoError(t, f.notifications.MarkRead(ctx, "bob", old.ID))
	require.NoError(t, f.notifications.MarkRead(ctx, "bob", recent.ID))

	n, err := f.notifications.Prune(ctx, recent.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	page, err := f.notifications.List(ctx, "bob", model.ListNotificationsRequest{})
	require.NoError(t, err)
	var ids []string
	for _, item := range page.Items {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{recent.ID, unread.ID}, ids)
}
