package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
)

func inbox(t *testing.T, f *fixture, user string) []model.Message {
	t.Helper()
	page, err := f.messages.List(context.Background(), user, "inbox", model.PageRequest{})
	require.NoError(t, err)
	return page.Items
}

func TestSendAndOpenMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent := f.send(t, "alice", "bob", "Test", "Hello")

	items := inbox(t, f, "bob")
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].Sender)
	assert.Equal(t, "Test", items[0].Subject)
	assert.False(t, items[0].Read)

	before, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.Messages)

	got, err := f.messages.Get(ctx, "bob", sent.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	after, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, before.Messages-1, after.Messages)

	read, ok := f.events.last().(events.MessageRead)
	require.True(t, ok)
	assert.Equal(t, []string{sent.ID}, read.IDs)

	// The sender opening it does not change the flag.
	f.events.reset()
	_, err = f.messages.Get(ctx, "alice", sent.ID)
	require.NoError(t, err)
	assert.Empty(t, f.events.kinds())
}

func TestSendCreatesOneNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent := f.send(t, "alice", "bob", "Bike", "Still available?")

	page, err := f.notifications.List(ctx, "bob", model.ListNotificationsRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	n := page.Items[0]
	assert.Equal(t, model.NotificationMessage, n.Type)
	assert.Equal(t, "/messages/"+sent.ID, n.ActionURL)

	assert.Equal(t, []events.Kind{events.KindNotificationCreated, events.KindMessageSent}, f.events.kinds())

	count, err := f.notifications.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.UnreadCount{Notifications: 1, Messages: 1, Total: 2}, count)
}

func TestSendToSelfNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	f.send(t, "alice", "alice", "Note", "remember the milk")

	page, err := f.notifications.List(context.Background(), "alice", model.ListNotificationsRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	assert.Len(t, inbox(t, f, "alice"), 1)
	sent, err := f.messages.List(context.Background(), "alice", "sent", model.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, sent.Items)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.SendMessageRequest
	}{
		{"missing recipient", model.SendMessageRequest{Subject: "s", Content: "c"}},
		{"missing subject", model.SendMessageRequest{Recipient: "bob", Content: "c"}},
		{"missing content and attachments", model.SendMessageRequest{Recipient: "bob", Subject: "s", Content: "  "}},
		{"too many attachments", model.SendMessageRequest{Recipient: "bob", Subject: "s", Attachments: make([]model.Attachment, 6)}},
		{"oversized attachment", model.SendMessageRequest{Recipient: "bob", Subject: "s", Attachments: []model.Attachment{
			{Name: "big.iso", Locator: "loc", Size: 11 * 1000 * 1000},
		}}},
		{"subject too long", model.SendMessageRequest{Recipient: "bob", Subject: strings.Repeat("x", 256), Content: "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Send(ctx, "alice", &tt.req)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	f.blobs.upload("alice", "loc-a", 10)
	msg, err := f.messages.Send(ctx, "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "photo",
		Attachments: []model.Attachment{{Name: "a.png", Locator: "loc-a", Size: 1, MimeType: "text/html"}},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "a.png", msg.Attachments[0].Name)
	assert.Equal(t, int64(10), msg.Attachments[0].Size, "size comes from the attachment store")
	assert.Equal(t, "application/octet-stream", msg.Attachments[0].MimeType)
}

func TestSendRejectsUnknownAttachment(t *testing.T) {
	f := newFixture(t)
	_, err := f.messages.Send(context.Background(), "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "s",
		Attachments: []model.Attachment{{Name: "x", Locator: "no-such-blob"}},
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	f.blobs.upload("alice", "loc-a", 1)
	_, err = f.messages.Send(context.Background(), "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "s",
		Attachments: []model.Attachment{{Locator: "loc-a"}, {Locator: "loc-a"}},
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSendRejectsForeignAttachment(t *testing.T) {
	f := newFixture(t)
	f.blobs.upload("carol", "loc-c", 1)

	_, err := f.messages.Send(context.Background(), "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "s",
		Attachments: []model.Attachment{{Name: "c.bin", Locator: "loc-c"}},
	})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestForwardedAttachmentSurvivesPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	att := f.blobs.upload("alice", "loc-a", 3)

	original, err := f.messages.Send(ctx, "alice", &model.SendMessageRequest{
		Recipient: "bob", Subject: "Invoice", Attachments: []model.Attachment{att},
	})
	require.NoError(t, err)

	// Bob can see the blob, so he may attach it to a note to self.
	copyToSelf, err := f.messages.Send(ctx, "bob", &model.SendMessageRequest{
		Recipient: "bob", Subject: "keep", Attachments: original.Attachments,
	})
	require.NoError(t, err)

	res, err := f.messages.Delete(ctx, "bob", copyToSelf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusPurged, res.Status)
	assert.True(t, f.blobs.exists("loc-a"), "alice's message still references the blob")
	assert.Empty(t, f.blobs.deleted)

	_, err = f.messages.Delete(ctx, "alice", original.ID)
	require.NoError(t, err)
	res, err = f.messages.Delete(ctx, "bob", original.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusPurged, res.Status)
	assert.False(t, f.blobs.exists("loc-a"))
	assert.Equal(t, []string{"loc-a"}, f.blobs.deleted)
}

func TestListInvalidFolder(t *testing.T) {
	f := newFixture(t)
	_, err := f.messages.List(context.Background(), "alice", "spam", model.PageRequest{})
	assert.ErrorIs(t, err, model.ErrInvalidFolder)
}

func TestStarIsShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sent := f.send(t, "alice", "bob", "Test", "Hello")

	starred, err := f.messages.ToggleStar(ctx, "alice", sent.ID)
	require.NoError(t, err)
	assert.True(t, starred)

	got, err := f.messages.Get(ctx, "bob", sent.ID)
	require.NoError(t, err)
	assert.True(t, got.Starred)

	page, err := f.messages.List(ctx, "bob", "starred", model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, messageIDs(page.Items))

	_, err = f.messages.ToggleStar(ctx, "mallory", sent.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestDeleteLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.upload("alice", "loc-a", 3)
	sent, err := f.messages.Send(ctx, "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "Test",
		Content:     "Hello",
		Attachments: []model.Attachment{{Name: "a.pdf", Locator: "loc-a", Size: 3}},
	})
	require.NoError(t, err)

	res, err := f.messages.Delete(ctx, "alice", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusTrashed, res.Status)

	sentFolder, err := f.messages.List(ctx, "alice", "sent", model.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, sentFolder.Items)
	trash, err := f.messages.List(ctx, "alice", "trash", model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID}, messageIDs(trash.Items))
	assert.Equal(t, []string{sent.ID}, messageIDs(inbox(t, f, "bob")))
	assert.Empty(t, f.blobs.deleted)

	res, err = f.messages.Delete(ctx, "alice", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusTrashed, res.Status)

	res, err = f.messages.Delete(ctx, "bob", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusPurged, res.Status)
	assert.Equal(t, []string{"loc-a"}, f.blobs.deleted)

	_, err = f.messages.Get(ctx, "alice", sent.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.messages.Get(ctx, "bob", sent.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	deleted, ok := f.events.last().(events.MessageDeleted)
	require.True(t, ok)
	assert.True(t, deleted.Purged)
	assert.Equal(t, "bob", deleted.UserID)
}

func TestDeleteSelfMessagePurgesImmediately(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "alice", "Note", "to self")

	res, err := f.messages.Delete(context.Background(), "alice", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusPurged, res.Status)
}

func TestDeleteByOutsiderIsForbidden(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "Test", "Hello")

	_, err := f.messages.Delete(context.Background(), "mallory", msg.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.messages.Get(context.Background(), "mallory", msg.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.messages.Delete(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMarkReadRecipientOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.send(t, "alice", "bob", "Test", "Hello")

	assert.ErrorIs(t, f.messages.MarkRead(ctx, "alice", msg.ID), model.ErrForbidden)

	f.events.reset()
	require.NoError(t, f.messages.MarkRead(ctx, "bob", msg.ID))
	require.NoError(t, f.messages.MarkRead(ctx, "bob", msg.ID))
	assert.Equal(t, []events.Kind{events.KindMessageRead}, f.events.kinds())
}

func TestSearchAllExcludesDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.send(t, "bob", "alice", "Bike", "is the bike available")
	gone := f.send(t, "bob", "alice", "Bike again", "bike bike")
	_, err := f.messages.SaveDraft(ctx, "bob", &model.DraftRequest{Recipient: "alice", Subject: "bike draft"})
	require.NoError(t, err)

	_, err = f.messages.Delete(ctx, "alice", gone.ID)
	require.NoError(t, err)

	found, err := f.messages.Search(ctx, "alice", "BIKE", "")
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, messageIDs(found))

	found, err = f.messages.Search(ctx, "alice", "bike", "trash")
	require.NoError(t, err)
	assert.Equal(t, []string{gone.ID}, messageIDs(found))

	_, err = f.messages.Search(ctx, "alice", "bike", "spam")
	assert.ErrorIs(t, err, model.ErrInvalidFolder)
	_, err = f.messages.Search(ctx, "alice", " ", "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.upload("alice", "loc-old", 1)
	f.blobs.upload("alice", "loc-new", 1)

	draft, err := f.messages.SaveDraft(ctx, "alice", &model.DraftRequest{
		Subject:     "Offer",
		Attachments: []model.Attachment{{Name: "old.pdf", Locator: "loc-old", Size: 1}},
	})
	require.NoError(t, err)
	assert.True(t, draft.Draft)

	drafts, err := f.messages.List(ctx, "alice", "drafts", model.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{draft.ID}, messageIDs(drafts.Items))

	_, err = f.messages.SendDraft(ctx, "alice", draft.ID)
	assert.ErrorIs(t, err, model.ErrValidation, "draft without recipient cannot be sent")

	updated, err := f.messages.UpdateDraft(ctx, "alice", draft.ID, &model.DraftRequest{
		Recipient:   "bob",
		Subject:     "Offer",
		Content:     "I can pay 100",
		Attachments: []model.Attachment{{Name: "new.pdf", Locator: "loc-new", Size: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Recipient)
	assert.Equal(t, []string{"loc-old"}, f.blobs.deleted)

	_, err = f.messages.Get(ctx, "bob", draft.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, inbox(t, f, "bob"))

	sent, err := f.messages.SendDraft(ctx, "alice", draft.ID)
	require.NoError(t, err)
	assert.False(t, sent.Draft)
	assert.NotEqual(t, draft.ID, sent.ID)

	_, err = f.messages.Get(ctx, "alice", draft.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, []string{sent.ID}, messageIDs(inbox(t, f, "bob")))

	_, err = f.messages.UpdateDraft(ctx, "alice", sent.ID, &model.DraftRequest{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDeleteDraftPurges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, err := f.messages.SaveDraft(ctx, "alice", &model.DraftRequest{Recipient: "bob"})
	require.NoError(t, err)

	_, err = f.messages.Delete(ctx, "bob", draft.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	res, err := f.messages.Delete(ctx, "alice", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeleteStatusPurged, res.Status)
}

func TestAttachmentLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.blobs.upload("alice", "loc-a", 1)
	msg, err := f.messages.Send(ctx, "alice", &model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "files",
		Attachments: []model.Attachment{{Name: "a.txt", Locator: "loc-a", Size: 1}},
	})
	require.NoError(t, err)

	att, err := f.messages.Attachment(ctx, "bob", msg.ID, "loc-a")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", att.Name)

	_, err = f.messages.Attachment(ctx, "bob", msg.ID, "loc-x")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.messages.Attachment(ctx, "mallory", msg.ID, "loc-a")
	assert.ErrorIs(t, err, model.ErrForbidden)
}
