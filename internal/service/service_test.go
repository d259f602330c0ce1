package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/blob"
	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind())
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	stored  map[string]blob.Info
	deleted []string
}

// upload registers a blob owned by owner under locator.
func (f *fakeBlobs) upload(owner, locator string, size int64) model.Attachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[string]blob.Info)
	}
	att := model.Attachment{Name: locator + ".bin", Locator: locator, Size: size, MimeType: "application/octet-stream"}
	f.stored[locator] = blob.Info{Attachment: att, Owner: owner}
	return att
}

func (f *fakeBlobs) Stat(ctx context.Context, locator string) (blob.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.stored[locator]
	if !ok {
		return blob.Info{}, fmt.Errorf("attachment %s: %w", locator, model.ErrNotFound)
	}
	return info, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, locator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, locator)
	f.deleted = append(f.deleted, locator)
	return nil
}

func (f *fakeBlobs) exists(locator string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[locator]
	return ok
}

type fixture struct {
	store         *store.Memory
	events        *recorder
	blobs         *fakeBlobs
	messages      *MessageService
	notifications *NotificationService
	conversations *ConversationService

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	bus := events.NewLocalBus()
	rec := &recorder{}
	_, err := bus.Subscribe(rec.handle)
	require.NoError(t, err)

	f := &fixture{
		store:  st,
		events: rec,
		blobs:  &fakeBlobs{},
		clock:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.notifications = NewNotificationService(st, bus, log)
	f.messages = NewMessageService(st, f.notifications, bus, f.blobs, DefaultLimits(), log)
	f.conversations = NewConversationService(st, f.messages, bus, log)

	tick := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}
	f.notifications.now = tick
	f.messages.now = tick
	f.conversations.now = tick
	return f
}

func (f *fixture) send(t *testing.T, from, to, subject, content string) *model.Message {
	t.Helper()
	msg, err := f.messages.Send(context.Background(), from, &model.SendMessageRequest{
		Recipient: to,
		Subject:   subject,
		Content:   content,
	})
	require.NoError(t, err)
	return msg
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
