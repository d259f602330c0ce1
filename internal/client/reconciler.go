package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

const (
	// DefaultPollInterval is how often Run refreshes while disconnected.
	DefaultPollInterval = 30 * time.Second
	// refreshLimit is the number of notifications loaded by Refresh.
	refreshLimit = 50
)

// API is the subset of the Pull/API the reconciler needs.
type API interface {
	UnreadCount(ctx context.Context) (model.UnreadCount, error)
	ListNotifications(ctx context.Context, req model.ListNotificationsRequest) (model.Page[model.Notification], error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) (int64, error)
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context) (int64, error)
	ListFolder(ctx context.Context, folder string, page model.PageRequest) (model.Page[model.Message], error)
	MarkMessageRead(ctx context.Context, id string) error
}

// Emitter sends client intents over the push channel.
type Emitter interface {
	Emit(env push.Envelope) error
}

// ChangeKind says what a Change reports.
type ChangeKind string

const (
	ChangeCounts     ChangeKind = "counts"
	ChangeConnection ChangeKind = "connection"
	ChangeError      ChangeKind = "error"
)

// Change is delivered to subscribers after the local view moves.
type Change struct {
	Kind      ChangeKind
	Unread    model.UnreadCount
	Connected bool
	Err       error
}

// Reconciler merges Pull/API responses and push frames into a State.
type Reconciler struct {
	api     API
	emitter Emitter
	state   *State
	logger  *logger.Logger
	poll    time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

// NewReconciler creates a reconciler for user. emitter may be nil when no
// push channel is used.
func NewReconciler(user string, api API, emitter Emitter, log *logger.Logger) *Reconciler {
	return &Reconciler{
		api:     api,
		emitter: emitter,
		state:   NewState(user),
		logger:  log,
		poll:    DefaultPollInterval,
		subs:    make(map[int]func(Change)),
	}
}

// SetPollInterval overrides DefaultPollInterval.
func (r *Reconciler) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.poll = d
	}
}

// State returns the underlying view.
func (r *Reconciler) State() *State {
	return r.state
}

// Subscribe registers fn for every change. The returned func unsubscribes and
// is safe to call more than once.
func (r *Reconciler) Subscribe(fn func(Change)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func (r *Reconciler) notify(c Change) {
	r.mu.Lock()
	subs := make([]func(Change), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}

func (r *Reconciler) countsChanged() {
	r.notify(Change{Kind: ChangeCounts, Unread: r.state.Unread(), Connected: r.state.Connected()})
}

// Refresh pulls the unread counters, the first page of notifications and the
// first page of the inbox and replaces the local view.
func (r *Reconciler) Refresh(ctx context.Context) error {
	count, err := r.api.UnreadCount(ctx)
	if err != nil {
		return err
	}
	first := model.PageRequest{Page: 1, Limit: refreshLimit}
	page, err := r.api.ListNotifications(ctx, model.ListNotificationsRequest{PageRequest: first})
	if err != nil {
		return err
	}
	inbox, err := r.api.ListFolder(ctx, "inbox", first)
	if err != nil {
		return err
	}
	r.state.Reset(count, page.Items, inbox.Items)
	r.countsChanged()
	return nil
}

// MarkRead marks one notification read.
func (r *Reconciler) MarkRead(ctx context.Context, id string) error {
	if err := r.api.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	if r.state.MarkNotificationRead(id, FromAPI) {
		r.countsChanged()
	}
	r.emit(push.EventMarkNotificationRead, push.IDPayload{ID: id})
	return nil
}

// MarkAllRead zeroes the notification counter before calling the API and
// restores it if the call fails.
func (r *Reconciler) MarkAllRead(ctx context.Context) error {
	tok := r.state.beginMarkAll()
	r.countsChanged()

	if _, err := r.api.MarkAllRead(ctx); err != nil {
		r.state.rollbackMarkAll(tok)
		r.countsChanged()
		return err
	}
	r.emit(push.EventMarkAllRead, nil)
	return nil
}

// Delete removes one notification.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	if err := r.api.DeleteNotification(ctx, id); err != nil {
		return err
	}
	if r.state.RemoveNotification(id, false, FromAPI) {
		r.countsChanged()
	}
	return nil
}

// DeleteAll removes every notification.
func (r *Reconciler) DeleteAll(ctx context.Context) error {
	if _, err := r.api.DeleteAllNotifications(ctx); err != nil {
		return err
	}
	if r.state.RemoveAllNotifications(FromAPI) {
		r.countsChanged()
	}
	return nil
}

// MarkMessageRead marks a received message read.
func (r *Reconciler) MarkMessageRead(ctx context.Context, id string) error {
	if err := r.api.MarkMessageRead(ctx, id); err != nil {
		return err
	}
	changed, unknown := r.state.MarkMessagesRead(r.state.user, []string{id}, FromAPI)
	if changed {
		r.countsChanged()
	}
	if len(unknown) > 0 {
		if err := r.syncMessageCount(ctx); err != nil {
			r.logger.Warn("Failed to re-read unread count", zap.String("message_id", id), zap.Error(err))
		}
	}
	return nil
}

// syncMessageCount takes the message counter from the server. Used when a
// read concerns a message the view never loaded, so it cannot tell whether
// the counter already reflects it.
func (r *Reconciler) syncMessageCount(ctx context.Context) error {
	count, err := r.api.UnreadCount(ctx)
	if err != nil {
		return err
	}
	if r.state.SetUnreadMessages(count.Messages) {
		r.countsChanged()
	}
	return nil
}

// emit re-sends an intent so the user's other sessions update. The API call
// already succeeded, so failures are only logged.
func (r *Reconciler) emit(event string, data any) {
	if r.emitter == nil {
		return
	}
	env, err := push.NewEnvelope(event, data)
	if err != nil {
		r.logger.Warn("Failed to build push intent", zap.String("event", event), zap.Error(err))
		return
	}
	if err := r.emitter.Emit(env); err != nil && !errors.Is(err, model.ErrChannelUnavailable) {
		r.logger.Warn("Failed to emit push intent", zap.String("event", event), zap.Error(err))
	}
}

// OnConnect marks the channel live and resyncs from the API.
func (r *Reconciler) OnConnect() {
	r.state.SetConnected(true)
	r.notify(Change{Kind: ChangeConnection, Unread: r.state.Unread(), Connected: true})

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("Refresh after connect failed", zap.Error(err))
		r.notify(Change{Kind: ChangeError, Unread: r.state.Unread(), Connected: true, Err: err})
	}
}

// OnDisconnect stops applying push frames until the next OnConnect.
func (r *Reconciler) OnDisconnect(err error) {
	changed := r.state.SetConnected(false)
	if changed {
		r.notify(Change{Kind: ChangeConnection, Unread: r.state.Unread(), Connected: false})
	}
	if errors.Is(err, model.ErrChannelUnavailable) {
		r.notify(Change{Kind: ChangeError, Unread: r.state.Unread(), Connected: false, Err: err})
	}
}

// HandlePush applies one server frame.
func (r *Reconciler) HandlePush(env push.Envelope) {
	var changed bool
	var err error

	switch env.Event {
	case push.EventNewNotification:
		var n model.Notification
		if err = env.Decode(&n); err == nil {
			changed = r.state.AddNotification(n, FromPush)
		}
	case push.EventNotificationUpdated:
		var p push.NotificationUpdatedPayload
		if err = env.Decode(&p); err == nil && p.Changes.IsRead != nil && *p.Changes.IsRead {
			changed = r.state.MarkNotificationRead(p.ID, FromPush)
		}
	case push.EventAllNotificationsRead:
		changed = r.state.MarkAllNotificationsRead(FromPush)
	case push.EventNotificationDeleted:
		var p push.NotificationDeletedPayload
		if err = env.Decode(&p); err == nil {
			changed = r.state.RemoveNotification(p.ID, p.WasUnread, FromPush)
		}
	case push.EventNotificationsDeletedAll:
		changed = r.state.RemoveAllNotifications(FromPush)
	case push.EventNewMessage:
		var p push.NewMessagePayload
		if err = env.Decode(&p); err == nil {
			changed = r.state.AddMessage(p.Message, FromPush)
		}
	case push.EventMessagesRead:
		var p push.MessagesReadPayload
		if err = env.Decode(&p); err == nil {
			var unknown []string
			changed, unknown = r.state.MarkMessagesRead(p.Reader, p.IDs, FromPush)
			if len(unknown) > 0 {
				go r.syncAfterPush(unknown)
			}
		}
	default:
		return
	}

	if err != nil {
		r.logger.Warn("Dropping malformed push frame", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if changed {
		r.countsChanged()
	}
}

func (r *Reconciler) syncAfterPush(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := r.syncMessageCount(ctx); err != nil {
		r.logger.Warn("Failed to re-read unread count", zap.Strings("message_ids", ids), zap.Error(err))
	}
}

// Run refreshes on every poll interval while the push channel is down.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.state.Connected() {
				continue
			}
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Poll refresh failed", zap.Error(err))
				r.notify(Change{Kind: ChangeError, Unread: r.state.Unread(), Err: err})
			}
		}
	}
}
