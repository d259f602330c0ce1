package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/classifieds-hub/mailbox/internal/folder"
	"github.com/classifieds-hub/mailbox/internal/model"
)

// Memory is an in-process Store. Every operation holds the store lock, so
// per-record writes are serialized and Discard is atomic.
type Memory struct {
	mu sync.RWMutex

	messages          map[string]*model.Message
	notifications     map[string]*model.Notification
	notificationPrefs map[string]model.NotificationPreferences
	conversationPrefs map[string]map[string]model.ConversationPreference
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:          make(map[string]*model.Message),
		notifications:     make(map[string]*model.Notification),
		notificationPrefs: make(map[string]model.NotificationPreferences),
		conversationPrefs: make(map[string]map[string]model.ConversationPreference),
	}
}

// Ping always succeeds.
func (s *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Memory) Close() error {
	return nil
}

func (s *Memory) CreateMessage(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return msg.Clone(), nil
}

func (s *Memory) UpdateDraft(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[msg.ID]
	if !ok {
		return fmt.Errorf("message %s: %w", msg.ID, model.ErrNotFound)
	}
	if !stored.Draft {
		return model.NewValidationError("only drafts can be edited")
	}
	stored.Recipient = msg.Recipient
	stored.Subject = msg.Subject
	stored.Content = msg.Content
	stored.Attachments = append([]model.Attachment(nil), msg.Attachments...)
	return nil
}

func (s *Memory) RemoveMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	delete(s.messages, id)
	return nil
}

// collect returns clones of matching messages sorted by createdAt.
func (s *Memory) collect(match func(*model.Message) bool, newestFirst bool) []model.Message {
	var out []model.Message
	for _, m := range s.messages {
		if match(m) {
			out = append(out, *m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Memory) FindMessages(ctx context.Context, f folder.Filter, page model.PageRequest) ([]model.Message, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page = page.Normalize()

	s.mu.RLock()
	all := s.collect(f.Match, true)
	s.mu.RUnlock()

	total := int64(len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *Memory) SearchMessages(ctx context.Context, f folder.Filter, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := s.collect(f.Match, true)
	s.mu.RUnlock()

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Memory) ParticipantMessages(ctx context.Context, user string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(m *model.Message) bool {
		return m.IsParticipant(user) && !m.Draft && !m.DiscardedBy(user)
	}, false), nil
}

func (s *Memory) ConversationMessages(ctx context.Context, user, counterpart string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(m *model.Message) bool {
		return !m.Draft && !m.DiscardedBy(user) && samePair(m, user, counterpart)
	}, false), nil
}

func samePair(m *model.Message, a, b string) bool {
	return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
}

func (s *Memory) CountUnreadMessages(ctx context.Context, user string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, m := range s.messages {
		if m.Recipient == user && !m.Read && !m.Draft && !m.DiscardedBy(user) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) AttachmentReferences(ctx context.Context, locator string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, m := range s.messages {
		for _, a := range m.Attachments {
			if a.Locator == locator {
				ids = append(ids, m.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Memory) MarkRead(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if m.Read {
		return false, nil
	}
	m.Read = true
	return true, nil
}

func (s *Memory) MarkConversationRead(ctx context.Context, recipient, sender string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, m := range s.messages {
		if m.Recipient == recipient && m.Sender == sender && !m.Read && !m.Draft {
			m.Read = true
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Memory) ToggleStar(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	m.Starred = !m.Starred
	return m.Starred, nil
}

func (s *Memory) Discard(ctx context.Context, id, user string) (*DiscardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if !m.IsParticipant(user) {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrForbidden)
	}
	if m.DiscardedBy(user) {
		return &DiscardResult{Message: m.Clone(), AlreadyDiscarded: true}, nil
	}

	m.DeletedBy = append(m.DeletedBy, user)
	m.Deleted = true
	if m.PurgeEligible() {
		delete(s.messages, id)
		return &DiscardResult{Message: m.Clone(), Purged: true}, nil
	}
	return &DiscardResult{Message: m.Clone()}, nil
}

func (s *Memory) CreateNotification(ctx context.Context, n *model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	c := *n
	s.notifications[n.ID] = &c
	return nil
}

func (s *Memory) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	c := *n
	return &c, nil
}

func (s *Memory) ListNotifications(ctx context.Context, user string, req model.ListNotificationsRequest) ([]model.Notification, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	page := req.PageRequest.Normalize()

	s.mu.RLock()
	var all []model.Notification
	for _, n := range s.notifications {
		if n.UserID != user || (req.UnreadOnly && n.IsRead) {
			continue
		}
		all = append(all, *n)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := int64(len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *Memory) CountUnreadNotifications(ctx context.Context, user string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.notifications {
		if n.UserID == user && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *Memory) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return false, fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	if n.IsRead {
		return false, nil
	}
	n.IsRead = true
	n.ReadAt = &at
	return true, nil
}

func (s *Memory) MarkAllNotificationsRead(ctx context.Context, user string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, n := range s.notifications {
		if n.UserID == user && !n.IsRead {
			n.IsRead = true
			readAt := at
			n.ReadAt = &readAt
			changed++
		}
	}
	return changed, nil
}

func (s *Memory) DeleteNotification(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[id]; !ok {
		return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	delete(s.notifications, id)
	return nil
}

func (s *Memory) DeleteAllNotifications(ctx context.Context, user string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, n := range s.notifications {
		if n.UserID == user {
			delete(s.notifications, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) PruneReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, n := range s.notifications {
		if n.IsRead && n.CreatedAt.Before(before) {
			delete(s.notifications, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) GetNotificationPreferences(ctx context.Context, user string) (model.NotificationPreferences, error) {
	if err := ctx.Err(); err != nil {
		return model.NotificationPreferences{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.notificationPrefs[user]; ok {
		return p, nil
	}
	return model.DefaultNotificationPreferences(user), nil
}

func (s *Memory) SaveNotificationPreferences(ctx context.Context, prefs model.NotificationPreferences) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notificationPrefs[prefs.UserID] = prefs
	return nil
}

func (s *Memory) GetConversationPreference(ctx context.Context, user, counterpart string) (model.ConversationPreference, error) {
	if err := ctx.Err(); err != nil {
		return model.ConversationPreference{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.conversationPrefs[user][counterpart]; ok {
		return p, nil
	}
	return model.ConversationPreference{UserID: user, Counterpart: counterpart}, nil
}

func (s *Memory) ListConversationPreferences(ctx context.Context, user string) (map[string]model.ConversationPreference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.ConversationPreference, len(s.conversationPrefs[user]))
	for k, v := range s.conversationPrefs[user] {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) SaveConversationPreference(ctx context.Context, pref model.ConversationPreference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byCounterpart, ok := s.conversationPrefs[pref.UserID]
	if !ok {
		byCounterpart = make(map[string]model.ConversationPreference)
		s.conversationPrefs[pref.UserID] = byCounterpart
	}
	byCounterpart[pref.Counterpart] = pref
	return nil
}
