package client

import (
	"sort"
	"sync"

	"github.com/classifieds-hub/mailbox/internal/model"
)

// Source tells State where an update came from.
type Source int

const (
	// FromAPI updates follow a successful Pull/API response and always apply.
	FromAPI Source = iota
	// FromPush updates are dropped while the push channel is disconnected.
	FromPush
)

// Snapshot is a copy of the local view.
type Snapshot struct {
	Connected     bool
	Unread        model.UnreadCount
	Notifications []model.Notification
}

// State is the local view of one user's unread counters and loaded
// notifications. Every apply method is idempotent and counters never go
// below zero.
type State struct {
	user string

	mu                  sync.Mutex
	connected           bool
	unreadNotifications int64
	unreadMessages      int64
	notifications       map[string]*model.Notification
	readNotifications   map[string]struct{}
	deletedNotification map[string]struct{}
	seenMessages        map[string]struct{}
	readMessages        map[string]struct{}
	// unreadMessageIDs holds the unread messages the view has actually seen.
	// The counter may be higher when older unread messages were never loaded.
	unreadMessageIDs map[string]struct{}
}

// NewState creates an empty, disconnected view for user.
func NewState(user string) *State {
	return &State{
		user:                user,
		notifications:       make(map[string]*model.Notification),
		readNotifications:   make(map[string]struct{}),
		deletedNotification: make(map[string]struct{}),
		seenMessages:        make(map[string]struct{}),
		readMessages:        make(map[string]struct{}),
		unreadMessageIDs:    make(map[string]struct{}),
	}
}

// Snapshot returns a copy of the current view, newest notification first.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]model.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		list = append(list, *n)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	return Snapshot{
		Connected:     s.connected,
		Unread:        model.NewUnreadCount(s.unreadNotifications, s.unreadMessages),
		Notifications: list,
	}
}

// Unread returns the counters.
func (s *State) Unread() model.UnreadCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.NewUnreadCount(s.unreadNotifications, s.unreadMessages)
}

// Connected reports whether push updates are being applied.
func (s *State) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected records the push channel state and reports whether it changed.
func (s *State) SetConnected(connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected == connected {
		return false
	}
	s.connected = connected
	return true
}

// accept reports whether an update from src may be applied. Callers hold mu.
func (s *State) accept(src Source) bool {
	return src == FromAPI || s.connected
}

// Reset replaces the view with an authoritative pull result. inbox is the
// first page of received messages and may be empty.
func (s *State) Reset(count model.UnreadCount, loaded []model.Notification, inbox []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unreadMessageIDs = make(map[string]struct{})
	for _, m := range inbox {
		if m.Recipient != s.user || m.Draft {
			continue
		}
		s.seenMessages[m.ID] = struct{}{}
		if m.Read {
			s.readMessages[m.ID] = struct{}{}
		} else {
			s.unreadMessageIDs[m.ID] = struct{}{}
		}
	}

	s.unreadNotifications = clamp(count.Notifications)
	s.unreadMessages = clamp(count.Messages)
	s.notifications = make(map[string]*model.Notification, len(loaded))
	s.readNotifications = make(map[string]struct{})
	for i := range loaded {
		n := loaded[i]
		s.notifications[n.ID] = &n
		delete(s.deletedNotification, n.ID)
		if n.IsRead {
			s.readNotifications[n.ID] = struct{}{}
		}
	}
}

// AddNotification applies new_notification.
func (s *State) AddNotification(n model.Notification, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	if _, gone := s.deletedNotification[n.ID]; gone {
		return false
	}
	if _, known := s.notifications[n.ID]; known {
		return false
	}

	s.notifications[n.ID] = &n
	if n.IsRead {
		s.readNotifications[n.ID] = struct{}{}
		return true
	}
	if _, read := s.readNotifications[n.ID]; read {
		n.IsRead = true
		return true
	}
	s.unreadNotifications++
	return true
}

// MarkNotificationRead applies a single read. An id that is not loaded still
// decrements the counter once, since the counter came from the server.
func (s *State) MarkNotificationRead(id string, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	if _, read := s.readNotifications[id]; read {
		return false
	}
	if _, gone := s.deletedNotification[id]; gone {
		return false
	}

	s.readNotifications[id] = struct{}{}
	if n, ok := s.notifications[id]; ok {
		if n.IsRead {
			return true
		}
		n.IsRead = true
	}
	s.unreadNotifications = clamp(s.unreadNotifications - 1)
	return true
}

// markAllToken remembers what an optimistic mark-all-read changed.
type markAllToken struct {
	zeroed int64
	ids    []string
}

// MarkAllNotificationsRead zeroes the notification counter and marks every
// loaded notification read.
func (s *State) MarkAllNotificationsRead(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	tok := s.markAllLocked()
	return tok.zeroed > 0 || len(tok.ids) > 0
}

func (s *State) markAllLocked() markAllToken {
	tok := markAllToken{zeroed: s.unreadNotifications}
	for id, n := range s.notifications {
		if !n.IsRead {
			n.IsRead = true
			tok.ids = append(tok.ids, id)
		}
		s.readNotifications[id] = struct{}{}
	}
	s.unreadNotifications = 0
	return tok
}

// beginMarkAll applies mark-all-read optimistically and returns the token
// needed to undo it.
func (s *State) beginMarkAll() markAllToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markAllLocked()
}

// rollbackMarkAll undoes beginMarkAll. Updates that arrived in between are kept.
func (s *State) rollbackMarkAll(tok markAllToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unreadNotifications += tok.zeroed
	for _, id := range tok.ids {
		delete(s.readNotifications, id)
		if n, ok := s.notifications[id]; ok {
			n.IsRead = false
		}
	}
}

// RemoveNotification applies notification_deleted. Repeats are no-ops.
// wasUnread is only consulted for notifications that are not loaded.
func (s *State) RemoveNotification(id string, wasUnread bool, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	if _, gone := s.deletedNotification[id]; gone {
		return false
	}

	s.deletedNotification[id] = struct{}{}
	n, ok := s.notifications[id]
	if !ok {
		if _, read := s.readNotifications[id]; wasUnread && !read {
			s.unreadNotifications = clamp(s.unreadNotifications - 1)
		}
		return true
	}
	delete(s.notifications, id)
	if !n.IsRead {
		s.unreadNotifications = clamp(s.unreadNotifications - 1)
	}
	return true
}

// RemoveAllNotifications applies notification:deleted-all.
func (s *State) RemoveAllNotifications(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	if len(s.notifications) == 0 && s.unreadNotifications == 0 {
		return false
	}
	for id := range s.notifications {
		s.deletedNotification[id] = struct{}{}
	}
	s.notifications = make(map[string]*model.Notification)
	s.unreadNotifications = 0
	return true
}

// AddMessage applies new_message. Only messages addressed to the user count.
func (s *State) AddMessage(msg model.Message, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) {
		return false
	}
	if _, seen := s.seenMessages[msg.ID]; seen {
		return false
	}
	s.seenMessages[msg.ID] = struct{}{}
	if msg.Recipient != s.user || msg.Read {
		return false
	}
	if _, read := s.readMessages[msg.ID]; read {
		return false
	}
	s.unreadMessageIDs[msg.ID] = struct{}{}
	s.unreadMessages++
	return true
}

// MarkMessagesRead applies messages_read for ids the user read. Only ids the
// view knew to be unread decrement the counter; the others are returned as
// unknown so the caller can re-read the counter from the server.
func (s *State) MarkMessagesRead(reader string, ids []string, src Source) (changed bool, unknown []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept(src) || reader != s.user {
		return false, nil
	}
	for _, id := range ids {
		if _, read := s.readMessages[id]; read {
			continue
		}
		s.readMessages[id] = struct{}{}
		if _, ok := s.unreadMessageIDs[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		delete(s.unreadMessageIDs, id)
		s.unreadMessages = clamp(s.unreadMessages - 1)
		changed = true
	}
	return changed, unknown
}

// SetUnreadMessages replaces the message counter with a server value and
// reports whether it changed.
func (s *State) SetUnreadMessages(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = clamp(n)
	if s.unreadMessages == n {
		return false
	}
	s.unreadMessages = n
	return true
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
