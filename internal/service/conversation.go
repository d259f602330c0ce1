package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// PreviewLength is the number of runes kept in a conversation preview.
const PreviewLength = 120

// ConversationStore is the persistence ConversationService needs.
type ConversationStore interface {
	store.MessageStore
	store.PreferenceStore
}

// ConversationService derives conversations from the mailbox.
type ConversationService struct {
	store    ConversationStore
	messages *MessageService
	bus      events.Publisher
	logger   *logger.Logger
	now      func() time.Time
}

// NewConversationService creates a new conversation service. Replies are
// delivered through messages so they get the same notification and events.
func NewConversationService(st ConversationStore, messages *MessageService, bus events.Publisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:    st,
		messages: messages,
		bus:      bus,
		logger:   log,
		now:      utcNow,
	}
}

// List returns one summary per counterpart, unread conversations first and
// then by most recent message.
func (s *ConversationService) List(ctx context.Context, user string, req model.ListConversationsRequest) (*model.ListConversationsResponse, error) {
	msgs, err := s.store.ParticipantMessages(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	prefs, err := s.store.ListConversationPreferences(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation preferences: %w", err)
	}

	byCounterpart := make(map[string]*model.ConversationSummary)
	for i := range msgs {
		m := &msgs[i]
		counterpart := m.Counterpart(user)
		summary, ok := byCounterpart[counterpart]
		if !ok {
			pref := prefs[counterpart]
			summary = &model.ConversationSummary{
				Counterpart: counterpart,
				Starred:     pref.Starred,
				Archived:    pref.Archived,
			}
			byCounterpart[counterpart] = summary
		}

		summary.MessageCount++
		if m.Recipient == user && !m.Read {
			summary.UnreadCount++
		}
		// msgs are oldest first, so the last one seen is the newest.
		summary.LastMessage = lastMessage(m, user)
		summary.LastMessageAt = m.CreatedAt
	}

	out := make([]model.ConversationSummary, 0, len(byCounterpart))
	for _, summary := range byCounterpart {
		if req.Archived != nil && summary.Archived != *req.Archived {
			continue
		}
		out = append(out, *summary)
	}
	sortSummaries(out)

	return &model.ListConversationsResponse{Conversations: out, Total: len(out)}, nil
}

func sortSummaries(list []model.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if (a.UnreadCount > 0) != (b.UnreadCount > 0) {
			return a.UnreadCount > 0
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.Counterpart < b.Counterpart
	})
}

func lastMessage(m *model.Message, user string) *model.LastMessage {
	return &model.LastMessage{
		ID:              m.ID,
		Preview:         Preview(m.Content),
		HasAttachments:  len(m.Attachments) > 0,
		AttachmentCount: len(m.Attachments),
		FromMe:          m.Sender == user,
		CreatedAt:       m.CreatedAt,
	}
}

// Preview collapses whitespace and truncates content to PreviewLength runes.
func Preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return strings.TrimRight(string(runes[:PreviewLength]), " ") + "…"
}

// Open returns the thread with counterpart grouped by UTC day, and marks
// every unread message from counterpart read in one batch.
func (s *ConversationService) Open(ctx context.Context, user, counterpart string) (thread *model.ConversationThread, err error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Open")
	defer func() { endSpan(span, err) }()

	counterpart = strings.TrimSpace(counterpart)
	if counterpart == "" {
		return nil, model.NewValidationError("counterpart is required")
	}

	msgs, err := s.store.ConversationMessages(ctx, user, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	marked, err := s.store.MarkConversationRead(ctx, user, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	span.SetAttributes(attribute.Int("conversation.marked_read", len(marked)))
	if len(marked) > 0 {
		read := make(map[string]struct{}, len(marked))
		for _, id := range marked {
			read[id] = struct{}{}
		}
		for i := range msgs {
			if _, ok := read[msgs[i].ID]; ok {
				msgs[i].Read = true
			}
		}
		publish(ctx, s.bus, s.logger, events.MessageRead{Reader: user, Sender: counterpart, IDs: marked})
	}

	pref, err := s.store.GetConversationPreference(ctx, user, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation preference: %w", err)
	}

	return &model.ConversationThread{
		Counterpart: counterpart,
		Days:        GroupByDay(msgs),
		MarkedRead:  len(marked),
		Starred:     pref.Starred,
		Archived:    pref.Archived,
	}, nil
}

// GroupByDay groups messages that are already in ascending order by their
// UTC calendar day.
func GroupByDay(msgs []model.Message) []model.DayGroup {
	days := []model.DayGroup{}
	for _, m := range msgs {
		date := m.CreatedAt.UTC().Format(time.DateOnly)
		if n := len(days); n > 0 && days[n-1].Date == date {
			days[n-1].Messages = append(days[n-1].Messages, m)
			continue
		}
		days = append(days, model.DayGroup{Date: date, Messages: []model.Message{m}})
	}
	return days
}

// Reply sends a message to counterpart inside the conversation.
func (s *ConversationService) Reply(ctx context.Context, user, counterpart string, req *model.ReplyRequest) (msg *model.Message, err error) {
	ctx, span := tracer.Start(ctx, "ConversationService.Reply")
	defer func() { endSpan(span, err) }()

	counterpart = strings.TrimSpace(counterpart)
	if counterpart == "" {
		return nil, model.NewValidationError("counterpart is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, model.NewValidationError("content or at least one attachment is required")
	}

	thread, err := s.store.ConversationMessages(ctx, user, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	subject := noSubject
	if n := len(thread); n > 0 {
		subject = ReplySubject(thread[n-1].Subject)
	}

	msg = &model.Message{
		Sender:      user,
		Recipient:   counterpart,
		Subject:     subject,
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	if err := s.messages.validateOutgoing(ctx, msg); err != nil {
		return nil, err
	}
	return s.messages.deliver(ctx, msg)
}

// ReplySubject prefixes subject with "Re: " unless it already has it.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" || subject == noSubject {
		return noSubject
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// SetPreference updates the conversation-level flags of user for counterpart.
func (s *ConversationService) SetPreference(ctx context.Context, user, counterpart string, update model.ConversationPreferenceUpdate) (model.ConversationPreference, error) {
	counterpart = strings.TrimSpace(counterpart)
	if counterpart == "" {
		return model.ConversationPreference{}, model.NewValidationError("counterpart is required")
	}
	if update.Starred == nil && update.Archived == nil {
		return model.ConversationPreference{}, model.NewValidationError("starred or archived is required")
	}

	pref, err := s.store.GetConversationPreference(ctx, user, counterpart)
	if err != nil {
		return model.ConversationPreference{}, err
	}
	pref.UserID = user
	pref.Counterpart = counterpart
	if update.Starred != nil {
		pref.Starred = *update.Starred
	}
	if update.Archived != nil {
		pref.Archived = *update.Archived
	}
	pref.UpdatedAt = s.now()

	if err := s.store.SaveConversationPreference(ctx, pref); err != nil {
		return model.ConversationPreference{}, fmt.Errorf("failed to save conversation preference: %w", err)
	}
	return pref, nil
}
