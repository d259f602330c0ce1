package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/blob"
	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/folder"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

const noSubject = "(no subject)"

// Blobs resolves attachment references against the attachment store and
// releases bytes once no message references them.
type Blobs interface {
	Stat(ctx context.Context, locator string) (blob.Info, error)
	Delete(ctx context.Context, locator string) error
}

// MessageService handles mailbox operations.
type MessageService struct {
	store         store.MessageStore
	notifications *NotificationService
	bus           events.Publisher
	blobs         Blobs
	limits        Limits
	logger        *logger.Logger
	now           func() time.Time
}

// NewMessageService creates a new message service. blobs may be nil.
func NewMessageService(
	st store.MessageStore,
	notifications *NotificationService,
	bus events.Publisher,
	blobs Blobs,
	limits Limits,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		store:         st,
		notifications: notifications,
		bus:           bus,
		blobs:         blobs,
		limits:        limits,
		logger:        log,
		now:           utcNow,
	}
}

// List returns one page of a folder.
func (s *MessageService) List(ctx context.Context, user, folderName string, page model.PageRequest) (model.Page[model.Message], error) {
	name, err := folder.Parse(folderName)
	if err != nil {
		return model.Page[model.Message]{}, err
	}
	f, err := folder.For(user, name)
	if err != nil {
		return model.Page[model.Message]{}, err
	}

	page = page.Normalize()
	items, total, err := s.store.FindMessages(ctx, f, page)
	if err != nil {
		return model.Page[model.Message]{}, fmt.Errorf("failed to list %s: %w", name, err)
	}
	return model.NewPage(items, total, page), nil
}

// load returns a message the user may see. Drafts are private to their author.
func (s *MessageService) load(ctx context.Context, user, id string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !msg.IsParticipant(user) {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrForbidden)
	}
	if msg.Draft && msg.Sender != user {
		return nil, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return msg, nil
}

// Get returns a message. A recipient opening an unread message marks it read.
func (s *MessageService) Get(ctx context.Context, user, id string) (*model.Message, error) {
	msg, err := s.load(ctx, user, id)
	if err != nil {
		return nil, err
	}

	if msg.Recipient == user && !msg.Read && !msg.Draft {
		changed, err := s.store.MarkRead(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to mark message read: %w", err)
		}
		msg.Read = true
		if changed {
			publish(ctx, s.bus, s.logger, events.MessageRead{Reader: user, Sender: msg.Sender, IDs: []string{id}})
		}
	}
	return msg, nil
}

// Send validates and delivers a new message.
func (s *MessageService) Send(ctx context.Context, user string, req *model.SendMessageRequest) (msg *model.Message, err error) {
	ctx, span := tracer.Start(ctx, "MessageService.Send")
	defer func() { endSpan(span, err) }()

	msg = &model.Message{
		Sender:      user,
		Recipient:   strings.TrimSpace(req.Recipient),
		Subject:     strings.TrimSpace(req.Subject),
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	if msg.Subject == "" {
		return nil, model.NewValidationError("subject is required")
	}
	if err := s.validateOutgoing(ctx, msg); err != nil {
		return nil, err
	}
	return s.deliver(ctx, msg)
}

func (s *MessageService) validateOutgoing(ctx context.Context, msg *model.Message) error {
	if msg.Recipient == "" {
		return model.NewValidationError("recipient is required")
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return model.NewValidationError("content or at least one attachment is required")
	}
	if err := s.limits.validateText(msg.Subject, msg.Content); err != nil {
		return err
	}
	if err := s.limits.validateAttachments(msg.Attachments); err != nil {
		return err
	}
	return s.resolveAttachments(ctx, msg)
}

// resolveAttachments replaces the submitted attachment references with the
// stored metadata. The sender must have uploaded each blob or be able to see
// a message that already carries it.
func (s *MessageService) resolveAttachments(ctx context.Context, msg *model.Message) error {
	if s.blobs == nil || len(msg.Attachments) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(msg.Attachments))
	resolved := make([]model.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		if _, dup := seen[a.Locator]; dup {
			return model.NewValidationError(fmt.Sprintf("attachment %s is listed twice", a.Locator))
		}
		seen[a.Locator] = struct{}{}

		info, err := s.blobs.Stat(ctx, a.Locator)
		if errors.Is(err, model.ErrNotFound) {
			return model.NewValidationError(fmt.Sprintf("attachment %s was never uploaded", a.Locator))
		}
		if err != nil {
			return fmt.Errorf("failed to look up attachment %s: %w", a.Locator, err)
		}
		if info.Owner != msg.Sender {
			visible, err := s.attachmentVisible(ctx, msg.Sender, a.Locator)
			if err != nil {
				return err
			}
			if !visible {
				return fmt.Errorf("attachment %s: %w", a.Locator, model.ErrForbidden)
			}
		}

		att := info.Attachment
		if name := strings.TrimSpace(a.Name); name != "" {
			att.Name = name
		}
		resolved = append(resolved, att)
	}
	if err := s.limits.validateAttachments(resolved); err != nil {
		return err
	}
	msg.Attachments = resolved
	return nil
}

func (s *MessageService) attachmentVisible(ctx context.Context, user, locator string) (bool, error) {
	ids, err := s.store.AttachmentReferences(ctx, locator)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if _, err := s.load(ctx, user, id); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// deliver persists a validated outgoing message, notifies the recipient and
// publishes MessageSent. The notification is a separate best-effort write.
func (s *MessageService) deliver(ctx context.Context, msg *model.Message) (*model.Message, error) {
	msg.ID = uuid.Must(uuid.NewV7()).String()
	msg.Draft = false
	msg.Read = false
	msg.CreatedAt = s.now()

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if !msg.IsSelfMessage() && s.notifications != nil {
		_, err := s.notifications.Notify(ctx, msg.Recipient, model.NotificationMessage,
			fmt.Sprintf("New message from %s", msg.Sender),
			msg.Subject,
			&model.NotificationAction{URL: "/messages/" + msg.ID, Text: "View message"},
		)
		if err != nil {
			s.logger.Warn("Failed to create message notification",
				zap.String("message_id", msg.ID),
				zap.String("recipient", msg.Recipient),
				zap.Error(err),
			)
		}
	}

	publish(ctx, s.bus, s.logger, events.MessageSent{Message: *msg.Clone()})

	s.logger.Debug("Message sent",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.String("recipient", msg.Recipient),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return msg, nil
}

// SaveDraft stores a new draft. Every field may be empty.
func (s *MessageService) SaveDraft(ctx context.Context, user string, req *model.DraftRequest) (*model.Message, error) {
	draft := &model.Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Sender:      user,
		Recipient:   strings.TrimSpace(req.Recipient),
		Subject:     strings.TrimSpace(req.Subject),
		Content:     req.Content,
		Attachments: req.Attachments,
		Draft:       true,
		CreatedAt:   s.now(),
	}
	if err := s.validateDraft(ctx, draft); err != nil {
		return nil, err
	}
	if err := s.store.CreateMessage(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to store draft: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("draft").Inc()
	return draft, nil
}

func (s *MessageService) validateDraft(ctx context.Context, draft *model.Message) error {
	if err := s.limits.validateText(draft.Subject, draft.Content); err != nil {
		return err
	}
	if err := s.limits.validateAttachments(draft.Attachments); err != nil {
		return err
	}
	return s.resolveAttachments(ctx, draft)
}

func (s *MessageService) loadDraft(ctx context.Context, user, id string) (*model.Message, error) {
	msg, err := s.load(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if !msg.Draft {
		return nil, model.NewValidationError("message is not a draft")
	}
	return msg, nil
}

// UpdateDraft replaces the editable fields of a draft. Attachments dropped
// from the draft have their blobs released.
func (s *MessageService) UpdateDraft(ctx context.Context, user, id string, req *model.DraftRequest) (*model.Message, error) {
	draft, err := s.loadDraft(ctx, user, id)
	if err != nil {
		return nil, err
	}

	previous := draft.Attachments
	draft.Recipient = strings.TrimSpace(req.Recipient)
	draft.Subject = strings.TrimSpace(req.Subject)
	draft.Content = req.Content
	draft.Attachments = req.Attachments
	if err := s.validateDraft(ctx, draft); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}

	kept := make(map[string]struct{}, len(draft.Attachments))
	for _, a := range draft.Attachments {
		kept[a.Locator] = struct{}{}
	}
	var dropped []model.Attachment
	for _, a := range previous {
		if _, ok := kept[a.Locator]; !ok {
			dropped = append(dropped, a)
		}
	}
	s.releaseBlobs(ctx, id, dropped)
	return draft, nil
}

// SendDraft delivers a draft as a new message and removes the draft.
func (s *MessageService) SendDraft(ctx context.Context, user, id string) (*model.Message, error) {
	draft, err := s.loadDraft(ctx, user, id)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		Sender:      user,
		Recipient:   draft.Recipient,
		Subject:     draft.Subject,
		Content:     draft.Content,
		Attachments: draft.Attachments,
	}
	if msg.Subject == "" {
		msg.Subject = noSubject
	}
	if err := s.validateOutgoing(ctx, msg); err != nil {
		return nil, err
	}

	sent, err := s.deliver(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveMessage(ctx, id); err != nil {
		s.logger.Warn("Failed to remove sent draft", zap.String("draft_id", id), zap.Error(err))
	}
	return sent, nil
}

// MarkRead marks a message read. Only its recipient may do so.
func (s *MessageService) MarkRead(ctx context.Context, user, id string) error {
	msg, err := s.load(ctx, user, id)
	if err != nil {
		return err
	}
	if msg.Recipient != user {
		return fmt.Errorf("only the recipient can mark message %s read: %w", id, model.ErrForbidden)
	}
	if msg.Draft {
		return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}

	changed, err := s.store.MarkRead(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if changed {
		publish(ctx, s.bus, s.logger, events.MessageRead{Reader: user, Sender: msg.Sender, IDs: []string{id}})
	}
	return nil
}

// ToggleStar flips the starred flag shared by both participants.
func (s *MessageService) ToggleStar(ctx context.Context, user, id string) (bool, error) {
	msg, err := s.load(ctx, user, id)
	if err != nil {
		return false, err
	}

	starred, err := s.store.ToggleStar(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to toggle star: %w", err)
	}
	publish(ctx, s.bus, s.logger, events.MessageStarred{
		ID:           id,
		Starred:      starred,
		Participants: []string{msg.Sender, msg.Recipient},
	})
	return starred, nil
}

// Delete moves a message to the caller's trash, or purges it once every
// participant has discarded it.
func (s *MessageService) Delete(ctx context.Context, user, id string) (result model.DeleteResult, err error) {
	ctx, span := tracer.Start(ctx, "MessageService.Delete")
	span.SetAttributes(attribute.String("message.id", id))
	defer func() { endSpan(span, err) }()

	if _, err := s.load(ctx, user, id); err != nil {
		return model.DeleteResult{}, err
	}

	res, err := s.store.Discard(ctx, id, user)
	if err != nil {
		return model.DeleteResult{}, err
	}
	if res.AlreadyDiscarded {
		return model.DeleteResult{Status: model.DeleteStatusTrashed}, nil
	}

	status := model.DeleteStatusTrashed
	if res.Purged {
		status = model.DeleteStatusPurged
		metrics.MessagesPurged.Inc()
		s.releaseBlobs(ctx, id, res.Message.Attachments)
	}
	span.SetAttributes(attribute.String("delete.status", string(status)))

	publish(ctx, s.bus, s.logger, events.MessageDeleted{ID: id, UserID: user, Purged: res.Purged})
	return model.DeleteResult{Status: status}, nil
}

// releaseBlobs deletes the blobs of attachments that no stored message
// references any more. A forwarded blob stays until its last holder is gone.
func (s *MessageService) releaseBlobs(ctx context.Context, messageID string, attachments []model.Attachment) {
	if s.blobs == nil {
		return
	}
	for _, a := range attachments {
		refs, err := s.store.AttachmentReferences(ctx, a.Locator)
		if err != nil {
			s.logger.Warn("Failed to check attachment references",
				zap.String("message_id", messageID),
				zap.String("locator", a.Locator),
				zap.Error(err),
			)
			continue
		}
		if len(refs) > 0 {
			continue
		}
		if err := s.blobs.Delete(ctx, a.Locator); err != nil {
			s.logger.Warn("Failed to delete attachment blob",
				zap.String("message_id", messageID),
				zap.String("locator", a.Locator),
				zap.Error(err),
			)
		}
	}
}

// Search matches query against subject and content within a folder, or
// across every message the user can still see when scope is "all".
func (s *MessageService) Search(ctx context.Context, user, query, scope string) ([]model.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.NewValidationError("search query is required")
	}
	name, err := folder.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	f, err := folder.Search(user, query, name)
	if err != nil {
		return nil, err
	}

	items, err := s.store.SearchMessages(ctx, f, s.limits.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if items == nil {
		items = []model.Message{}
	}
	return items, nil
}

// Attachment returns the attachment with locator from a message the user can see.
func (s *MessageService) Attachment(ctx context.Context, user, messageID, locator string) (model.Attachment, error) {
	msg, err := s.load(ctx, user, messageID)
	if err != nil {
		return model.Attachment{}, err
	}
	for _, a := range msg.Attachments {
		if a.Locator == locator {
			return a, nil
		}
	}
	return model.Attachment{}, fmt.Errorf("attachment %s: %w", locator, model.ErrNotFound)
}

// CountUnread returns the number of unread messages addressed to user.
func (s *MessageService) CountUnread(ctx context.Context, user string) (int64, error) {
	return s.store.CountUnreadMessages(ctx, user)
}
