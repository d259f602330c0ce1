package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/classifieds-hub/mailbox/internal/folder"
	"github.com/classifieds-hub/mailbox/internal/model"
)

// discardedBy matches messages the bound user has put in their trash.
const discardedBy = "EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)"

// SQL is a gorm-backed Store.
type SQL struct {
	db *gorm.DB
}

// OpenSQL connects to driver ("sqlite" or "mysql") and migrates the schema.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open gorm handle and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(
		&messageRow{},
		&attachmentRow{},
		&deletionRow{},
		&notificationRow{},
		&notificationPrefRow{},
		&conversationPrefRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQL{db: db}, nil
}

// Ping checks the database connection.
func (s *SQL) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return err
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// filterScope translates a folder.Filter into WHERE clauses. It must stay
// equivalent to folder.Filter.Match.
func filterScope(f folder.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		switch f.Role {
		case folder.RoleRecipient:
			db = db.Where("recipient = ?", f.User)
		case folder.RoleSender:
			db = db.Where("sender = ?", f.User)
		default:
			db = db.Where("(sender = ? OR recipient = ?)", f.User, f.User)
		}
		if f.Draft != nil {
			db = db.Where("is_draft = ?", *f.Draft)
		}
		if f.OwnDraftsOnly {
			db = db.Where("(is_draft = ? OR sender = ?)", false, f.User)
		}
		if f.ExcludeSelfAddressed {
			db = db.Where("sender <> recipient")
		}
		if f.Starred {
			db = db.Where("is_starred = ?", true)
		}
		if f.Trashed {
			db = db.Where("is_deleted = ? AND "+discardedBy, true, f.User)
		} else {
			db = db.Where("(is_deleted = ? OR NOT "+discardedBy+")", false, f.User)
		}
		if f.Query != "" {
			like := "%" + escapeLike(f.Query) + "%"
			db = db.Where("(LOWER(subject) LIKE ? ESCAPE '!' OR LOWER(content) LIKE ? ESCAPE '!')", like, like)
		}
		return db
	}
}

func withRelations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Deletions")
}

func toMessages(rows []messageRow) []model.Message {
	out := make([]model.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

func (s *SQL) CreateMessage(ctx context.Context, msg *model.Message) error {
	row := newMessageRow(msg)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *SQL) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	err := withRelations(s.db.WithContext(ctx)).First(&row, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "message", id)
	}
	m := row.toModel()
	return &m, nil
}

func (s *SQL) UpdateDraft(ctx context.Context, msg *model.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", msg.ID).Error; err != nil {
			return notFound(err, "message", msg.ID)
		}
		if !row.IsDraft {
			return model.NewValidationError("only drafts can be edited")
		}
		if err := tx.Model(&messageRow{}).Where("id = ?", msg.ID).Updates(map[string]any{
			"recipient": msg.Recipient,
			"subject":   msg.Subject,
			"content":   msg.Content,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", msg.ID).Delete(&attachmentRow{}).Error; err != nil {
			return err
		}
		if rows := newAttachmentRows(msg.ID, msg.Attachments); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func removeMessageTx(tx *gorm.DB, id string) error {
	if err := tx.Where("message_id = ?", id).Delete(&attachmentRow{}).Error; err != nil {
		return err
	}
	if err := tx.Where("message_id = ?", id).Delete(&deletionRow{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&messageRow{}).Error
}

func (s *SQL) RemoveMessage(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, "message", id)
		}
		return removeMessageTx(tx, id)
	})
}

func (s *SQL) FindMessages(ctx context.Context, f folder.Filter, page model.PageRequest) ([]model.Message, int64, error) {
	page = page.Normalize()
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&messageRow{}).Scopes(filterScope(f)).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	var rows []messageRow
	err := withRelations(db).Scopes(filterScope(f)).
		Order("created_at DESC").Order("id DESC").
		Offset(page.Offset()).Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find messages: %w", err)
	}
	return toMessages(rows), total, nil
}

func (s *SQL) SearchMessages(ctx context.Context, f folder.Filter, limit int) ([]model.Message, error) {
	var rows []messageRow
	q := withRelations(s.db.WithContext(ctx)).Scopes(filterScope(f)).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return toMessages(rows), nil
}

func (s *SQL) ParticipantMessages(ctx context.Context, user string) ([]model.Message, error) {
	var rows []messageRow
	err := withRelations(s.db.WithContext(ctx)).
		Where("(sender = ? OR recipient = ?)", user, user).
		Where("is_draft = ?", false).
		Where("NOT "+discardedBy, user).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load participant messages: %w", err)
	}
	return toMessages(rows), nil
}

func (s *SQL) ConversationMessages(ctx context.Context, user, counterpart string) ([]model.Message, error) {
	var rows []messageRow
	err := withRelations(s.db.WithContext(ctx)).
		Where("((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))", user, counterpart, counterpart, user).
		Where("is_draft = ?", false).
		Where("NOT "+discardedBy, user).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return toMessages(rows), nil
}

func (s *SQL) CountUnreadMessages(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("recipient = ? AND is_read = ? AND is_draft = ?", user, false, false).
		Where("NOT "+discardedBy, user).
		Count(&n).Error
	return n, err
}

func (s *SQL) AttachmentReferences(ctx context.Context, locator string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&attachmentRow{}).
		Where("locator = ?", locator).
		Distinct().Order("message_id ASC").
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up attachment %s: %w", locator, err)
	}
	return ids, nil
}

func (s *SQL) MarkRead(ctx context.Context, id string) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&messageRow{}).Where("id = ? AND is_read = ?", id, false).Update("is_read", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := db.Model(&messageRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return false, nil
}

func (s *SQL) MarkConversationRead(ctx context.Context, recipient, sender string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&messageRow{}).
			Where("recipient = ? AND sender = ? AND is_read = ? AND is_draft = ?", recipient, sender, false, false).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&messageRow{}).Where("id IN ?", ids).Update("is_read", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SQL) ToggleStar(ctx context.Context, id string) (bool, error) {
	var starred bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).Where("id = ?", id).Update("is_starred", gorm.Expr("NOT is_starred"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("message %s: %w", id, model.ErrNotFound)
		}
		var row messageRow
		if err := tx.Select("is_starred").First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, "message", id)
		}
		starred = row.IsStarred
		return nil
	})
	return starred, err
}

// Discard locks the message row for the duration of the transaction so two
// participants deleting concurrently serialize, and the second one observes
// the first one's membership in message_deletions.
func (s *SQL) Discard(ctx context.Context, id, user string) (*DiscardResult, error) {
	var result DiscardResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, "message", id)
		}
		if row.Sender != user && row.Recipient != user {
			return fmt.Errorf("message %s: %w", id, model.ErrForbidden)
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&deletionRow{MessageID: id, UserID: user, CreatedAt: time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		added := res.RowsAffected > 0

		if !row.IsDeleted {
			if err := tx.Model(&messageRow{}).Where("id = ?", id).Update("is_deleted", true).Error; err != nil {
				return err
			}
			row.IsDeleted = true
		}
		if err := tx.Where("message_id = ?", id).Find(&row.Deletions).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id = ?", id).Order("position ASC").Find(&row.Attachments).Error; err != nil {
			return err
		}

		m := row.toModel()
		result.Message = &m
		result.AlreadyDiscarded = !added
		if added && m.PurgeEligible() {
			result.Purged = true
			return removeMessageTx(tx, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *SQL) CreateNotification(ctx context.Context, n *model.Notification) error {
	if err := s.db.WithContext(ctx).Create(newNotificationRow(n)).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (s *SQL) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	var row notificationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "notification", id)
	}
	n := row.toModel()
	return &n, nil
}

func (s *SQL) ListNotifications(ctx context.Context, user string, req model.ListNotificationsRequest) ([]model.Notification, int64, error) {
	page := req.PageRequest.Normalize()
	q := s.db.WithContext(ctx).Model(&notificationRow{}).Where("user_id = ?", user)
	if req.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	var rows []notificationRow
	if err := q.Order("created_at DESC").Order("id DESC").
		Offset(page.Offset()).Limit(page.Limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}

	out := make([]model.Notification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, total, nil
}

func (s *SQL) CountUnreadNotifications(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("user_id = ? AND is_read = ?", user, false).
		Count(&n).Error
	return n, err
}

func (s *SQL) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&notificationRow{}).
		Where("id = ? AND is_read = ?", id, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var count int64
	if err := db.Model(&notificationRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	return false, nil
}

func (s *SQL) MarkAllNotificationsRead(ctx context.Context, user string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&notificationRow{}).
		Where("user_id = ? AND is_read = ?", user, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

func (s *SQL) DeleteNotification(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&notificationRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SQL) DeleteAllNotifications(ctx context.Context, user string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", user).Delete(&notificationRow{})
	return res.RowsAffected, res.Error
}

func (s *SQL) PruneReadNotifications(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, before).
		Delete(&notificationRow{})
	return res.RowsAffected, res.Error
}

func (s *SQL) GetNotificationPreferences(ctx context.Context, user string) (model.NotificationPreferences, error) {
	var row notificationPrefRow
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultNotificationPreferences(user), nil
	}
	if err != nil {
		return model.NotificationPreferences{}, err
	}
	return model.NotificationPreferences{
		UserID:  row.UserID,
		Listing: row.Listing,
		Message: row.Message,
		Comment: row.Comment,
		Payment: row.Payment,
		Account: row.Account,
	}, nil
}

func (s *SQL) SaveNotificationPreferences(ctx context.Context, prefs model.NotificationPreferences) error {
	row := notificationPrefRow{
		UserID:  prefs.UserID,
		Listing: prefs.Listing,
		Message: prefs.Message,
		Comment: prefs.Comment,
		Payment: prefs.Payment,
		Account: prefs.Account,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQL) GetConversationPreference(ctx context.Context, user, counterpart string) (model.ConversationPreference, error) {
	var row conversationPrefRow
	err := s.db.WithContext(ctx).First(&row, "user_id = ? AND counterpart = ?", user, counterpart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ConversationPreference{UserID: user, Counterpart: counterpart}, nil
	}
	if err != nil {
		return model.ConversationPreference{}, err
	}
	return conversationPrefFromRow(row), nil
}

func (s *SQL) ListConversationPreferences(ctx context.Context, user string) (map[string]model.ConversationPreference, error) {
	var rows []conversationPrefRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", user).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]model.ConversationPreference, len(rows))
	for _, row := range rows {
		out[row.Counterpart] = conversationPrefFromRow(row)
	}
	return out, nil
}

func (s *SQL) SaveConversationPreference(ctx context.Context, pref model.ConversationPreference) error {
	row := conversationPrefRow{
		UserID:      pref.UserID,
		Counterpart: pref.Counterpart,
		Starred:     pref.Starred,
		Archived:    pref.Archived,
		UpdatedAt:   pref.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func conversationPrefFromRow(row conversationPrefRow) model.ConversationPreference {
	return model.ConversationPreference{
		UserID:      row.UserID,
		Counterpart: row.Counterpart,
		Starred:     row.Starred,
		Archived:    row.Archived,
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
}
