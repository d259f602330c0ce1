package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	service *service.NotificationService
	logger  *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(svc *service.NotificationService, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: svc,
		logger:  log,
	}
}

// CountResult reports how many rows a bulk action touched.
type CountResult struct {
	Count int64 `json:"count"`
}

func notificationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateNotificationID(id); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// List handles GET /api/v1/notifications?page=&limit=&unreadOnly=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	unreadOnly, ok := parseBool(r, "unreadOnly")
	if !ok {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "unreadOnly must be a boolean")
		return
	}
	req := model.ListNotificationsRequest{PageRequest: parsePage(r)}
	if unreadOnly != nil {
		req.UnreadOnly = *unreadOnly
	}

	page, err := h.service.List(ctx, middleware.GetUserID(ctx), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list notifications")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.service.UnreadCount(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "count unread")
		return
	}

	writeJSON(w, http.StatusOK, count)
}

// MarkRead handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := notificationID(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkRead(ctx, middleware.GetUserID(ctx), id); err != nil {
		writeServiceError(w, r, h.logger, err, "mark notification read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /api/v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.service.MarkAllRead(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "mark all notifications read")
		return
	}

	writeJSON(w, http.StatusOK, CountResult{Count: count})
}

// Delete handles DELETE /api/v1/notifications/{id}
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := notificationID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(ctx, middleware.GetUserID(ctx), id); err != nil {
		writeServiceError(w, r, h.logger, err, "delete notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAll handles DELETE /api/v1/notifications
func (h *NotificationHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.service.DeleteAll(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "delete notifications")
		return
	}

	writeJSON(w, http.StatusOK, CountResult{Count: count})
}

// Preferences handles GET /api/v1/notifications/preferences
func (h *NotificationHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	prefs, err := h.service.Preferences(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load notification preferences")
		return
	}

	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /api/v1/notifications/preferences. Types
// missing from the body keep their current setting.
func (h *NotificationHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.NotificationPreferencesUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	prefs, err := h.service.UpdatePreferences(ctx, middleware.GetUserID(ctx), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update notification preferences")
		return
	}

	writeJSON(w, http.StatusOK, prefs)
}
