package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classifieds-hub/mailbox/internal/folder"
	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// MessageHandler handles mailbox and draft endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// messageID reads and validates the {id} path parameter.
func messageID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateMessageID(id); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// List handles GET /api/v1/messages?folder=&page=&limit=
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	name := r.URL.Query().Get("folder")
	if name == "" {
		name = string(folder.Inbox)
	}

	page, err := h.messageService.List(ctx, userID, name, parsePage(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list messages")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Get handles GET /api/v1/messages/{id}
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	msg, err := h.messageService.Get(ctx, middleware.GetUserID(ctx), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get message")
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Send handles POST /api/v1/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.messageService.Send(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "send message")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{ID: msg.ID, Message: msg})
}

// MarkRead handles POST /api/v1/messages/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	if err := h.messageService.MarkRead(ctx, middleware.GetUserID(ctx), id); err != nil {
		writeServiceError(w, r, h.logger, err, "mark message read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ToggleStar handles POST /api/v1/messages/{id}/star
func (h *MessageHandler) ToggleStar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	starred, err := h.messageService.ToggleStar(ctx, middleware.GetUserID(ctx), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "star message")
		return
	}

	writeJSON(w, http.StatusOK, model.StarResult{Starred: starred})
}

// Delete handles DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	result, err := h.messageService.Delete(ctx, middleware.GetUserID(ctx), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "delete message")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Search handles GET /api/v1/messages/search?q=&folder=
func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	items, err := h.messageService.Search(ctx, middleware.GetUserID(ctx), q.Get("q"), q.Get("folder"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "search messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// SaveDraft handles POST /api/v1/drafts
func (h *MessageHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.DraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	draft, err := h.messageService.SaveDraft(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "save draft")
		return
	}

	writeJSON(w, http.StatusCreated, draft)
}

// UpdateDraft handles PUT /api/v1/drafts/{id}
func (h *MessageHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	var req model.DraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	draft, err := h.messageService.UpdateDraft(ctx, middleware.GetUserID(ctx), id, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update draft")
		return
	}

	writeJSON(w, http.StatusOK, draft)
}

// SendDraft handles POST /api/v1/drafts/{id}/send
func (h *MessageHandler) SendDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := messageID(w, r)
	if !ok {
		return
	}

	msg, err := h.messageService.SendDraft(ctx, middleware.GetUserID(ctx), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "send draft")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{ID: msg.ID, Message: msg})
}
