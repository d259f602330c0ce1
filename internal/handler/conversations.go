// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

func counterpartID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "userID")
	if err := middleware.ValidateUserID(id); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// List handles GET /api/v1/conversations?archived=
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	archived, ok := parseBool(r, "archived")
	if !ok {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "archived must be a boolean")
		return
	}

	resp, err := h.service.List(ctx, middleware.GetUserID(ctx), model.ListConversationsRequest{Archived: archived})
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Open handles GET /api/v1/conversations/{userID}
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counterpart, ok := counterpartID(w, r)
	if !ok {
		return
	}

	thread, err := h.service.Open(ctx, middleware.GetUserID(ctx), counterpart)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "open conversation")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

// Reply handles POST /api/v1/conversations/{userID}/messages
func (h *ConversationHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counterpart, ok := counterpartID(w, r)
	if !ok {
		return
	}

	var req model.ReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.service.Reply(ctx, middleware.GetUserID(ctx), counterpart, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "send reply")
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{ID: msg.ID, Message: msg})
}

// SetPreference handles PUT /api/v1/conversations/{userID}/preferences
func (h *ConversationHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counterpart, ok := counterpartID(w, r)
	if !ok {
		return
	}

	var req model.ConversationPreferenceUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	pref, err := h.service.SetPreference(ctx, middleware.GetUserID(ctx), counterpart, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update conversation preferences")
		return
	}

	writeJSON(w, http.StatusOK, pref)
}
