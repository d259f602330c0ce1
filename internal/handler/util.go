package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest    = "bad_request"
	CodeNotFound      = "not_found"
	CodeForbidden     = "forbidden"
	CodeInvalidFolder = "invalid_folder"
	CodeValidation    = "validation_failed"
	CodeTimeout       = "timeout"
	CodeInternal      = "internal_error"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error, action string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, model.ErrForbidden):
		writeError(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, model.ErrInvalidFolder):
		writeError(w, http.StatusBadRequest, CodeInvalidFolder, err.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrTimeout):
		middleware.RequestLogger(r.Context(), log).Warn("Request deadline exceeded", zap.String("action", action))
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "request timed out")
	default:
		middleware.RequestLogger(r.Context(), log).Error("Request failed",
			zap.String("action", action),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to "+action)
	}
}

// decodeJSON decodes a request body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return false
	}
	return true
}

// parsePage reads page and limit. Bounds are applied by the services.
func parsePage(r *http.Request) model.PageRequest {
	var p model.PageRequest
	if v := r.URL.Query().Get("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			p.Page = parsed
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			p.Limit = parsed
		}
	}
	return p
}

func parseBool(r *http.Request, key string) (*bool, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, false
	}
	return &b, true
}
