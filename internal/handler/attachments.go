package handler

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

// multipartOverhead is the room left for form boundaries and headers.
const multipartOverhead = 1 << 20

// BlobStore is the attachment store used by the upload and download endpoints.
type BlobStore interface {
	Put(ctx context.Context, owner, name string, r io.Reader) (model.Attachment, error)
	Get(ctx context.Context, locator string) (model.Attachment, io.ReadCloser, error)
	MaxSize() uint64
}

// AttachmentHandler handles attachment endpoints.
type AttachmentHandler struct {
	blobs    BlobStore
	messages *service.MessageService
	logger   *logger.Logger
}

// NewAttachmentHandler creates a new attachment handler.
func NewAttachmentHandler(blobs BlobStore, msgSvc *service.MessageService, log *logger.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		blobs:    blobs,
		messages: msgSvc,
		logger:   log,
	}
}

// Upload handles POST /api/v1/attachments (multipart field "file").
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	max := h.blobs.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, int64(max)+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusUnprocessableEntity, CodeValidation,
				"attachment exceeds the "+humanize.Bytes(max)+" limit")
			return
		}
		writeError(w, http.StatusBadRequest, CodeBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	att, err := h.blobs.Put(ctx, middleware.GetUserID(ctx), header.Filename, file)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "store attachment")
		return
	}
	metrics.AttachmentBytes.Observe(float64(att.Size))

	middleware.RequestLogger(ctx, h.logger).Debug("Attachment stored",
		zap.String("locator", att.Locator),
		zap.String("mime_type", att.MimeType),
		zap.String("size", humanize.Bytes(uint64(att.Size))),
	)
	writeJSON(w, http.StatusCreated, att)
}

// Download handles GET /api/v1/attachments/{locator}?message=
// Only participants of the referencing message can read the blob.
func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locator := chi.URLParam(r, "locator")
	if err := middleware.ValidateLocator(locator); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	messageID := r.URL.Query().Get("message")
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	if _, err := h.messages.Attachment(ctx, middleware.GetUserID(ctx), messageID, locator); err != nil {
		writeServiceError(w, r, h.logger, err, "load attachment")
		return
	}

	att, body, err := h.blobs.Get(ctx, locator)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "load attachment")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		middleware.RequestLogger(ctx, h.logger).Warn("Attachment download interrupted",
			zap.String("locator", locator),
			zap.Error(err),
		)
	}
}
