// Package service implements the mailbox, conversation and notification
// operations on top of the stores and the event bus.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/classifieds-hub/mailbox/internal/service")

// Limits bound what a single request may submit.
type Limits struct {
	MaxAttachments    int
	MaxAttachmentSize uint64
	MaxSubjectLength  int
	MaxContentLength  int
	SearchLimit       int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxAttachments:    5,
		MaxAttachmentSize: 10 * 1000 * 1000,
		MaxSubjectLength:  255,
		MaxContentLength:  100000,
		SearchLimit:       20,
	}
}

func (l Limits) validateAttachments(attachments []model.Attachment) error {
	if l.MaxAttachments > 0 && len(attachments) > l.MaxAttachments {
		return model.NewValidationError(fmt.Sprintf("at most %d attachments are allowed", l.MaxAttachments))
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.Locator) == "" {
			return model.NewValidationError("attachment locator is required")
		}
		if a.Size < 0 {
			return model.NewValidationError(fmt.Sprintf("attachment %q has a negative size", a.Name))
		}
		if l.MaxAttachmentSize > 0 && uint64(a.Size) > l.MaxAttachmentSize {
			return model.NewValidationError(fmt.Sprintf("attachment %q exceeds the %s limit",
				a.Name, humanize.Bytes(l.MaxAttachmentSize)))
		}
	}
	return nil
}

func (l Limits) validateText(subject, content string) error {
	if l.MaxSubjectLength > 0 && utf8.RuneCountInString(subject) > l.MaxSubjectLength {
		return model.NewValidationError(fmt.Sprintf("subject exceeds %d characters", l.MaxSubjectLength))
	}
	if l.MaxContentLength > 0 && utf8.RuneCountInString(content) > l.MaxContentLength {
		return model.NewValidationError(fmt.Sprintf("content exceeds %d characters", l.MaxContentLength))
	}
	return nil
}

// publish hands e to the bus. A failed publish only delays push delivery,
// so it is logged and never fails the operation.
func publish(ctx context.Context, bus events.Publisher, log *logger.Logger, e events.Event) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, e); err != nil {
		log.Warn("Failed to publish event",
			zap.String("kind", string(e.Kind())),
			zap.Error(err),
		)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func utcNow() time.Time {
	return time.Now().UTC()
}
