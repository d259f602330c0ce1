package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// RouterConfig carries the settings the router needs.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	// RequestTimeout bounds every REST request. The push route is exempt.
	RequestTimeout time.Duration
	Logger         *logger.Logger
}

// Handlers groups every endpoint handler.
type Handlers struct {
	Health        *HealthHandler
	Messages      *MessageHandler
	Conversations *ConversationHandler
	Notifications *NotificationHandler
	Attachments   *AttachmentHandler
	Push          *PushHandler
}

// NewRouter wires the Pull/API surface and the push endpoint.
func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Handshakes are limited per IP before the token is checked.
		r.With(
			middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow),
			middleware.AuthWithQueryToken(cfg.JWTSecret),
		).Get("/ws", h.Push.Connect)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}

			r.Route("/messages", func(r chi.Router) {
				r.Get("/", h.Messages.List)
				r.Post("/", h.Messages.Send)
				r.Get("/search", h.Messages.Search)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.Messages.Get)
					r.Delete("/", h.Messages.Delete)
					r.Post("/read", h.Messages.MarkRead)
					r.Post("/star", h.Messages.ToggleStar)
				})
			})

			r.Route("/drafts", func(r chi.Router) {
				r.Post("/", h.Messages.SaveDraft)
				r.Put("/{id}", h.Messages.UpdateDraft)
				r.Post("/{id}/send", h.Messages.SendDraft)
			})

			r.Route("/attachments", func(r chi.Router) {
				r.Post("/", h.Attachments.Upload)
				r.Get("/{locator}", h.Attachments.Download)
			})

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.Conversations.List)

				r.Route("/{userID}", func(r chi.Router) {
					r.Get("/", h.Conversations.Open)
					r.Post("/messages", h.Conversations.Reply)
					r.Put("/preferences", h.Conversations.SetPreference)
				})
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.Notifications.List)
				r.Delete("/", h.Notifications.DeleteAll)
				r.Get("/unread-count", h.Notifications.UnreadCount)
				r.Post("/read-all", h.Notifications.MarkAllRead)
				r.Get("/preferences", h.Notifications.Preferences)
				r.Put("/preferences", h.Notifications.UpdatePreferences)

				r.Route("/{id}", func(r chi.Router) {
					r.Post("/read", h.Notifications.MarkRead)
					r.Delete("/", h.Notifications.Delete)
				})
			})
		})
	})

	return r
}
