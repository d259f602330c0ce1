package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// PushHandler upgrades authenticated requests to push sessions.
type PushHandler struct {
	hub      *push.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewPushHandler creates a push handler. An empty allowedOrigins list
// accepts any origin.
func NewPushHandler(hub *push.Hub, allowedOrigins []string, log *logger.Logger) *PushHandler {
	return &PushHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: log,
	}
}

// Connect handles GET /api/v1/ws
func (h *PushHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		middleware.RequestLogger(r.Context(), h.logger).Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.hub.Serve(conn, userID)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}
