package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/pkg/logger"
	"github.com/classifieds-hub/mailbox/pkg/metrics"
)

// Config tunes session behaviour.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// InboundRate is the sustained number of client frames per second.
	InboundRate  float64
	InboundBurst int
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 4096,
		InboundRate:    5,
		InboundBurst:   10,
	}
}

// Hub is the registry of connected sessions, keyed by user.
type Hub struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// NewHub creates an empty hub. Zero durations fall back to DefaultConfig.
func NewHub(cfg Config, log *logger.Logger) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	return &Hub{
		cfg:      cfg,
		logger:   log,
		sessions: make(map[string]map[*Session]struct{}),
	}
}

// Register adds s to its user's set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	metrics.IncrementPushSessions()
}

// Unregister removes s. Removing an unknown session is a no-op.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.sessions[s.userID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
	}
	metrics.DecrementPushSessions()
}

// SessionCount returns the number of sessions connected for user.
func (h *Hub) SessionCount(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[user])
}

// Broadcast sends env to every session of user except the given one.
// Sessions whose send buffer is full are dropped.
func (h *Hub) Broadcast(user string, env Envelope, except *Session) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal push envelope", zap.String("event", env.Event), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[user]))
	for s := range h.sessions[user] {
		if s != except {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(data) {
			delivered++
			metrics.PushEventsTotal.WithLabelValues(env.Event).Inc()
			continue
		}
		if !s.isClosed() {
			h.logger.Warn("Dropping slow push session", zap.String("user_id", user))
			metrics.PushSessionsDropped.Inc()
			s.close()
		}
	}
	return delivered
}

// HandleEvent fans an internal event out to its audience.
func (h *Hub) HandleEvent(e events.Event) {
	env, err := Translate(e)
	if err != nil {
		h.logger.Warn("Ignoring event", zap.String("kind", string(e.Kind())), zap.Error(err))
		return
	}
	for _, user := range e.Audience() {
		h.Broadcast(user, env, nil)
	}
}

// Run subscribes to bus until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context, bus events.Bus) error {
	unsubscribe, err := bus.Subscribe(h.HandleEvent)
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-ctx.Done()
	h.CloseAll()
	return nil
}

// CloseAll closes every connected session.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.close()
	}
}

// Serve runs a session on an upgraded connection and blocks until it ends.
func (h *Hub) Serve(conn *websocket.Conn, userID string) {
	s := newSession(h, conn, userID)
	if env, err := NewEnvelope(EventConnected, ConnectedPayload{UserID: userID}); err == nil {
		if data, err := json.Marshal(env); err == nil {
			s.enqueue(data)
		}
	}

	h.Register(s)
	s.log.Debug("Push session connected")

	go s.writePump()
	s.readPump()
	s.log.Debug("Push session disconnected")
}

// relay forwards a client's own intent to its other sessions. The API call
// that accompanies the intent is the write, so nothing is stored here.
func (h *Hub) relay(s *Session, env Envelope) {
	switch env.Event {
	case EventMarkNotificationRead:
		var p IDPayload
		if err := env.Decode(&p); err != nil || p.ID == "" {
			h.logger.Debug("Ignoring malformed intent", zap.String("event", env.Event))
			return
		}
		read := true
		out, err := NewEnvelope(EventNotificationUpdated, NotificationUpdatedPayload{
			ID:      p.ID,
			Changes: NotificationChanges{IsRead: &read},
		})
		if err != nil {
			return
		}
		h.Broadcast(s.userID, out, s)
	case EventMarkAllRead:
		out, _ := NewEnvelope(EventAllNotificationsRead, nil)
		h.Broadcast(s.userID, out, s)
	default:
		h.logger.Debug("Ignoring unknown client event", zap.String("event", env.Event))
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.cfg.InboundBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.InboundRate), burst)
}
