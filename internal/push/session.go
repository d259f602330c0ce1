package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/classifieds-hub/mailbox/pkg/logger"
)

// Session is one websocket connection of a user.
type Session struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	limiter *rate.Limiter
	log     *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, userID string) *Session {
	size := h.cfg.SendBuffer
	if size < 1 {
		size = 1
	}
	return &Session{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, size),
		limiter: h.newLimiter(),
		log:     h.logger.WithUser(userID),
		done:    make(chan struct{}),
	}
}

// UserID returns the identity the session was authenticated as.
func (s *Session) UserID() string {
	return s.userID
}

// enqueue never blocks. It reports false when the session is closed or its
// buffer is full.
func (s *Session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.Unregister(s)
	})
}

func (s *Session) readPump() {
	defer s.close()

	cfg := s.hub.cfg
	if cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(cfg.MaxMessageSize)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("Push session read failed", zap.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			s.log.Debug("Push session rate limited")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("Ignoring malformed frame", zap.Error(err))
			continue
		}
		s.hub.relay(s, env)
	}
}

func (s *Session) writePump() {
	cfg := s.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}
