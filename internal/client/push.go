package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

const (
	// DefaultReconnectDelay is the wait between connection attempts.
	DefaultReconnectDelay = time.Second
	// DefaultReconnectAttempts bounds one retry cycle.
	DefaultReconnectAttempts = 5

	writeWait = 10 * time.Second
)

// PushHandler receives push channel callbacks. Calls are made from a single
// goroutine.
type PushHandler interface {
	OnConnect()
	OnDisconnect(err error)
	HandlePush(env push.Envelope)
}

// PushClient keeps a websocket session to the push channel open, retrying
// with a constant delay.
type PushClient struct {
	url      string
	delay    time.Duration
	attempts uint64
	dialer   *websocket.Dialer
	logger   *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewPushClient creates a client for the push endpoint under baseURL.
// baseURL may use http(s) or ws(s).
func NewPushClient(baseURL, token string, log *logger.Logger) (*PushClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid push url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	return &PushClient{
		url:      u.String(),
		delay:    DefaultReconnectDelay,
		attempts: DefaultReconnectAttempts,
		dialer:   &websocket.Dialer{HandshakeTimeout: DefaultTimeout},
		logger:   log,
	}, nil
}

// SetRetry overrides the reconnect delay and attempt count.
func (c *PushClient) SetRetry(delay time.Duration, attempts uint64) {
	c.delay = delay
	c.attempts = attempts
}

// Run connects and delivers frames to h until ctx is done. A dropped session
// starts a new retry cycle. When a cycle is exhausted Run returns
// model.ErrChannelUnavailable.
func (c *PushClient) Run(ctx context.Context, h PushHandler) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("%w: %v", model.ErrChannelUnavailable, err)
			h.OnDisconnect(err)
			return err
		}

		c.setConn(conn)
		h.OnConnect()
		err = c.readLoop(ctx, conn, h)
		c.setConn(nil)
		_ = conn.Close()
		h.OnDisconnect(err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Push channel dropped, reconnecting", zap.Error(err))
	}
}

func (c *PushClient) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("push channel rejected credentials: %s", resp.Status))
			}
			c.logger.Debug("Push connect attempt failed", zap.Error(err))
			return err
		}
		conn = ws
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), c.attempts), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *PushClient) readLoop(ctx context.Context, conn *websocket.Conn, h PushHandler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var env push.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if env.Event == push.EventConnected {
			continue
		}
		h.HandlePush(env)
	}
}

func (c *PushClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Connected reports whether a session is open.
func (c *PushClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends a client intent on the open session.
func (c *PushClient) Emit(env push.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return model.ErrChannelUnavailable
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return errors.Join(model.ErrChannelUnavailable, err)
	}
	return nil
}
