package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

type recordingHandler struct {
	mu          sync.Mutex
	connects    int
	disconnects []error
	frames      []push.Envelope
}

func (h *recordingHandler) OnConnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func (h *recordingHandler) OnDisconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, err)
}

func (h *recordingHandler) HandlePush(env push.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, env)
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func TestNewPushClientURL(t *testing.T) {
	c, err := NewPushClient("https://mail.example/", "abc", logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "wss://mail.example/api/v1/ws?token=abc", c.url)

	_, err = NewPushClient("ftp://mail.example", "abc", logger.NewNop())
	assert.Error(t, err)
}

func TestPushClientDeliversFramesAndEmits(t *testing.T) {
	intents := make(chan push.Envelope, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connected, _ := push.NewEnvelope(push.EventConnected, push.ConnectedPayload{UserID: "alice"})
		_ = conn.WriteJSON(connected)
		frame, _ := push.NewEnvelope(push.EventNotificationDeleted, push.IDPayload{ID: "n1"})
		_ = conn.WriteJSON(frame)

		var in push.Envelope
		if err := conn.ReadJSON(&in); err == nil {
			intents <- in
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := NewPushClient(srv.URL, "tok", logger.NewNop())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Emit(push.Envelope{Event: push.EventMarkAllRead}), model.ErrChannelUnavailable)

	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()

	require.Eventually(t, func() bool { return h.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Emit(push.Envelope{Event: push.EventMarkAllRead}))

	select {
	case in := <-intents:
		assert.Equal(t, push.EventMarkAllRead, in.Event)
	case <-time.After(time.Second):
		t.Fatal("intent not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.GreaterOrEqual(t, h.connects, 1)
	assert.Equal(t, push.EventNotificationDeleted, h.frames[0].Event)
}

func TestPushClientExhaustsRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewPushClient(srv.URL, "tok", logger.NewNop())
	require.NoError(t, err)
	c.SetRetry(time.Millisecond, 2)

	h := &recordingHandler{}
	err = c.Run(context.Background(), h)
	assert.ErrorIs(t, err, model.ErrChannelUnavailable)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	require.Len(t, h.disconnects, 1)
	assert.ErrorIs(t, h.disconnects[0], model.ErrChannelUnavailable)
	assert.Zero(t, h.connects)
}

func TestPushClientStopsOnRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewPushClient(srv.URL, "bad", logger.NewNop())
	require.NoError(t, err)
	c.SetRetry(time.Hour, 5)

	err = c.Run(context.Background(), &recordingHandler{})
	assert.ErrorIs(t, err, model.ErrChannelUnavailable)
}
