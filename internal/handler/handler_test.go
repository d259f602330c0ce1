package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classifieds-hub/mailbox/internal/blob"
	"github.com/classifieds-hub/mailbox/internal/events"
	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/internal/push"
	"github.com/classifieds-hub/mailbox/internal/service"
	"github.com/classifieds-hub/mailbox/internal/store"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

const testSecret = "handler-test-secret"

type apiServer struct {
	*httptest.Server
	hub *push.Hub
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemory()
	bus := events.NewLocalBus()

	blobs, err := blob.OpenInMemory(1024)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	notifications := service.NewNotificationService(st, bus, log)
	messages := service.NewMessageService(st, notifications, bus, blobs, service.DefaultLimits(), log)
	conversations := service.NewConversationService(st, messages, bus, log)

	cfg := push.DefaultConfig()
	cfg.InboundRate = 0
	hub := push.NewHub(cfg, log)
	unsubscribe, err := bus.Subscribe(hub.HandleEvent)
	require.NoError(t, err)
	t.Cleanup(func() {
		unsubscribe()
		hub.CloseAll()
	})

	router := NewRouter(RouterConfig{
		JWTSecret:         testSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		RequestTimeout:    5 * time.Second,
		Logger:            log,
	}, Handlers{
		Health:        NewHealthHandler(bus, st),
		Messages:      NewMessageHandler(messages, log),
		Conversations: NewConversationHandler(conversations, log),
		Notifications: NewNotificationHandler(notifications, log),
		Attachments:   NewAttachmentHandler(blobs, messages, log),
		Push:          NewPushHandler(hub, nil, log),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiServer{Server: srv, hub: hub}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, user, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as user and decodes a JSON response into out when non-nil.
func (s *apiServer) do(t *testing.T, user, method, path string, body, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *apiServer) send(t *testing.T, from, to, subject, content string, attachments ...model.Attachment) *model.Message {
	t.Helper()
	var resp model.SendMessageResponse
	status := s.do(t, from, http.MethodPost, "/api/v1/messages", model.SendMessageRequest{
		Recipient:   to,
		Subject:     subject,
		Content:     content,
		Attachments: attachments,
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotNil(t, resp.Message)
	return resp.Message
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newAPIServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, "", http.MethodGet, "/api/v1/messages", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(t, "", http.MethodGet, "/health", nil, nil))
	assert.Equal(t, http.StatusOK, s.do(t, "", http.MethodGet, "/ready", nil, nil))
}

func TestSendListAndOpen(t *testing.T) {
	s := newAPIServer(t)
	msg := s.send(t, "alice", "bob", "Bike", "Is it available?")

	var inbox model.Page[model.Message]
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/messages?folder=inbox", nil, &inbox))
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, msg.ID, inbox.Items[0].ID)
	assert.False(t, inbox.Items[0].Read)
	assert.Equal(t, 1, inbox.Pages)

	var count model.UnreadCount
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications/unread-count", nil, &count))
	assert.Equal(t, model.NewUnreadCount(1, 1), count)

	var opened model.Message
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/messages/"+msg.ID, nil, &opened))
	assert.True(t, opened.Read)

	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications/unread-count", nil, &count))
	assert.Equal(t, int64(0), count.Messages)

	var sent model.Page[model.Message]
	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodGet, "/api/v1/messages?folder=sent", nil, &sent))
	assert.Len(t, sent.Items, 1)
}

func TestErrorMapping(t *testing.T) {
	s := newAPIServer(t)
	msg := s.send(t, "alice", "bob", "Sofa", "Still for sale?")

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"invalid folder", "alice", http.MethodGet, "/api/v1/messages?folder=spam", nil, http.StatusBadRequest, CodeInvalidFolder},
		{"outsider", "carol", http.MethodGet, "/api/v1/messages/" + msg.ID, nil, http.StatusForbidden, CodeForbidden},
		{"unknown message", "alice", http.MethodGet, "/api/v1/messages/0190a5c4-7d6e-7cc0-9a4e-0d0b1f2a3b4c", nil, http.StatusNotFound, CodeNotFound},
		{"malformed id", "alice", http.MethodGet, "/api/v1/messages/nope", nil, http.StatusBadRequest, CodeBadRequest},
		{"empty subject", "alice", http.MethodPost, "/api/v1/messages", model.SendMessageRequest{Recipient: "bob", Content: "x"}, http.StatusUnprocessableEntity, CodeValidation},
		{"sender marks read", "alice", http.MethodPost, "/api/v1/messages/" + msg.ID + "/read", nil, http.StatusForbidden, CodeForbidden},
		{"empty search", "alice", http.MethodGet, "/api/v1/messages/search?q=", nil, http.StatusUnprocessableEntity, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			status := s.do(t, tt.user, tt.method, tt.path, tt.body, &body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestDeleteLifecycle(t *testing.T) {
	s := newAPIServer(t)
	msg := s.send(t, "alice", "bob", "Car", "Price?")
	path := "/api/v1/messages/" + msg.ID

	var res model.DeleteResult
	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodDelete, path, nil, &res))
	assert.Equal(t, model.DeleteStatusTrashed, res.Status)

	var trash model.Page[model.Message]
	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodGet, "/api/v1/messages?folder=trash", nil, &trash))
	assert.Len(t, trash.Items, 1)

	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodDelete, path, nil, &res))
	assert.Equal(t, model.DeleteStatusTrashed, res.Status)

	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodDelete, path, nil, &res))
	assert.Equal(t, model.DeleteStatusPurged, res.Status)

	assert.Equal(t, http.StatusNotFound, s.do(t, "alice", http.MethodGet, path, nil, nil))
}

func TestStarAndSearch(t *testing.T) {
	s := newAPIServer(t)
	msg := s.send(t, "alice", "bob", "Camera", "Canon body with lens")

	var star model.StarResult
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodPost, "/api/v1/messages/"+msg.ID+"/star", nil, &star))
	assert.True(t, star.Starred)

	var starred model.Page[model.Message]
	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodGet, "/api/v1/messages?folder=starred", nil, &starred))
	assert.Len(t, starred.Items, 1)

	var found struct {
		Items []model.Message `json:"items"`
		Total int             `json:"total"`
	}
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/messages/search?q=canon", nil, &found))
	assert.Equal(t, 1, found.Total)

	require.Equal(t, http.StatusOK, s.do(t, "carol", http.MethodGet, "/api/v1/messages/search?q=canon", nil, &found))
	assert.Equal(t, 0, found.Total)
}

func TestDraftEndpoints(t *testing.T) {
	s := newAPIServer(t)

	var draft model.Message
	require.Equal(t, http.StatusCreated, s.do(t, "alice", http.MethodPost, "/api/v1/drafts", model.DraftRequest{Recipient: "bob"}, &draft))
	assert.True(t, draft.Draft)

	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodPut, "/api/v1/drafts/"+draft.ID,
		model.DraftRequest{Recipient: "bob", Subject: "Tent", Content: "Does it fit four?"}, &draft))
	assert.Equal(t, "Tent", draft.Subject)

	assert.Equal(t, http.StatusNotFound, s.do(t, "bob", http.MethodGet, "/api/v1/messages/"+draft.ID, nil, nil))

	var sent model.SendMessageResponse
	require.Equal(t, http.StatusCreated, s.do(t, "alice", http.MethodPost, "/api/v1/drafts/"+draft.ID+"/send", nil, &sent))
	assert.NotEqual(t, draft.ID, sent.ID)
	assert.False(t, sent.Message.Draft)

	var drafts model.Page[model.Message]
	require.Equal(t, http.StatusOK, s.do(t, "alice", http.MethodGet, "/api/v1/messages?folder=drafts", nil, &drafts))
	assert.Empty(t, drafts.Items)
}

func TestConversationEndpoints(t *testing.T) {
	s := newAPIServer(t)
	s.send(t, "alice", "bob", "Lamp", "Hi")
	s.send(t, "alice", "bob", "Lamp", "Still there?")

	var list model.ListConversationsResponse
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/conversations", nil, &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "alice", list.Conversations[0].Counterpart)
	assert.Equal(t, 2, list.Conversations[0].UnreadCount)

	var thread model.ConversationThread
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/conversations/alice", nil, &thread))
	assert.Equal(t, 2, thread.MarkedRead)

	var reply model.SendMessageResponse
	require.Equal(t, http.StatusCreated, s.do(t, "bob", http.MethodPost, "/api/v1/conversations/alice/messages",
		model.ReplyRequest{Content: "Yes"}, &reply))
	assert.Equal(t, "Re: Lamp", reply.Message.Subject)

	var errBody ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, "bob", http.MethodPost, "/api/v1/conversations/alice/messages",
		model.ReplyRequest{}, &errBody))

	archived := true
	var pref model.ConversationPreference
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodPut, "/api/v1/conversations/alice/preferences",
		model.ConversationPreferenceUpdate{Archived: &archived}, &pref))
	assert.True(t, pref.Archived)

	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/conversations?archived=false", nil, &list))
	assert.Empty(t, list.Conversations)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "bob", http.MethodGet, "/api/v1/conversations?archived=maybe", nil, nil))
}

func TestNotificationEndpoints(t *testing.T) {
	s := newAPIServer(t)
	s.send(t, "alice", "bob", "Desk", "one")
	s.send(t, "alice", "bob", "Desk", "two")

	var page model.Page[model.Notification]
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications?unreadOnly=true", nil, &page))
	require.Len(t, page.Items, 2)
	first := page.Items[0].ID

	assert.Equal(t, http.StatusForbidden, s.do(t, "alice", http.MethodPost, "/api/v1/notifications/"+first+"/read", nil, nil))
	assert.Equal(t, http.StatusNoContent, s.do(t, "bob", http.MethodPost, "/api/v1/notifications/"+first+"/read", nil, nil))
	assert.Equal(t, http.StatusNoContent, s.do(t, "bob", http.MethodPost, "/api/v1/notifications/"+first+"/read", nil, nil))

	var count CountResult
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodPost, "/api/v1/notifications/read-all", nil, &count))
	assert.Equal(t, int64(1), count.Count)

	var unread model.UnreadCount
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications/unread-count", nil, &unread))
	assert.Equal(t, int64(0), unread.Notifications)

	assert.Equal(t, http.StatusNoContent, s.do(t, "bob", http.MethodDelete, "/api/v1/notifications/"+first, nil, nil))
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodDelete, "/api/v1/notifications", nil, &count))
	assert.Equal(t, int64(1), count.Count)

	var prefs model.NotificationPreferences
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications/preferences", nil, &prefs))
	assert.True(t, prefs.Message)

	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodPut, "/api/v1/notifications/preferences",
		map[string]bool{"message": false}, &prefs))
	assert.Equal(t, "bob", prefs.UserID)
	assert.False(t, prefs.Message)
	assert.True(t, prefs.Listing)

	s.send(t, "alice", "bob", "Desk", "three")
	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodGet, "/api/v1/notifications", nil, &page))
	assert.Empty(t, page.Items)
}

func upload(t *testing.T, s *apiServer, user, name string, content []byte) (int, model.Attachment) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/v1/attachments", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, user))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var att model.Attachment
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&att))
	}
	return resp.StatusCode, att
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	s := newAPIServer(t)

	status, att := upload(t, s, "alice", "notes.txt", []byte("hello there"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, int64(11), att.Size)
	assert.True(t, strings.HasPrefix(att.MimeType, "text/plain"))

	msg := s.send(t, "alice", "bob", "Docs", "", att)
	path := "/api/v1/attachments/" + att.Locator + "?message=" + msg.ID

	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "bob"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello there", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")

	assert.Equal(t, http.StatusForbidden, s.do(t, "carol", http.MethodGet, path, nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, "bob", http.MethodGet, "/api/v1/attachments/"+att.Locator, nil, nil))
}

func TestSendWithUnknownOrForeignAttachment(t *testing.T) {
	s := newAPIServer(t)

	status := s.do(t, "alice", http.MethodPost, "/api/v1/messages", model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "s",
		Attachments: []model.Attachment{{Name: "x", Locator: "no-such-blob"}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	uploaded, att := upload(t, s, "carol", "private.txt", []byte("secret"))
	require.Equal(t, http.StatusCreated, uploaded)
	status = s.do(t, "alice", http.MethodPost, "/api/v1/messages", model.SendMessageRequest{
		Recipient:   "bob",
		Subject:     "s",
		Attachments: []model.Attachment{att},
	}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAttachmentTooLarge(t *testing.T) {
	s := newAPIServer(t)
	status, _ := upload(t, s, "alice", "big.bin", bytes.Repeat([]byte("x"), 2048))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestPushChannelReceivesEvents(t *testing.T) {
	s := newAPIServer(t)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/ws?token=" + token(t, "bob")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() push.Envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env push.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}
	assert.Equal(t, push.EventConnected, read().Event)
	require.Eventually(t, func() bool { return s.hub.SessionCount("bob") == 1 }, time.Second, 5*time.Millisecond)

	msg := s.send(t, "alice", "bob", "Guitar", "Trade?")

	seen := map[string]push.Envelope{}
	for len(seen) < 2 {
		env := read()
		seen[env.Event] = env
	}
	require.Contains(t, seen, push.EventNewNotification)
	require.Contains(t, seen, push.EventNewMessage)

	var payload push.NewMessagePayload
	require.NoError(t, seen[push.EventNewMessage].Decode(&payload))
	assert.Equal(t, msg.ID, payload.Message.ID)

	require.Equal(t, http.StatusOK, s.do(t, "bob", http.MethodPost, "/api/v1/notifications/read-all", nil, nil))
	assert.Equal(t, push.EventAllNotificationsRead, read().Event)
}

func TestPushChannelRequiresToken(t *testing.T) {
	s := newAPIServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
