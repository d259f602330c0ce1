// Package client keeps a consistent local view of a user's unread
// notifications and messages by combining the Pull/API and push channels.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/classifieds-hub/mailbox/internal/model"
)

// DefaultTimeout bounds every Pull/API call.
const DefaultTimeout = 10 * time.Second

// HTTPError is a non-2xx reply from the API. It unwraps to the matching
// model error so callers can use errors.Is.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case e.StatusCode == http.StatusForbidden:
		return model.ErrForbidden
	case e.StatusCode == http.StatusBadRequest && e.Code == "invalid_folder":
		return model.ErrInvalidFolder
	case e.StatusCode == http.StatusUnprocessableEntity:
		return model.ErrValidation
	case e.StatusCode == http.StatusGatewayTimeout:
		return model.ErrTimeout
	default:
		return nil
	}
}

// APIClient calls the mailbox Pull/API on behalf of one user.
type APIClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewAPIClient creates a client. A zero timeout means DefaultTimeout.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &APIClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// UnreadCount returns the badge counters.
func (c *APIClient) UnreadCount(ctx context.Context) (model.UnreadCount, error) {
	var out model.UnreadCount
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/notifications/unread-count", nil, &out)
	return out, err
}

// ListNotifications returns one page of notifications.
func (c *APIClient) ListNotifications(ctx context.Context, req model.ListNotificationsRequest) (model.Page[model.Notification], error) {
	q := url.Values{}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.UnreadOnly {
		q.Set("unreadOnly", "true")
	}
	var out model.Page[model.Notification]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/notifications", q), nil, &out)
	return out, err
}

// MarkNotificationRead marks one notification read.
func (c *APIClient) MarkNotificationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllRead marks every notification read and returns how many changed.
func (c *APIClient) MarkAllRead(ctx context.Context) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, &out)
	return out.Count, err
}

// DeleteNotification removes one notification.
func (c *APIClient) DeleteNotification(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, nil)
}

// DeleteAllNotifications removes every notification.
func (c *APIClient) DeleteAllNotifications(ctx context.Context) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/notifications", nil, &out)
	return out.Count, err
}

// ListFolder returns one page of a mailbox folder.
func (c *APIClient) ListFolder(ctx context.Context, folder string, page model.PageRequest) (model.Page[model.Message], error) {
	q := url.Values{"folder": {folder}}
	if page.Page > 0 {
		q.Set("page", strconv.Itoa(page.Page))
	}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	var out model.Page[model.Message]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/api/v1/messages", q), nil, &out)
	return out, err
}

// SendMessage sends a new message.
func (c *APIClient) SendMessage(ctx context.Context, req model.SendMessageRequest) (*model.Message, error) {
	var out model.SendMessageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/messages", req, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// MarkMessageRead marks a received message read.
func (c *APIClient) MarkMessageRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/messages/"+url.PathEscape(id)+"/read", nil, nil)
}

// DeleteMessage moves a message to trash or purges it.
func (c *APIClient) DeleteMessage(ctx context.Context, id string) (model.DeleteResult, error) {
	var out model.DeleteResult
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/messages/"+url.PathEscape(id), nil, &out)
	return out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *APIClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s %s: %w", method, requestPath, model.ErrTimeout)
		}
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		if isTimeout(readErr) {
			return fmt.Errorf("%s %s: %w", method, requestPath, model.ErrTimeout)
		}
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Error,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
