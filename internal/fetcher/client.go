// Package fetcher performs the stateless REST calls of a sync session.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/internal/domain"
)

// Credentials supplies the Authorization header for each request.
type Credentials interface {
	Header() string
}

// Client is the task hub HTTP API client.
type Client struct {
	BaseURL     string
	Credentials Credentials
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      log.FieldLogger
}

// New creates a client with sane defaults.
func New(baseURL string, creds Credentials) *Client {
	return &Client{
		BaseURL:     baseURL,
		Credentials: creds,
		Timeout:     10 * time.Second,
	}
}

// APIError wraps non-2xx responses. It unwraps to the matching domain sentinel, if any.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return domain.ErrAuthorizationDenied
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case e.StatusCode >= 500:
		return domain.ErrNetworkFailure
	}
	return nil
}

// ListTasks returns the tasks matching filter ordered by due date.
func (c *Client) ListTasks(ctx context.Context, filter domain.TaskFilter, order domain.SortOrder) ([]domain.Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if !filter.DueDate.IsZero() {
		q.Set("dueDate", filter.DueDate.UTC().Format(time.DateOnly))
	}
	if order != "" {
		q.Set("sortOrder", string(order))
	}
	endpoint := "api/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task; the server assigns the id.
func (c *Client) CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	if !in.DueDate.IsZero() {
		in.DueDate = in.DueDate.UTC()
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, "api/tasks", in, &resp)
	return resp, err
}

// UpdateTask sends a partial update.
func (c *Client) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if patch.DueDate != nil {
		due := patch.DueDate.UTC()
		patch.DueDate = &due
	}
	var resp domain.Task
	endpoint := fmt.Sprintf("api/tasks/updateTask/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, patch, &resp)
	return resp, err
}

// DeleteTask deletes a task. requesterID is the acting identity, which the server re-checks.
func (c *Client) DeleteTask(ctx context.Context, id, requesterID string) error {
	endpoint := fmt.Sprintf("api/tasks/deleteTask/%s/%s", url.PathEscape(id), url.PathEscape(requesterID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]domain.User, error) {
	var resp []domain.User
	err := c.do(ctx, http.MethodGet, "api/users/all", nil, &resp)
	return resp, err
}

func (c *Client) FetchUser(ctx context.Context, id string) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodGet, "api/users/fetchUser/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	var resp []domain.Notification
	err := c.do(ctx, http.MethodGet, "api/notifications/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	var resp domain.Notification
	body := map[string]bool{"read": true}
	err := c.do(ctx, http.MethodPatch, "api/notifications/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// DevLogin asks a development hub for a token. No credentials are sent.
func (c *Client) DevLogin(ctx context.Context, username string, role domain.Role) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "role": string(role)}
	if err := c.do(ctx, http.MethodPost, "api/auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: login response has no token", domain.ErrMalformedPayload)
	}
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Credentials != nil && !strings.HasSuffix(endpoint, "dev/login") {
		req.Header.Set("Authorization", c.Credentials.Header())
	}
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrNetworkFailure, method, endpoint, err)
	}
	defer resp.Body.Close()
	c.logger().WithFields(log.Fields{
		"method":   method,
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"elapsed":  time.Since(start).String(),
	}).Debug("api request")
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: read %s: %w", domain.ErrNetworkFailure, endpoint, err)
		}
		if errors.Is(err, domain.ErrMalformedPayload) {
			return fmt.Errorf("%s %s: %w", method, endpoint, err)
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrMalformedPayload, method, endpoint, err)
	}
	return nil
}

func (c *Client) logger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
