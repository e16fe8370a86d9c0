package client

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
	"sync"

	"task-sync/internal/models"
)

var (
	ErrUnauthorized = errors.New("tasksync unauthorized")
	ErrNotFound     = errors.New("tasksync not found")
)

// ValidationError is a 400 from the server. Resending the same payload will
// fail the same way.
type ValidationError struct {
	Message string
	Field   string
	TaskID  string
}

func (e *ValidationError) Error() string {
	return "tasksync rejected request: " + e.Message
}

// IsPermanent reports whether retrying err without a change on our side is
// pointless.
func IsPermanent(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) || errors.Is(err, ErrUnauthorized)
}

// Client is the request/response fallback path.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field"`
	ID    string `json:"id"`
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// SyncTasks posts the full local collection and returns the owner's full
// authoritative state.
func (c *Client) SyncTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error) {
	if tasks == nil {
		tasks = []models.Task{}
	}
	var out models.SyncResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/sync", models.SyncBatch{Tasks: tasks}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]models.Task, error) {
	var out models.SyncResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &ValidationError{Message: eb.Error, Field: eb.Field, TaskID: eb.ID}
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		if strings.TrimSpace(eb.Error) != "" {
			return fmt.Errorf("tasksync %d: %s", resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("tasksync status %d", resp.StatusCode)
	}
}
