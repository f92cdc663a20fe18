// Package api is the HTTP client for the rota REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
)

// Client calls the rota server. It is safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	onUnauthorized func()

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithUnauthorizedHook registers fn to run whenever an authenticated call is
// rejected with 401.
func WithUnauthorizedHook(fn func()) Option {
	return func(cl *Client) {
		cl.onUnauthorized = fn
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets the bearer token sent with every request. An empty token
// sends none.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Register(ctx context.Context, email, name, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	body := map[string]string{"email": email, "name": name, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func (c *Client) GetAllChores(ctx context.Context) ([]model.Chore, error) {
	var chores []model.Chore
	if err := c.do(ctx, http.MethodGet, "/api/chores", nil, &chores); err != nil {
		return nil, err
	}
	return chores, nil
}

func (c *Client) GetChore(ctx context.Context, choreID string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodGet, choreURL(choreID), nil)
}

func (c *Client) CreateChore(ctx context.Context, name string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodPost, "/api/chores", map[string]string{"name": name})
}

func (c *Client) RenameChore(ctx context.Context, choreID, name string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodPut, choreURL(choreID), map[string]string{"name": name})
}

func (c *Client) DeleteChore(ctx context.Context, choreID string) error {
	return c.do(ctx, http.MethodDelete, choreURL(choreID), nil, nil)
}

func (c *Client) JoinChore(ctx context.Context, choreID string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodPost, "/api/chores/join", map[string]string{"chore_id": choreID})
}

func (c *Client) LeaveChore(ctx context.Context, choreID string) error {
	return c.do(ctx, http.MethodPost, choreURL(choreID)+"/leave", nil, nil)
}

func (c *Client) AddPersonToChore(ctx context.Context, choreID, email string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodPost, choreURL(choreID)+"/people", map[string]string{"email": email})
}

func (c *Client) RemovePersonFromChore(ctx context.Context, choreID, personID string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodDelete, choreURL(choreID)+"/people/"+url.PathEscape(personID), nil)
}

func (c *Client) AdvanceQueue(ctx context.Context, choreID string) (*model.Chore, error) {
	return c.chore(ctx, http.MethodPost, choreURL(choreID)+"/advance", nil)
}

func choreURL(id string) string {
	return "/api/chores/" + url.PathEscape(id)
}

func (c *Client) chore(ctx context.Context, method, path string, body any) (*model.Chore, error) {
	var out model.Chore
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := c.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WithType(errors.Annotatef(err, "%s %s", method, path), model.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusUnauthorized && token != "" && c.onUnauthorized != nil {
			c.logger.Warn("credential rejected", "path", path)
			c.onUnauthorized()
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithType(errors.Annotatef(err, "decode %s %s", method, path), model.ErrTransport)
	}
	return nil
}

// decodeError turns an error response into a typed error. The body's code
// wins; a body without one falls back to the status.
func decodeError(resp *http.Response) error {
	var body model.ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	if body.Code == "" {
		body.Code = codeForStatus(resp.StatusCode)
	}
	return model.ErrorFromCode(body.Code, body.Error)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return model.CodeNotFound
	case http.StatusBadRequest:
		return model.CodeValidation
	case http.StatusUnauthorized:
		return model.CodeUnauthorized
	case http.StatusForbidden:
		return model.CodeForbidden
	case http.StatusConflict:
		return model.CodeAlreadyExists
	default:
		return model.CodeInternal
	}
}
