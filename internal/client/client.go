// Package client wires a session, the REST client, the realtime channel and
// the chore store into one signed-in client.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/api"
	"github.com/dukerupert/rota/internal/chorestore"
	"github.com/dukerupert/rota/internal/credential"
	"github.com/dukerupert/rota/internal/realtime"
	"github.com/dukerupert/rota/internal/session"
)

// Options configures a Client.
type Options struct {
	ServerURL   string
	BaseDelay   time.Duration
	MaxAttempts int
	Clock       clock.Clock
	HTTPClient  *http.Client
	Dial        realtime.DialFunc
}

type Client struct {
	api     *api.Client
	channel *realtime.Channel
	store   *chorestore.Store
	session *session.Session
	wsURL   string
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
}

// New builds a signed-out client. creds may be nil to keep the session in
// memory only.
func New(opts Options, creds *credential.Store, logger *slog.Logger) *Client {
	c := &Client{
		session: session.New(creds),
		wsURL:   WebSocketURL(opts.ServerURL),
		logger:  logger,
	}

	apiOpts := []api.Option{
		api.WithLogger(logger.With("component", "api")),
		api.WithUnauthorizedHook(c.expire),
	}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(opts.HTTPClient))
	}
	c.api = api.New(opts.ServerURL, apiOpts...)

	chOpts := []realtime.Option{realtime.WithLogger(logger.With("component", "realtime"))}
	if opts.Clock != nil {
		chOpts = append(chOpts, realtime.WithClock(opts.Clock))
	}
	if opts.Dial != nil {
		chOpts = append(chOpts, realtime.WithDialer(opts.Dial))
	}
	if opts.BaseDelay > 0 || opts.MaxAttempts > 0 {
		base, attempts := opts.BaseDelay, opts.MaxAttempts
		if base <= 0 {
			base = realtime.DefaultBaseDelay
		}
		if attempts <= 0 {
			attempts = realtime.DefaultMaxAttempts
		}
		chOpts = append(chOpts, realtime.WithReconnect(base, attempts))
	}
	c.channel = realtime.New(chOpts...)
	c.store = chorestore.New(c.api, c.session, logger.With("component", "chorestore"))
	return c
}

// WebSocketURL derives the realtime endpoint from the server URL.
func WebSocketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) Store() *chorestore.Store {
	return c.store
}

func (c *Client) Channel() *realtime.Channel {
	return c.channel
}

func (c *Client) Session() *session.Session {
	return c.session
}

func (c *Client) API() *api.Client {
	return c.api
}

func (c *Client) Register(ctx context.Context, email, name, password string) error {
	resp, err := c.api.Register(ctx, email, name, password)
	if err != nil {
		return err
	}
	if err := c.session.Set(resp.AccessToken, resp.User); err != nil {
		return errors.Annotate(err, "saving session")
	}
	return c.start(ctx)
}

func (c *Client) Login(ctx context.Context, email, password string) error {
	resp, err := c.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := c.session.Set(resp.AccessToken, resp.User); err != nil {
		return errors.Annotate(err, "saving session")
	}
	return c.start(ctx)
}

// Restore resumes a saved session. It reports false when there is none or
// the server no longer accepts it.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	ok, err := c.session.Restore()
	if err != nil || !ok {
		return false, err
	}
	c.api.SetToken(c.session.Token())
	if _, err := c.api.Me(ctx); err != nil {
		if errors.Is(err, errors.Unauthorized) {
			return false, nil
		}
		return false, err
	}
	return true, c.start(ctx)
}

// start binds the store to the channel, connects and loads the chore list.
// Handlers are bound before connecting so no event is missed.
func (c *Client) start(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.api.SetToken(c.session.Token())
	c.channel.Disconnect()
	for _, kind := range realtime.Kinds {
		c.channel.On(kind, c.store.Apply)
	}

	creds := &realtime.Credentials{Token: c.session.Token(), UserID: c.session.UserID()}
	if err := c.channel.Connect(ctx, c.wsURL, creds); err != nil {
		// The chore list still loads over REST; the channel keeps retrying.
		c.logger.Warn("realtime connect failed", "error", err)
	}
	return c.store.Refresh(ctx)
}

// Logout ends the session on the server and tears down local state:
// reconnects off, channel closed, handlers cleared, chores cleared, then the
// credential removed.
func (c *Client) Logout(ctx context.Context) error {
	c.channel.Disconnect()

	var serverErr error
	if c.session.Token() != "" {
		serverErr = c.api.Logout(ctx)
		if serverErr != nil && errors.Is(serverErr, errors.Unauthorized) {
			serverErr = nil
		}
	}
	if err := c.teardown(); err != nil {
		return err
	}
	return serverErr
}

// expire runs when the server rejects the stored credential.
func (c *Client) expire() {
	c.logger.Warn("session expired")
	if err := c.teardown(); err != nil {
		c.logger.Error("clearing session", "error", err)
	}
}

func (c *Client) teardown() error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()

	c.channel.Disconnect()
	c.store.Reset()
	c.api.SetToken("")
	return c.session.Clear()
}

// Started reports whether the client is signed in and running.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
