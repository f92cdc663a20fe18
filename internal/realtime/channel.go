// Package realtime keeps a client's WebSocket connection to the rota server
// and delivers the server's domain events to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5

	handshakeTimeout = 10 * time.Second
	errorBufferSize  = 16
	readLimit        = 1 << 20
)

// State is the lifecycle state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Credentials authenticate the connection for one user.
type Credentials struct {
	Token  string
	UserID string
}

// Conn is a message-oriented transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimit)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Handler receives an event. A returned error or a panic is reported on
// Errors and does not stop the remaining handlers.
type Handler func(Event) error

type ListenerID uint64

// HandlerError reports a failed handler invocation.
type HandlerError struct {
	Kind     Kind
	Listener ListenerID
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %d: %v", e.Kind, e.Listener, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type listener struct {
	id   ListenerID
	kind Kind
	fn   Handler
}

type Option func(*Channel)

func WithClock(clk clock.Clock) Option {
	return func(c *Channel) {
		c.clock = clk
	}
}

func WithDialer(dial DialFunc) Option {
	return func(c *Channel) {
		c.dial = dial
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// WithReconnect sets the linear backoff step and the number of attempts
// made after an unexpected close.
func WithReconnect(baseDelay time.Duration, maxAttempts int) Option {
	return func(c *Channel) {
		c.baseDelay = baseDelay
		c.maxAttempts = maxAttempts
	}
}

// Channel owns at most one connection at a time. Handlers run on the
// connection's read goroutine, one at a time, in registration order.
type Channel struct {
	clock       clock.Clock
	dial        DialFunc
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	errs        chan *HandlerError

	mu            sync.Mutex
	state         State
	authenticated bool
	conn          Conn
	gen           uint64
	endpoint      string
	creds         *Credentials
	reconnect     bool
	attempts      int
	stopRetry     chan struct{}
	listeners     []listener
	nextID        ListenerID
}

func New(opts ...Option) *Channel {
	c := &Channel{
		clock:       clock.WallClock,
		dial:        DialWebSocket,
		logger:      slog.Default(),
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		errs:        make(chan *HandlerError, errorBufferSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the server accepted the credentials of the
// current connection.
func (c *Channel) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Errors reports handler failures. Failures are dropped while the buffer is
// full.
func (c *Channel) Errors() <-chan *HandlerError {
	return c.errs
}

// On registers fn for events of the given kind, or for every event when kind
// is KindAny. Wildcard handlers run after the kind-specific ones.
func (c *Channel) On(kind Kind, fn Handler) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.listeners = append(c.listeners, listener{id: c.nextID, kind: kind, fn: fn})
	return c.nextID
}

func (c *Channel) Off(id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Connect opens a connection to endpoint, replacing any existing one. With
// credentials it authenticates and returns once the server answers; an
// Unauthorized error leaves the transport open but unauthenticated. Without
// credentials the channel is ready as soon as the transport opens.
func (c *Channel) Connect(ctx context.Context, endpoint string, creds *Credentials) error {
	c.mu.Lock()
	c.cancelRetryLocked()
	old := c.detachLocked()
	c.endpoint = endpoint
	c.creds = nil
	if creds != nil {
		cp := *creds
		c.creds = &cp
	}
	c.reconnect = true
	c.attempts = 0
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return c.open(ctx)
}

// Disconnect closes the connection, removes every handler and cancels any
// pending reconnect. It is safe to call more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	c.cancelRetryLocked()
	conn := c.detachLocked()
	c.listeners = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) detachLocked() Conn {
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.authenticated = false
	return conn
}

func (c *Channel) cancelRetryLocked() {
	if c.stopRetry != nil {
		close(c.stopRetry)
		c.stopRetry = nil
	}
}

func (c *Channel) open(ctx context.Context) error {
	c.mu.Lock()
	gen, endpoint, creds := c.beginLocked()
	c.mu.Unlock()
	return c.establish(ctx, gen, endpoint, creds)
}

// beginLocked starts a new connection generation. Any Connect or Disconnect
// after it supersedes the attempt.
func (c *Channel) beginLocked() (uint64, string, *Credentials) {
	c.gen++
	c.state = Connecting
	return c.gen, c.endpoint, c.creds
}

func (c *Channel) establish(ctx context.Context, gen uint64, endpoint string, creds *Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = Disconnected
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		return errors.WithType(errors.Annotatef(err, "dial %s", endpoint), model.ErrTransport)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return errors.Errorf("connection to %s superseded", endpoint)
	}
	c.conn = conn
	c.attempts = 0
	if creds != nil {
		c.state = Authenticating
	}
	c.mu.Unlock()

	authErr := c.handshake(ctx, conn, creds)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errors.Errorf("connection to %s superseded", endpoint)
	}
	if authErr != nil && !errors.Is(authErr, errors.Unauthorized) {
		c.conn = nil
		c.state = Disconnected
		c.scheduleRetryLocked()
		c.mu.Unlock()
		conn.Close()
		return authErr
	}
	c.state = Open
	c.authenticated = creds != nil && authErr == nil
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	if authErr != nil {
		c.logger.Warn("realtime authentication failed", "endpoint", endpoint)
		return authErr
	}
	c.logger.Info("realtime connected", "endpoint", endpoint, "authenticated", creds != nil)
	return nil
}

func (c *Channel) handshake(ctx context.Context, conn Conn, creds *Credentials) error {
	if creds == nil {
		return c.send(ctx, conn, model.Message{Type: model.MessagePing})
	}
	if err := c.send(ctx, conn, model.Message{Type: model.MessageAuth, Token: creds.Token, UserID: creds.UserID}); err != nil {
		return err
	}
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return errors.WithType(errors.Annotate(err, "awaiting auth reply"), model.ErrTransport)
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		switch msg.Type {
		case model.MessageAuthSuccess:
			return nil
		case model.MessageAuthFailed:
			return errors.Unauthorizedf("realtime credentials for user %q", creds.UserID)
		default:
			c.logger.Debug("message before auth reply", "type", msg.Type)
		}
	}
}

func (c *Channel) send(ctx context.Context, conn Conn, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, data); err != nil {
		return errors.WithType(errors.Annotatef(err, "send %s", msg.Type), model.ErrTransport)
	}
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.connectionLost(conn, gen, err)
			return
		}
		c.receive(data)
	}
}

func (c *Channel) connectionLost(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.authenticated = false
	c.logger.Warn("realtime connection lost", "error", err)
	c.scheduleRetryLocked()
	c.mu.Unlock()

	conn.Close()
}

// scheduleRetryLocked arms the next reconnect attempt, waiting
// baseDelay*attempt, unless reconnects are off or exhausted.
func (c *Channel) scheduleRetryLocked() {
	if !c.reconnect {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.logger.Warn("realtime reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	c.attempts++
	delay := c.baseDelay * time.Duration(c.attempts)
	stop := make(chan struct{})
	c.stopRetry = stop
	timer := c.clock.After(delay)
	c.logger.Debug("realtime reconnect scheduled", "attempt", c.attempts, "delay", delay)

	go func() {
		select {
		case <-timer:
			c.retry(stop)
		case <-stop:
		}
	}()
}

func (c *Channel) retry(stop chan struct{}) {
	c.mu.Lock()
	if c.stopRetry != stop || !c.reconnect {
		c.mu.Unlock()
		return
	}
	c.stopRetry = nil
	attempt := c.attempts
	gen, endpoint, creds := c.beginLocked()
	c.mu.Unlock()

	if err := c.establish(context.Background(), gen, endpoint, creds); err != nil {
		c.logger.Warn("realtime reconnect failed", "attempt", attempt, "error", err)
	}
}

func (c *Channel) receive(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed message", "error", err)
		return
	}
	switch msg.Type {
	case model.MessagePong, model.MessageAuthSuccess, model.MessageAuthFailed:
		c.logger.Debug("control message", "type", msg.Type)
		return
	}

	ev, err := FromMessage(msg)
	if err != nil {
		c.logger.Warn("dropping invalid event", "type", msg.Type, "error", err)
		return
	}
	c.dispatch(ev)
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	var specific, wildcard []listener
	for _, l := range c.listeners {
		switch l.kind {
		case ev.Kind():
			specific = append(specific, l)
		case KindAny:
			wildcard = append(wildcard, l)
		}
	}
	c.mu.Unlock()

	for _, l := range append(specific, wildcard...) {
		c.invoke(l, ev)
	}
}

func (c *Channel) invoke(l listener, ev Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
		}()
		return l.fn(ev)
	}()
	if err == nil {
		return
	}

	c.logger.Error("realtime handler failed", "kind", ev.Kind(), "listener", l.id, "error", err)
	select {
	case c.errs <- &HandlerError{Kind: ev.Kind(), Listener: l.id, Err: err}:
	default:
	}
}
