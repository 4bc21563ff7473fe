// Package realtime is a reconnecting WebSocket client with typed message
// dispatch. It is shared by the chat relay and the per-call state socket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/staffcall/internal/backoff"
	"github.com/yegors/staffcall/pkg/logger"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	writeTimeout            = 10 * time.Second
	closeGracePeriod        = time.Second
)

var (
	ErrNoURL              = errors.New("realtime: no url to connect to")
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// Schedule runs fn after d and returns a func that cancels it
type Schedule func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Options configures a Client
type Options struct {
	Policy           backoff.Policy
	HandshakeTimeout time.Duration
	Header           http.Header
	// CleanCloseEnds stops reconnecting when the peer closes with code 1000.
	CleanCloseEnds bool
	// Schedule defaults to time.AfterFunc. Callbacks must not run synchronously.
	Schedule Schedule
	// Name is used as the logger name
	Name string
}

// Client holds at most one live transport. Connect replaces it; Disconnect
// ends it and every pending reconnect.
type Client struct {
	opts     Options
	dialer   *websocket.Dialer
	schedule Schedule
	logger   *logger.Logger

	mu              sync.Mutex
	url             string
	conn            *websocket.Conn
	gen             uint64
	shouldReconnect bool
	attempts        int
	cancelRetry     func()

	writeMu sync.Mutex

	openHandlers    handlers[func()]
	closeHandlers   handlers[func(code int, reason string)]
	errorHandlers   handlers[func(error)]
	messageHandlers handlers[func(Message)]
}

// NewClient creates a disconnected client. url may be empty and supplied to Connect later.
func NewClient(rawURL string, opts Options, log *logger.Logger) *Client {
	if opts.Policy.MaxAttempts == 0 && opts.Policy.Base == 0 {
		opts.Policy = backoff.RealtimePolicy
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Name == "" {
		opts.Name = "realtime-client"
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = afterFunc
	}
	return &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		schedule: schedule,
		logger:   log.Named(opts.Name),
		url:      rawURL,
	}
}

// OnOpen registers fn for every established connection
func (c *Client) OnOpen(fn func()) func() { return c.openHandlers.add(fn) }

// OnClose registers fn for every closed connection
func (c *Client) OnClose(fn func(code int, reason string)) func() { return c.closeHandlers.add(fn) }

// OnError registers fn for transport errors and reconnect exhaustion
func (c *Client) OnError(fn func(error)) func() { return c.errorHandlers.add(fn) }

// OnMessage registers fn for every inbound frame
func (c *Client) OnMessage(fn func(Message)) func() { return c.messageHandlers.add(fn) }

// Connect opens a connection in the background, closing any existing one
// first. An empty rawURL reuses the last URL. Dial failures are reported to
// error handlers and retried according to the policy.
func (c *Client) Connect(rawURL string) error {
	c.mu.Lock()
	if rawURL != "" {
		c.url = rawURL
	}
	if c.url == "" {
		c.mu.Unlock()
		return ErrNoURL
	}
	c.gen++
	gen := c.gen
	prev := c.conn
	c.conn = nil
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.shouldReconnect = true
	c.attempts = 0
	target := c.url
	c.mu.Unlock()

	if prev != nil {
		c.logger.Debug("Replacing existing connection")
		c.closeConn(prev, websocket.CloseNormalClosure, "reconnecting")
	}

	go c.dial(gen, target)
	return nil
}

// Disconnect closes the transport and cancels any pending reconnect. It is
// idempotent and never blocks on the read loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.gen++
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.closeConn(conn, websocket.CloseNormalClosure, "client disconnect")
	c.logger.Info("Disconnected")
	for _, fn := range c.closeHandlers.list() {
		fn(websocket.CloseNormalClosure, "client disconnect")
	}
}

// Connected reports whether a transport is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes msg as a text frame. Strings and byte slices are sent as is,
// anything else is JSON encoded. It returns false when no transport is open
// or the write fails.
func (c *Client) Send(msg any) bool {
	var payload []byte
	switch v := msg.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			c.logger.Error("Failed to encode outbound message", logger.Error(err))
			return false
		}
		payload = b
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("Failed to send message", logger.Error(err))
		return false
	}
	return true
}

func (c *Client) dial(gen uint64, target string) {
	c.logger.Debug("Connecting", logger.String("url", redactURL(target)))

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(ctx, target, c.opts.Header)
	cancel()

	c.mu.Lock()
	if gen != c.gen || !c.shouldReconnect {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Failed to connect",
			logger.String("url", redactURL(target)),
			logger.Error(err))
		c.emitError(fmt.Errorf("realtime: dial: %w", err))
		c.scheduleReconnect(gen)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Connected", logger.String("url", redactURL(target)))
	for _, fn := range c.openHandlers.list() {
		fn()
	}
	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			c.handleClose(gen, conn, code, reason)
			return
		}

		msg := decode(data)
		for _, fn := range c.messageHandlers.list() {
			fn(msg)
		}
	}
}

func (c *Client) handleClose(gen uint64, conn *websocket.Conn, code int, reason string) {
	c.mu.Lock()
	current := gen == c.gen
	if current && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	// superseded by Connect or ended by Disconnect
	if !current {
		return
	}

	c.logger.Info("Connection closed",
		logger.Int("code", code),
		logger.String("reason", reason))
	for _, fn := range c.closeHandlers.list() {
		fn(code, reason)
	}

	if code == websocket.CloseNormalClosure && c.opts.CleanCloseEnds {
		return
	}
	c.scheduleReconnect(gen)
}

func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.shouldReconnect || c.cancelRetry != nil {
		c.mu.Unlock()
		return
	}
	attempt, delay, ok := c.opts.Policy.Next(c.attempts)
	if !ok {
		c.shouldReconnect = false
		made := c.attempts
		c.mu.Unlock()
		c.logger.Error("Giving up reconnecting", logger.Int("attempts", made))
		c.emitError(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, made))
		return
	}
	c.attempts = attempt
	target := c.url
	c.cancelRetry = c.schedule(delay, func() {
		c.mu.Lock()
		if gen != c.gen || !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		c.cancelRetry = nil
		c.mu.Unlock()
		c.dial(gen, target)
	})
	c.mu.Unlock()

	c.logger.Info("Scheduling reconnect",
		logger.Int("attempt", attempt),
		logger.Int("max_attempts", c.opts.Policy.MaxAttempts),
		logger.Duration("delay", delay))
}

func (c *Client) closeConn(conn *websocket.Conn, code int, reason string) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeGracePeriod))
	c.writeMu.Unlock()
	conn.Close()
}

func (c *Client) emitError(err error) {
	for _, fn := range c.errorHandlers.list() {
		fn(err)
	}
}

// redactURL drops query and userinfo, which may carry credentials
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
