// Package wsclient maintains the reconnecting WebSocket connection to the
// FUGUE server.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/fuguesync/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("websocket not connected")
	ErrPolicyViolation  = errors.New("websocket closed by policy")
	ErrClosed           = errors.New("websocket closed by server")
	ErrRetriesExhausted = errors.New("websocket retries exhausted")
)

const (
	defaultMaxRetries    = 5
	defaultRetryInterval = 3 * time.Second
	defaultReadLimit     = 1 << 20

	StatusUnauthorized websocket.StatusCode = 4401
	StatusForbidden    websocket.StatusCode = 4403
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// CloseError is returned when the server ends the connection in a way that
// must not be retried.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with status %d", int(e.Code))
	}
	return fmt.Sprintf("websocket closed with status %d: %s", int(e.Code), e.Reason)
}

func (e *CloseError) Is(target error) bool {
	switch target {
	case ErrPolicyViolation:
		return isPolicyClose(e.Code)
	case ErrClosed:
		return e.Code == websocket.StatusNormalClosure
	default:
		return false
	}
}

// Handler receives decoded messages and connection state changes. Both are
// called from the goroutine running Run.
type Handler interface {
	HandleMessage(env protocol.Envelope)
	HandleState(state State, err error)
}

type DialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

type Options struct {
	URL           string
	Token         string
	MaxRetries    int
	RetryInterval time.Duration
	ReadLimit     int64
	HTTPClient    *http.Client
	Dial          DialFunc
	Logger        *zap.Logger
}

type Client struct {
	url           string
	token         string
	maxRetries    int
	retryInterval time.Duration
	readLimit     int64
	httpClient    *http.Client
	dial          DialFunc
	logger        *zap.Logger

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
}

func New(opts Options) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("websocket url is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	dial := opts.Dial
	if dial == nil {
		dial = websocket.Dial
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:           url,
		token:         strings.TrimSpace(opts.Token),
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		readLimit:     readLimit,
		httpClient:    opts.HTTPClient,
		dial:          dial,
		logger:        logger,
		state:         StateDisconnected,
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of consecutive failed connections since the last
// successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Run connects and keeps the connection alive until ctx is cancelled or a
// terminal close occurs. Cancelling ctx is a clean disconnect and returns nil.
func (c *Client) Run(ctx context.Context, h Handler) error {
	for {
		c.setState(h, StateConnecting, nil)
		conn, resp, err := c.dial(ctx, c.url, c.dialOptions())
		if err != nil {
			if ctx.Err() != nil {
				c.setState(h, StateDisconnected, nil)
				return nil
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				terminal := fmt.Errorf("%w: handshake rejected with http %d", ErrPolicyViolation, resp.StatusCode)
				c.setState(h, StateError, terminal)
				return terminal
			}
			if retryErr := c.scheduleRetry(ctx, h, err); retryErr != nil {
				return retryErr
			}
			if ctx.Err() != nil {
				c.setState(h, StateDisconnected, nil)
				return nil
			}
			continue
		}

		conn.SetReadLimit(c.readLimit)
		c.mu.Lock()
		c.conn = conn
		c.attempts = 0
		c.mu.Unlock()

		if err := c.Send(ctx, protocol.StatusRequest()); err != nil {
			c.logger.Warn("status request failed", zap.Error(err))
		}
		c.setState(h, StateConnected, nil)

		readErr := c.readLoop(ctx, conn, h)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			c.setState(h, StateDisconnected, nil)
			return nil
		}
		code := websocket.CloseStatus(readErr)
		if code == websocket.StatusNormalClosure || isPolicyClose(code) {
			var closeErr websocket.CloseError
			reason := ""
			if errors.As(readErr, &closeErr) {
				reason = closeErr.Reason
			}
			terminal := &CloseError{Code: code, Reason: reason}
			c.logger.Info("websocket closed without retry", zap.Int("code", int(code)), zap.String("reason", reason))
			c.setState(h, StateError, terminal)
			return terminal
		}
		_ = conn.Close(websocket.StatusGoingAway, "")
		if retryErr := c.scheduleRetry(ctx, h, readErr); retryErr != nil {
			return retryErr
		}
		if ctx.Err() != nil {
			c.setState(h, StateDisconnected, nil)
			return nil
		}
	}
}

// Send writes v as a JSON text frame on the live connection.
func (c *Client) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Debug("dropping binary websocket frame", zap.Int("bytes", len(data)))
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed websocket message", zap.Error(err))
			continue
		}
		h.HandleMessage(env)
	}
}

// scheduleRetry records a failed connection and waits the fixed interval. It
// returns a terminal error once the retry budget is spent.
func (c *Client) scheduleRetry(ctx context.Context, h Handler, cause error) error {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()
	if attempts > c.maxRetries {
		terminal := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts-1, cause)
		c.setState(h, StateError, terminal)
		return terminal
	}
	c.logger.Info("websocket reconnect scheduled",
		zap.Int("attempt", attempts),
		zap.Duration("delay", c.retryInterval),
		zap.Error(cause),
	)
	c.setState(h, StateDisconnected, cause)
	_ = waitWithContext(ctx, c.retryInterval)
	return nil
}

func (c *Client) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != "" {
		opts.HTTPHeader = http.Header{}
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	return opts
}

func (c *Client) setState(h Handler, state State, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	if h != nil {
		h.HandleState(state, err)
	}
}

func isPolicyClose(code websocket.StatusCode) bool {
	switch code {
	case websocket.StatusPolicyViolation, StatusUnauthorized, StatusForbidden:
		return true
	default:
		return false
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
