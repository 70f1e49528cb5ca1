// Package transport owns the full-duplex websocket connection between the
// capture client and the transcription server. Outbound messages are merged
// audio payloads; inbound text messages are transcript fragments, passed
// through unmodified and in order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/logging"
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("connection not open")

// Config holds connection settings.
type Config struct {
	ServerURL        string // ws://host:port, the session path is appended
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		ServerURL:        "ws://127.0.0.1:8080",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// NewSessionID returns a random client token scoping the connection.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Client is one websocket connection keyed by a session identity.
//
// Send and Close are called from the owner's goroutine; the read loop runs on
// its own goroutine. Events from both are queued and delivered to the notify
// function given to Connect by a single dispatcher goroutine, so emitting
// never blocks a caller of Send or Close.
type Client struct {
	cfg       Config
	sessionID string
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	events *eventQueue
}

// NewClient creates a client in the Connecting state. Nothing is dialed until
// Connect.
func NewClient(cfg Config, sessionID string) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}
	return &Client{
		cfg:       cfg,
		sessionID: sessionID,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logging.WithSession("transport", sessionID),
		state:  StateConnecting,
		events: newEventQueue(),
	}
}

// SessionID returns the session identity.
func (c *Client) SessionID() string {
	return c.sessionID
}

// URL returns the websocket endpoint for this session.
func (c *Client) URL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + url.PathEscape(c.sessionID)
	return u.String(), nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials asynchronously. notify receives every state change and every
// inbound fragment, in order, from a single goroutine, until ctx is done.
func (c *Client) Connect(ctx context.Context, notify func(Event)) {
	if notify == nil {
		notify = func(Event) {}
	}
	go c.events.dispatch(ctx, notify)
	go c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) {
	endpoint, err := c.URL()
	if err != nil {
		c.transition(StateFailed, err)
		return
	}

	c.logger.Info().Str("url", endpoint).Msg("Connecting to transcription server")

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.logger.Error().Err(err).Str("url", endpoint).Msg("WebSocket dial failed")
		c.transition(StateFailed, err)
		return
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if !c.transition(StateOpen, nil) {
		conn.Close()
		return
	}
	c.logger.Info().Msg("WebSocket connected")

	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.release(conn)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("WebSocket closed by server")
				c.transition(StateClosed, nil)
			} else {
				c.logger.Warn().Err(err).Msg("WebSocket read failed")
				c.transition(StateClosed, err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("bytes", len(data)).Msg("Ignoring non-text message")
			continue
		}

		c.logger.Debug().Str("text", string(data)).Msg("Transcript fragment received")
		c.emit(Fragment{Text: string(data)})
	}
}

// Send writes one payload as a single binary message. It fails with
// ErrNotConnected, and does nothing else, unless the connection is open.
func (c *Client) Send(ctx context.Context, payload media.Payload) error {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state != StateOpen || conn == nil {
		return fmt.Errorf("send in state %s: %w", state, ErrNotConnected)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, payload.Data); err != nil {
		c.logger.Error().Err(err).Int("bytes", payload.Size()).Msg("WebSocket write failed")
		c.release(conn)
		c.transition(StateClosed, err)
		return fmt.Errorf("write payload: %w", err)
	}

	c.logger.Debug().
		Int("bytes", payload.Size()).
		Int("frames", payload.Frames).
		Msg("Audio payload sent")
	return nil
}

// Close sends a normal closure and closes the socket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state.IsTerminal() && conn == nil {
		return nil
	}

	if conn == nil {
		// Still dialing; dial() discards the connection when it lands.
		c.transition(StateClosed, nil)
		return nil
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("Close frame not sent")
	}

	c.transition(StateClosed, nil)
	c.release(conn)
	return nil
}

// release closes conn once, if it is still the current connection.
func (c *Client) release(conn *websocket.Conn) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	if current {
		conn.Close()
	}
}

// transition moves to the next state and reports it. It returns false when
// the move is not legal from the current state.
func (c *Client) transition(to State, cause error) bool {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Connection state changed")

	c.emit(StateChanged{State: to, Err: cause})
	return true
}

func (c *Client) emit(ev Event) {
	c.events.push(ev)
}
