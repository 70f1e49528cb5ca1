// Package ws serves the websocket endpoint that receives audio chunks from
// capture clients and writes transcripts back.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ai-speech-live-capture/internal/observability/logging"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/service/audio"
)

// DefaultWriteTimeout bounds each text write to a client.
const DefaultWriteTimeout = 10 * time.Second

// ChunkHandler processes one binary message from a client.
type ChunkHandler interface {
	HandleChunk(ctx context.Context, clientID string, audio []byte, reply audio.Sender) error
}

// Server upgrades /ws/{clientId} requests and runs one read loop per client.
type Server struct {
	handler      ChunkHandler
	registry     *Registry
	metrics      *metrics.Server
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records connection metrics on m instead of the default server.
func WithMetrics(m *metrics.Server) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWriteTimeout bounds each transcript write to a client.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// NewServer creates a websocket server dispatching chunks to handler.
func NewServer(handler ChunkHandler, opts ...Option) *Server {
	s := &Server{
		handler:      handler,
		registry:     NewRegistry(),
		metrics:      metrics.DefaultServer,
		writeTimeout: DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // capture clients are not browsers
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the active connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP handles one client connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	logger := logging.WithClient(clientID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &clientConn{id: clientID, conn: conn, writeTimeout: s.writeTimeout}
	if prev := s.registry.add(c); prev != nil {
		logger.Info().Msg("Client reconnected, closing previous connection")
		prev.close("replaced by new connection")
	}

	start := time.Now()
	s.metrics.RecordConnectionStart()
	logger.Info().Int("active", s.registry.Count()).Msg("Client connected")

	defer func() {
		s.registry.remove(c)
		c.close("")
		s.metrics.RecordConnectionEnd(time.Since(start).Seconds())
		logger.Info().
			Dur("duration", time.Since(start)).
			Int("active", s.registry.Count()).
			Msg("Client disconnected")
	}()

	ctx := r.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			logger.Debug().Int("type", mt).Msg("Ignoring non-binary message")
			continue
		}
		if err := s.handler.HandleChunk(ctx, clientID, data, c); err != nil {
			logger.Error().Err(err).Msg("Chunk handling failed, closing connection")
			return
		}
	}
}

// clientConn serializes writes to one websocket.
type clientConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// SendText writes one text message to the client.
func (c *clientConn) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		deadline := time.Now().Add(c.writeTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.conn.SetWriteDeadline(deadline)
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// close sends a normal close frame when reason is set, then closes the socket.
func (c *clientConn) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if reason != "" {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = c.conn.Close()
}

// Registry tracks the active connection per client id.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientConn
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*clientConn)}
}

// add stores c and returns the connection it replaced, if any.
func (r *Registry) add(c *clientConn) *clientConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.id]
	r.clients[c.id] = c
	return prev
}

// remove deletes c only if it is still the registered connection for its id.
func (r *Registry) remove(c *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Has reports whether clientID is connected.
func (r *Registry) Has(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

// CloseAll closes every connection with a going-away reason.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*clientConn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close("server shutting down")
	}
}
