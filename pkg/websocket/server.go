// pkg/websocket/server.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"border/pkg/common"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/state"
	"border/pkg/storage"
)

// Subprotocol is the only WebSocket subprotocol accepted
const Subprotocol = "dec112"

const transportName = "websocket"

// ErrSlowConsumer is returned by Send when a connection's queue is full
var ErrSlowConsumer = errors.New("watcher send queue full")

// ErrConnectionClosed is returned by Send after the connection was closed
var ErrConnectionClosed = errors.New("connection closed")

// Calls is what watcher connections may do with calls
type Calls interface {
	ResolveService(name string) (string, bool)
	GetByCallID(ctx context.Context, callID, svc string) (*storage.CallRecord, error)
	GetByAltID(ctx context.Context, altID, svc string) (*storage.CallRecord, error)
	Send(ctx context.Context, callID, svc, text string, closing bool) error
	Close(ctx context.Context, callID, svc, text string, reason state.CallState) error
	Active(svc string) []state.View
	Count(svc string) int
	Registry() *state.Registry
}

// Server accepts watcher connections of control centers
type Server struct {
	config   ServerConfig
	upgrader websocket.Upgrader
	calls    Calls
	logger   *zap.Logger
	events   *blog.Logger

	mu          sync.RWMutex
	connections map[string]*ClientConnection
	wg          sync.WaitGroup
}

// ServerConfig defines the configuration of the watcher endpoint
type ServerConfig struct {
	MaxConnections int
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	RequestTimeout time.Duration
	// Debug adds error details and runtimes to responses
	Debug bool
}

// ClientConnection is one watcher connection. It implements state.Watcher.
type ClientConnection struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string
	Service    string
	CreateTime time.Time

	send    chan []byte
	done    chan struct{}
	closed  bool
	closeMu sync.Mutex
}

// Send queues payload for delivery. It never blocks.
func (c *ClientConnection) Send(payload []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// NewServer creates the watcher endpoint on top of calls.
func NewServer(config ServerConfig, calls Calls, logger *zap.Logger) *Server {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 1000
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	logger = logger.With(zap.String("component", blog.ComponentWebSocket))

	return &Server{
		config:      config,
		calls:       calls,
		logger:      logger,
		events:      blog.Wrap(logger),
		connections: make(map[string]*ClientConnection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			Subprotocols: []string{Subprotocol},
		},
	}
}

// ServeHTTP upgrades a watcher connection. The service is chosen by the
// service query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientAddr := r.RemoteAddr

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Not a WebSocket handshake", http.StatusBadRequest)
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		s.logger.Warn("Connection rejected: invalid subprotocols",
			zap.String("client", clientAddr),
			zap.Strings("subprotocols", websocket.Subprotocols(r)))
		http.Error(w, "invalid protocol requested", http.StatusNotFound)
		return
	}
	svc, ok := s.calls.ResolveService(r.URL.Query().Get("service"))
	if !ok {
		s.logger.Warn("Connection rejected: unknown service",
			zap.String("client", clientAddr),
			zap.String("service", r.URL.Query().Get("service")))
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	s.mu.RLock()
	full := len(s.connections) >= s.config.MaxConnections
	s.mu.RUnlock()
	if full {
		s.logger.Warn("Connection rejected: too many connections",
			zap.String("client", clientAddr),
			zap.Int("maxConnections", s.config.MaxConnections))
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			zap.String("remoteAddr", clientAddr),
			zap.Error(err))
		return
	}

	client := &ClientConnection{
		ID:         uuid.NewString(),
		Conn:       conn,
		RemoteAddr: clientAddr,
		Service:    svc,
		CreateTime: time.Now(),
		send:       make(chan []byte, s.config.SendQueueSize),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[client.ID] = client
	count := len(s.connections)
	s.mu.Unlock()
	metrics.SetWatcherCount(transportName, count)
	s.events.LogTransportConnection(r.Context(), blog.ComponentWebSocket, clientAddr, true, svc)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(client)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(client)
	}()
}

// readPump handles requests until the connection fails or is closed.
func (s *Server) readPump(client *ClientConnection) {
	defer s.closeConnection(client)

	readTimeout := 2 * s.config.PingInterval
	_ = client.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Client closed connection normally", zap.String("client", client.ID))
			} else {
				s.logger.Debug("WebSocket read error", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
		_ = client.Conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType != websocket.TextMessage {
			s.reply(client, &Response{Code: http.StatusNotFound, Message: "binary messages are not supported"})
			continue
		}
		s.handleRequest(client, data)
	}
}

// writePump is the only writer of the connection.
func (s *Server) writePump(client *ClientConnection) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case payload := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("WebSocket write failed", zap.String("client", client.ID), zap.Error(err))
				go s.closeConnection(client)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := client.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("WebSocket ping failed", zap.String("client", client.ID), zap.Error(err))
				go s.closeConnection(client)
				return
			}
		}
	}
}

func (s *Server) reply(client *ClientConnection, res *Response) {
	payload, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	if err := client.Send(payload); err != nil {
		s.events.LogWatcherDelivery(context.Background(), transportName, res.Method, err)
	}
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return common.EnsureTimeout(context.Background(), s.config.RequestTimeout)
}

// closeConnection unsubscribes and closes a client connection
func (s *Server) closeConnection(client *ClientConnection) {
	client.closeMu.Lock()
	if client.closed {
		client.closeMu.Unlock()
		return
	}
	client.closed = true
	close(client.done)
	client.closeMu.Unlock()

	s.calls.Registry().RemoveWatcher(client)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Connection closed")
	_ = client.Conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = client.Conn.Close()

	s.mu.Lock()
	delete(s.connections, client.ID)
	count := len(s.connections)
	s.mu.Unlock()
	metrics.SetWatcherCount(transportName, count)

	s.events.LogTransportConnection(context.Background(), blog.ComponentWebSocket, client.RemoteAddr, false, "closed")
	s.logger.Info("WebSocket connection closed",
		zap.String("clientID", client.ID),
		zap.String("remoteAddr", client.RemoteAddr),
		zap.Duration("duration", time.Since(client.CreateTime)))
}

// ConnectionCount returns the number of open watcher connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes all connections and waits for their goroutines.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*ClientConnection, 0, len(s.connections))
	for _, client := range s.connections {
		clients = append(clients, client)
	}
	s.mu.Unlock()

	s.logger.Info("Closing all WebSocket connections", zap.Int("connectionCount", len(clients)))
	for _, client := range clients {
		s.closeConnection(client)
	}
	s.wg.Wait()
}
