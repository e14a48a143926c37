package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/cache"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocketServer streams every estimate written to the cache to subscribed clients.
type WebSocketServer struct {
	addr     string
	logger   *logging.Logger
	upgrader websocket.Upgrader

	// Client management
	mu      sync.RWMutex
	clients map[*WebSocketClient]bool

	updates chan aggregator.PriceEstimate

	ctx    context.Context
	cancel context.CancelFunc
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn            *websocket.Conn
	send            chan []byte
	server          *WebSocketServer
	subscribedAll   bool
	subscribedPairs map[string]bool
	mu              sync.RWMutex
}

// WebSocketMessage represents a client message.
type WebSocketMessage struct {
	Type  string   `json:"type"`  // "subscribe", "unsubscribe", "ping"
	Pairs []string `json:"pairs"` // pair keys or BASE/QUOTE symbols, "*" for all
}

// EstimateUpdateMessage is sent to clients.
type EstimateUpdateMessage struct {
	Type      string                   `json:"type"` // "estimate"
	Key       string                   `json:"key"`
	Timestamp string                   `json:"timestamp"`
	Estimate  aggregator.PriceEstimate `json:"estimate"`
}

// NewWebSocketServer creates a new WebSocket server. Clients receive nothing
// until they subscribe.
func NewWebSocketServer(addr string, logger *logging.Logger) *WebSocketServer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &WebSocketServer{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: make(map[*WebSocketClient]bool),
		updates: make(chan aggregator.PriceEstimate, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.broadcastUpdates()
	return s
}

// Attach streams the cache's writes until the server stops.
func (s *WebSocketServer) Attach(c *cache.Cache) {
	unsubscribe := c.Subscribe(func(e cache.Entry) {
		s.SendUpdate(e.Estimate)
	})
	go func() {
		<-s.ctx.Done()
		unsubscribe()
	}()
}

// Handler returns the upgrade handler.
func (s *WebSocketServer) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Start serves /ws until Stop is called.
func (s *WebSocketServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting WebSocket server", "addr", s.addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", "error", err)
		}
	}()

	<-s.ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Stop stops the WebSocket server.
func (s *WebSocketServer) Stop() {
	s.cancel()
}

// SendUpdate queues an estimate for broadcast. It never blocks; updates
// are dropped when the queue is full.
func (s *WebSocketServer) SendUpdate(est aggregator.PriceEstimate) {
	select {
	case s.updates <- est:
	default:
		s.logger.Warn("Update channel full, dropping estimate update", "pair", est.Pair.Symbol())
	}
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:            conn,
		send:            make(chan []byte, 256),
		server:          s,
		subscribedPairs: make(map[string]bool),
	}

	s.registerClient(client)

	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected", "remote", conn.RemoteAddr())
}

func (s *WebSocketServer) registerClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *WebSocketServer) broadcastUpdates() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case est := <-s.updates:
			s.broadcast(est)
		}
	}
}

func (s *WebSocketServer) broadcast(est aggregator.PriceEstimate) {
	message := EstimateUpdateMessage{
		Type:      "estimate",
		Key:       est.Pair.Key(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Estimate:  est,
	}

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal estimate update", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if client.shouldReceive(est) {
			select {
			case client.send <- data:
			default:
				s.logger.Warn("Client send buffer full, skipping update")
			}
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

func (c *WebSocketClient) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Warn("Invalid client message", "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Pairs)
		c.reply(map[string]interface{}{"type": "subscribed", "pairs": msg.Pairs})
	case "unsubscribe":
		c.unsubscribe(msg.Pairs)
		c.reply(map[string]interface{}{"type": "unsubscribed", "pairs": msg.Pairs})
	case "ping":
		c.reply(map[string]string{"type": "pong"})
	default:
		c.server.logger.Warn("Unknown message type", "type", msg.Type)
	}
}

func (c *WebSocketClient) subscribe(pairs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pairs) == 0 || (len(pairs) == 1 && pairs[0] == "*") {
		c.subscribedAll = true
		c.subscribedPairs = make(map[string]bool)
	} else {
		for _, p := range pairs {
			c.subscribedPairs[normalizeSubscription(p)] = true
		}
	}

	c.server.logger.Debug("Client subscribed", "pairs", pairs)
}

func (c *WebSocketClient) unsubscribe(pairs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pairs) == 0 || (len(pairs) == 1 && pairs[0] == "*") {
		c.subscribedAll = false
		c.subscribedPairs = make(map[string]bool)
	} else {
		for _, p := range pairs {
			delete(c.subscribedPairs, normalizeSubscription(p))
		}
	}

	c.server.logger.Debug("Client unsubscribed", "pairs", pairs)
}

func (c *WebSocketClient) shouldReceive(est aggregator.PriceEstimate) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subscribedAll {
		return true
	}
	return c.subscribedPairs[est.Pair.Key()] || c.subscribedPairs[normalizeSubscription(est.Pair.Symbol())]
}

// normalizeSubscription upper-cases BASE/QUOTE symbols. Pair keys are kept
// as given since non-EVM addresses are case sensitive.
func normalizeSubscription(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		return s
	}
	return strings.ToUpper(s)
}

func (c *WebSocketClient) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
