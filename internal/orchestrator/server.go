package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/netresearch/j2o-core/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected progress-stream subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans progress events out to every connected WebSocket client,
// doubling as a Sink. register/unregister/broadcast channels feed a
// single Run loop that owns all client-map mutation; mu only guards
// reads from other goroutines (e.g. a client count lookup).
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	logger     *observability.Logger
	running    bool
}

// NewHub creates a progress-event Hub.
func NewHub(logger *observability.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logger:     logger,
	}
}

// Run processes register/unregister/broadcast for as long as the
// process runs; it has no stop signal and never returns.
func (h *Hub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Emit implements Sink by broadcasting e to every connected client.
func (h *Hub) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("orchestrator: marshal progress event", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("orchestrator: progress broadcast channel full, dropping event")
	}
}

func (h *Hub) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("orchestrator: websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ProgressServer exposes /health, /metrics, and a /progress WebSocket
// feed of orchestrator events over HTTP.
type ProgressServer struct {
	addr   string
	hub    *Hub
	health *observability.HealthChecker
	logger *observability.Logger
	router *gin.Engine
}

// NewProgressServer builds a ProgressServer; its Hub also implements
// Sink and should be passed to Orchestrator.New / combined via
// NewMultiSink with other sinks (e.g. a log-only sink).
func NewProgressServer(addr string, health *observability.HealthChecker, logger *observability.Logger) *ProgressServer {
	gin.SetMode(gin.ReleaseMode)
	hub := NewHub(logger)

	s := &ProgressServer{addr: addr, hub: hub, health: health, logger: logger}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.GET("/health", health.HealthHandler())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/progress", hub.handleWebSocket)

	return s
}

// Hub returns the event sink backing this server's /progress feed.
func (s *ProgressServer) Hub() Sink { return s.hub }

// Start runs the hub loop and the HTTP server; blocks until the server
// exits (ListenAndServe's normal contract).
func (s *ProgressServer) Start() error {
	go s.hub.Run()
	s.logger.Info("orchestrator: progress server listening", zap.String("addr", s.addr))
	return s.router.Run(s.addr)
}
