package stream

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	drepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/service/metrics"
	applogger "TradeDash/pkg/logger"
)

// Message is the frame pushed to dashboard clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Hub fans events out to websocket clients. A client whose buffer is full is dropped.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	l        *applogger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	symbols map[string]bool
	once    sync.Once
}

func NewHub(cfg Config, l *applogger.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if l == nil {
		l = applogger.NewNop()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		l:       l.Named("stream"),
		clients: make(map[*client]struct{}),
	}
}

var _ drepo.Notifier = (*Hub)(nil)

// Notify broadcasts payload under topic. Events carrying a symbol only reach
// clients subscribed to it, or clients without a filter.
func (h *Hub) Notify(topic string, payload interface{}) {
	b, err := json.Marshal(Message{Type: topic, Data: payload, At: time.Now().UTC()})
	if err != nil {
		h.l.Warn("encode stream message", applogger.String("type", topic), applogger.Error(err))
		return
	}
	sym := symbolOf(payload)

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if sym != "" && len(c.symbols) > 0 && !c.symbols[sym] {
			continue
		}
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.l.Warn("dropping slow stream client", applogger.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle upgrades the request. ?symbols=A,B restricts symbol-scoped events.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{
		conn:    conn,
		send:    make(chan []byte, h.cfg.BufferSize),
		symbols: parseSymbols(c.QueryParam("symbols")),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()
	h.l.Debug("stream client connected", applogger.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(cl)
	h.readLoop(cl)
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
		metrics.StreamClients.Dec()
	})
}

// readLoop only drains control frames; clients do not send data.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func parseSymbols(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

type symbolScoped interface {
	GetSymbol() string
}

func symbolOf(payload interface{}) string {
	if s, ok := payload.(symbolScoped); ok {
		return s.GetSymbol()
	}
	return ""
}
