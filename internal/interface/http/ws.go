package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	domain "github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/internal/domain/shared"
	"github.com/alem-hub/roadmap-tracker/pkg/logger"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 << 10
	wsSendBuffer     = 64
)

// Message is one frame pushed to websocket clients.
type Message struct {
	Type    string                 `json:"type"`
	UserID  string                 `json:"userId,omitempty"`
	At      time.Time              `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	State   *domain.State          `json:"state,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// InboundHandler processes a frame a client sent. A non-nil reply is
// written back to that client only.
type InboundHandler func(data []byte) *Message

// ══════════════════════════════════════════════════════════════════════════════
// HUB
// ══════════════════════════════════════════════════════════════════════════════

// Hub fans progress events out to websocket clients, grouped by user.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	closed  bool

	wg sync.WaitGroup
}

type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	send    chan []byte
	inbound InboundHandler
}

// NewHub creates a hub that accepts upgrades from allowedOrigins ("*" for
// any).
func NewHub(allowedOrigins []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if originAllowed(allowedOrigins, origin) {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		logger:  log.With(logger.Component("ws.hub")),
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Serve upgrades the request and registers the connection for userID. The
// first frame is snapshot; frames the client sends go to inbound.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, snapshot *Message, inbound InboundHandler) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &wsClient{
		hub:     h,
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, wsSendBuffer),
		inbound: inbound,
	}
	if snapshot != nil {
		if data, err := json.Marshal(snapshot); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
		return conn.Close()
	}
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]struct{})
	}
	h.clients[userID][c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Debug("client connected", logger.UserID(userID))
	go c.writePump()
	go c.readPump()
	return nil
}

// Clients returns the number of connections for userID, or for everyone
// when userID is empty.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID != "" {
		return len(h.clients[userID])
	}
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Send delivers m to userID's clients, or to every client when userID is
// empty. Clients whose buffer is full are disconnected.
func (h *Hub) Send(userID string, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("encode message failed", logger.Err(err))
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	deliver := func(set map[*wsClient]struct{}) {
		for c := range set {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	if userID == "" {
		for _, set := range h.clients {
			deliver(set)
		}
	} else {
		deliver(h.clients[userID])
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", logger.UserID(c.userID))
		h.unregister(c)
	}
}

// HandleEvent forwards a domain event. It matches shared.EventHandler.
func (h *Hub) HandleEvent(e shared.Event) error {
	h.Send(targetOf(e), eventMessage(e))
	return nil
}

// targetOf returns the user an event concerns; "" means everyone.
func targetOf(e shared.Event) string {
	if e.EventType() == shared.EventStorageDegraded {
		return ""
	}
	return e.AggregateID()
}

func eventMessage(e shared.Event) Message {
	m := Message{
		Type:    string(e.EventType()),
		At:      e.OccurredAt().UTC(),
		Payload: e.Payload(),
	}
	if e.EventType() != shared.EventStorageDegraded {
		m.UserID = e.AggregateID()
	}
	return m
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if ok {
		if _, ok = set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
			close(c.send)
		}
	}
	h.mu.Unlock()
	if ok {
		h.logger.Debug("client disconnected", logger.UserID(c.userID))
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*wsClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.unregister(c)
	}
	h.wg.Wait()
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT PUMPS
// ══════════════════════════════════════════════════════════════════════════════

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				c.hub.logger.Debug("read failed", logger.UserID(c.userID), logger.Err(err))
			}
			return
		}
		if c.inbound == nil {
			continue
		}
		if reply := c.inbound(data); reply != nil {
			c.reply(*reply)
		}
	}
}

// reply queues m for this client only.
func (c *wsClient) reply(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.userID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}
