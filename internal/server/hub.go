package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"tasksync/internal/channel"
	"tasksync/internal/domain"
	"tasksync/internal/engine"
	"tasksync/internal/engine/auth"
	"tasksync/internal/repo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20
	clientBuffer   = 64
	activityWindow = 100
)

// Hub is the event channel endpoint. A task frame sent by a client is checked against
// the database and the sender's ownership, then the stored copy is relayed through the
// broker to every client. Activity requests are answered directly.
type Hub struct {
	engine   engine.Engine
	broker   Broker
	log      log.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id        string
	principal Principal
	conn      *websocket.Conn
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

func NewHub(e engine.Engine, broker Broker, logger log.FieldLogger) *Hub {
	if broker == nil {
		broker = NewLocalBroker()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		engine:   e,
		broker:   broker,
		log:      logger.WithField("component", "hub"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  map[string]*wsClient{},
	}
}

// Start subscribes the hub to its broker. Deliveries stop when ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.fanOut)
}

// Broadcast publishes one frame to every client of every hub.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any) error {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, msg)
}

// Clients is the number of open connections on this hub.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[string]*wsClient{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("upgrade failed")
		return
	}
	c := &wsClient{id: uuid.NewString(), principal: principal, conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.WithFields(log.Fields{"conn": c.id, "user": principal.UserID}).Debug("client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	h.log.WithField("conn", c.id).Debug("client disconnected")
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// enqueue drops the frame for a client whose buffer is full or that has gone away.
func (c *wsClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.enqueue(msg) {
			h.log.WithField("conn", c.id).Warn("client too slow, frame dropped")
		}
	}
}

func (h *Hub) readPump(c *wsClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("conn", c.id).Debug("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(c, msg)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (h *Hub) handle(c *wsClient, msg []byte) {
	var f channel.Frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
		h.log.WithField("conn", c.id).Warn("dropping malformed frame")
		return
	}
	logger := h.log.WithFields(log.Fields{"conn": c.id, "event": f.Event})
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch f.Event {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		claimed, err := domain.DecodeTask(f.Data)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed frame")
			return
		}
		stored, err := h.engine.Repo.GetTask(ctx, claimed.ID)
		if err != nil {
			logger.WithError(err).WithField("task", claimed.ID).Warn("dropping frame for unknown task")
			return
		}
		if err := auth.Task(c.principal.Identity(), "announce", stored); err != nil {
			logger.WithError(err).WithField("user", c.principal.UserID).Warn("dropping frame from non-owner")
			return
		}
		h.relay(ctx, logger, f.Event, stored)
	case domain.EventTaskDeleted:
		id, err := domain.DecodeTaskID(f.Data)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed frame")
			return
		}
		_, err = h.engine.Repo.GetTask(ctx, id)
		switch {
		case err == nil:
			logger.WithField("task", id).Warn("dropping delete for a task that still exists")
		case errors.Is(err, repo.ErrNotFound):
			h.relay(ctx, logger, f.Event, id)
		default:
			logger.WithError(err).Error("load task")
		}
	case domain.EventActivityFetch:
		entries, err := h.engine.Activity(ctx, activityWindow)
		if err != nil {
			logger.WithError(err).Error("load activity")
			return
		}
		reply, err := encodeFrame(domain.EventActivityLogs, entries)
		if err != nil {
			logger.WithError(err).Error("encode activity")
			return
		}
		c.enqueue(reply)
	default:
		logger.Debug("ignoring unknown event")
	}
}

// relay publishes the hub's own copy of a task event, never the client's payload.
func (h *Hub) relay(ctx context.Context, logger log.FieldLogger, event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		logger.WithError(err).Error("encode relay")
		return
	}
	if err := h.broker.Publish(ctx, msg); err != nil {
		logger.WithError(err).Error("relay failed")
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(channel.Frame{Event: event, Data: data})
}
