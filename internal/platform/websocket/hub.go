// Package websocket pushes governance events to connected reading-room and
// ward clients. Clients subscribe to topics and receive every event broadcast
// to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/radiology/internal/platform/auth"
	"github.com/ehr/radiology/internal/platform/db"
	"github.com/ehr/radiology/internal/platform/events"
)

const (
	TopicCritical = "critical-findings"
	TopicReports  = "reports"
)

// StudyTopic is the per-study topic, e.g. "study/1.2.840.1".
func StudyTopic(studyUID string) string {
	return "study/" + studyUID
}

// Message is the frame sent to clients.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	StudyUID  string          `json:"study_uid,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single connection.
type Client struct {
	ID       string
	UserID   string
	TenantID string
	Topics   []string
	Send     chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "livefeed").Logger(),
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends msg to every client subscribed to topic. Slow clients whose
// buffer is full miss the frame.
func (h *Hub) Broadcast(topic string, msg Message) {
	h.broadcast("", topic, msg)
}

// broadcast limits delivery to clients of tenantID unless it is empty.
func (h *Hub) broadcast(tenantID, topic string, msg Message) {
	msg.Topic = topic
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		if tenantID != "" && client.TenantID != tenantID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("client buffer full, frame skipped")
		}
	}
}

// HandleEvent is the events.Handler that fans bus events out to the feed
// topics and the per-study topic. Events carrying a tenant only reach that
// tenant's clients.
func (h *Hub) HandleEvent(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	msg := Message{Type: evt.Type, Timestamp: evt.OccurredAt, Data: data}

	var topic string
	switch p := evt.Payload.(type) {
	case events.ReportFinalized:
		topic, msg.StudyUID = TopicReports, p.StudyUID
	case events.CriticalRaised:
		topic, msg.StudyUID = TopicCritical, p.StudyUID
	case events.CriticalAcknowledged:
		topic, msg.StudyUID = TopicCritical, p.StudyUID
	default:
		return nil
	}

	h.broadcast(evt.TenantID, topic, msg)
	if msg.StudyUID != "" {
		h.broadcast(evt.TenantID, StudyTopic(msg.StudyUID), msg)
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades HTTP requests to feed connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler builds a handler accepting upgrades from allowedOrigins. An
// empty list or "*" accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.HandleConnect)
}

// HandleConnect upgrades the connection and starts its pumps. Initial topics
// may be given as repeated ?topic= parameters.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	client := &Client{
		ID:       uuid.NewString(),
		UserID:   auth.UserIDFromContext(ctx),
		TenantID: db.TenantFromContext(ctx),
		Topics:   append([]string(nil), c.QueryParams()["topic"]...),
		Send:     make(chan []byte, 256),
	}
	wh.hub.Register(client)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
