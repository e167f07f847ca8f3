package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "websocket").Logger()

// Manager owns all WebSocket connections. One reader session may hold
// several connections (multiple tabs); messages addressed to a session
// reach all of them.
type Manager struct {
	clients    map[uuid.UUID]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	mu         sync.RWMutex
}

// Client is one WebSocket connection bound to a reader session.
// Topics is written by the readPump goroutine and read by the manager
// loop, so every access goes through topicsMu.
type Client struct {
	ID        uuid.UUID
	SessionID string
	Conn      *websocket.Conn
	Manager   *Manager
	Send      chan []byte

	topicsMu sync.RWMutex
	Topics   map[string]bool
}

// Message is the wire envelope pushed to clients.
type Message struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	Target  string      `json:"target,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS middleware in front of
		// the HTTP routes; the socket endpoint accepts any origin.
		return true
	},
}

// NewManager creates a connection manager. Call Start before serving.
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message),
	}
}

// Start launches the manager loop on its own goroutine.
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client.ID] = client
			m.mu.Unlock()
			log.Debug().Str("clientID", client.ID.String()).Str("sessionID", client.SessionID).Msg("client connected")

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client.ID]; ok {
				close(client.Send)
				delete(m.clients, client.ID)
				log.Debug().Str("clientID", client.ID.String()).Msg("client disconnected")
			}
			m.mu.Unlock()

		case message := <-m.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal outgoing message")
				continue
			}

			m.mu.Lock()
			for _, client := range m.clients {
				if !client.IsSubscribed(message.Topic) {
					continue
				}
				if message.Target != "" && message.Target != "broadcast" && client.SessionID != message.Target {
					continue
				}
				select {
				case client.Send <- data:
				default:
					close(client.Send)
					delete(m.clients, client.ID)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Handler upgrades an HTTP request to a WebSocket connection. The
// session_id query parameter is required; new connections start
// subscribed to the "stories" topic.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("connection upgrade failed")
			return
		}

		client := &Client{
			ID:        uuid.New(),
			SessionID: sessionID,
			Conn:      conn,
			Manager:   m,
			Send:      make(chan []byte, 256),
			Topics:    map[string]bool{"stories": true, "tasks": true},
		}

		m.register <- client

		go client.readPump()
		go client.writePump()
	})
}

// SendToSession sends a message to every connection of one session.
func (m *Manager) SendToSession(sessionID, messageType, topic string, payload interface{}) {
	m.broadcast <- Message{
		Type:    messageType,
		Topic:   topic,
		Payload: payload,
		Target:  sessionID,
	}
}

// Broadcast sends a message to every connection subscribed to topic.
func (m *Manager) Broadcast(messageType, topic string, payload interface{}) {
	m.broadcast <- Message{
		Type:    messageType,
		Topic:   topic,
		Payload: payload,
		Target:  "broadcast",
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Manager.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("clientID", c.ID.String()).Msg("read error")
			}
			break
		}

		// The only inbound traffic is topic subscription commands.
		var cmd struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}

		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Warn().Err(err).Msg("bad client command")
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.Subscribe(cmd.Topic)
		case "unsubscribe":
			c.Unsubscribe(cmd.Topic)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain anything queued behind the first message.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds a topic to the client's set.
func (c *Client) Subscribe(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	c.Topics[topic] = true
}

// Unsubscribe removes a topic from the client's set.
func (c *Client) Unsubscribe(topic string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	delete(c.Topics, topic)
}

// IsSubscribed reports whether the client receives the topic.
func (c *Client) IsSubscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.Topics[topic]
}
