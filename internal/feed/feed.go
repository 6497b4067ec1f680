// Package feed pushes readings seen on MQTT to websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/meshrelay/internal/metrics"
	"github.com/meshrelay/internal/models"
	"github.com/meshrelay/internal/mqttclient"
)

const component = "feed"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Update is one reading as sent to clients: the flat reading object plus
// the topic it arrived on and when the hub saw it.
type Update struct {
	Topic      string
	Reading    models.Reading
	ReceivedAt time.Time
}

func (u Update) MarshalJSON() ([]byte, error) {
	out := u.Reading.Payload()
	out["src"] = u.Reading.Src
	out["time"] = u.Reading.Time
	out["topic"] = u.Topic
	out["received_at"] = u.ReceivedAt
	return json.Marshal(out)
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Update
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	now        func() time.Time
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Update
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan Update, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger.With("component", component),
		now:        time.Now,
	}
}

// Subscribe feeds the hub from topic on sub.
func (h *Hub) Subscribe(sub mqttclient.Subscriber, topic string) error {
	if err := sub.Subscribe(topic, 0, h.HandleMessage); err != nil {
		return err
	}
	h.logger.Info("subscribed", "topic", topic)
	return nil
}

// Run owns the client set until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			metrics.FeedClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.FeedClients.Set(float64(n))
			h.logger.Info("client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.FeedClients.Set(float64(n))
			h.logger.Info("client disconnected", "clients", n)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.logger.Warn("slow client dropped", "remote", client.conn.RemoteAddr().String())
					close(client.send)
					delete(h.clients, client)
				}
			}
			metrics.FeedClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// HandleMessage queues the reading carried by payload for broadcast.
// Undecodable payloads are dropped.
func (h *Hub) HandleMessage(topic string, payload []byte) {
	metrics.MessagesReceived.WithLabelValues(component).Inc()
	r, err := models.ParseReading(payload)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(component).Inc()
		h.logger.Debug("failed to parse message", "topic", topic, "err", err)
		return
	}
	select {
	case h.broadcast <- Update{Topic: topic, Reading: r, ReceivedAt: h.now()}:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "src", r.Src)
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "err", err)
		return
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan Update, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register mounts /ws and /ws/stats on r.
func (h *Hub) Register(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/ws/stats", h.handleStats).Methods(http.MethodGet)
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connected_clients": h.ClientCount(),
		"timestamp":         h.now().Unix(),
		"status":            "active",
	})
}

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "err", err)
			}
			return
		}
	}
}

// writePump writes each reading as JSON in a text frame. Readings already
// queued when a frame starts go into the same frame, one per line. It also
// pings every pingPeriod and closes the connection when send is closed.
func (c *Client) writePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if data, err := json.Marshal(message); err == nil {
				w.Write(data)
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.send
				if !ok {
					break
				}
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(data)
			}

			if err := w.Close(); err != nil {
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
