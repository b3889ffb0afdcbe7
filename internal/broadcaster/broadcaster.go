package broadcaster

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Message types pushed to clients
const (
	TypeSnapshot   = "snapshot"
	TypeFeedStatus = "feedStatus"
)

// Config holds broadcaster configuration
type Config struct {
	MaxClients      int           `yaml:"maxClients" json:"maxClients"`           // Maximum clients (default: 1000)
	BufferSize      int           `yaml:"bufferSize" json:"bufferSize"`           // Buffer size per client (default: 64)
	DropSlowClients bool          `yaml:"dropSlowClients" json:"dropSlowClients"` // Drop slow clients (default: true)
	PingInterval    time.Duration `yaml:"pingInterval" json:"pingInterval"`       // (default: 54s)
	PongWait        time.Duration `yaml:"pongWait" json:"pongWait"`               // (default: 60s)
	WriteWait       time.Duration `yaml:"writeWait" json:"writeWait"`             // (default: 10s)
}

// DefaultConfig returns default broadcaster configuration
func DefaultConfig() Config {
	return Config{
		MaxClients:      1000,
		BufferSize:      64,
		DropSlowClients: true,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

// SnapshotSource is the read side of the pipeline.
type SnapshotSource interface {
	Snapshot() models.Snapshot
	FeedStatus() models.FeedStatus
}

// Message is the envelope of every pushed frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Client represents a WebSocket client
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// GetID returns the client's ID
func (c *Client) GetID() string {
	return c.id
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Broadcaster manages WebSocket clients and pushes pipeline snapshots.
type Broadcaster struct {
	config   Config
	source   SnapshotSource
	clients  *xsync.Map[string, *Client]
	upgrader websocket.Upgrader
	logger   *zap.Logger

	register   chan *Client
	unregister chan *Client
	// Coalesced change signals; one pending push covers any number of events.
	snapshotDirty chan struct{}
	feedDirty     chan struct{}
	done          chan struct{}
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster(config Config, source SnapshotSource, logger *zap.Logger) *Broadcaster {
	defaults := DefaultConfig()
	if config.MaxClients <= 0 {
		config.MaxClients = defaults.MaxClients
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = defaults.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaults.WriteWait
	}
	return &Broadcaster{
		config:  config,
		source:  source,
		clients: xsync.NewMap[string, *Client](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow connections from any origin
			},
		},
		logger:        utils.OrNamed(logger, "BROADCASTER"),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		snapshotDirty: make(chan struct{}, 1),
		feedDirty:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Notify marks the snapshot (and for feed events the feed status) dirty.
// It never blocks, so it can be registered as a pipeline listener.
func (b *Broadcaster) Notify(ev models.ChangeEvent) {
	signal(b.snapshotDirty)
	if ev.Kind == models.ChangeFeed {
		signal(b.feedDirty)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start begins the broadcaster's main loop
func (b *Broadcaster) Start(ctx context.Context) {
	defer close(b.done)
	b.logger.Info("broadcaster started", zap.Int("maxClients", b.config.MaxClients))

	for {
		select {
		case <-ctx.Done():
			b.clients.Range(func(id string, c *Client) bool {
				b.removeClient(c)
				return true
			})
			b.logger.Info("broadcaster stopped")
			return

		case client := <-b.register:
			b.handleClientRegistration(client)

		case client := <-b.unregister:
			b.removeClient(client)

		case <-b.snapshotDirty:
			if b.clients.Size() > 0 {
				b.broadcast(TypeSnapshot, b.source.Snapshot())
			}

		case <-b.feedDirty:
			if b.clients.Size() > 0 {
				b.broadcast(TypeFeedStatus, b.source.FeedStatus())
			}
		}
	}
}

// handleClientRegistration admits a client and sends it the current state
func (b *Broadcaster) handleClientRegistration(client *Client) {
	if b.clients.Size() >= b.config.MaxClients {
		b.logger.Warn("client limit reached, rejecting", zap.String("client", client.id))
		client.close()
		go client.writePump(b.config)
		return
	}

	b.clients.Store(client.id, client)
	metrics.WebsocketClients.Set(float64(b.clients.Size()))
	go client.writePump(b.config)

	for _, msg := range []Message{
		{Type: TypeSnapshot, Data: b.source.Snapshot()},
		{Type: TypeFeedStatus, Data: b.source.FeedStatus()},
	} {
		data, err := json.Marshal(msg)
		if err != nil {
			b.logger.Error("failed to encode initial state", zap.Error(err))
			return
		}
		select {
		case client.send <- data:
		default:
			b.removeClient(client)
			return
		}
	}
	b.logger.Debug("client registered", zap.String("client", client.id), zap.Int("clients", b.clients.Size()))
}

func (b *Broadcaster) removeClient(client *Client) {
	if _, ok := b.clients.LoadAndDelete(client.id); ok {
		client.close()
		metrics.WebsocketClients.Set(float64(b.clients.Size()))
	}
}

// broadcast sends one message to every client. Slow clients are dropped.
func (b *Broadcaster) broadcast(messageType string, payload interface{}) {
	data, err := json.Marshal(Message{Type: messageType, Data: payload})
	if err != nil {
		b.logger.Error("failed to encode broadcast", zap.String("type", messageType), zap.Error(err))
		return
	}

	var slow []*Client
	b.clients.Range(func(id string, c *Client) bool {
		select {
		case c.send <- data:
		default:
			if b.config.DropSlowClients {
				slow = append(slow, c)
			}
		}
		return true
	})
	for _, c := range slow {
		b.logger.Warn("dropping slow client", zap.String("client", c.id))
		b.removeClient(c)
	}
}

// UpgradeConnection upgrades HTTP connection to WebSocket
func (b *Broadcaster) UpgradeConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, b.config.BufferSize),
	}

	select {
	case b.register <- client:
	case <-b.done:
		conn.Close()
		return
	}

	// Start read pump for this client
	go client.readPump(b)
}

// GetClientCount returns the current number of connected clients
func (b *Broadcaster) GetClientCount() int {
	return b.clients.Size()
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump(config Config) {
	ticker := time.NewTicker(config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the websocket connection until it fails
func (c *Client) readPump(b *Broadcaster) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
