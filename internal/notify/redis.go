// Package notify fans pipeline change events out to Redis pub/sub so other
// processes can react without holding a websocket.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds Redis notification configuration
type Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"` // Publish change events (default: false)
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"` // Pub/sub channel (default: relay-flow:changes)
	Buffer   int    `yaml:"buffer" json:"buffer"`   // Pending events before new ones are dropped (default: 64)
}

// DefaultConfig returns default notification configuration
func DefaultConfig() Config {
	return Config{
		Host:    "localhost",
		Port:    "6379",
		Channel: "relay-flow:changes",
		Buffer:  64,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, config Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr(),
		Password: config.Password,
		DB:       config.DB,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, utils.WrapError(err, utils.ErrorTypeNetwork, "REDIS_UNREACHABLE",
			"failed to connect to Redis at "+config.Addr(), "NOTIFY").AsRetryable()
	}

	utils.OrNamed(logger, "NOTIFY").Info("Connected to Redis",
		zap.String("addr", config.Addr()),
		zap.Int("db", config.DB))
	return rdb, nil
}

// Publisher sends one message to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisPublisher publishes through a go-redis client.
type RedisPublisher struct {
	Client *redis.Client
}

func (p RedisPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.Client.Publish(ctx, channel, message).Err()
}

// Message is the JSON published for every change event.
type Message struct {
	Kind       models.ChangeKind  `json:"kind"`
	Generation uint64             `json:"generation"`
	At         int64              `json:"at"`
	Feed       *models.FeedStatus `json:"feed,omitempty"`
}

// FeedStatusSource supplies feed health for feed events.
type FeedStatusSource interface {
	FeedStatus() models.FeedStatus
}

// Notifier queues change events and publishes them from its own goroutine.
type Notifier struct {
	config Config
	pub    Publisher
	feeds  FeedStatusSource
	events chan models.ChangeEvent
	logger *zap.Logger
}

// NewNotifier creates a notifier. feeds may be nil.
func NewNotifier(config Config, pub Publisher, feeds FeedStatusSource, logger *zap.Logger) *Notifier {
	if config.Buffer <= 0 {
		config.Buffer = DefaultConfig().Buffer
	}
	if config.Channel == "" {
		config.Channel = DefaultConfig().Channel
	}
	return &Notifier{
		config: config,
		pub:    pub,
		feeds:  feeds,
		events: make(chan models.ChangeEvent, config.Buffer),
		logger: utils.OrNamed(logger, "NOTIFY"),
	}
}

// Notify queues ev without blocking. It is meant to be registered as a
// pipeline listener; particle ticks are not published.
func (n *Notifier) Notify(ev models.ChangeEvent) {
	if ev.Kind == models.ChangeParticles {
		return
	}
	select {
	case n.events <- ev:
	default:
		metrics.NotificationsPublished.WithLabelValues("dropped").Inc()
	}
}

// Run publishes queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("publishing change events", zap.String("channel", n.config.Channel))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.publish(ctx, ev)
		}
	}
}

func (n *Notifier) publish(ctx context.Context, ev models.ChangeEvent) {
	msg := Message{Kind: ev.Kind, Generation: ev.Generation, At: ev.At}
	if ev.Kind == models.ChangeFeed && n.feeds != nil {
		status := n.feeds.FeedStatus()
		msg.Feed = &status
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to encode change event", zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := n.pub.Publish(pubCtx, n.config.Channel, payload); err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Inc()
		n.logger.Warn("Failed to publish Redis message",
			zap.String("channel", n.config.Channel),
			zap.Error(err))
		return
	}
	metrics.NotificationsPublished.WithLabelValues("ok").Inc()
}
