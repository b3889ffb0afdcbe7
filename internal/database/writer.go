package database

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay-flow-backend/internal/channels"
	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds database configuration
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"` // Persist transactions (default: false)

	// PostgreSQL configuration
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"sslMode" json:"sslMode"`

	BatchSize     int           `yaml:"batchSize" json:"batchSize"`         // Rows per insert transaction (default: 100)
	FlushInterval time.Duration `yaml:"flushInterval" json:"flushInterval"` // Max wait before a partial batch is written (default: 2s)
	MaxOpenConns  int           `yaml:"maxOpenConns" json:"maxOpenConns"`   // (default: 10)
	HistoryLimit  int           `yaml:"historyLimit" json:"historyLimit"`   // Cap on rows returned by RecentTransactions (default: 500)
}

// DefaultConfig returns default database configuration (PostgreSQL)
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          5432,
		User:          "relay_flow",
		Password:      "relay_flow_password",
		Database:      "relay_flow",
		SSLMode:       "disable",
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		MaxOpenConns:  10,
		HistoryLimit:  500,
	}
}

// DSN returns the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, quote(c.Password), c.Database, c.SSLMode)
}

// String hides the password.
func (c Config) String() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.User),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	return u.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Store persists and reads back transactions.
type Store interface {
	InsertBatch(ctx context.Context, txs []models.Transaction) (int, error)
	Recent(ctx context.Context, limit int) ([]models.Transaction, error)
	Close() error
}

// Writer drains the persist channel into the store in batches.
type Writer struct {
	config Config
	store  Store
	in     <-chan models.Transaction
	logger *zap.Logger
}

// NewWriter creates a new database writer
func NewWriter(config Config, store Store, ch *channels.Channels, logger *zap.Logger) *Writer {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	return &Writer{
		config: config,
		store:  store,
		in:     ch.Persist,
		logger: utils.OrNamed(logger, "DB_WRITER"),
	}
}

// Start begins the database writer loop. Pending rows are flushed when ctx
// is cancelled.
func (w *Writer) Start(ctx context.Context) {
	w.logger.Info("starting database writer", zap.Stringer("db", w.config))

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.Transaction, 0, w.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx, batch)
			cancel()
			w.logger.Info("stopping database writer")
			return

		case tx := <-w.in:
			batch = append(batch, tx)
			if len(batch) >= w.config.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []models.Transaction) {
	if len(batch) == 0 {
		return
	}
	inserted, err := w.store.InsertBatch(ctx, batch)
	if err != nil {
		utils.LogAppError(w.logger, err, zap.Int("batch", len(batch)))
		return
	}
	metrics.PersistedTransactions.Add(float64(inserted))
	w.logger.Debug("saved transactions", zap.Int("inserted", inserted), zap.Int("batch", len(batch)))
}

// RecentTransactions returns up to limit persisted transactions, newest first.
// limit is clamped to [1, HistoryLimit]; 0 means 50.
func (w *Writer) RecentTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	if limit == 0 {
		limit = 50
	}
	if limit < 1 {
		limit = 1
	}
	if limit > w.config.HistoryLimit {
		limit = w.config.HistoryLimit
	}
	return w.store.Recent(ctx, limit)
}

// Close closes the store
func (w *Writer) Close() error {
	return w.store.Close()
}
