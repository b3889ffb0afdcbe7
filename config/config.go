package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"relay-flow-backend/internal/broadcaster"
	"relay-flow-backend/internal/chains"
	"relay-flow-backend/internal/counts"
	"relay-flow-backend/internal/database"
	"relay-flow-backend/internal/fetcher"
	"relay-flow-backend/internal/graphql"
	"relay-flow-backend/internal/notify"
	"relay-flow-backend/internal/pipeline"
	"relay-flow-backend/internal/server"
	"relay-flow-backend/internal/utils"
)

// Config holds all application configuration
type Config struct {
	Server      server.Config      `yaml:"server" json:"server"`
	Chains      chains.Config      `yaml:"chains" json:"chains"`
	Pipeline    pipeline.Config    `yaml:"pipeline" json:"pipeline"`
	GraphQL     graphql.Config     `yaml:"graphql" json:"graphql"`
	Feeds       fetcher.Config     `yaml:"feeds" json:"feeds"`
	Counts      counts.Config      `yaml:"counts" json:"counts"`
	Database    database.Config    `yaml:"database" json:"database"`
	Notify      notify.Config      `yaml:"notify" json:"notify"`
	Broadcaster broadcaster.Config `yaml:"broadcaster" json:"broadcaster"`
	Channels    ChannelsConfig     `yaml:"channels" json:"channels"`
}

// ChannelsConfig sizes the pipeline channels
type ChannelsConfig struct {
	RawDeposits int `yaml:"rawDeposits" json:"rawDeposits"` // (default: 4096)
	Persist     int `yaml:"persist" json:"persist"`         // (default: 1024)
}

// DefaultConfig returns default configuration for the entire application
func DefaultConfig() Config {
	return Config{
		Server:      server.DefaultConfig(),
		Chains:      chains.DefaultConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		GraphQL:     graphql.DefaultConfig(),
		Feeds:       fetcher.DefaultConfig(),
		Counts:      counts.DefaultConfig(),
		Database:    database.DefaultConfig(),
		Notify:      notify.DefaultConfig(),
		Broadcaster: broadcaster.DefaultConfig(),
		Channels: ChannelsConfig{
			RawDeposits: 4096,
			Persist:     1024,
		},
	}
}

// Load builds the configuration: defaults, then .env, then the YAML file at
// path (skipped when path is empty), then environment variables. The result
// is validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, utils.WrapError(err, utils.ErrorTypeConfig, "DOTENV", "failed to read .env", "CONFIG")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, utils.WrapError(err, utils.ErrorTypeConfig, "READ_FILE", "failed to read config file", "CONFIG").
				WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, utils.WrapError(err, utils.ErrorTypeConfig, "PARSE_FILE", "failed to parse config", "CONFIG").
				WithContext("path", path)
		}
	}

	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.GraphQL.URL = utils.Env("GRAPHQL_URL", cfg.GraphQL.URL)
	cfg.GraphQL.WSURL = utils.Env("GRAPHQL_WS_URL", cfg.GraphQL.WSURL)
	cfg.GraphQL.AdminSecret = utils.Env("HASURA_ADMIN_SECRET", cfg.GraphQL.AdminSecret)

	if port := utils.Env("PORT", ""); port != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	cfg.Pipeline.Window = utils.EnvDuration("WINDOW", cfg.Pipeline.Window)
	cfg.Feeds.Mode = utils.Env("FEED_MODE", cfg.Feeds.Mode)

	cfg.Database.Enabled = utils.EnvBool("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = utils.Env("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = utils.EnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = utils.Env("DB_USER", cfg.Database.User)
	cfg.Database.Password = utils.Env("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = utils.Env("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = utils.Env("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Notify.Enabled = utils.EnvBool("REDIS_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.Host = utils.Env("REDIS_HOST", cfg.Notify.Host)
	cfg.Notify.Port = utils.Env("REDIS_PORT", cfg.Notify.Port)
	cfg.Notify.Password = utils.Env("REDIS_PASSWORD", cfg.Notify.Password)
	cfg.Notify.DB = utils.EnvInt("REDIS_DB", cfg.Notify.DB)
	cfg.Notify.Channel = utils.Env("REDIS_CHANNEL", cfg.Notify.Channel)

	// Persisting only makes sense with a store behind it.
	cfg.Pipeline.Persist = cfg.Database.Enabled
}

// Validate checks the values the process cannot start without.
func (c Config) Validate() error {
	invalid := func(code, message string, value interface{}) error {
		return utils.NewAppError(utils.ErrorTypeConfig, code, message, "CONFIG").WithContext("value", value)
	}

	if strings.TrimSpace(c.GraphQL.URL) == "" {
		return invalid("GRAPHQL_URL", "graphql url is required", c.GraphQL.URL)
	}
	switch c.Feeds.Mode {
	case fetcher.ModeSubscribe, fetcher.ModeBoth:
		if strings.TrimSpace(c.GraphQL.WSURL) == "" {
			return invalid("GRAPHQL_WS_URL", "graphql websocket url is required to subscribe", c.GraphQL.WSURL)
		}
	case fetcher.ModePoll:
	default:
		return invalid("FEED_MODE", fmt.Sprintf("feed mode must be %s, %s or %s",
			fetcher.ModeSubscribe, fetcher.ModePoll, fetcher.ModeBoth), c.Feeds.Mode)
	}
	if c.Pipeline.Window <= 0 {
		return invalid("WINDOW", "aggregation window must be positive", c.Pipeline.Window.String())
	}
	if c.Pipeline.MaxWindow > 0 && c.Pipeline.MaxWindow < c.Pipeline.Window {
		return invalid("MAX_WINDOW", "max window cannot be shorter than the window", c.Pipeline.MaxWindow.String())
	}
	if len(c.Chains.Chains) == 0 {
		return invalid("CHAINS", "at least one chain is required", 0)
	}
	if c.Database.Enabled && c.Database.BatchSize <= 0 {
		return invalid("DB_BATCH_SIZE", "database batch size must be positive", c.Database.BatchSize)
	}
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Channel) == "" {
		return invalid("REDIS_CHANNEL", "redis channel is required", c.Notify.Channel)
	}
	return nil
}
