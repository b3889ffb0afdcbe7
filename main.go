package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"relay-flow-backend/config"
	"relay-flow-backend/internal/broadcaster"
	"relay-flow-backend/internal/channels"
	"relay-flow-backend/internal/chains"
	"relay-flow-backend/internal/counts"
	"relay-flow-backend/internal/database"
	"relay-flow-backend/internal/fetcher"
	"relay-flow-backend/internal/graphql"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/notify"
	"relay-flow-backend/internal/pipeline"
	"relay-flow-backend/internal/server"
	"relay-flow-backend/internal/utils"
)

func main() {
	logger, err := utils.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck
	utils.SetLogger(logger)
	log := utils.Named("MAIN")

	log.Info("Starting relay flow backend...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appConfig, err := config.Load(utils.Env("CONFIG_FILE", ""))
	if err != nil {
		utils.LogAppError(log, err)
		os.Exit(1)
	}
	log.Info("Configuration loaded",
		zap.String("addr", appConfig.Server.Addr),
		zap.String("feedMode", appConfig.Feeds.Mode),
		zap.Duration("window", appConfig.Pipeline.Window))

	gql := graphql.New(appConfig.GraphQL, utils.Named("GRAPHQL"))
	defer gql.Close()

	// Chains service first: registry for the pipeline, heights for /api/chains
	chainsService := chains.NewService(appConfig.Chains, gql, utils.Named("CHAINS"))
	sourceChains := selectChains(chainsService.Chains(), appConfig.Feeds.Chains)
	chainIDs := make([]int64, 0, len(sourceChains))
	for _, c := range sourceChains {
		chainIDs = append(chainIDs, c.ChainID)
	}

	ch := channels.NewChannels(appConfig.Channels.RawDeposits, appConfig.Channels.Persist)

	// Optional history store
	var (
		writer  *database.Writer
		history server.HistorySource
	)
	if appConfig.Database.Enabled {
		store, err := database.NewPostgresStore(ctx, appConfig.Database, utils.Named("DB_WRITER"))
		if err != nil {
			utils.LogAppError(log, err, zap.Stringer("db", appConfig.Database))
			log.Warn("Continuing without transaction history")
			appConfig.Pipeline.Persist = false
		} else {
			writer = database.NewWriter(appConfig.Database, store, ch, utils.Named("DB_WRITER"))
			history = writer
		}
	}

	coordinator := pipeline.NewCoordinator(appConfig.Pipeline, chainsService, ch, utils.Named("PIPELINE"))
	if err := coordinator.Start(ctx); err != nil {
		utils.LogAppError(log, err)
		os.Exit(1)
	}
	log.Info("Pipeline coordinator started")

	// Feeds
	var poller *fetcher.Poller
	if appConfig.Feeds.Mode != fetcher.ModeSubscribe {
		poller = fetcher.NewPoller(appConfig.Feeds, gql, coordinator, chainIDs, utils.Named("POLLER"))
	}
	subscriber := graphql.NewSubscriber(appConfig.GraphQL, utils.Named("SUBSCRIPTION"))
	feeds := fetcher.NewManager(appConfig.Feeds, subscriber, poller, coordinator, chainIDs, utils.Named("FEEDS"))

	// Daily counts
	dailyCounts := counts.NewService(appConfig.Counts, gql, sourceChains, utils.Named("COUNTS"))
	if err := dailyCounts.Start(ctx); err != nil {
		utils.LogAppError(log, err)
		os.Exit(1)
	}

	// Push outputs
	hub := broadcaster.NewBroadcaster(appConfig.Broadcaster, coordinator, utils.Named("BROADCASTER"))
	coordinator.Subscribe(hub.Notify)

	var redisCloser func() error
	var notifier *notify.Notifier
	if appConfig.Notify.Enabled {
		client, err := notify.NewRedisClient(ctx, appConfig.Notify, utils.Named("NOTIFY"))
		if err != nil {
			utils.LogAppError(log, err)
			log.Warn("Continuing without change notifications")
		} else {
			redisCloser = client.Close
			notifier = notify.NewNotifier(appConfig.Notify, notify.RedisPublisher{Client: client}, coordinator, utils.Named("NOTIFY"))
			coordinator.Subscribe(notifier.Notify)
		}
	}

	srv := server.NewServer(appConfig.Server, server.Deps{
		Flows:     coordinator,
		Counts:    dailyCounts,
		Chains:    chainsService,
		History:   history,
		WebSocket: hub,
	}, utils.Named("SERVER"))

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("component panic recovered", zap.String("component", name), zap.Any("panic", r), zap.Stack("stack"))
				}
			}()
			fn()
		}()
	}

	run("chains", func() { chainsService.Start(ctx) })
	run("broadcaster", func() { hub.Start(ctx) })
	if writer != nil {
		run("db-writer", func() { writer.Start(ctx) })
	}
	if notifier != nil {
		run("notifier", func() { notifier.Run(ctx) })
	}
	run("server", func() {
		if err := srv.Start(ctx); err != nil {
			utils.LogAppError(log, err)
			cancel()
		}
	})
	feeds.Start(ctx)

	log.Info("Relay flow backend started",
		zap.String("addr", appConfig.Server.Addr),
		zap.Strings("feeds", feeds.Feeds()))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Cancel context to signal shutdown
	cancel()

	done := make(chan struct{})
	go func() {
		feeds.Wait()
		coordinator.Stop()
		dailyCounts.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Graceful shutdown completed")
	case <-time.After(appConfig.Server.ShutdownTimeout):
		log.Warn("Shutdown timeout reached")
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}
	if redisCloser != nil {
		if err := redisCloser(); err != nil {
			log.Warn("closing redis", zap.Error(err))
		}
	}
}

// selectChains keeps the configured source chains, or every registry chain
// when none are configured.
func selectChains(all []models.ChainInfo, ids []int64) []models.ChainInfo {
	if len(ids) == 0 {
		return all
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := make([]models.ChainInfo, 0, len(ids))
	for _, c := range all {
		if wanted[c.ChainID] {
			out = append(out, c)
		}
	}
	return out
}
