package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-flow-backend/internal/graphql"
	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// SubscriptionSource opens one upstream subscription; graphql.Subscriber
// implements it.
type SubscriptionSource interface {
	Subscribe(ctx context.Context, query string, variables map[string]interface{}, onReady func(), onData func(json.RawMessage)) error
}

// FeedName identifies one subscription feed, e.g. "erc20:8453".
func FeedName(kind models.DepositKind, chainID int64) string {
	return fmt.Sprintf("%s:%d", kind, chainID)
}

// Manager runs the upstream feeds: a subscription per source chain and
// deposit kind, the block-cursor poller, or both.
type Manager struct {
	config     Config
	subscriber SubscriptionSource
	poller     *Poller
	sink       Sink
	chains     []int64
	logger     *zap.Logger

	wg sync.WaitGroup
}

// NewManager creates a feed manager. poller may be nil in subscribe mode.
func NewManager(config Config, subscriber SubscriptionSource, poller *Poller, sink Sink, chains []int64, logger *zap.Logger) *Manager {
	if config.Mode == "" {
		config.Mode = ModeSubscribe
	}
	if config.SubscriptionLimit <= 0 {
		config.SubscriptionLimit = DefaultConfig().SubscriptionLimit
	}
	return &Manager{
		config:     config,
		subscriber: subscriber,
		poller:     poller,
		sink:       sink,
		chains:     append([]int64(nil), chains...),
		logger:     utils.OrNamed(logger, "FEEDS"),
	}
}

// Feeds returns the names of the feeds Start launches.
func (m *Manager) Feeds() []string {
	var names []string
	if m.subscribes() {
		for _, chainID := range m.chains {
			for _, kind := range []models.DepositKind{models.KindNative, models.KindERC20} {
				names = append(names, FeedName(kind, chainID))
			}
		}
	}
	if m.polls() {
		names = append(names, PollFeed)
	}
	return names
}

func (m *Manager) subscribes() bool {
	return m.subscriber != nil && (m.config.Mode == ModeSubscribe || m.config.Mode == ModeBoth)
}

func (m *Manager) polls() bool {
	return m.poller != nil && (m.config.Mode == ModePoll || m.config.Mode == ModeBoth)
}

// Start launches every feed goroutine. They stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("starting feeds",
		zap.String("mode", m.config.Mode),
		zap.Int64s("chains", m.chains))

	if m.subscribes() {
		for _, chainID := range m.chains {
			for _, kind := range []models.DepositKind{models.KindNative, models.KindERC20} {
				m.goSafe(FeedName(kind, chainID), func() { m.runSubscription(ctx, kind, chainID) })
			}
		}
	}
	if m.polls() {
		m.goSafe(PollFeed, func() { m.poller.Run(ctx) })
	}
}

// Wait blocks until every feed goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) goSafe(feed string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("feed panicked", zap.String("feed", feed), zap.Any("panic", r))
				m.sink.ReportFeedStatus(feed, fmt.Errorf("feed panicked: %v", r))
			}
		}()
		fn()
	}()
}

// runSubscription keeps one subscription alive. Every reconnect waits out an
// exponential backoff; the attempt count only resets after the server
// delivered data on the previous connection.
func (m *Manager) runSubscription(ctx context.Context, kind models.DepositKind, chainID int64) {
	feed := FeedName(kind, chainID)
	query, vars := graphql.DepositSubscription(kind, chainID, m.config.SubscriptionLimit)
	logger := m.logger.With(zap.String("feed", feed))

	attempt := 0
	for ctx.Err() == nil {
		established := false
		err := m.subscriber.Subscribe(ctx, query, vars,
			func() {
				established = true
				m.sink.ReportFeedStatus(feed, nil)
			},
			func(data json.RawMessage) {
				m.deliver(ctx, feed, kind, data, logger)
			})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("subscription %s completed by server", feed)
		}
		m.sink.ReportFeedStatus(feed, err)
		metrics.FeedReconnects.WithLabelValues(feed).Inc()

		if established {
			attempt = 0
		}
		attempt++
		delay := utils.Backoff(m.config.Retry, attempt)
		logger.Warn("subscription failed, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Bool("retryable", utils.IsRetryableError(err)),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) deliver(ctx context.Context, feed string, kind models.DepositKind, data json.RawMessage, logger *zap.Logger) {
	rows, err := graphql.DecodeDeposits(data, kind)
	if err != nil {
		logger.Warn("undecodable deposits", zap.Error(err))
		return
	}
	metrics.DepositsReceived.WithLabelValues(feed).Add(float64(len(rows)))
	for _, raw := range rows {
		if !m.sink.Ingest(ctx, raw) {
			logger.Warn("deposit not accepted", zap.String("id", raw.ID))
		}
	}
}
