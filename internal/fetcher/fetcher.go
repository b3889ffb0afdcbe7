package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"relay-flow-backend/internal/graphql"
	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Feed modes
const (
	ModeSubscribe = "subscribe"
	ModePoll      = "poll"
	ModeBoth      = "both"
)

// PollFeed is the feed name the poller reports its health under.
const PollFeed = "poll"

// Config holds feed configuration
type Config struct {
	Mode              string            `yaml:"mode" json:"mode"`                           // subscribe, poll or both (default: subscribe)
	Chains            []int64           `yaml:"chains" json:"chains"`                       // Source chains to follow (default: every registry chain)
	SubscriptionLimit int               `yaml:"subscriptionLimit" json:"subscriptionLimit"` // Rows per subscription push (default: 10)
	PollInterval      time.Duration     `yaml:"pollInterval" json:"pollInterval"`           // How often the poller runs (default: 2s)
	Workers           int               `yaml:"workers" json:"workers"`                     // Poller fan-out (default: 4)
	Retry             utils.RetryConfig `yaml:"retry" json:"retry"`
}

// DefaultConfig returns default feed configuration
func DefaultConfig() Config {
	return Config{
		Mode:              ModeSubscribe,
		SubscriptionLimit: 10,
		PollInterval:      2 * time.Second,
		Workers:           4,
		Retry:             utils.DefaultRetryConfig(),
	}
}

// Sink receives raw deposits and feed health. The pipeline coordinator
// implements it.
type Sink interface {
	Ingest(ctx context.Context, raw models.RawDeposit) bool
	ReportFeedStatus(feed string, err error)
}

// DepositSource is the pull side of the indexer.
type DepositSource interface {
	LatestBlockHeights(ctx context.Context) (map[int64]int64, error)
	DepositsSince(ctx context.Context, chainID, fromBlock int64) (graphql.DepositPage, error)
}

// Poller pulls deposits after a per-chain block cursor. Cursors start at the
// chain's indexed height so only new deposits flow in.
type Poller struct {
	config Config
	source DepositSource
	sink   Sink
	chains []int64
	logger *zap.Logger

	mu      sync.Mutex
	cursors map[int64]int64
}

// NewPoller creates a poller over chains
func NewPoller(config Config, source DepositSource, sink Sink, chains []int64, logger *zap.Logger) *Poller {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Poller{
		config:  config,
		source:  source,
		sink:    sink,
		chains:  append([]int64(nil), chains...),
		logger:  utils.OrNamed(logger, "POLLER"),
		cursors: make(map[int64]int64, len(chains)),
	}
}

// Seed sets every cursor to the chain's latest indexed block.
func (p *Poller) Seed(ctx context.Context) error {
	heights, err := p.source.LatestBlockHeights(ctx)
	if err != nil {
		return fmt.Errorf("seeding poll cursors: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, chainID := range p.chains {
		p.cursors[chainID] = heights[chainID]
	}
	p.logger.Info("poll cursors seeded", zap.Any("cursors", p.cursors))
	return nil
}

// Cursor returns the last block polled on chainID.
func (p *Poller) Cursor(chainID int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[chainID]
}

// PollOnce fetches every chain once and returns how many deposits were handed
// to the sink. The first error of any chain is returned after all finish.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	pool := pond.NewPool(p.config.Workers, pond.WithQueueSize(len(p.chains)))
	defer pool.StopAndWait()

	var (
		mu       sync.Mutex
		total    int
		firstErr error
	)
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, chainID := range p.chains {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			n, err := p.pollChain(groupCtx, chainID)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		p.logger.Warn("poll group failed", zap.Error(err))
	}
	return total, firstErr
}

func (p *Poller) pollChain(ctx context.Context, chainID int64) (int, error) {
	from := p.Cursor(chainID)
	page, err := p.source.DepositsSince(ctx, chainID, from)
	if err != nil {
		return 0, fmt.Errorf("polling chain %d: %w", chainID, err)
	}

	next := from
	ingested := 0
	for _, raw := range page.Deposits {
		metrics.DepositsReceived.WithLabelValues(PollFeed).Inc()
		if p.sink.Ingest(ctx, raw) {
			ingested++
		}
		if block := int64(raw.BlockNumber); block > next {
			next = block
		}
	}
	// A truncated page may leave rows between the last seen block and the
	// chain head.
	if page.Complete && page.BlockHeight > next {
		next = page.BlockHeight
	}

	p.mu.Lock()
	if next > p.cursors[chainID] {
		p.cursors[chainID] = next
	}
	p.mu.Unlock()
	return ingested, nil
}

// Run seeds the cursors, then polls every PollInterval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	err := utils.WithBackoff(ctx, p.config.Retry, p.logger, "seed poll cursors", func() error {
		err := p.Seed(ctx)
		if err != nil {
			p.sink.ReportFeedStatus(PollFeed, err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			utils.LogAppError(p.logger, err, zap.String("feed", PollFeed))
		}
		return
	}
	p.sink.ReportFeedStatus(PollFeed, nil)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PollOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			p.sink.ReportFeedStatus(PollFeed, err)
			if err != nil {
				p.logger.Warn("poll failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("polled deposits", zap.Int("count", n))
			}
		}
	}
}
