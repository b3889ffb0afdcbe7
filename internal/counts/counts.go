// Package counts keeps trailing 24h deposit counts per source chain,
// refreshed on a cron schedule from the indexer's aggregate queries.
package counts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds daily count configuration
type Config struct {
	Schedule string        `yaml:"schedule" json:"schedule"` // cron spec, seconds field optional (default: @every 20s)
	Window   time.Duration `yaml:"window" json:"window"`     // Trailing window (default: 24h)
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`   // Bound on one refresh (default: 15s)
	Workers  int           `yaml:"workers" json:"workers"`   // Concurrent count queries (default: 4)
}

// DefaultConfig returns default daily count configuration
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 20s",
		Window:   24 * time.Hour,
		Timeout:  15 * time.Second,
		Workers:  4,
	}
}

// Source is the indexer side of the counts; graphql.Client implements it.
type Source interface {
	LatestBlockHeights(ctx context.Context) (map[int64]int64, error)
	CountSince(ctx context.Context, kind models.DepositKind, chainID, minBlock int64) (int64, error)
}

// BlocksInWindow is how many blocks a chain produces in window.
func BlocksInWindow(avgBlockTime float64, window time.Duration) int64 {
	if avgBlockTime <= 0 {
		return 0
	}
	return int64(window.Seconds() / avgBlockTime)
}

// MinBlock is the first block inside the trailing window, never below zero.
func MinBlock(latest int64, avgBlockTime float64, window time.Duration) int64 {
	minBlock := latest - BlocksInWindow(avgBlockTime, window)
	if minBlock < 0 {
		return 0
	}
	return minBlock
}

// Service refreshes daily counts of every chain.
type Service struct {
	config Config
	source Source
	chains []models.ChainInfo
	logger *zap.Logger
	now    func() time.Time

	counts atomic.Pointer[models.DailyCounts]
	cron   *cron.Cron
	wg     sync.WaitGroup // initial refresh
}

// NewService creates a counts service over chains
func NewService(config Config, source Source, chains []models.ChainInfo, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	s := &Service{
		config: config,
		source: source,
		chains: append([]models.ChainInfo(nil), chains...),
		logger: utils.OrNamed(logger, "COUNTS"),
		now:    time.Now,
	}
	s.counts.Store(&models.DailyCounts{PerChain: []models.DailyCount{}})
	return s
}

// Counts returns the latest refresh.
func (s *Service) Counts() models.DailyCounts {
	return *s.counts.Load()
}

// Refresh queries latest heights, then native and ERC-20 counts per chain.
// Chains the indexer reports no height for are skipped. A failed count keeps
// that chain's previous value and the errors are returned joined.
func (s *Service) Refresh(ctx context.Context) error {
	heights, err := s.source.LatestBlockHeights(ctx)
	if err != nil {
		return fmt.Errorf("fetching latest blocks: %w", err)
	}

	previous := make(map[int64]models.DailyCount)
	for _, c := range s.Counts().PerChain {
		previous[c.ChainID] = c
	}

	type job struct {
		index    int
		kind     models.DepositKind
		chainID  int64
		minBlock int64
	}
	perChain := make([]models.DailyCount, 0, len(s.chains))
	var jobs []job
	for _, c := range s.chains {
		latest, ok := heights[c.ChainID]
		if !ok {
			continue
		}
		minBlock := MinBlock(latest, c.AvgBlockTime, s.config.Window)
		perChain = append(perChain, models.DailyCount{ChainID: c.ChainID, Name: c.Name, MinBlock: minBlock})
		idx := len(perChain) - 1
		jobs = append(jobs,
			job{idx, models.KindNative, c.ChainID, minBlock},
			job{idx, models.KindERC20, c.ChainID, minBlock})
	}

	pool := pond.NewPool(s.config.Workers, pond.WithQueueSize(len(jobs)))
	defer pool.StopAndWait()

	var (
		mu   sync.Mutex
		errs []error
	)
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, j := range jobs {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			n, err := s.source.CountSince(groupCtx, j.kind, j.chainID, j.minBlock)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s count on chain %d: %w", j.kind, j.chainID, err))
				prev := previous[j.chainID]
				if j.kind == models.KindNative {
					n = prev.Native
				} else {
					n = prev.ERC20
				}
			}
			if j.kind == models.KindNative {
				perChain[j.index].Native = n
			} else {
				perChain[j.index].ERC20 = n
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("count group failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	result := models.DailyCounts{PerChain: perChain, UpdatedAt: s.now().UnixMilli()}
	for i := range result.PerChain {
		result.PerChain[i].Count = result.PerChain[i].Native + result.PerChain[i].ERC20
		result.Total += result.PerChain[i].Count
	}
	s.counts.Store(&result)

	s.logger.Debug("daily counts refreshed", zap.Int64("total", result.Total), zap.Int("chains", len(perChain)))
	return errors.Join(errs...)
}

// Start runs one refresh immediately and then on the configured schedule.
func (s *Service) Start(ctx context.Context) error {
	cronLogger := utils.CronLogger(s.logger)
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger)))

	run := func() {
		rctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		if err := s.Refresh(rctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("daily count refresh failed", zap.Error(err))
		}
	}
	if _, err := s.cron.AddFunc(s.config.Schedule, run); err != nil {
		return utils.WrapError(err, utils.ErrorTypeConfig, "BAD_SCHEDULE", "invalid counts schedule", "COUNTS").
			WithContext("schedule", s.config.Schedule)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run()
	}()
	s.cron.Start()
	s.logger.Info("daily counts started", zap.String("schedule", s.config.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running refresh, including the
// one Start kicked off.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}
