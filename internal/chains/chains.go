package chains

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds chains service configuration
type Config struct {
	RefreshInterval time.Duration           `yaml:"refreshInterval" json:"refreshInterval"`
	Chains          []models.ChainInfo      `yaml:"chains" json:"chains"`
	Bridges         []models.BridgeProtocol `yaml:"bridges" json:"bridges"`
	TokenPrices     map[string]float64      `yaml:"tokenPrices" json:"tokenPrices"`
	FallbackColor   string                  `yaml:"fallbackColor" json:"fallbackColor"`
}

// DefaultConfig returns default chains service configuration
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 30 * time.Second,
		Chains:          DefaultChains(),
		Bridges:         DefaultBridges(),
		TokenPrices:     DefaultTokenPrices(),
		FallbackColor:   FallbackColor,
	}
}

// HeightSource reports the latest indexed block per chain.
type HeightSource interface {
	LatestBlockHeights(ctx context.Context) (map[int64]int64, error)
}

// Service layers live block heights over the static Registry.
type Service struct {
	*Registry

	config  Config
	source  HeightSource
	logger  *zap.Logger
	mu      sync.RWMutex
	heights map[int64]int64
	updated time.Time
}

// NewService creates a new chains service
func NewService(config Config, source HeightSource, logger *zap.Logger) *Service {
	return &Service{
		Registry: NewRegistry(config),
		config:   config,
		source:   source,
		logger:   utils.OrNamed(logger, "CHAINS"),
		heights:  make(map[int64]int64),
	}
}

// Start refreshes block heights on a cron schedule until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.source == nil {
		return
	}
	interval := s.config.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}

	refresh := func() {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("block height refresh failed", zap.Error(err))
		}
	}
	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(utils.CronLogger(s.logger))))
	if _, err := scheduler.AddFunc("@every "+interval.String(), refresh); err != nil {
		s.logger.Error("invalid refresh interval", zap.Duration("interval", interval), zap.Error(err))
		return
	}

	refresh()
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	s.logger.Info("shutting down")
}

// Refresh pulls the latest block heights once. Heights never move backwards.
func (s *Service) Refresh(ctx context.Context) error {
	if s.source == nil {
		return nil
	}
	heights, err := s.source.LatestBlockHeights(ctx)
	if err != nil {
		return utils.WrapError(err, utils.ErrorTypeGraphQL, "CHAIN_HEIGHTS", "fetch latest block heights", "CHAINS").AsRetryable()
	}

	s.mu.Lock()
	for id, h := range heights {
		if h > s.heights[id] {
			s.heights[id] = h
		}
	}
	s.updated = time.Now()
	s.mu.Unlock()

	s.logger.Debug("block heights refreshed", zap.Int("chains", len(heights)))
	return nil
}

// LatestBlock returns the last known height of chainID, 0 when unknown.
func (s *Service) LatestBlock(chainID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heights[chainID]
}

// LatestBlocks returns a copy of every known height.
func (s *Service) LatestBlocks() map[int64]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]int64, len(s.heights))
	for id, h := range s.heights {
		out[id] = h
	}
	return out
}

// GetAllChains returns all chains with their latest heights.
func (s *Service) GetAllChains() []models.ChainInfo {
	chains := s.Chains()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range chains {
		chains[i].LatestBlock = s.heights[chains[i].ChainID]
	}
	return chains
}
