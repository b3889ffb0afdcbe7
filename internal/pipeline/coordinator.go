package pipeline

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"relay-flow-backend/internal/aggregator"
	"relay-flow-backend/internal/channels"
	"relay-flow-backend/internal/flows"
	"relay-flow-backend/internal/ingest"
	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/normalizer"
	"relay-flow-backend/internal/scheduler"
	"relay-flow-backend/internal/utils"
)

// ErrAlreadyStarted is returned by Start on a running coordinator.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Registry is what the pipeline needs to know about chains and bridges.
// chains.Registry implements it.
type Registry interface {
	aggregator.Resolver
	flows.Palette
	Bridges() []models.BridgeProtocol
}

// aggregates is one published aggregation pass. Never mutated after Store.
type aggregates struct {
	generation   uint64
	windowMs     int64
	updatedAt    int64
	routes       []models.RouteSummary
	destinations []models.DestinationFlow
	bridges      []models.BridgeSummary
	selectable   []models.RouteSummary // flattened bridges plus unlisted ones, what selection and display see
	buffer       []models.Transaction  // retained transactions for on-demand windows
}

// Coordinator owns the ingest queue, the aggregator and the display
// scheduler. A single loop goroutine is the only writer; readers see
// immutable published state.
type Coordinator struct {
	config     Config
	registry   Registry
	channels   *channels.Channels
	logger     *zap.Logger
	now        func() time.Time
	normalizer *normalizer.Normalizer
	queue      *ingest.Queue
	aggregator *aggregator.Aggregator

	displayMu sync.RWMutex
	display   *scheduler.Scheduler

	published   atomic.Pointer[aggregates]
	generation  atomic.Uint64
	feeds       *xsync.Map[string, models.FeedHealth]
	listeners   *xsync.Map[uint64, func(models.ChangeEvent)]
	listenerSeq atomic.Uint64
	loopGen     atomic.Uint64
	running     atomic.Bool

	backpressure utils.BackpressureMetrics
	persistDrops utils.BackpressureMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a new pipeline coordinator
func NewCoordinator(config Config, registry Registry, ch *channels.Channels, logger *zap.Logger, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.AggregateInterval <= 0 {
		config.AggregateInterval = defaults.AggregateInterval
	}
	if config.IngestBatch <= 0 {
		config.IngestBatch = defaults.IngestBatch
	}

	logger = utils.OrNamed(logger, "COORDINATOR")
	c := &Coordinator{
		config:     config,
		registry:   registry,
		channels:   ch,
		logger:     logger,
		now:        time.Now,
		normalizer: normalizer.NewNormalizer(config.Normalizer, logger.Named("normalizer")),
		queue:      ingest.NewQueue(config.Ingest),
		aggregator: aggregator.New(registry, aggregator.WithLatency(config.LatencyMs)),
		display:    scheduler.NewScheduler(config.Display),
		feeds:      xsync.NewMap[string, models.FeedHealth](),
		listeners:  xsync.NewMap[uint64, func(models.ChangeEvent)](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.published.Store(&aggregates{
		windowMs:     config.Window.Milliseconds(),
		routes:       []models.RouteSummary{},
		destinations: []models.DestinationFlow{},
		bridges:      flows.BuildBridgeSummaries(nil, registry.Bridges(), nil),
	})
	return c
}

// Start begins the coordinator loop
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	gen := c.loopGen.Add(1)

	c.logger.Info("starting pipeline coordinator",
		zap.Duration("window", c.config.Window),
		zap.Duration("maxWindow", c.config.retention()),
		zap.Duration("displayTick", c.display.Config().TickInterval))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("coordinator panic recovered", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		c.run(ctx, gen)
	}()
	return nil
}

// Stop gracefully shuts down the coordinator. No change notification fires
// once Stop returns.
func (c *Coordinator) Stop() {
	c.loopGen.Add(1)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.running.Store(false)
	c.logger.Info("pipeline coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context, gen uint64) {
	aggregateTicker := time.NewTicker(c.config.AggregateInterval)
	defer aggregateTicker.Stop()
	displayTicker := time.NewTicker(c.display.Config().TickInterval)
	defer displayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-c.channels.RawDeposits:
			added := c.ingest(raw)
		drain:
			for i := 1; i < c.config.IngestBatch; i++ {
				select {
				case raw := <-c.channels.RawDeposits:
					if c.ingest(raw) {
						added = true
					}
				default:
					break drain
				}
			}
			if added {
				c.aggregate(gen)
			}

		case <-aggregateTicker.C:
			c.aggregate(gen)

		case <-displayTicker.C:
			c.tickDisplay(gen)

		case <-c.channels.FeedEvents:
			c.notify(gen, models.ChangeFeed)
		}
	}
}

// ingest normalizes and deduplicates one raw row. Loop goroutine only.
func (c *Coordinator) ingest(raw models.RawDeposit) bool {
	now := c.now()
	tx, ok := c.normalizer.Normalize(raw, now)
	if !ok {
		return false
	}
	if !c.queue.Ingest(tx) {
		metrics.DepositsDuplicate.Inc()
		return false
	}
	metrics.DepositsIngested.Inc()

	if c.config.Persist {
		utils.TrySend(c.channels.Persist, tx, &c.persistDrops)
	}
	return true
}

// aggregate prunes the buffer, recomputes the default window and publishes
// it. Subscribers hear about it only when the result moved.
func (c *Coordinator) aggregate(gen uint64) {
	start := time.Now()
	nowMs := c.now().UnixMilli()
	windowMs := c.config.Window.Milliseconds()

	evicted, expired := c.queue.Prune(nowMs, c.config.retention().Milliseconds())
	buffer := c.queue.Snapshot()
	result := c.aggregator.Aggregate(aggregator.InWindow(buffer, nowMs, windowMs), windowMs)
	protocols := c.registry.Bridges()
	bridges := flows.BuildBridgeSummaries(result.Routes, protocols, destinationSet(result.Destinations))

	previous := c.published.Load()
	changed := !sameAggregates(previous, result)

	next := &aggregates{
		generation:   previous.generation,
		windowMs:     windowMs,
		updatedAt:    nowMs,
		routes:       result.Routes,
		destinations: result.Destinations,
		bridges:      bridges,
		selectable:   flows.Selectable(bridges, result.Routes, protocols),
		buffer:       buffer,
	}
	if changed {
		next.generation = c.generation.Add(1)
	}
	c.published.Store(next)

	metrics.BufferedTransactions.Set(float64(c.queue.Len()))
	metrics.SeenIDs.Set(float64(c.queue.SeenLen()))
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())

	if evicted > 0 || expired > 0 {
		c.logger.Debug("pruned buffer",
			zap.Int("evicted", evicted),
			zap.Int("expiredIds", expired),
			zap.Int("buffered", c.queue.Len()))
	}
	if changed {
		c.notify(gen, models.ChangeAggregates)
	}
}

func (c *Coordinator) tickDisplay(gen uint64) {
	current := c.published.Load()
	nowMs := c.now().UnixMilli()

	c.displayMu.Lock()
	changed := c.display.Tick(current.selectable, nowMs)
	active := c.display.ActiveCount()
	c.displayMu.Unlock()

	metrics.ActiveParticles.Set(float64(active))
	if changed {
		c.notify(gen, models.ChangeParticles)
	}
}

func (c *Coordinator) notify(gen uint64, kind models.ChangeKind) {
	if c.loopGen.Load() != gen {
		return
	}
	ev := models.ChangeEvent{
		Kind:       kind,
		Generation: c.generation.Load(),
		At:         c.now().UnixMilli(),
	}
	c.listeners.Range(func(id uint64, fn func(models.ChangeEvent)) bool {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("change listener panic recovered", zap.Uint64("listener", id), zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
		return true
	})
}

// Subscribe registers fn for change notifications. fn runs on the pipeline
// loop and must not block. The returned func unsubscribes.
func (c *Coordinator) Subscribe(fn func(models.ChangeEvent)) func() {
	id := c.listenerSeq.Add(1)
	c.listeners.Store(id, fn)
	return func() { c.listeners.Delete(id) }
}

// Ingest hands a raw deposit to the pipeline. It waits briefly when the
// loop is behind and reports false if the row had to be dropped.
func (c *Coordinator) Ingest(ctx context.Context, raw models.RawDeposit) bool {
	if utils.SendWithBackpressure(ctx, c.channels.RawDeposits, raw, c.config.Backpressure, &c.backpressure) {
		return true
	}
	metrics.IngestOverflows.Inc()
	return false
}

// ReportFeedStatus records the health of one upstream feed; err == nil
// means healthy. Aggregates are never cleared on disconnect.
func (c *Coordinator) ReportFeedStatus(feed string, err error) {
	nowMs := c.now().UnixMilli()
	changed := false

	c.feeds.Compute(feed, func(old models.FeedHealth, loaded bool) (models.FeedHealth, xsync.ComputeOp) {
		next := models.FeedHealth{Name: feed, Healthy: err == nil, Since: nowMs}
		if err != nil {
			next.LastError = err.Error()
		}
		if loaded && old.Healthy == next.Healthy && old.LastError == next.LastError {
			return old, xsync.CancelOp
		}
		if loaded && old.Healthy == next.Healthy {
			next.Since = old.Since
		}
		changed = true
		return next, xsync.UpdateOp
	})
	if !changed {
		return
	}

	if err == nil {
		metrics.FeedUp.WithLabelValues(feed).Set(1)
		c.logger.Info("feed healthy", zap.String("feed", feed))
	} else {
		metrics.FeedUp.WithLabelValues(feed).Set(0)
		c.logger.Warn("feed degraded", zap.String("feed", feed), zap.Error(err))
	}
	utils.TrySend(c.channels.FeedEvents, struct{}{}, nil)
}

// FeedStatus summarises the health of every feed that has reported.
func (c *Coordinator) FeedStatus() models.FeedStatus {
	status := models.FeedStatus{Feeds: []models.FeedHealth{}}
	c.feeds.Range(func(_ string, h models.FeedHealth) bool {
		status.Feeds = append(status.Feeds, h)
		if !h.Healthy {
			status.Degraded = true
		}
		return true
	})
	sort.Slice(status.Feeds, func(i, j int) bool { return status.Feeds[i].Name < status.Feeds[j].Name })
	return status
}

// DefaultWindowMs is the window the pipeline keeps pre-aggregated.
func (c *Coordinator) DefaultWindowMs() int64 {
	return c.config.Window.Milliseconds()
}

// RouteSummaries returns route aggregates over windowMs. The default window
// is served from the last pass; other windows are computed from the retained
// buffer and capped at MaxWindow. windowMs <= 0 aggregates everything
// retained without rate normalization. The caller owns the result.
func (c *Coordinator) RouteSummaries(windowMs int64) []models.RouteSummary {
	current := c.published.Load()
	if windowMs == current.windowMs {
		return models.CloneRoutes(current.routes)
	}
	return c.aggregateOnDemand(current, windowMs).Routes
}

// DestinationFlows returns destination aggregates over windowMs, with the
// same window rules as RouteSummaries.
func (c *Coordinator) DestinationFlows(windowMs int64) []models.DestinationFlow {
	current := c.published.Load()
	if windowMs == current.windowMs {
		return slices.Clone(current.destinations)
	}
	return c.aggregateOnDemand(current, windowMs).Destinations
}

func (c *Coordinator) aggregateOnDemand(current *aggregates, windowMs int64) aggregator.Result {
	if limit := c.config.retention().Milliseconds(); windowMs > limit {
		windowMs = limit
	}
	txs := aggregator.InWindow(current.buffer, c.now().UnixMilli(), windowMs)
	return c.aggregator.Aggregate(txs, windowMs)
}

// SelectFlow returns the route or composite for the selectors, or nil.
func (c *Coordinator) SelectFlow(bridge, destination string) *models.RouteSummary {
	filter := models.FlowFilter{Bridge: bridge, Destination: destination}
	return flows.Select(c.published.Load().selectable, filter, c.registry)
}

// ReconcileFilter resets selectors that no longer match any route.
func (c *Coordinator) ReconcileFilter(filter models.FlowFilter) models.FlowFilter {
	return flows.Reconcile(filter, c.published.Load().selectable)
}

// ActiveParticles returns the live particles for the selectors.
func (c *Coordinator) ActiveParticles(bridge, destination string) []models.DisplayParticle {
	c.displayMu.RLock()
	defer c.displayMu.RUnlock()
	return c.display.Active(bridge, destination)
}

// BridgeSummaries returns per-protocol flows from the last pass.
func (c *Coordinator) BridgeSummaries() []models.BridgeSummary {
	return models.CloneBridges(c.published.Load().bridges)
}

// Options returns the selector values currently available.
func (c *Coordinator) Options() models.SelectorOptions {
	return flows.Options(c.published.Load().selectable, c.registry.Bridges())
}

// Snapshot assembles the full read model.
func (c *Coordinator) Snapshot() models.Snapshot {
	current := c.published.Load()

	c.displayMu.RLock()
	particles := c.display.Particles()
	c.displayMu.RUnlock()

	return models.Snapshot{
		Generation:   current.generation,
		WindowMs:     current.windowMs,
		UpdatedAt:    current.updatedAt,
		Routes:       models.CloneRoutes(current.routes),
		Destinations: slices.Clone(current.destinations),
		Bridges:      models.CloneBridges(current.bridges),
		Particles:    particles,
		Feed:         c.FeedStatus(),
	}
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() map[string]interface{} {
	current := c.published.Load()
	overflows, timeouts, dropped := c.backpressure.Stats()
	_, _, persistDropped := c.persistDrops.Stats()
	return map[string]interface{}{
		"generation":       current.generation,
		"buffered":         len(current.buffer),
		"routes":           len(current.routes),
		"updatedAt":        current.updatedAt,
		"ingestOverflows":  overflows,
		"ingestTimeouts":   timeouts,
		"ingestDropped":    dropped,
		"persistDropped":   persistDropped,
		"windowMs":         current.windowMs,
		"retentionMs":      c.config.retention().Milliseconds(),
		"listenerCount":    c.listeners.Size(),
		"feedDegraded":     c.FeedStatus().Degraded,
		"displayTickMs":    c.display.Config().TickInterval.Milliseconds(),
		"displayMaxActive": c.display.Config().MaxActive,
	}
}

func destinationSet(dests []models.DestinationFlow) map[string]bool {
	out := make(map[string]bool, len(dests))
	for _, d := range dests {
		out[d.Name] = true
	}
	return out
}

type routeMark struct {
	bridge, name string
	count        int
	lastUpdated  int64
	block        int64
}

func marks(routes []models.RouteSummary) []routeMark {
	out := make([]routeMark, len(routes))
	for i, r := range routes {
		out[i] = routeMark{r.BridgeID, r.Name, r.TxCount, r.LastUpdated, r.BlockNumber}
	}
	return out
}

// sameAggregates reports whether a pass would look the same to readers.
// Routes are keyed and ordered deterministically, so comparing count,
// recency and block per route is enough.
func sameAggregates(previous *aggregates, result aggregator.Result) bool {
	if previous == nil {
		return false
	}
	if len(previous.routes) != len(result.Routes) || len(previous.destinations) != len(result.Destinations) {
		return false
	}
	return slices.Equal(marks(previous.routes), marks(result.Routes))
}
