package scheduler

import (
	"math"
	"sort"
	"time"

	"relay-flow-backend/internal/models"
)

// Config holds display scheduler configuration
type Config struct {
	TTL               time.Duration `yaml:"ttl" json:"ttl"`                             // How long a particle stays active (default: 7s)
	TickInterval      time.Duration `yaml:"tickInterval" json:"tickInterval"`           // Scheduler tick (default: 300ms)
	MaxActive         int           `yaml:"maxActive" json:"maxActive"`                 // Per-route cap on active particles (default: 24)
	MaxEnqueuePerTick int           `yaml:"maxEnqueuePerTick" json:"maxEnqueuePerTick"` // New particles per route per tick (default: 8)
	MinSize           float64       `yaml:"minSize" json:"minSize"`
	MaxSize           float64       `yaml:"maxSize" json:"maxSize"`
	// ProcessedRetention is how long a processed id is remembered once it has
	// left its route's transaction list.
	ProcessedRetention time.Duration `yaml:"processedRetention" json:"processedRetention"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		TTL:                7 * time.Second,
		TickInterval:       300 * time.Millisecond,
		MaxActive:          24,
		MaxEnqueuePerTick:  8,
		MinSize:            5,
		MaxSize:            12,
		ProcessedRetention: 70 * time.Second,
	}
}

type routeQueue struct {
	bridge      string
	destination string
	active      []models.DisplayParticle
	processed   map[string]int64 // id -> enqueue time (ms)
}

// Scheduler turns route transaction lists into bounded, decaying particle
// queues, one per route. It is not safe for concurrent use; the pipeline
// coordinator owns it and calls Tick from its loop.
type Scheduler struct {
	config Config
	queues map[string]*routeQueue
}

// NewScheduler creates a new display scheduler
func NewScheduler(config Config) *Scheduler {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.MaxActive <= 0 {
		config.MaxActive = defaults.MaxActive
	}
	if config.MaxEnqueuePerTick <= 0 {
		config.MaxEnqueuePerTick = defaults.MaxEnqueuePerTick
	}
	if config.MaxSize <= 0 {
		config.MinSize, config.MaxSize = defaults.MinSize, defaults.MaxSize
	}
	if config.ProcessedRetention <= 0 {
		config.ProcessedRetention = 10 * config.TTL
	}
	return &Scheduler{
		config: config,
		queues: make(map[string]*routeQueue),
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Tick advances every route queue to nowMs. routes carry their transactions
// most recent first. Returns whether any active list changed.
func (s *Scheduler) Tick(routes []models.RouteSummary, nowMs int64) bool {
	changed := false
	ttl := s.config.TTL.Milliseconds()
	current := make(map[string]bool, len(routes))

	for _, route := range routes {
		key := models.RouteKey(route.BridgeID, route.Name)
		current[key] = true

		q, ok := s.queues[key]
		if !ok {
			q = &routeQueue{
				bridge:      route.BridgeID,
				destination: route.Name,
				processed:   make(map[string]int64),
			}
			s.queues[key] = q
		}

		enqueued := 0
		for _, tx := range route.Transactions {
			if enqueued >= s.config.MaxEnqueuePerTick {
				break
			}
			if _, done := q.processed[tx.ID]; done {
				continue
			}
			amount := tx.AmountFloat()
			ts := tx.Timestamp
			if ts == 0 {
				ts = nowMs
			}
			q.active = append(q.active, models.DisplayParticle{
				ID:        tx.ID,
				Token:     tx.Token,
				Amount:    amount,
				Color:     route.Color,
				Size:      ParticleSize(amount, s.config.MinSize, s.config.MaxSize),
				Start:     nowMs,
				Timestamp: ts,
			})
			q.processed[tx.ID] = nowMs
			enqueued++
		}
		if enqueued > 0 {
			changed = true
		}

		if s.expire(q, nowMs, ttl) {
			changed = true
		}
		s.pruneProcessed(q, route.Transactions, nowMs)
	}

	// Routes that left the window keep decaying until drained, then go.
	for key, q := range s.queues {
		if current[key] {
			continue
		}
		if s.expire(q, nowMs, ttl) {
			changed = true
		}
		if len(q.active) == 0 {
			delete(s.queues, key)
		}
	}
	return changed
}

// expire drops particles past their TTL, then the oldest beyond MaxActive.
func (s *Scheduler) expire(q *routeQueue, nowMs, ttl int64) bool {
	before := len(q.active)
	kept := q.active[:0]
	for _, p := range q.active {
		if nowMs-p.Start < ttl {
			kept = append(kept, p)
		}
	}
	clear(q.active[len(kept):])
	q.active = kept

	if excess := len(q.active) - s.config.MaxActive; excess > 0 {
		q.active = append(q.active[:0:0], q.active[excess:]...)
	}
	return len(q.active) != before
}

// pruneProcessed forgets ids that are no longer listed on the route and were
// enqueued more than ProcessedRetention ago. Listed ids are kept so they are
// never enqueued twice.
func (s *Scheduler) pruneProcessed(q *routeQueue, txs []models.Transaction, nowMs int64) {
	cutoff := nowMs - s.config.ProcessedRetention.Milliseconds()
	var listed map[string]struct{}
	for id, at := range q.processed {
		if at >= cutoff {
			continue
		}
		if listed == nil {
			listed = make(map[string]struct{}, len(txs))
			for _, tx := range txs {
				listed[tx.ID] = struct{}{}
			}
		}
		if _, ok := listed[id]; !ok {
			delete(q.processed, id)
		}
	}
}

// Active returns the particles for one route, oldest first. Either selector
// may be "All" to union the matching routes.
func (s *Scheduler) Active(bridge, destination string) []models.DisplayParticle {
	filter := models.FlowFilter{Bridge: bridge, Destination: destination}.Normalized()

	if filter.Bridge != models.All && filter.Destination != models.All {
		q, ok := s.queues[filter.Key()]
		if !ok {
			return []models.DisplayParticle{}
		}
		return append([]models.DisplayParticle{}, q.active...)
	}

	out := []models.DisplayParticle{}
	for _, q := range s.queues {
		if filter.Bridge != models.All && q.bridge != filter.Bridge {
			continue
		}
		if filter.Destination != models.All && q.destination != filter.Destination {
			continue
		}
		out = append(out, q.active...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Particles copies every non-empty queue keyed by "bridge::destination".
func (s *Scheduler) Particles() map[string][]models.DisplayParticle {
	out := make(map[string][]models.DisplayParticle, len(s.queues))
	for key, q := range s.queues {
		if len(q.active) == 0 {
			continue
		}
		out[key] = append([]models.DisplayParticle(nil), q.active...)
	}
	return out
}

// ActiveCount is the number of live particles across all queues.
func (s *Scheduler) ActiveCount() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.active)
	}
	return n
}

// ProcessedCount is the number of remembered ids across all queues.
func (s *Scheduler) ProcessedCount() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.processed)
	}
	return n
}

// ParticleSize maps an amount onto [minSize, maxSize] logarithmically.
func ParticleSize(amount, minSize, maxSize float64) float64 {
	size := minSize + math.Log10(1+math.Max(0, amount))
	return math.Max(minSize, math.Min(maxSize, size))
}
