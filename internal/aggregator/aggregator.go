package aggregator

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
)

// DefaultLatencyMs stands in for per-transaction latency. The upstream feed
// carries no paired source/destination timestamps, so latency is an
// approximation and never a measurement.
const DefaultLatencyMs = 4200.0

// Resolver maps chains to destinations, destinations to colors, and tokens
// to USD prices. chains.Registry implements it.
type Resolver interface {
	DestinationName(chainID int64) (string, bool)
	DestinationColor(name string) string
	TokenPrice(symbol string) float64
}

// Result is one aggregation pass.
type Result struct {
	Routes       []models.RouteSummary    `json:"routes"`
	Destinations []models.DestinationFlow `json:"destinations"`
}

// Aggregator folds a transaction buffer into route and destination flows.
// It is stateless between passes and safe for concurrent use.
type Aggregator struct {
	resolver  Resolver
	latencyMs float64
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithLatency overrides the per-transaction latency estimate.
func WithLatency(ms float64) Option {
	return func(a *Aggregator) {
		if ms > 0 {
			a.latencyMs = ms
		}
	}
}

// New creates an aggregator
func New(resolver Resolver, opts ...Option) *Aggregator {
	a := &Aggregator{resolver: resolver, latencyMs: DefaultLatencyMs}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type tokenAcc struct {
	volume      decimal.Decimal
	count       int
	lastUpdated int64
}

type routeAcc struct {
	bridge      string
	destination string
	volume      decimal.Decimal
	count       int
	lastUpdated int64
	blockNumber int64
	tokens      map[string]*tokenAcc
	txs         []models.Transaction
	depositors  *sketch
}

type destAcc struct {
	name        string
	volume      decimal.Decimal
	count       int
	lastUpdated int64
	depositors  *sketch
}

// Aggregate groups txs by (bridge, destination) in a single pass and folds
// the same transactions by destination. Transactions whose destination
// chain is unknown are left out of both views. Output order is stable:
// routes by bridge then destination, destinations by name.
func (a *Aggregator) Aggregate(txs []models.Transaction, windowMs int64) Result {
	routes := make(map[string]*routeAcc)
	dests := make(map[string]*destAcc)
	prices := make(map[string]decimal.Decimal)

	for _, tx := range txs {
		destination, ok := a.resolver.DestinationName(tx.DestinationChain())
		if !ok {
			metrics.UnresolvedDestinations.Inc()
			continue
		}

		price, ok := prices[tx.Token]
		if !ok {
			price = decimal.NewFromFloat(a.resolver.TokenPrice(tx.Token))
			prices[tx.Token] = price
		}
		volume := tx.Amount.Mul(price)

		key := models.RouteKey(tx.Bridge, destination)
		r, ok := routes[key]
		if !ok {
			r = &routeAcc{
				bridge:      tx.Bridge,
				destination: destination,
				tokens:      make(map[string]*tokenAcc),
				depositors:  newSketch(),
			}
			routes[key] = r
		}
		r.volume = r.volume.Add(volume)
		r.count++
		r.lastUpdated = max(r.lastUpdated, tx.Timestamp)
		r.blockNumber = max(r.blockNumber, tx.EffectiveBlock())
		r.txs = append(r.txs, tx)
		r.depositors.add(tx.Depositor)

		t, ok := r.tokens[tx.Token]
		if !ok {
			t = &tokenAcc{}
			r.tokens[tx.Token] = t
		}
		t.volume = t.volume.Add(volume)
		t.count++
		t.lastUpdated = max(t.lastUpdated, tx.Timestamp)

		d, ok := dests[destination]
		if !ok {
			d = &destAcc{name: destination, depositors: newSketch()}
			dests[destination] = d
		}
		d.volume = d.volume.Add(volume)
		d.count++
		d.lastUpdated = max(d.lastUpdated, tx.Timestamp)
		d.depositors.add(tx.Depositor)
	}

	result := Result{
		Routes:       make([]models.RouteSummary, 0, len(routes)),
		Destinations: make([]models.DestinationFlow, 0, len(dests)),
	}
	for _, r := range routes {
		result.Routes = append(result.Routes, a.buildRoute(r, windowMs))
	}
	for _, d := range dests {
		result.Destinations = append(result.Destinations, models.DestinationFlow{
			Name:             d.name,
			Color:            a.resolver.DestinationColor(d.name),
			VolumeUSD:        d.volume.InexactFloat64(),
			TxCount:          d.count,
			TxPerMinute:      TxPerMinute(d.count, windowMs),
			AvgLatencyMs:     a.latencyMs,
			LastUpdated:      d.lastUpdated,
			UniqueDepositors: d.depositors.estimate(),
		})
	}

	sort.Slice(result.Routes, func(i, j int) bool {
		if result.Routes[i].BridgeID != result.Routes[j].BridgeID {
			return result.Routes[i].BridgeID < result.Routes[j].BridgeID
		}
		return result.Routes[i].Name < result.Routes[j].Name
	})
	sort.Slice(result.Destinations, func(i, j int) bool {
		return result.Destinations[i].Name < result.Destinations[j].Name
	})
	return result
}

func (a *Aggregator) buildRoute(r *routeAcc, windowMs int64) models.RouteSummary {
	tokens := make([]models.TokenFlow, 0, len(r.tokens))
	for symbol, t := range r.tokens {
		tokens = append(tokens, models.TokenFlow{
			Symbol:       symbol,
			VolumeUSD:    t.volume.InexactFloat64(),
			TxCount:      t.count,
			TxPerMinute:  TxPerMinute(t.count, windowMs),
			AvgLatencyMs: a.latencyMs,
			LastUpdated:  t.lastUpdated,
		})
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })

	SortTransactions(r.txs)

	return models.RouteSummary{
		BridgeID:         r.bridge,
		Name:             r.destination,
		Color:            a.resolver.DestinationColor(r.destination),
		VolumeUSD:        r.volume.InexactFloat64(),
		TxCount:          r.count,
		TxPerMinute:      TxPerMinute(r.count, windowMs),
		AvgLatencyMs:     a.latencyMs,
		LastUpdated:      r.lastUpdated,
		BlockNumber:      r.blockNumber,
		UniqueDepositors: r.depositors.estimate(),
		Tokens:           tokens,
		Transactions:     r.txs,
	}
}

// TxPerMinute normalises count to a per-minute rate over windowMs, with a
// floor of 1 for any non-empty window. windowMs <= 0 returns count as is.
func TxPerMinute(count int, windowMs int64) int {
	if windowMs <= 0 {
		return count
	}
	if count == 0 {
		return 0
	}
	minutes := float64(windowMs) / 60_000
	return max(1, int(math.Round(float64(count)/minutes)))
}

// SortTransactions orders txs by effective destination block, then by
// ingestion time, both descending.
func SortTransactions(txs []models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		bi, bj := txs[i].EffectiveBlock(), txs[j].EffectiveBlock()
		if bi != bj {
			return bi > bj
		}
		return txs[i].Timestamp > txs[j].Timestamp
	})
}

// InWindow returns the transactions with Timestamp >= nowMs-windowMs.
// windowMs <= 0 returns txs unfiltered.
func InWindow(txs []models.Transaction, nowMs, windowMs int64) []models.Transaction {
	if windowMs <= 0 {
		return txs
	}
	cutoff := nowMs - windowMs
	out := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Timestamp >= cutoff {
			out = append(out, tx)
		}
	}
	return out
}
