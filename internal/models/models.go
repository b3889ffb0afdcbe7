package models

import "slices"

// TokenFlow is the per-token slice of a route.
type TokenFlow struct {
	Symbol       string  `json:"symbol"`
	VolumeUSD    float64 `json:"volumeUsd"`
	TxCount      int     `json:"txCount"`
	TxPerMinute  int     `json:"txPerMinute"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	LastUpdated  int64   `json:"lastUpdated"`
}

// RouteSummary aggregates one (bridge, destination) route inside a window.
// Transactions are ordered most recent first.
type RouteSummary struct {
	BridgeID         string        `json:"bridgeId"`
	Name             string        `json:"name"`
	Color            string        `json:"color"`
	VolumeUSD        float64       `json:"volumeUsd"`
	TxCount          int           `json:"txCount"`
	TxPerMinute      int           `json:"txPerMinute"`
	AvgLatencyMs     float64       `json:"avgLatencyMs"`
	LastUpdated      int64         `json:"lastUpdated"`
	BlockNumber      int64         `json:"blockNumber"`
	UniqueDepositors uint64        `json:"uniqueDepositors"`
	Tokens           []TokenFlow   `json:"tokens"`
	Transactions     []Transaction `json:"transactions"`
}

// Clone returns r with its own Tokens and Transactions.
func (r RouteSummary) Clone() RouteSummary {
	r.Tokens = slices.Clone(r.Tokens)
	r.Transactions = slices.Clone(r.Transactions)
	return r
}

// CloneRoutes deep-copies routes.
func CloneRoutes(routes []RouteSummary) []RouteSummary {
	if routes == nil {
		return nil
	}
	out := make([]RouteSummary, len(routes))
	for i, r := range routes {
		out[i] = r.Clone()
	}
	return out
}

// CloneBridges deep-copies bridge summaries.
func CloneBridges(bridges []BridgeSummary) []BridgeSummary {
	if bridges == nil {
		return nil
	}
	out := make([]BridgeSummary, len(bridges))
	for i, b := range bridges {
		out[i] = BridgeSummary{Protocol: b.Protocol, Flows: CloneRoutes(b.Flows)}
	}
	return out
}

// DestinationFlow aggregates every bridge into one destination chain.
type DestinationFlow struct {
	Name             string  `json:"name"`
	Color            string  `json:"color"`
	VolumeUSD        float64 `json:"volumeUsd"`
	TxCount          int     `json:"txCount"`
	TxPerMinute      int     `json:"txPerMinute"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
	LastUpdated      int64   `json:"lastUpdated"`
	UniqueDepositors uint64  `json:"uniqueDepositors"`
}

// DisplayParticle is a short-lived visual unit for one transaction.
type DisplayParticle struct {
	ID        string  `json:"id"`
	Token     string  `json:"token"`
	Amount    float64 `json:"amount"`
	Color     string  `json:"color"`
	Size      float64 `json:"size"`
	Start     int64   `json:"start"`
	Timestamp int64   `json:"timestamp"`
}

// BridgeProtocol is a bridge the UI knows how to draw.
type BridgeProtocol struct {
	Name string `json:"name" yaml:"name"`
	Hue  string `json:"hue" yaml:"hue"`
}

// BridgeSummary groups a protocol's destination flows, largest volume first.
type BridgeSummary struct {
	Protocol BridgeProtocol `json:"protocol"`
	Flows    []RouteSummary `json:"flows"`
}

// SelectorOptions lists the values a bridge or destination selector can take.
type SelectorOptions struct {
	Bridges      []string `json:"bridges"`
	Destinations []string `json:"destinations"`
}

// ChainInfo describes a chain known to the registry.
type ChainInfo struct {
	ChainID       int64   `json:"chainId" yaml:"chainId"`
	Name          string  `json:"name" yaml:"name"`
	Color         string  `json:"color,omitempty" yaml:"color"`
	Destination   bool    `json:"destination" yaml:"destination"`
	AvgBlockTime  float64 `json:"avgBlockTimeSeconds" yaml:"avgBlockTimeSeconds"`
	ExplorerURL   string  `json:"explorerUrl,omitempty" yaml:"explorerUrl"` // printf template taking the block number
	ExplorerLabel string  `json:"explorerLabel,omitempty" yaml:"explorerLabel"`
	LatestBlock   int64   `json:"latestBlock"`
}

// DailyCount is the trailing 24h deposit count for one chain.
type DailyCount struct {
	ChainID  int64  `json:"chainId"`
	Name     string `json:"name"`
	Native   int64  `json:"native"`
	ERC20    int64  `json:"erc20"`
	Count    int64  `json:"count"`
	MinBlock int64  `json:"minBlock"`
}

// DailyCounts is the latest refresh of DailyCount across chains.
type DailyCounts struct {
	PerChain  []DailyCount `json:"perChain"`
	Total     int64        `json:"total"`
	UpdatedAt int64        `json:"updatedAt"`
}

// FeedHealth is the last known state of one upstream feed.
type FeedHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LastError string `json:"lastError,omitempty"`
	Since     int64  `json:"since"`
}

// FeedStatus summarises every upstream feed. Degraded means at least one
// feed is down and the aggregates may be stale.
type FeedStatus struct {
	Degraded bool         `json:"degraded"`
	Feeds    []FeedHealth `json:"feeds"`
}

// Snapshot is the published read model of the pipeline.
type Snapshot struct {
	Generation   uint64                       `json:"generation"`
	WindowMs     int64                        `json:"windowMs"`
	UpdatedAt    int64                        `json:"updatedAt"`
	Routes       []RouteSummary               `json:"routes"`
	Destinations []DestinationFlow            `json:"destinations"`
	Bridges      []BridgeSummary              `json:"bridges"`
	Particles    map[string][]DisplayParticle `json:"particles"`
	Feed         FeedStatus                   `json:"feed"`
}

// ChangeKind says which part of the snapshot moved.
type ChangeKind string

const (
	ChangeAggregates ChangeKind = "aggregates"
	ChangeParticles  ChangeKind = "particles"
	ChangeFeed       ChangeKind = "feed"
)

// ChangeEvent is delivered to subscribers whenever a query result would differ.
type ChangeEvent struct {
	Kind       ChangeKind `json:"kind"`
	Generation uint64     `json:"generation"`
	At         int64      `json:"at"`
}
