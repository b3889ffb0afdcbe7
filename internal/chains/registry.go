package chains

import (
	"fmt"
	"sort"
	"strings"

	"relay-flow-backend/internal/models"
)

// FallbackColor is used for unknown destinations and composite views.
const FallbackColor = "#64748b"

// DefaultChains returns the chains the Relay depository is indexed on.
func DefaultChains() []models.ChainInfo {
	return []models.ChainInfo{
		{ChainID: 1, Name: "Ethereum", AvgBlockTime: 12, ExplorerURL: "https://etherscan.io/block/%d", ExplorerLabel: "View on Etherscan"},
		{ChainID: 10, Name: "Optimism", Color: "#fb5607", Destination: true, AvgBlockTime: 2, ExplorerURL: "https://explorer.optimism.io/block/%d", ExplorerLabel: "View on Optimism Explorer"},
		{ChainID: 8453, Name: "Base", Color: "#3a86ff", Destination: true, AvgBlockTime: 2, ExplorerURL: "https://base.blockscout.com/block/%d", ExplorerLabel: "View on Blockscout"},
		{ChainID: 42161, Name: "Arbitrum", Color: "#ff006e", Destination: true, AvgBlockTime: 0.25},
		{ChainID: 324, Name: "zkSync", Color: "#8338ec", Destination: true, AvgBlockTime: 1},
	}
}

// DefaultBridges returns the bridge protocols shown by default.
func DefaultBridges() []models.BridgeProtocol {
	return []models.BridgeProtocol{
		{Name: "Relay", Hue: "#38bdf8"},
		{Name: "Across", Hue: "#a855f7"},
		{Name: "Mayan", Hue: "#f97316"},
	}
}

// DefaultTokenPrices returns static USD prices; unknown tokens price at 1.
func DefaultTokenPrices() map[string]float64 {
	return map[string]float64{
		"USDC": 1,
		"USDT": 1,
		"ETH":  3400,
	}
}

// Registry is the immutable chain, bridge and price table.
// It is safe for concurrent use.
type Registry struct {
	chains        map[int64]models.ChainInfo
	destinations  map[string]models.ChainInfo
	bridges       []models.BridgeProtocol
	prices        map[string]float64
	fallbackColor string
}

// NewRegistry builds a registry from config, filling empty parts with defaults.
func NewRegistry(config Config) *Registry {
	chainList := config.Chains
	if len(chainList) == 0 {
		chainList = DefaultChains()
	}
	bridges := config.Bridges
	if len(bridges) == 0 {
		bridges = DefaultBridges()
	}
	prices := DefaultTokenPrices()
	for symbol, price := range config.TokenPrices {
		prices[strings.ToUpper(symbol)] = price
	}
	fallback := config.FallbackColor
	if fallback == "" {
		fallback = FallbackColor
	}

	r := &Registry{
		chains:        make(map[int64]models.ChainInfo, len(chainList)),
		destinations:  make(map[string]models.ChainInfo),
		bridges:       append([]models.BridgeProtocol(nil), bridges...),
		prices:        prices,
		fallbackColor: fallback,
	}
	for _, c := range chainList {
		r.chains[c.ChainID] = c
		if c.Destination {
			r.destinations[c.Name] = c
		}
	}
	return r
}

// DestinationName maps a chain id to its destination display name.
// Chains that are not destinations do not resolve.
func (r *Registry) DestinationName(chainID int64) (string, bool) {
	c, ok := r.chains[chainID]
	if !ok || !c.Destination {
		return "", false
	}
	return c.Name, true
}

// DestinationColor returns the destination's color or the fallback.
func (r *Registry) DestinationColor(name string) string {
	if c, ok := r.destinations[name]; ok && c.Color != "" {
		return c.Color
	}
	return r.fallbackColor
}

func (r *Registry) FallbackColor() string {
	return r.fallbackColor
}

// TokenPrice returns the USD price of symbol, 1 when unknown.
func (r *Registry) TokenPrice(symbol string) float64 {
	if price, ok := r.prices[strings.ToUpper(symbol)]; ok {
		return price
	}
	return 1
}

func (r *Registry) Bridges() []models.BridgeProtocol {
	return append([]models.BridgeProtocol(nil), r.bridges...)
}

// Chain looks up a chain by id.
func (r *Registry) Chain(chainID int64) (models.ChainInfo, bool) {
	c, ok := r.chains[chainID]
	return c, ok
}

// Chains returns every chain ordered by id.
func (r *Registry) Chains() []models.ChainInfo {
	out := make([]models.ChainInfo, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ExplorerURL links to a block, falling back to Etherscan's layout.
func (r *Registry) ExplorerURL(chainID, block int64) string {
	if c, ok := r.chains[chainID]; ok && c.ExplorerURL != "" {
		return fmt.Sprintf(c.ExplorerURL, block)
	}
	if c, ok := r.chains[1]; ok && c.ExplorerURL != "" {
		return fmt.Sprintf(c.ExplorerURL, block)
	}
	return ""
}
