package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"relay-flow-backend/internal/metrics"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Config holds normalizer configuration
type Config struct {
	DefaultBridge     string `yaml:"defaultBridge" json:"defaultBridge"`
	NativeToken       string `yaml:"nativeToken" json:"nativeToken"`
	FallbackToken     string `yaml:"fallbackToken" json:"fallbackToken"`
	MaxSymbolLength   int    `yaml:"maxSymbolLength" json:"maxSymbolLength"`
	ChecksumAddresses bool   `yaml:"checksumAddresses" json:"checksumAddresses"`
}

// DefaultConfig returns default normalizer configuration
func DefaultConfig() Config {
	return Config{
		DefaultBridge:     "Relay",
		NativeToken:       "ETH",
		FallbackToken:     "USDC",
		MaxSymbolLength:   10,
		ChecksumAddresses: true,
	}
}

// Drop reasons reported in metrics.
const (
	DropMissingID = "missing_id"
	DropBadChain  = "bad_chain"
)

// Normalizer turns raw deposit rows into canonical transactions.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	config Config
	logger *zap.Logger
}

// NewNormalizer creates a new normalizer
func NewNormalizer(config Config, logger *zap.Logger) *Normalizer {
	defaults := DefaultConfig()
	if config.DefaultBridge == "" {
		config.DefaultBridge = defaults.DefaultBridge
	}
	if config.NativeToken == "" {
		config.NativeToken = defaults.NativeToken
	}
	if config.FallbackToken == "" {
		config.FallbackToken = defaults.FallbackToken
	}
	if config.MaxSymbolLength <= 0 {
		config.MaxSymbolLength = defaults.MaxSymbolLength
	}
	return &Normalizer{
		config: config,
		logger: utils.OrNamed(logger, "NORMALIZER"),
	}
}

// Normalize converts raw into a Transaction stamped with now. The second
// return is false when the row has no usable identity and must be dropped.
func (n *Normalizer) Normalize(raw models.RawDeposit, now time.Time) (models.Transaction, bool) {
	chainID := int64(raw.ChainID)
	blockNumber := int64(raw.BlockNumber)

	id := n.resolveID(raw)
	if id == "" {
		metrics.DepositsDropped.WithLabelValues(DropMissingID).Inc()
		n.logger.Debug("dropping deposit without id",
			zap.Int64("chainId", chainID),
			zap.Int64("block", blockNumber))
		return models.Transaction{}, false
	}
	if chainID <= 0 {
		metrics.DepositsDropped.WithLabelValues(DropBadChain).Inc()
		n.logger.Debug("dropping deposit without chain", zap.String("id", id))
		return models.Transaction{}, false
	}

	tx := models.Transaction{
		ID:                     id,
		SourceChainID:          chainID,
		DestinationChainID:     chainID,
		BlockNumber:            blockNumber,
		DestinationBlockNumber: blockNumber,
		Amount:                 n.parseAmount(id, string(raw.Amount)),
		Token:                  n.resolveToken(raw),
		Kind:                   raw.Kind,
		Bridge:                 strings.TrimSpace(raw.Bridge),
		Depositor:              strings.TrimSpace(raw.From),
		Timestamp:              now.UnixMilli(),
	}
	if tx.Kind == "" {
		tx.Kind = models.KindERC20
		if raw.Token == nil {
			tx.Kind = models.KindNative
		}
	}
	if raw.DestinationChainID != nil && *raw.DestinationChainID > 0 {
		tx.DestinationChainID = int64(*raw.DestinationChainID)
	}
	if raw.DestinationBlockNumber != nil && *raw.DestinationBlockNumber > 0 {
		tx.DestinationBlockNumber = int64(*raw.DestinationBlockNumber)
	}
	if tx.Bridge == "" {
		tx.Bridge = n.config.DefaultBridge
	}
	if n.config.ChecksumAddresses {
		tx.Depositor = utils.ChecksumAddress(tx.Depositor)
	}
	return tx, true
}

// resolveID prefers the row id, then the event id, then chain_block_logIndex.
func (n *Normalizer) resolveID(raw models.RawDeposit) string {
	if id := strings.TrimSpace(raw.ID); id != "" {
		return id
	}
	if id := strings.TrimSpace(raw.EventID); id != "" {
		return id
	}
	if raw.LogIndex != nil && raw.ChainID > 0 && raw.BlockNumber > 0 {
		return fmt.Sprintf("%d_%d_%d", int64(raw.ChainID), int64(raw.BlockNumber), int64(*raw.LogIndex))
	}
	return ""
}

func (n *Normalizer) resolveToken(raw models.RawDeposit) string {
	if raw.Kind == models.KindNative || (raw.Kind == "" && raw.Token == nil) {
		return n.config.NativeToken
	}
	if raw.Token == nil {
		return n.config.FallbackToken
	}
	symbol := strings.TrimSpace(*raw.Token)
	// Indexers sometimes return the token contract address instead of a symbol.
	if symbol == "" || len(symbol) > n.config.MaxSymbolLength {
		return n.config.FallbackToken
	}
	return strings.ToUpper(symbol)
}

// parseAmount never fails: unparsable amounts count as zero.
func (n *Normalizer) parseAmount(id, s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		metrics.InvalidAmounts.Inc()
		n.logger.Warn("unparsable deposit amount, using zero",
			zap.String("id", id),
			zap.String("amount", s),
			zap.Error(err))
		return decimal.Zero
	}
	return amount
}
