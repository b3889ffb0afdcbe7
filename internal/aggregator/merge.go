package aggregator

import (
	"sort"

	"relay-flow-backend/internal/models"
)

// MergeSummaries combines two partial summaries of the same route.
func MergeSummaries(a, b models.RouteSummary) models.RouteSummary {
	return Merge(a, b)
}

// Merge folds parts into one summary. Volumes, counts and rates add up,
// latency is weighted by each part's count, lastUpdated and blockNumber take
// the max, and transactions are re-sorted. Identity fields come from the
// first part; callers relabel composites themselves.
func Merge(parts ...models.RouteSummary) models.RouteSummary {
	if len(parts) == 0 {
		return models.RouteSummary{}
	}

	out := models.RouteSummary{
		BridgeID: parts[0].BridgeID,
		Name:     parts[0].Name,
		Color:    parts[0].Color,
	}

	var latencySum float64
	total := 0
	for _, p := range parts {
		total += len(p.Transactions)
	}
	txs := make([]models.Transaction, 0, total)
	tokens := make(map[string]*models.TokenFlow)
	tokenLatency := make(map[string]float64)

	for _, p := range parts {
		out.VolumeUSD += p.VolumeUSD
		out.TxCount += p.TxCount
		out.TxPerMinute += p.TxPerMinute
		out.LastUpdated = max(out.LastUpdated, p.LastUpdated)
		out.BlockNumber = max(out.BlockNumber, p.BlockNumber)
		latencySum += p.AvgLatencyMs * float64(p.TxCount)
		txs = append(txs, p.Transactions...)

		for _, tf := range p.Tokens {
			acc, ok := tokens[tf.Symbol]
			if !ok {
				acc = &models.TokenFlow{Symbol: tf.Symbol, AvgLatencyMs: tf.AvgLatencyMs}
				tokens[tf.Symbol] = acc
			}
			acc.VolumeUSD += tf.VolumeUSD
			acc.TxCount += tf.TxCount
			acc.TxPerMinute += tf.TxPerMinute
			acc.LastUpdated = max(acc.LastUpdated, tf.LastUpdated)
			tokenLatency[tf.Symbol] += tf.AvgLatencyMs * float64(tf.TxCount)
		}
	}

	if out.TxCount > 0 {
		out.AvgLatencyMs = latencySum / float64(out.TxCount)
	} else {
		out.AvgLatencyMs = parts[0].AvgLatencyMs
	}

	SortTransactions(txs)
	out.Transactions = txs
	if len(parts) == 1 {
		out.UniqueDepositors = parts[0].UniqueDepositors
	} else {
		out.UniqueDepositors = UniqueDepositors(txs)
	}

	out.Tokens = make([]models.TokenFlow, 0, len(tokens))
	for symbol, tf := range tokens {
		if tf.TxCount > 0 {
			tf.AvgLatencyMs = tokenLatency[symbol] / float64(tf.TxCount)
		}
		out.Tokens = append(out.Tokens, *tf)
	}
	sort.Slice(out.Tokens, func(i, j int) bool { return out.Tokens[i].Symbol < out.Tokens[j].Symbol })

	return out
}
