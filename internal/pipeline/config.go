package pipeline

import (
	"time"

	"relay-flow-backend/internal/aggregator"
	"relay-flow-backend/internal/ingest"
	"relay-flow-backend/internal/normalizer"
	"relay-flow-backend/internal/scheduler"
	"relay-flow-backend/internal/utils"
)

// Config holds configuration for the aggregation pipeline
type Config struct {
	Window            time.Duration `yaml:"window" json:"window"`                       // Default aggregation window (default: 60s)
	MaxWindow         time.Duration `yaml:"maxWindow" json:"maxWindow"`                 // Longest window served on demand (default: 10m)
	AggregateInterval time.Duration `yaml:"aggregateInterval" json:"aggregateInterval"` // Prune and re-aggregate period (default: 1s)
	IngestBatch       int           `yaml:"ingestBatch" json:"ingestBatch"`             // Raw deposits drained per loop turn (default: 256)
	LatencyMs         float64       `yaml:"latencyMs" json:"latencyMs"`                 // Latency estimate per transaction
	Persist           bool          `yaml:"persist" json:"persist"`                     // Forward new transactions to the history store

	Ingest       ingest.Config            `yaml:"ingest" json:"ingest"`
	Display      scheduler.Config         `yaml:"display" json:"display"`
	Normalizer   normalizer.Config        `yaml:"normalizer" json:"normalizer"`
	Backpressure utils.BackpressureConfig `yaml:"backpressure" json:"backpressure"`
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		Window:            60 * time.Second,
		MaxWindow:         10 * time.Minute,
		AggregateInterval: time.Second,
		IngestBatch:       256,
		LatencyMs:         aggregator.DefaultLatencyMs,
		Ingest:            ingest.DefaultConfig(),
		Display:           scheduler.DefaultConfig(),
		Normalizer:        normalizer.DefaultConfig(),
		Backpressure:      utils.DefaultBackpressureConfig(),
	}
}

// retention is how long transactions stay buffered: long enough for the
// largest window served.
func (c Config) retention() time.Duration {
	return max(c.Window, c.MaxWindow)
}
