package utils

import (
	"context"
	"sync/atomic"
	"time"
)

// BackpressureMetrics tracks channel overflow statistics
type BackpressureMetrics struct {
	overflows atomic.Int64
	timeouts  atomic.Int64
	dropped   atomic.Int64
}

// Stats returns current counters.
func (bm *BackpressureMetrics) Stats() (overflows, timeouts, dropped int64) {
	return bm.overflows.Load(), bm.timeouts.Load(), bm.dropped.Load()
}

// BackpressureConfig holds configuration for overflow handling
type BackpressureConfig struct {
	DropOnOverflow bool          `yaml:"dropOnOverflow" json:"dropOnOverflow"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultBackpressureConfig returns sensible defaults
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		DropOnOverflow: false,
		Timeout:        100 * time.Millisecond,
	}
}

// SendWithBackpressure sends data to ch. When ch is full it either drops
// immediately or waits up to config.Timeout, giving up early on ctx.
func SendWithBackpressure[T any](ctx context.Context, ch chan<- T, data T, config BackpressureConfig, metrics *BackpressureMetrics) bool {
	select {
	case ch <- data:
		return true
	default:
	}

	if metrics != nil {
		metrics.overflows.Add(1)
	}
	if config.DropOnOverflow || config.Timeout <= 0 {
		if metrics != nil {
			metrics.dropped.Add(1)
		}
		return false
	}

	timer := time.NewTimer(config.Timeout)
	defer timer.Stop()

	select {
	case ch <- data:
		return true
	case <-ctx.Done():
		if metrics != nil {
			metrics.dropped.Add(1)
		}
		return false
	case <-timer.C:
		if metrics != nil {
			metrics.timeouts.Add(1)
			metrics.dropped.Add(1)
		}
		return false
	}
}

// TrySend attempts to send without blocking, returns success status
func TrySend[T any](ch chan<- T, data T, metrics *BackpressureMetrics) bool {
	select {
	case ch <- data:
		return true
	default:
		if metrics != nil {
			metrics.overflows.Add(1)
			metrics.dropped.Add(1)
		}
		return false
	}
}
