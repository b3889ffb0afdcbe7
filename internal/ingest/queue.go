package ingest

import (
	"relay-flow-backend/internal/models"
)

// Config holds ingest queue configuration
type Config struct {
	// SeenRetentionWindows is how many window lengths an id stays in the
	// seen-set after it was ingested. Duplicates arriving later are accepted
	// again; 0 keeps ids forever.
	SeenRetentionWindows int `yaml:"seenRetentionWindows" json:"seenRetentionWindows"`
	// MaxBuffered caps the rolling buffer; oldest entries go first. 0 is unbounded.
	MaxBuffered int `yaml:"maxBuffered" json:"maxBuffered"`
}

// DefaultConfig returns default ingest queue configuration
func DefaultConfig() Config {
	return Config{
		SeenRetentionWindows: 5,
		MaxBuffered:          50_000,
	}
}

// Queue deduplicates transactions and keeps the time-bounded working set.
// It is not safe for concurrent use; the pipeline coordinator owns it.
type Queue struct {
	config Config
	buffer []models.Transaction
	seen   map[string]int64 // id -> ingestion timestamp (ms)
}

// NewQueue creates a new ingest queue
func NewQueue(config Config) *Queue {
	return &Queue{
		config: config,
		seen:   make(map[string]int64),
	}
}

// Ingest appends tx unless its id was already seen. Returns whether it was added.
func (q *Queue) Ingest(tx models.Transaction) bool {
	if tx.ID == "" {
		return false
	}
	if _, dup := q.seen[tx.ID]; dup {
		return false
	}
	q.seen[tx.ID] = tx.Timestamp
	q.buffer = append(q.buffer, tx)

	if q.config.MaxBuffered > 0 && len(q.buffer) > q.config.MaxBuffered {
		excess := len(q.buffer) - q.config.MaxBuffered
		q.buffer = append(q.buffer[:0:0], q.buffer[excess:]...)
	}
	return true
}

// Prune drops buffered transactions older than nowMs-windowMs and expires
// seen ids older than the configured number of windows.
func (q *Queue) Prune(nowMs, windowMs int64) (evicted, expired int) {
	if windowMs <= 0 {
		return 0, 0
	}

	cutoff := nowMs - windowMs
	kept := q.buffer[:0]
	for _, tx := range q.buffer {
		if tx.Timestamp < cutoff {
			evicted++
			continue
		}
		kept = append(kept, tx)
	}
	clear(q.buffer[len(kept):])
	q.buffer = kept

	if q.config.SeenRetentionWindows > 0 {
		seenCutoff := nowMs - windowMs*int64(q.config.SeenRetentionWindows)
		for id, ts := range q.seen {
			if ts < seenCutoff {
				delete(q.seen, id)
				expired++
			}
		}
	}
	return evicted, expired
}

// Snapshot returns a copy of the buffer in arrival order.
func (q *Queue) Snapshot() []models.Transaction {
	out := make([]models.Transaction, len(q.buffer))
	copy(out, q.buffer)
	return out
}

// Seen reports whether id is in the seen-set.
func (q *Queue) Seen(id string) bool {
	_, ok := q.seen[id]
	return ok
}

func (q *Queue) Len() int {
	return len(q.buffer)
}

func (q *Queue) SeenLen() int {
	return len(q.seen)
}
