package channels

import (
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Channels holds all communication channels for the pipeline
type Channels struct {
	// Pipeline channels
	RawDeposits chan models.RawDeposit  // Feeds → Coordinator
	Persist     chan models.Transaction // Coordinator → Database writer

	// Feed health signal, coalesced (one pending tick is enough)
	FeedEvents chan struct{}
}

// NewChannels creates and initializes all channels. Buffer sizes can be
// overridden with CHANNEL_RAW_DEPOSITS and CHANNEL_PERSIST.
func NewChannels(rawSize, persistSize int) *Channels {
	return &Channels{
		RawDeposits: make(chan models.RawDeposit, utils.EnvInt("CHANNEL_RAW_DEPOSITS", rawSize)),
		Persist:     make(chan models.Transaction, utils.EnvInt("CHANNEL_PERSIST", persistSize)),
		FeedEvents:  make(chan struct{}, 1),
	}
}
