package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-flow-backend/internal/models"
)

func routeWith(bridge, dest string, n int, prefix string) models.RouteSummary {
	r := models.RouteSummary{BridgeID: bridge, Name: dest, Color: "#3a86ff"}
	// most recent first
	for i := n - 1; i >= 0; i-- {
		r.Transactions = append(r.Transactions, models.Transaction{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			Amount:    decimal.NewFromInt(int64(i)),
			Token:     "USDC",
			Timestamp: int64(i + 1),
		})
	}
	return r
}

func TestTickEnqueuesAtMostPerTickLimit(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	routes := []models.RouteSummary{routeWith("Relay", "Base", 20, "tx")}

	require.True(t, s.Tick(routes, 1_000))
	active := s.Active("Relay", "Base")
	require.Len(t, active, 8)
	assert.Equal(t, "tx-19", active[0].ID, "most recent transactions go first")
	assert.Equal(t, "#3a86ff", active[0].Color)
	assert.Equal(t, int64(1_000), active[0].Start)
}

func TestTickNeverExceedsMaxActive(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	routes := []models.RouteSummary{routeWith("Relay", "Base", 40, "tx")}

	now := int64(0)
	for i := 0; i < 5; i++ {
		s.Tick(routes, now)
		assert.LessOrEqual(t, len(s.Active("Relay", "Base")), 24)
		now += 300
	}

	active := s.Active("Relay", "Base")
	require.Len(t, active, 24)
	// 40 enqueued in FIFO order; the newest 24 survive.
	assert.Equal(t, "tx-23", active[0].ID)
	assert.Equal(t, "tx-0", active[23].ID)
}

func TestTickEnqueuesEachIDOnce(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	routes := []models.RouteSummary{routeWith("Relay", "Base", 2, "tx")}

	require.True(t, s.Tick(routes, 0))
	assert.False(t, s.Tick(routes, 300))
	assert.Len(t, s.Active("Relay", "Base"), 2)

	// After expiry the ids are still remembered while listed on the route.
	s.Tick(routes, 8_000)
	assert.Empty(t, s.Active("Relay", "Base"))
	s.Tick(routes, 200_000)
	assert.Empty(t, s.Active("Relay", "Base"))
	assert.Equal(t, 2, s.ProcessedCount())
}

func TestTickExpiresAfterTTL(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	routes := []models.RouteSummary{routeWith("Relay", "Base", 1, "tx")}

	s.Tick(routes, 0)
	s.Tick(routes, 6_999)
	assert.Len(t, s.Active("Relay", "Base"), 1)
	assert.True(t, s.Tick(routes, 7_000))
	assert.Empty(t, s.Active("Relay", "Base"))
}

func TestProcessedIDsArePrunedOnceUnlisted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessedRetention = time.Second
	s := NewScheduler(cfg)

	s.Tick([]models.RouteSummary{routeWith("Relay", "Base", 3, "old")}, 0)
	require.Equal(t, 3, s.ProcessedCount())

	s.Tick([]models.RouteSummary{routeWith("Relay", "Base", 1, "new")}, 2_000)
	assert.Equal(t, 1, s.ProcessedCount())
}

func TestVanishedRouteDrainsThenDisappears(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	s.Tick([]models.RouteSummary{routeWith("Relay", "Base", 1, "tx")}, 0)

	s.Tick(nil, 1_000)
	assert.Len(t, s.Active("Relay", "Base"), 1, "still decaying")

	assert.True(t, s.Tick(nil, 7_500))
	assert.Empty(t, s.Particles())
	assert.Equal(t, 0, s.ProcessedCount())
}

func TestActiveUnionsAllSelectors(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	s.Tick([]models.RouteSummary{routeWith("Relay", "Base", 1, "a")}, 0)
	s.Tick([]models.RouteSummary{
		routeWith("Relay", "Base", 1, "a"),
		routeWith("Across", "Base", 1, "b"),
		routeWith("Relay", "Optimism", 1, "c"),
	}, 300)

	assert.Len(t, s.Active(models.All, models.All), 3)
	assert.Len(t, s.Active("Relay", models.All), 2)

	base := s.Active("", "Base")
	require.Len(t, base, 2)
	assert.Equal(t, "a-0", base[0].ID)
	assert.Equal(t, "b-0", base[1].ID)

	assert.Empty(t, s.Active("Mayan", "Base"))
	assert.Len(t, s.Particles(), 3)
	assert.Equal(t, 3, s.ActiveCount())
}

func TestParticleSize(t *testing.T) {
	assert.Equal(t, 5.0, ParticleSize(0, 5, 12))
	assert.Equal(t, 5.0, ParticleSize(-10, 5, 12))
	assert.InDelta(t, 6.0, ParticleSize(9, 5, 12), 1e-9)
	assert.InDelta(t, 11.0, ParticleSize(999_999, 5, 12), 1e-9)
	assert.Equal(t, 12.0, ParticleSize(1e12, 5, 12))
}
