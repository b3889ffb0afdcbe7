package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-flow-backend/internal/chains"
	"relay-flow-backend/internal/channels"
	"relay-flow-backend/internal/models"
)

type fakeClock struct{ ms atomic.Int64 }

func (f *fakeClock) now() time.Time          { return time.UnixMilli(f.ms.Load()) }
func (f *fakeClock) advance(d time.Duration) { f.ms.Add(d.Milliseconds()) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AggregateInterval = 10 * time.Millisecond
	cfg.Display.TickInterval = 10 * time.Millisecond
	return cfg
}

func startCoordinator(t *testing.T, clock *fakeClock) *Coordinator {
	t.Helper()
	c := NewCoordinator(testConfig(), chains.NewRegistry(chains.DefaultConfig()),
		channels.NewChannels(64, 64), zap.NewNop(), WithClock(clock.now))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func erc20(id string, chainID int64, amount, token string) models.RawDeposit {
	return models.RawDeposit{
		ID:          id,
		ChainID:     models.FlexInt(chainID),
		BlockNumber: 100,
		From:        "0x1111111111111111111111111111111111111111",
		Amount:      models.FlexString(amount),
		Token:       &token,
		Kind:        models.KindERC20,
	}
}

func TestCoordinatorDeduplicatesDeposits(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := startCoordinator(t, clock)
	ctx := context.Background()

	require.True(t, c.Ingest(ctx, erc20("A", 8453, "1000000", "USDC")))
	require.True(t, c.Ingest(ctx, erc20("A", 8453, "1000000", "USDC")))

	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 1
	}, time.Second, 5*time.Millisecond)

	// Give the loop a chance to see the duplicate too.
	time.Sleep(50 * time.Millisecond)
	routes := c.RouteSummaries(c.DefaultWindowMs())
	require.Len(t, routes, 1)
	assert.Equal(t, "Base", routes[0].Name)
	assert.Equal(t, "Relay", routes[0].BridgeID)
	assert.Equal(t, 1, routes[0].TxCount)
	assert.InDelta(t, 1_000_000, routes[0].VolumeUSD, 1e-6)

	dests := c.DestinationFlows(c.DefaultWindowMs())
	require.Len(t, dests, 1)
	assert.Equal(t, 1, dests[0].TxCount)
}

func TestCoordinatorEvictsOutsideWindow(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := startCoordinator(t, clock)

	require.True(t, c.Ingest(context.Background(), erc20("A", 10, "5", "USDC")))
	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 1
	}, time.Second, 5*time.Millisecond)

	clock.advance(61 * time.Second)
	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 0
	}, time.Second, 5*time.Millisecond)

	// Still retained for longer windows.
	longer := c.RouteSummaries(5 * 60_000)
	require.Len(t, longer, 1)
	assert.Equal(t, "Optimism", longer[0].Name)
	assert.Equal(t, 1, longer[0].TxPerMinute)
}

func TestCoordinatorSelectsComposite(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := startCoordinator(t, clock)
	ctx := context.Background()

	c.Ingest(ctx, erc20("A", 8453, "10", "USDC"))
	c.Ingest(ctx, erc20("B", 10, "20", "USDC"))

	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 2
	}, time.Second, 5*time.Millisecond)

	flow := c.SelectFlow("Relay", models.All)
	require.NotNil(t, flow)
	assert.InDelta(t, 30, flow.VolumeUSD, 1e-9)
	assert.Equal(t, "Relay · All Destinations", flow.Name)

	assert.Nil(t, c.SelectFlow("Mayan", models.All))
	assert.Equal(t, models.FlowFilter{Bridge: models.All, Destination: "Base"},
		c.ReconcileFilter(models.FlowFilter{Bridge: "Mayan", Destination: "Base"}))

	opts := c.Options()
	assert.Equal(t, []string{"All", "Base", "Optimism"}, opts.Destinations)

	require.Eventually(t, func() bool {
		return len(c.ActiveParticles(models.All, models.All)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, c.Snapshot().Particles, 2)
}

func TestCoordinatorSelectsUnlistedBridge(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := startCoordinator(t, clock)

	dep := erc20("S1", 8453, "40", "USDC")
	dep.Bridge = "Stargate"
	require.True(t, c.Ingest(context.Background(), dep))

	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 1
	}, time.Second, 5*time.Millisecond)

	flow := c.SelectFlow("Stargate", "Base")
	require.NotNil(t, flow)
	assert.Equal(t, "Stargate", flow.BridgeID)
	assert.Equal(t, 1, flow.TxCount)

	all := c.SelectFlow(models.All, models.All)
	require.NotNil(t, all)
	assert.Equal(t, 1, all.TxCount)

	filter := models.FlowFilter{Bridge: "Stargate", Destination: "Base"}
	assert.Equal(t, filter, c.ReconcileFilter(filter))
	assert.Contains(t, c.Options().Bridges, "Stargate")

	require.Eventually(t, func() bool {
		return len(c.ActiveParticles("Stargate", "Base")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorReadsAreCopies(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := startCoordinator(t, clock)

	require.True(t, c.Ingest(context.Background(), erc20("A", 8453, "10", "USDC")))
	require.Eventually(t, func() bool {
		return len(c.RouteSummaries(c.DefaultWindowMs())) == 1
	}, time.Second, 5*time.Millisecond)

	routes := c.RouteSummaries(c.DefaultWindowMs())
	require.Len(t, routes[0].Transactions, 1)
	routes[0].Name = "mutated"
	routes[0].Transactions[0].ID = "mutated"

	dests := c.DestinationFlows(c.DefaultWindowMs())
	dests[0].Name = "mutated"

	flow := c.SelectFlow("Relay", "Base")
	require.NotNil(t, flow)
	flow.Transactions[0].ID = "mutated"

	bridges := c.BridgeSummaries()
	require.NotEmpty(t, bridges[0].Flows)
	bridges[0].Flows[0].Transactions[0].ID = "mutated"

	again := c.RouteSummaries(c.DefaultWindowMs())
	assert.Equal(t, "Base", again[0].Name)
	assert.Equal(t, "A", again[0].Transactions[0].ID)
	assert.Equal(t, "Base", c.DestinationFlows(c.DefaultWindowMs())[0].Name)
	assert.Equal(t, "A", c.SelectFlow("Relay", "Base").Transactions[0].ID)
	assert.Equal(t, "A", c.Snapshot().Routes[0].Transactions[0].ID)
}

func TestCoordinatorNotifiesSubscribers(t *testing.T) {
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	c := NewCoordinator(testConfig(), chains.NewRegistry(chains.DefaultConfig()),
		channels.NewChannels(64, 64), zap.NewNop(), WithClock(clock.now))

	var mu sync.Mutex
	kinds := map[models.ChangeKind]int{}
	unsubscribe := c.Subscribe(func(ev models.ChangeEvent) {
		mu.Lock()
		kinds[ev.Kind]++
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, c.Start(context.Background()))
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	c.Ingest(context.Background(), erc20("A", 8453, "1", "USDC"))
	c.ReportFeedStatus("erc20:8453", errors.New("socket closed"))

	count := func(kind models.ChangeKind) int {
		mu.Lock()
		defer mu.Unlock()
		return kinds[kind]
	}
	require.Eventually(t, func() bool {
		return count(models.ChangeAggregates) > 0 && count(models.ChangeParticles) > 0 && count(models.ChangeFeed) > 0
	}, time.Second, 5*time.Millisecond)

	status := c.FeedStatus()
	assert.True(t, status.Degraded)
	require.Len(t, status.Feeds, 1)
	assert.Equal(t, "socket closed", status.Feeds[0].LastError)

	c.Stop()
	mu.Lock()
	total := 0
	for _, n := range kinds {
		total += n
	}
	mu.Unlock()

	clock.advance(time.Second)
	c.ReportFeedStatus("erc20:8453", nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	after := 0
	for _, n := range kinds {
		after += n
	}
	mu.Unlock()
	assert.Equal(t, total, after, "no notification after Stop")
	assert.False(t, c.FeedStatus().Degraded)
}

func TestReportFeedStatusIgnoresRepeats(t *testing.T) {
	clock := &fakeClock{}
	c := NewCoordinator(testConfig(), chains.NewRegistry(chains.DefaultConfig()),
		channels.NewChannels(1, 1), zap.NewNop(), WithClock(clock.now))

	c.ReportFeedStatus("native:10", nil)
	require.Len(t, c.channels.FeedEvents, 1)
	<-c.channels.FeedEvents

	clock.advance(time.Second)
	c.ReportFeedStatus("native:10", nil)
	assert.Len(t, c.channels.FeedEvents, 0)
	assert.Equal(t, int64(0), c.FeedStatus().Feeds[0].Since)
}

func TestEmptyPipelineServesEmptyState(t *testing.T) {
	c := NewCoordinator(testConfig(), chains.NewRegistry(chains.DefaultConfig()),
		channels.NewChannels(1, 1), zap.NewNop())

	assert.Empty(t, c.RouteSummaries(c.DefaultWindowMs()))
	assert.Empty(t, c.DestinationFlows(30_000))
	assert.Nil(t, c.SelectFlow(models.All, models.All))
	assert.Empty(t, c.ActiveParticles(models.All, models.All))
	assert.Len(t, c.BridgeSummaries(), 3)
	assert.False(t, c.Snapshot().Feed.Degraded)
}
