package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay-flow-backend/internal/graphql"
	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

type fakeSink struct {
	mu       sync.Mutex
	deposits []models.RawDeposit
	statuses map[string][]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{statuses: map[string][]error{}}
}

func (s *fakeSink) Ingest(_ context.Context, raw models.RawDeposit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits = append(s.deposits, raw)
	return true
}

func (s *fakeSink) ReportFeedStatus(feed string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[feed] = append(s.statuses[feed], err)
}

func (s *fakeSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.deposits))
	for i, d := range s.deposits {
		ids[i] = d.ID
	}
	return ids
}

type fakeSource struct {
	mu      sync.Mutex
	heights map[int64]int64
	pages   map[int64]graphql.DepositPage
	from    map[int64]int64
	err     error

	heightsErr error
	seeds      atomic.Int32
}

func (f *fakeSource) LatestBlockHeights(context.Context) (map[int64]int64, error) {
	f.seeds.Add(1)
	return f.heights, f.heightsErr
}

func (f *fakeSource) DepositsSince(_ context.Context, chainID, fromBlock int64) (graphql.DepositPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from[chainID] = fromBlock
	if f.err != nil {
		return graphql.DepositPage{}, f.err
	}
	return f.pages[chainID], nil
}

func deposit(id string, chainID, block int64) models.RawDeposit {
	return models.RawDeposit{ID: id, ChainID: models.FlexInt(chainID), BlockNumber: models.FlexInt(block), Amount: "1", Kind: models.KindNative}
}

func TestPollerAdvancesCursors(t *testing.T) {
	source := &fakeSource{
		heights: map[int64]int64{10: 100, 8453: 500},
		from:    map[int64]int64{},
		pages: map[int64]graphql.DepositPage{
			// complete page: cursor jumps to the reported height
			10: {Deposits: []models.RawDeposit{deposit("a", 10, 101), deposit("b", 10, 104)}, BlockHeight: 110, Complete: true},
			// truncated page: cursor stops at the last row seen
			8453: {Deposits: []models.RawDeposit{deposit("c", 8453, 503)}, BlockHeight: 600, Complete: false},
		},
	}
	sink := newFakeSink()
	p := NewPoller(DefaultConfig(), source, sink, []int64{10, 8453}, zap.NewNop())

	require.NoError(t, p.Seed(context.Background()))
	assert.Equal(t, int64(100), p.Cursor(10))
	assert.Equal(t, int64(500), p.Cursor(8453))

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sink.ids())
	assert.Equal(t, int64(100), source.from[10])
	assert.Equal(t, int64(110), p.Cursor(10))
	assert.Equal(t, int64(503), p.Cursor(8453))
}

func TestPollerReportsErrors(t *testing.T) {
	source := &fakeSource{
		heights: map[int64]int64{10: 100},
		from:    map[int64]int64{},
		err:     errors.New("indexer down"),
	}
	p := NewPoller(DefaultConfig(), source, newFakeSink(), []int64{10}, zap.NewNop())
	require.NoError(t, p.Seed(context.Background()))

	_, err := p.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer down")
	assert.Equal(t, int64(100), p.Cursor(10))
}

// scriptedSubscriber runs one step per Subscribe call.
type scriptedSubscriber struct {
	mu    sync.Mutex
	calls int
	steps []func(onReady func(), onData func(json.RawMessage)) error
}

func (s *scriptedSubscriber) Subscribe(_ context.Context, _ string, _ map[string]interface{}, onReady func(), onData func(json.RawMessage)) error {
	s.mu.Lock()
	step := s.steps[s.calls]
	s.calls++
	s.mu.Unlock()
	return step(onReady, onData)
}

func fastRetry() Config {
	cfg := DefaultConfig()
	cfg.Retry = utils.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

func TestSubscriptionReconnectsAndDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := &scriptedSubscriber{steps: []func(func(), func(json.RawMessage)) error{
		func(onReady func(), onData func(json.RawMessage)) error {
			return errors.New("dial refused")
		},
		func(onReady func(), onData func(json.RawMessage)) error {
			onReady()
			onData(json.RawMessage(`{"deposits":[{"id":"x","chain_id":10,"block_number":7,"amount":"3","from":"0x1","token":"USDC"}]}`))
			return errors.New("socket closed")
		},
		func(onReady func(), onData func(json.RawMessage)) error {
			onReady()
			cancel()
			return nil
		},
	}}
	sink := newFakeSink()
	m := NewManager(fastRetry(), sub, nil, sink, []int64{10}, zap.NewNop())

	m.runSubscription(ctx, models.KindERC20, 10)

	assert.Equal(t, 3, sub.calls)
	require.Len(t, sink.deposits, 1)
	assert.Equal(t, "x", sink.deposits[0].ID)
	assert.Equal(t, models.KindERC20, sink.deposits[0].Kind)

	statuses := sink.statuses["erc20:10"]
	require.Len(t, statuses, 4)
	assert.EqualError(t, statuses[0], "dial refused")
	assert.NoError(t, statuses[1])
	assert.EqualError(t, statuses[2], "socket closed")
	assert.NoError(t, statuses[3])
}

func TestManagerFeeds(t *testing.T) {
	sub := &scriptedSubscriber{}
	poller := NewPoller(DefaultConfig(), &fakeSource{}, newFakeSink(), []int64{10}, zap.NewNop())

	cfg := DefaultConfig()
	m := NewManager(cfg, sub, poller, newFakeSink(), []int64{10, 8453}, zap.NewNop())
	assert.Equal(t, []string{"native:10", "erc20:10", "native:8453", "erc20:8453"}, m.Feeds())

	cfg.Mode = ModeBoth
	m = NewManager(cfg, sub, poller, newFakeSink(), []int64{10}, zap.NewNop())
	assert.Equal(t, []string{"native:10", "erc20:10", "poll"}, m.Feeds())

	cfg.Mode = ModePoll
	m = NewManager(cfg, sub, poller, newFakeSink(), []int64{10}, zap.NewNop())
	assert.Equal(t, []string{"poll"}, m.Feeds())
}

func TestManagerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := func(onReady func(), onData func(json.RawMessage)) error {
		onReady()
		<-ctx.Done()
		return nil
	}
	sub := &scriptedSubscriber{steps: []func(func(), func(json.RawMessage)) error{block, block}}
	m := NewManager(fastRetry(), sub, nil, newFakeSink(), []int64{10}, zap.NewNop())

	m.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("feeds did not stop")
	}
}

func TestRejectedSubscriptionBacksOff(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{Subprotocols: []string{graphql.Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)

		var msg map[string]interface{}
		_ = conn.ReadJSON(&msg)
		_ = conn.WriteJSON(map[string]string{"type": "connection_ack"})
		_ = conn.ReadJSON(&msg)
		_ = conn.WriteJSON(map[string]interface{}{
			"id":      msg["id"],
			"type":    "error",
			"payload": []map[string]string{{"message": "permission denied"}},
		})
	}))
	defer srv.Close()

	gqlCfg := graphql.DefaultConfig()
	gqlCfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg := DefaultConfig()
	cfg.Retry = utils.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	sink := newFakeSink()
	m := NewManager(cfg, graphql.NewSubscriber(gqlCfg, zap.NewNop()), nil, sink, []int64{10}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.runSubscription(ctx, models.KindNative, 10)

	// 0, 100ms, 300ms, 700ms
	assert.LessOrEqual(t, dials.Load(), int32(5))
	assert.GreaterOrEqual(t, dials.Load(), int32(2))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, status := range sink.statuses["native:10"] {
		assert.Error(t, status, "a rejected feed is never reported healthy")
	}
}

func TestPollerGivesUpOnPermanentSeedError(t *testing.T) {
	source := &fakeSource{
		from:       map[int64]int64{},
		heightsErr: utils.NewAppError(utils.ErrorTypeGraphQL, "QUERY_ERRORS", "field not found", "GRAPHQL"),
	}
	sink := newFakeSink()
	p := NewPoller(fastRetry(), source, sink, []int64{10}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller kept retrying a permanent error")
	}

	assert.Equal(t, int32(1), source.seeds.Load())
	require.Len(t, sink.statuses[PollFeed], 1)
	assert.Error(t, sink.statuses[PollFeed][0])
}
