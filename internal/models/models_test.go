package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawDepositDecodesMixedNumericColumns(t *testing.T) {
	payload := `{
		"event_id": "8453_100_3",
		"id": "abc",
		"chain_id": 8453,
		"block_number": "100",
		"from": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"amount": 1000000000000000000000,
		"token": "USDC"
	}`

	var raw RawDeposit
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	assert.Equal(t, FlexInt(8453), raw.ChainID)
	assert.Equal(t, FlexInt(100), raw.BlockNumber)
	assert.Equal(t, FlexString("1000000000000000000000"), raw.Amount)
	require.NotNil(t, raw.Token)
	assert.Equal(t, "USDC", *raw.Token)
	assert.Nil(t, raw.DestinationBlockNumber)
}

func TestRawDepositRejectsBadBlockNumber(t *testing.T) {
	var raw RawDeposit
	require.Error(t, json.Unmarshal([]byte(`{"block_number": "tip"}`), &raw))
}

func TestTransactionFallbacks(t *testing.T) {
	tx := Transaction{SourceChainID: 10, BlockNumber: 7, Amount: decimal.NewFromInt(5)}
	assert.Equal(t, int64(10), tx.DestinationChain())
	assert.Equal(t, int64(7), tx.EffectiveBlock())
	assert.Equal(t, 5.0, tx.AmountFloat())

	tx.DestinationChainID = 8453
	tx.DestinationBlockNumber = 9
	assert.Equal(t, int64(8453), tx.DestinationChain())
	assert.Equal(t, int64(9), tx.EffectiveBlock())
}

func TestFlowFilter(t *testing.T) {
	route := RouteSummary{BridgeID: "Relay", Name: "Base"}

	assert.True(t, FlowFilter{}.Matches(route))
	assert.True(t, FlowFilter{Bridge: "Relay", Destination: All}.Matches(route))
	assert.False(t, FlowFilter{Bridge: "Across"}.Matches(route))
	assert.False(t, FlowFilter{Destination: "Optimism"}.Matches(route))
	assert.Equal(t, "All::Base", FlowFilter{Destination: "Base"}.Key())
	assert.Equal(t, "Relay::Base", RouteKey("Relay", "Base"))
}
