package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// DepositKind distinguishes the upstream deposit tables.
type DepositKind string

const (
	KindNative DepositKind = "native"
	KindERC20  DepositKind = "erc20"
)

// FlexString decodes either a JSON string or a JSON number into its text form.
// Indexers emit numeric columns as either depending on their width.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// FlexInt decodes an integer sent as a JSON number or a numeric string.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return fmt.Errorf("flex int %q: %w", string(s), err)
	}
	*f = FlexInt(n)
	return nil
}

// RawDeposit is one row from RelayDepository_RelayNativeDeposit or
// RelayDepository_RelayErc20Deposit.
type RawDeposit struct {
	EventID                string     `json:"event_id"`
	ID                     string     `json:"id"`
	ChainID                FlexInt    `json:"chain_id"`
	BlockNumber            FlexInt    `json:"block_number"`
	LogIndex               *FlexInt   `json:"log_index,omitempty"`
	From                   string     `json:"from"`
	Amount                 FlexString `json:"amount"`
	Token                  *string    `json:"token,omitempty"`
	DestinationChainID     *FlexInt   `json:"destination_chain_id,omitempty"`
	DestinationBlockNumber *FlexInt   `json:"destination_block_number,omitempty"`

	// Set by the feed that produced the row, never by the upstream.
	Kind   DepositKind `json:"-"`
	Bridge string      `json:"-"`
}

// Transaction is the canonical deposit record the pipeline works on.
// ID is immutable and the only deduplication key.
type Transaction struct {
	ID                     string          `json:"id"`
	SourceChainID          int64           `json:"sourceChainId"`
	DestinationChainID     int64           `json:"destinationChainId,omitempty"`
	BlockNumber            int64           `json:"blockNumber"`
	DestinationBlockNumber int64           `json:"destinationBlockNumber,omitempty"`
	Amount                 decimal.Decimal `json:"amount"`
	Token                  string          `json:"token"`
	Kind                   DepositKind     `json:"kind,omitempty"`
	Bridge                 string          `json:"bridge"`
	Depositor              string          `json:"depositor,omitempty"`
	Timestamp              int64           `json:"timestamp"` // ingestion wall clock, ms
}

// DestinationChain is the chain the deposit lands on. Without an explicit
// destination it is the chain that emitted the event.
func (t Transaction) DestinationChain() int64 {
	if t.DestinationChainID != 0 {
		return t.DestinationChainID
	}
	return t.SourceChainID
}

// EffectiveBlock is the destination block, falling back to the source block.
func (t Transaction) EffectiveBlock() int64 {
	if t.DestinationBlockNumber != 0 {
		return t.DestinationBlockNumber
	}
	return t.BlockNumber
}

// AmountFloat is the raw amount as a float for display sizing.
func (t Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}
