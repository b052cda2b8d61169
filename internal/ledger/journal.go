package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryType classifies an audit entry
type EntryType int32

const (
	EntryTypeDeposit EntryType = iota
	EntryTypeWithdrawal
	EntryTypeMarginReserve
	EntryTypeMarginRelease
	EntryTypeTradeFee
	EntryTypeTradePnL
	EntryTypeFundingSettle
	EntryTypeLiquidationPenalty
	EntryTypeLiquidationLoss
)

func (et EntryType) String() string {
	switch et {
	case EntryTypeDeposit:
		return "deposit"
	case EntryTypeWithdrawal:
		return "withdrawal"
	case EntryTypeMarginReserve:
		return "margin_reserve"
	case EntryTypeMarginRelease:
		return "margin_release"
	case EntryTypeTradeFee:
		return "trade_fee"
	case EntryTypeTradePnL:
		return "trade_pnl"
	case EntryTypeFundingSettle:
		return "funding_settle"
	case EntryTypeLiquidationPenalty:
		return "liquidation_penalty"
	case EntryTypeLiquidationLoss:
		return "liquidation_loss"
	default:
		return "unknown"
	}
}

// Entry is a single signed movement on a trader's collateral account,
// recorded for audit and downstream persistence. The ledger itself is the
// source of truth; entries are a replayable trail keyed by the transaction
// that produced them.
type Entry struct {
	EntryID   uuid.UUID
	BatchID   uuid.UUID
	TxRef     string // hash/key of the originating transaction
	Sequence  int64  // global apply sequence
	Trader    Address
	AssetID   AssetID
	Amount    int64 // signed, quote scale
	EntryType EntryType
	Block     uint64
}

// Batch groups the entries emitted by one state transition.
type Batch struct {
	BatchID  uuid.UUID
	TxRef    string
	Sequence int64
	Block    uint64
	Entries  []Entry
}

// Append adds an entry, stamping batch identity.
func (b *Batch) Append(trader Address, asset AssetID, amount int64, entryType EntryType) {
	if amount == 0 {
		return
	}
	b.Entries = append(b.Entries, Entry{
		EntryID:   uuid.New(),
		BatchID:   b.BatchID,
		TxRef:     b.TxRef,
		Sequence:  b.Sequence,
		Trader:    trader,
		AssetID:   asset,
		Amount:    amount,
		EntryType: entryType,
		Block:     b.Block,
	})
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, e := range b.Entries {
		if e.Amount == 0 {
			return fmt.Errorf("entry %s has zero amount", e.EntryID)
		}
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}
	}
	return nil
}
