package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"PerpBook/internal/ledger"
)

func TestBatchAppend(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New(), TxRef: "tx1", Sequence: 7, Block: 3}

	batch.Append(alice, ledger.QuoteAsset, 100, ledger.EntryTypeDeposit)
	batch.Append(alice, ledger.QuoteAsset, 0, ledger.EntryTypeTradeFee) // dropped
	batch.Append(alice, ledger.QuoteAsset, -25, ledger.EntryTypeTradeFee)

	if len(batch.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 (zero amounts dropped)", len(batch.Entries))
	}

	for _, entry := range batch.Entries {
		if entry.BatchID != batch.BatchID || entry.TxRef != "tx1" || entry.Sequence != 7 || entry.Block != 3 {
			t.Errorf("batch identity not stamped: %+v", entry)
		}
	}

	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}
}

func TestBatchValidate_RejectsForeignEntry(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	batch.Entries = append(batch.Entries, ledger.Entry{
		EntryID: uuid.New(),
		BatchID: uuid.New(), // wrong batch
		Trader:  alice,
		Amount:  10,
	})
	if err := batch.Validate(); err == nil {
		t.Error("entry with mismatched batch_id should fail validation")
	}
}

func TestEntryTypeStrings(t *testing.T) {
	types := map[ledger.EntryType]string{
		ledger.EntryTypeDeposit:            "deposit",
		ledger.EntryTypeWithdrawal:         "withdrawal",
		ledger.EntryTypeMarginReserve:      "margin_reserve",
		ledger.EntryTypeMarginRelease:      "margin_release",
		ledger.EntryTypeTradeFee:           "trade_fee",
		ledger.EntryTypeTradePnL:           "trade_pnl",
		ledger.EntryTypeFundingSettle:      "funding_settle",
		ledger.EntryTypeLiquidationPenalty: "liquidation_penalty",
		ledger.EntryTypeLiquidationLoss:    "liquidation_loss",
	}
	for et, want := range types {
		if et.String() != want {
			t.Errorf("%d: got %s, want %s", et, et.String(), want)
		}
	}
}
