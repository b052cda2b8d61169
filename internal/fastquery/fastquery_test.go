package fastquery_test

import (
	"testing"

	"github.com/rs/zerolog"

	"PerpBook/internal/book"
	"PerpBook/internal/engine"
	"PerpBook/internal/fastquery"
	"PerpBook/internal/ledger"
	"PerpBook/internal/market"
)

const (
	governance = ledger.Address("0xgov")
	alice      = ledger.Address("0xalice")
	bob        = ledger.Address("0xbob")

	ethPerp = "ETH-PERP"
	size01  = int64(100_000_000_000_000_000)
	px1800  = int64(1_800_000_000)
)

// tradedEngine returns an engine where alice holds a 0.1 long against bob's
// short, opened at 1800, plus the query service over it.
func tradedEngine(t *testing.T) (*engine.Engine, *fastquery.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Governance: governance, Logger: zerolog.Nop()})

	apply := func(tx engine.Tx) {
		t.Helper()
		if _, err := eng.Apply(tx); err != nil {
			t.Fatalf("apply %s: %v", tx.TxType(), err)
		}
	}
	apply(&engine.AddMarket{Authority: governance, Market: market.Market{
		ID:                   ethPerp,
		UnderlyingAsset:      "ETH",
		MaxOracleSpreadRatio: 100_000,
		MinSizeRequirement:   10_000_000_000_000_000,
		MaxLiquidationRatio:  250_000,
	}, Block: 1})
	apply(&engine.UpdateOracle{Underlying: "ETH", Price: px1800, Block: 1})
	apply(&engine.Deposit{Ref: "d1", Trader: alice, Asset: "USDC", Amount: 1_000_000_000, Block: 2})
	apply(&engine.Deposit{Ref: "d2", Trader: bob, Asset: "USDC", Amount: 1_000_000_000, Block: 2})
	apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: bob, Size: -size01, Price: px1800, Salt: 1, Kind: book.KindLimit,
	}, Block: 3})
	apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: alice, Size: size01, Price: px1800, Salt: 2, Kind: book.KindLimit,
	}, Block: 4})

	return eng, fastquery.NewService(eng, zerolog.Nop())
}

func TestMarginSummary(t *testing.T) {
	eng, svc := tradedEngine(t)

	summary := svc.MarginSummary(alice)
	if summary.TotalDeposited != 999_100_000 {
		t.Errorf("deposited: got %d, want 999100000", summary.TotalDeposited)
	}
	if summary.Reserved != 0 || summary.Free != 999_100_000 {
		t.Errorf("reserved/free: %d/%d", summary.Reserved, summary.Free)
	}
	if summary.UnrealizedPnL != 0 {
		t.Errorf("flat pnl at entry price: got %d", summary.UnrealizedPnL)
	}
	if summary.TotalNotional != 180_000_000 {
		t.Errorf("notional: got %d, want 180000000", summary.TotalNotional)
	}
	if summary.RequiredMaintenance != 18_000_000 {
		t.Errorf("maintenance: got %d, want 18000000", summary.RequiredMaintenance)
	}
	if summary.Liquidatable {
		t.Error("healthy account flagged liquidatable")
	}

	// Oracle down 300: the long shows -30 of unrealized PnL.
	if _, err := eng.Apply(&engine.UpdateOracle{Underlying: "ETH", Price: 1_500_000_000, Block: 5}); err != nil {
		t.Fatalf("oracle: %v", err)
	}
	summary = svc.MarginSummary(alice)
	if summary.UnrealizedPnL != -30_000_000 {
		t.Errorf("pnl after crash: got %d, want -30000000", summary.UnrealizedPnL)
	}
	if summary.AvailableMargin != 969_100_000 {
		t.Errorf("available: got %d, want 969100000", summary.AvailableMargin)
	}
}

func TestMarginSummary_PendingFunding(t *testing.T) {
	eng, svc := tradedEngine(t)

	mustApply := func(tx engine.Tx) {
		t.Helper()
		if _, err := eng.Apply(tx); err != nil {
			t.Fatalf("apply %s: %v", tx.TxType(), err)
		}
	}
	mustApply(&engine.UpdateOracle{Underlying: "ETH", Price: 1_790_000_000, Block: 5})
	mustApply(&engine.FundingTick{Timestamp: 1_700_000_000, Block: 6})
	mustApply(&engine.FundingTick{Timestamp: 1_700_003_600, Block: 7})

	// Premium 10 over 24 periods: 0.416667 per unit, 0.041667 on a 0.1 long.
	got := svc.MarginSummary(alice)
	if got.PendingFunding != 41_667 {
		t.Errorf("alice pending funding: got %d, want 41667", got.PendingFunding)
	}
	if got := svc.MarginSummary(bob); got.PendingFunding != -41_667 {
		t.Errorf("bob pending funding: got %d, want -41667", got.PendingFunding)
	}
}

func TestMarginSummary_UnknownTraderIsEmpty(t *testing.T) {
	_, svc := tradedEngine(t)

	summary := svc.MarginSummary("0xnobody")
	if summary.TotalDeposited != 0 || summary.TotalNotional != 0 || summary.Liquidatable {
		t.Errorf("empty trader summary: %+v", summary)
	}
}

func TestPositions(t *testing.T) {
	_, svc := tradedEngine(t)

	details := svc.Positions(alice)
	if len(details) != 1 {
		t.Fatalf("got %d positions", len(details))
	}
	d := details[0]
	if d.Market != ethPerp || d.Size != size01 || d.OpenNotional != 180_000_000 {
		t.Errorf("detail: %+v", d)
	}
	if d.NotionalAtOracle != 180_000_000 || d.UnrealizedPnL != 0 {
		t.Errorf("oracle pricing: %+v", d)
	}

	if got := svc.Positions(bob); len(got) != 1 || got[0].Size != -size01 {
		t.Errorf("bob positions: %+v", got)
	}
}

func TestMarkets_DepthAndBounds(t *testing.T) {
	eng, svc := tradedEngine(t)

	// A fresh resting short shows up in the depth counters.
	if _, err := eng.Apply(&engine.PlaceOrder{Order: book.Order{
		Market: ethPerp, Trader: bob, Size: -size01, Price: 1_900_000_000, Salt: 3, Kind: book.KindLimit,
	}, Block: 5}); err != nil {
		t.Fatalf("place: %v", err)
	}

	markets := svc.Markets()
	if len(markets) != 1 {
		t.Fatalf("got %d markets", len(markets))
	}
	depth := markets[0]
	if depth.Market != ethPerp || depth.LastPrice != px1800 || depth.OraclePrice != px1800 {
		t.Errorf("prices: %+v", depth)
	}
	if depth.UpperBound != 1_980_000_000 || depth.LowerBound != 1_620_000_000 {
		t.Errorf("bounds: %+v", depth)
	}
	if depth.ShortOrders != 1 || depth.ShortSize != size01 || depth.LongOrders != 0 {
		t.Errorf("depth counters: %+v", depth)
	}
}

func TestSnapshotShape(t *testing.T) {
	eng, svc := tradedEngine(t)

	resting := book.Order{Market: ethPerp, Trader: bob, Size: -size01, Price: 1_900_000_000, Salt: 3, Kind: book.KindLimit}
	if _, err := eng.Apply(&engine.PlaceOrder{Order: resting, Block: 5}); err != nil {
		t.Fatalf("place: %v", err)
	}

	snap := svc.Snapshot()
	if snap.Block != 5 {
		t.Errorf("block: got %d", snap.Block)
	}
	if len(snap.OrderMap) != 1 {
		t.Fatalf("order map: got %d entries", len(snap.OrderMap))
	}
	entry, ok := snap.OrderMap[resting.Hash().Hex()]
	if !ok {
		t.Fatal("resting order missing from order map")
	}
	if entry.Trader != string(bob) || entry.Size != -size01 || entry.Status != "unfilled" {
		t.Errorf("order entry: %+v", entry)
	}
	if len(entry.History) != 1 {
		t.Errorf("history: %+v", entry.History)
	}

	trader, ok := snap.TraderMap[string(alice)]
	if !ok {
		t.Fatal("alice missing from trader map")
	}
	if trader.Deposits["USDC"] != 999_100_000 || len(trader.Positions) != 1 {
		t.Errorf("trader entry: %+v", trader)
	}
}

func TestOrderLookup(t *testing.T) {
	eng, svc := tradedEngine(t)

	resting := book.Order{Market: ethPerp, Trader: bob, Size: -size01, Price: 1_900_000_000, Salt: 3, Kind: book.KindLimit}
	if _, err := eng.Apply(&engine.PlaceOrder{Order: resting, Block: 5}); err != nil {
		t.Fatalf("place: %v", err)
	}
	hex := resting.Hash().Hex()

	entry, ok := svc.Order(hex)
	if !ok || entry.Status != "unfilled" {
		t.Fatalf("live lookup: ok=%v entry=%+v", ok, entry)
	}

	// Retired orders stay queryable with their terminal status.
	if _, err := eng.Apply(&engine.CancelOrder{Hash: resting.Hash(), Canceller: bob, Block: 6}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	entry, ok = svc.Order(hex)
	if !ok || entry.Status != "cancelled" {
		t.Errorf("retired lookup: ok=%v entry=%+v", ok, entry)
	}

	if _, ok := svc.Order("not-a-hash"); ok {
		t.Error("malformed hash must miss")
	}
	if _, ok := svc.Order("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"); ok {
		t.Error("unknown hash must miss")
	}
}
