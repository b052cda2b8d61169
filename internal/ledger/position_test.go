package ledger_test

import (
	"testing"

	"PerpBook/internal/ledger"
)

const (
	ethPerp = "ETH-PERP"
	size01  = int64(100_000_000_000_000_000) // 0.1
	px1800  = int64(1_800_000_000)
	px1900  = int64(1_900_000_000)
	px2000  = int64(2_000_000_000)
)

func TestApplyFill_OpenAndIncrease(t *testing.T) {
	pl := ledger.NewPositionLedger()

	pnl := pl.ApplyFill(alice, ethPerp, size01, px1800)
	if pnl != 0 {
		t.Errorf("opening realizes no pnl, got %d", pnl)
	}

	pos := pl.Get(alice, ethPerp)
	if pos == nil {
		t.Fatal("position not created")
	}
	if pos.Size != size01 || pos.OpenNotional != 180_000_000 {
		t.Errorf("open: size=%d notional=%d", pos.Size, pos.OpenNotional)
	}

	pnl = pl.ApplyFill(alice, ethPerp, size01, px1900)
	if pnl != 0 {
		t.Errorf("increase realizes no pnl, got %d", pnl)
	}
	if pos.Size != 2*size01 || pos.OpenNotional != 370_000_000 {
		t.Errorf("increase: size=%d notional=%d", pos.Size, pos.OpenNotional)
	}
}

func TestApplyFill_PartialReduceRealizesProRata(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, ethPerp, size01, px1800)
	pl.ApplyFill(alice, ethPerp, size01, px1900)

	// Close half the 0.2 position at 2000: entry slice is 185, exit is 200.
	pnl := pl.ApplyFill(alice, ethPerp, -size01, px2000)
	if pnl != 15_000_000 {
		t.Errorf("realized pnl: got %d, want 15000000", pnl)
	}

	pos := pl.Get(alice, ethPerp)
	if pos.Size != size01 || pos.OpenNotional != 185_000_000 {
		t.Errorf("after reduce: size=%d notional=%d", pos.Size, pos.OpenNotional)
	}
}

func TestApplyFill_FullCloseRemovesPosition(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, ethPerp, size01, px1800)

	pnl := pl.ApplyFill(alice, ethPerp, -size01, px2000)
	if pnl != 20_000_000 {
		t.Errorf("full close pnl: got %d, want 20000000", pnl)
	}
	if pl.Get(alice, ethPerp) != nil {
		t.Error("flat position must be removed, not zeroed")
	}
}

func TestApplyFill_FlipOpensOpposite(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, ethPerp, size01, px1800)

	// Sell 0.3 against a 0.1 long: close the long at 1900 (+10), open a
	// 0.2 short with fresh notional at 1900.
	pnl := pl.ApplyFill(alice, ethPerp, -3*size01, px1900)
	if pnl != 10_000_000 {
		t.Errorf("flip realized pnl: got %d, want 10000000", pnl)
	}

	pos := pl.Get(alice, ethPerp)
	if pos.Size != -2*size01 {
		t.Errorf("flipped size: got %d, want %d", pos.Size, -2*size01)
	}
	if pos.OpenNotional != 380_000_000 {
		t.Errorf("flipped notional: got %d, want 380000000", pos.OpenNotional)
	}
}

func TestLiquidationThreshold(t *testing.T) {
	pl := ledger.NewPositionLedger()

	// Large position: threshold is a quarter of size, signed.
	pl.ApplyFill(alice, ethPerp, -2*size01, px1800)
	pos := pl.Get(alice, ethPerp)
	if pos.LiquidationThreshold != -size01/2 {
		t.Errorf("threshold: got %d, want %d", pos.LiquidationThreshold, -size01/2)
	}

	// Tiny position: threshold floors at 0.01.
	pl.ApplyFill(ledger.Address("0xbob"), ethPerp, size01/5, px1800)
	small := pl.Get(ledger.Address("0xbob"), ethPerp)
	if small.LiquidationThreshold != 10_000_000_000_000_000 {
		t.Errorf("floored threshold: got %d", small.LiquidationThreshold)
	}
}

func TestForceClose(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, ethPerp, size01, px1800)

	pnl, closedNotional, ok := pl.ForceClose(alice, ethPerp, 1_500_000_000)
	if !ok {
		t.Fatal("force close should find the position")
	}
	if pnl != -30_000_000 {
		t.Errorf("pnl at 1500: got %d, want -30000000", pnl)
	}
	if closedNotional != 150_000_000 {
		t.Errorf("closed notional: got %d, want 150000000", closedNotional)
	}
	if pl.Get(alice, ethPerp) != nil {
		t.Error("position should be gone")
	}

	if _, _, ok := pl.ForceClose(alice, ethPerp, px1800); ok {
		t.Error("second force close should report no position")
	}
}

func TestFundingRealizeAndSettle(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, ethPerp, size01, px1800)
	pos := pl.Get(alice, ethPerp)

	pl.RealizeFunding(pos, 3_000_000)
	if pos.UnrealisedFunding != 300_000 {
		t.Errorf("accrued funding: got %d, want 300000", pos.UnrealisedFunding)
	}
	if pos.LastPremiumFraction != 3_000_000 {
		t.Errorf("checkpoint not advanced: %d", pos.LastPremiumFraction)
	}

	// Realizing again at the same checkpoint is a no-op.
	pl.RealizeFunding(pos, 3_000_000)
	if pos.UnrealisedFunding != 300_000 {
		t.Errorf("double accrual: got %d", pos.UnrealisedFunding)
	}

	owed := pl.SettleFunding(pos)
	if owed != 300_000 {
		t.Errorf("settled: got %d, want 300000", owed)
	}
	if pos.UnrealisedFunding != 0 {
		t.Error("settle must clear the accrual")
	}

	// Shorts are owed when the premium is positive.
	pl.ApplyFill(ledger.Address("0xbob"), ethPerp, -size01, px1800)
	short := pl.Get(ledger.Address("0xbob"), ethPerp)
	pl.RealizeFunding(short, 3_000_000)
	if short.UnrealisedFunding != -300_000 {
		t.Errorf("short accrual: got %d, want -300000", short.UnrealisedFunding)
	}
}

func TestTraderPositions_SortedByMarket(t *testing.T) {
	pl := ledger.NewPositionLedger()
	pl.ApplyFill(alice, "ETH-PERP", size01, px1800)
	pl.ApplyFill(alice, "BTC-PERP", size01, px1800)
	pl.ApplyFill(alice, "SOL-PERP", size01, px1800)

	positions := pl.TraderPositions(alice)
	if len(positions) != 3 {
		t.Fatalf("got %d positions", len(positions))
	}
	for i, want := range []string{"BTC-PERP", "ETH-PERP", "SOL-PERP"} {
		if positions[i].Market != want {
			t.Errorf("positions[%d]: got %s, want %s", i, positions[i].Market, want)
		}
	}
}
