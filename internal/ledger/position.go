package ledger

import (
	"sort"

	"PerpBook/internal/fixed"
)

// liquidationThresholdFloor is 0.01 in size scale (1e18).
const liquidationThresholdFloor int64 = 10_000_000_000_000_000

// Position is a trader's open position in one market. A position exists in
// the ledger iff size != 0; flat positions are removed rather than zeroed.
type Position struct {
	Trader               Address
	Market               string
	Size                 int64 // size scale, signed (+long / -short)
	OpenNotional         int64 // quote scale, always >= 0
	LastPremiumFraction  int64 // price scale, funding checkpoint
	UnrealisedFunding    int64 // quote scale, accrued but unsettled (+ = owes)
	LiquidationThreshold int64 // size scale, signed guard value
}

// SideSign returns +1 for long, -1 for short.
func (p *Position) SideSign() int64 {
	return fixed.Sign(p.Size)
}

// recomputeThreshold maintains the invariant
// threshold = sign(size) * max(|size|/4, floor).
func (p *Position) recomputeThreshold() {
	if p.Size == 0 {
		p.LiquidationThreshold = 0
		return
	}
	quarter := fixed.Abs(p.Size) / 4
	if quarter < liquidationThresholdFloor {
		quarter = liquidationThresholdFloor
	}
	p.LiquidationThreshold = quarter * p.SideSign()
}

type PositionKey struct {
	Trader Address
	Market string
}

// PositionLedger tracks open positions per trader per market.
// Not thread-safe — written only by the single-writer engine loop.
type PositionLedger struct {
	positions map[PositionKey]*Position
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		positions: make(map[PositionKey]*Position),
	}
}

// Get returns the open position or nil.
func (pl *PositionLedger) Get(trader Address, market string) *Position {
	return pl.positions[PositionKey{Trader: trader, Market: market}]
}

// ApplyFill mutates the position for a signed fill of sizeDelta at price.
// Returns the realized PnL (quote scale, positive = profit) for any closed
// portion. Handles open, increase, partial reduce, full close, and flip
// (close + open opposite with fresh open notional).
func (pl *PositionLedger) ApplyFill(trader Address, market string, sizeDelta, price int64) (realizedPnL int64) {
	key := PositionKey{Trader: trader, Market: market}
	pos := pl.positions[key]

	if pos == nil {
		pos = &Position{Trader: trader, Market: market}
		pl.positions[key] = pos
	}

	switch {
	case pos.Size == 0 || fixed.Sign(sizeDelta) == fixed.Sign(pos.Size):
		// Open or increase
		pos.Size += sizeDelta
		pos.OpenNotional += fixed.Notional(sizeDelta, price)

	case fixed.Abs(sizeDelta) <= fixed.Abs(pos.Size):
		// Partial reduce or full close: entry notional shrinks pro rata
		closedEntry := fixed.MulDiv(pos.OpenNotional, fixed.Abs(sizeDelta), fixed.Abs(pos.Size))
		realizedPnL = fixed.PnLOnClose(pos.SideSign()*fixed.Abs(sizeDelta), closedEntry, price)
		pos.Size += sizeDelta
		if pos.Size == 0 {
			pos.OpenNotional = 0
		} else {
			pos.OpenNotional -= closedEntry
		}

	default:
		// Flip: close the whole position, remainder opens the other way
		realizedPnL = fixed.PnLOnClose(pos.Size, pos.OpenNotional, price)
		remainder := sizeDelta + pos.Size
		pos.Size = remainder
		pos.OpenNotional = fixed.Notional(remainder, price)
	}

	pos.recomputeThreshold()

	if pos.Size == 0 {
		delete(pl.positions, key)
	}

	return realizedPnL
}

// ForceClose zeroes a position at exitPrice and returns the realized PnL of
// the full close. Used by the liquidation engine.
func (pl *PositionLedger) ForceClose(trader Address, market string, exitPrice int64) (realizedPnL int64, closedNotional int64, ok bool) {
	key := PositionKey{Trader: trader, Market: market}
	pos := pl.positions[key]
	if pos == nil {
		return 0, 0, false
	}

	closedNotional = fixed.Notional(pos.Size, exitPrice)
	realizedPnL = fixed.PnLOnClose(pos.Size, pos.OpenNotional, exitPrice)
	delete(pl.positions, key)

	return realizedPnL, closedNotional, true
}

// RealizeFunding advances the position's funding checkpoint to the market's
// cumulative premium fraction, accruing the payment into UnrealisedFunding.
// Cost is paid lazily by whichever operation touches the position next.
func (pl *PositionLedger) RealizeFunding(pos *Position, cumulativePremiumFraction int64) {
	delta := cumulativePremiumFraction - pos.LastPremiumFraction
	if delta == 0 {
		return
	}
	pos.UnrealisedFunding += fixed.FundingPayment(delta, pos.Size)
	pos.LastPremiumFraction = cumulativePremiumFraction
}

// SettleFunding clears accrued funding and returns the amount the trader
// owes (positive) or is owed (negative).
func (pl *PositionLedger) SettleFunding(pos *Position) int64 {
	owed := pos.UnrealisedFunding
	pos.UnrealisedFunding = 0
	return owed
}

// TraderPositions returns a trader's open positions sorted by market.
func (pl *PositionLedger) TraderPositions(trader Address) []*Position {
	result := make([]*Position, 0)
	for key, pos := range pl.positions {
		if key.Trader == trader {
			result = append(result, pos)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Market < result[j].Market })
	return result
}

// All returns every open position in deterministic (trader, market) order.
func (pl *PositionLedger) All() []*Position {
	result := make([]*Position, 0, len(pl.positions))
	for _, pos := range pl.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Trader != result[j].Trader {
			return result[i].Trader < result[j].Trader
		}
		return result[i].Market < result[j].Market
	})
	return result
}

// Restore directly sets a position (used for snapshot restore).
func (pl *PositionLedger) Restore(pos *Position) {
	pl.positions[PositionKey{Trader: pos.Trader, Market: pos.Market}] = pos
}
