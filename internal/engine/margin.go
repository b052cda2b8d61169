package engine

import (
	"PerpBook/internal/fixed"
	"PerpBook/internal/ledger"
)

// marginAccount computes the trader's margin health at current oracle
// prices:
//
//	available = deposits + unrealized PnL - pending funding - reserved
//	notional  = sum of |position| * oracle over all open positions
//
// It fails only when a position's market has no fresh oracle observation.
func (e *Engine) marginAccount(trader ledger.Address) (available, notional int64, err error) {
	available = e.collateral.TotalDeposited(trader) - e.collateral.Reserved(trader)

	for _, pos := range e.positions.TraderPositions(trader) {
		oraclePrice, oerr := e.registry.OraclePrice(pos.Market, e.block)
		if oerr != nil {
			return 0, 0, oerr
		}

		posNotional := fixed.Notional(pos.Size, oraclePrice)
		notional += posNotional

		available += fixed.PnLOnClose(pos.Size, pos.OpenNotional, oraclePrice)

		m := e.registry.Market(pos.Market)
		pending := pos.UnrealisedFunding +
			fixed.FundingPayment(m.CumulativePremiumFraction-pos.LastPremiumFraction, pos.Size)
		available -= pending
	}

	return available, notional, nil
}

// belowMaintenance reports whether the trader's open positions have fallen
// under the maintenance margin requirement.
func (e *Engine) belowMaintenance(trader ledger.Address) (bool, error) {
	positions := e.positions.TraderPositions(trader)
	if len(positions) == 0 {
		return false, nil
	}
	available, notional, err := e.marginAccount(trader)
	if err != nil {
		return false, err
	}
	required := fixed.MulRate(notional, e.registry.Params().MaintenanceMargin)
	return required > available, nil
}
