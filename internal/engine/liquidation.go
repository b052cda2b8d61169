package engine

import (
	"fmt"

	"PerpBook/internal/fixed"
	"PerpBook/internal/ledger"
)

// handleLiquidationScan walks every trader with open positions and fully
// closes those whose margin has fallen below maintenance. Closure executes
// at the oracle price, never at book prices.
func (e *Engine) handleLiquidationScan(tx *LiquidationScan, batch *ledger.Batch) (*Receipt, error) {
	for _, trader := range e.collateral.Traders() {
		under, err := e.belowMaintenance(trader)
		if err != nil {
			e.log.Warn().Str("trader", string(trader)).Err(err).Msg("liquidation check skipped: stale oracle")
			continue
		}
		if !under {
			continue
		}
		e.liquidate(trader, tx.Block, batch)
	}
	return &Receipt{}, nil
}

// liquidate cancels the trader's resting orders, then force-closes every
// position at oracle and charges the liquidation penalty.
func (e *Engine) liquidate(trader ledger.Address, block uint64, batch *ledger.Batch) {
	for _, rec := range e.store.Live() {
		if rec.Order.Trader != trader {
			continue
		}
		hash := rec.Order.Hash()
		if rec.ReservedMargin > 0 {
			e.collateral.Release(trader, rec.ReservedMargin)
			batch.Append(trader, ledger.QuoteAsset, rec.ReservedMargin, ledger.EntryTypeMarginRelease)
			rec.ReservedMargin = 0
		}
		if _, err := e.store.Cancel(hash, block); err != nil {
			panic(fmt.Sprintf("FATAL: cancel during liquidation: %v", err))
		}
	}

	params := e.registry.Params()

	for _, pos := range e.positions.TraderPositions(trader) {
		m := e.registry.Market(pos.Market)
		oraclePrice, err := e.registry.OraclePrice(pos.Market, block)
		if err != nil {
			// belowMaintenance already priced this position; a stale read
			// here means the oracle aged out mid-scan. Leave the position.
			e.log.Warn().Str("market", pos.Market).Err(err).Msg("position skipped in liquidation: stale oracle")
			continue
		}

		e.settleFunding(trader, m, batch)

		pnl, closedNotional, ok := e.positions.ForceClose(trader, pos.Market, oraclePrice)
		if !ok {
			continue
		}

		if pnl != 0 {
			if pnl > 0 {
				e.collateral.Credit(trader, pnl)
			} else {
				e.collateral.Debit(trader, -pnl)
			}
			batch.Append(trader, ledger.QuoteAsset, pnl, ledger.EntryTypeLiquidationLoss)
		}

		penalty := fixed.MulRate(closedNotional, params.LiquidationPenalty)
		if penalty > 0 {
			e.collateral.Debit(trader, penalty)
			batch.Append(trader, ledger.QuoteAsset, -penalty, ledger.EntryTypeLiquidationPenalty)
		}

		e.log.Info().
			Str("trader", string(trader)).
			Str("market", pos.Market).
			Int64("closed_notional", closedNotional).
			Int64("pnl", pnl).
			Int64("penalty", penalty).
			Msg("position liquidated")
	}

	if e.metrics != nil {
		e.metrics.LiquidationsTotal.Inc()
	}
	e.observeDepthAll()
}

func (e *Engine) observeDepthAll() {
	for _, m := range e.registry.Markets() {
		e.observeDepth(m.ID)
	}
}
