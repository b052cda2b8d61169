// Package fastquery serves aggregated reads over the live engine state.
// Every query runs under the engine's read lock, so all numbers within one
// response come from the same applied-transaction boundary.
package fastquery

import (
	"github.com/rs/zerolog"

	"PerpBook/internal/engine"
	"PerpBook/internal/fixed"
	"PerpBook/internal/ledger"
)

type Service struct {
	engine *engine.Engine
	log    zerolog.Logger
}

func NewService(eng *engine.Engine, log zerolog.Logger) *Service {
	return &Service{engine: eng, log: log}
}

// MarginSummary is the trader-level margin aggregation.
type MarginSummary struct {
	Trader              string `json:"trader"`
	TotalDeposited      int64  `json:"total_deposited"`
	Reserved            int64  `json:"reserved"`
	Free                int64  `json:"free"`
	UnrealizedPnL       int64  `json:"unrealized_pnl"`
	PendingFunding      int64  `json:"pending_funding"`
	AvailableMargin     int64  `json:"available_margin"`
	TotalNotional       int64  `json:"total_notional"`
	RequiredMaintenance int64  `json:"required_maintenance"`
	Liquidatable        bool   `json:"liquidatable"`
}

// PositionDetail is one open position priced at the current oracle.
type PositionDetail struct {
	Market               string `json:"market"`
	Size                 int64  `json:"size"`
	OpenNotional         int64  `json:"open_notional"`
	NotionalAtOracle     int64  `json:"notional_at_oracle"`
	UnrealizedPnL        int64  `json:"unrealized_pnl"`
	PendingFunding       int64  `json:"pending_funding"`
	LiquidationThreshold int64  `json:"liquidation_threshold"`
}

// MarginSummary aggregates a trader's collateral and positions at oracle
// prices. Markets with a stale oracle contribute zero PnL and are flagged
// by omission from the detail list.
func (s *Service) MarginSummary(trader ledger.Address) *MarginSummary {
	var out *MarginSummary
	s.engine.View(func(v *engine.LedgerView) {
		out = &MarginSummary{
			Trader:         string(trader),
			TotalDeposited: v.Collateral.TotalDeposited(trader),
			Reserved:       v.Collateral.Reserved(trader),
			Free:           v.Collateral.Free(trader),
		}

		for _, pos := range v.Positions.TraderPositions(trader) {
			oraclePrice, err := v.Registry.OraclePrice(pos.Market, v.Block)
			if err != nil {
				s.log.Warn().Str("market", pos.Market).Err(err).Msg("margin summary: stale oracle, position skipped")
				continue
			}
			m := v.Registry.Market(pos.Market)

			out.TotalNotional += fixed.Notional(pos.Size, oraclePrice)
			out.UnrealizedPnL += fixed.PnLOnClose(pos.Size, pos.OpenNotional, oraclePrice)
			out.PendingFunding += pos.UnrealisedFunding +
				fixed.FundingPayment(m.CumulativePremiumFraction-pos.LastPremiumFraction, pos.Size)
		}

		out.AvailableMargin = out.TotalDeposited + out.UnrealizedPnL - out.PendingFunding - out.Reserved
		out.RequiredMaintenance = fixed.MulRate(out.TotalNotional, v.Registry.Params().MaintenanceMargin)
		out.Liquidatable = out.TotalNotional > 0 && out.RequiredMaintenance > out.AvailableMargin
	})
	return out
}

// Positions returns the trader's open positions priced at oracle.
func (s *Service) Positions(trader ledger.Address) []PositionDetail {
	var details []PositionDetail
	s.engine.View(func(v *engine.LedgerView) {
		for _, pos := range v.Positions.TraderPositions(trader) {
			detail := PositionDetail{
				Market:               pos.Market,
				Size:                 pos.Size,
				OpenNotional:         pos.OpenNotional,
				LiquidationThreshold: pos.LiquidationThreshold,
				PendingFunding:       pos.UnrealisedFunding,
			}
			if oraclePrice, err := v.Registry.OraclePrice(pos.Market, v.Block); err == nil {
				m := v.Registry.Market(pos.Market)
				detail.NotionalAtOracle = fixed.Notional(pos.Size, oraclePrice)
				detail.UnrealizedPnL = fixed.PnLOnClose(pos.Size, pos.OpenNotional, oraclePrice)
				detail.PendingFunding += fixed.FundingPayment(
					m.CumulativePremiumFraction-pos.LastPremiumFraction, pos.Size)
			}
			details = append(details, detail)
		}
	})
	return details
}

// MarketDepth summarizes one market's resting liquidity and price bounds.
type MarketDepth struct {
	Market                    string `json:"market"`
	LastPrice                 int64  `json:"last_price"`
	OraclePrice               int64  `json:"oracle_price"`
	UpperBound                int64  `json:"upper_bound"`
	LowerBound                int64  `json:"lower_bound"`
	CumulativePremiumFraction int64  `json:"cumulative_premium_fraction"`
	LongOrders                int    `json:"long_orders"`
	ShortOrders               int    `json:"short_orders"`
	LongSize                  int64  `json:"long_size"`
	ShortSize                 int64  `json:"short_size"`
}

// Markets returns the depth summary for every registered market.
func (s *Service) Markets() []MarketDepth {
	var collected []*MarketDepth
	s.engine.View(func(v *engine.LedgerView) {
		depthByMarket := make(map[string]*MarketDepth)

		for _, m := range v.Registry.Markets() {
			depth := &MarketDepth{
				Market:                    m.ID,
				LastPrice:                 m.LastPrice,
				CumulativePremiumFraction: m.CumulativePremiumFraction,
			}
			if oraclePrice, err := v.Registry.OraclePrice(m.ID, v.Block); err == nil {
				depth.OraclePrice = oraclePrice
				depth.UpperBound = m.UpperBound(oraclePrice)
				depth.LowerBound = m.LowerBound(oraclePrice)
			}
			depthByMarket[m.ID] = depth
			collected = append(collected, depth)
		}

		for _, rec := range v.Store.Live() {
			depth := depthByMarket[rec.Order.Market]
			if depth == nil {
				continue
			}
			if rec.Order.IsLong() {
				depth.LongOrders++
				depth.LongSize += fixed.Abs(rec.Remaining())
			} else {
				depth.ShortOrders++
				depth.ShortSize += fixed.Abs(rec.Remaining())
			}
		}
	})

	out := make([]MarketDepth, len(collected))
	for i, depth := range collected {
		out[i] = *depth
	}
	return out
}
