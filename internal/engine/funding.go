package engine

import (
	"PerpBook/internal/fixed"
)

const secondsPerDay = 86_400

// handleFundingTick advances every market's cumulative premium fraction by
// one period's worth of the mark/oracle premium. Positions settle lazily:
// nothing is paid here, only accrued.
func (e *Engine) handleFundingTick(tx *FundingTick) (*Receipt, error) {
	next := e.registry.NextFundingTime()
	if next == 0 {
		// First tick anchors the schedule.
		e.registry.SetNextFundingTime(tx.Timestamp + secondsPerDay/e.registry.FundingPeriodsPerDay())
		return &Receipt{}, nil
	}
	if tx.Timestamp < next {
		return &Receipt{}, nil
	}

	periods := e.registry.FundingPeriodsPerDay()
	for _, m := range e.registry.Markets() {
		oraclePrice, err := e.registry.OraclePrice(m.ID, tx.Block)
		if err != nil {
			// A stale market skips this period rather than accruing against
			// a price nobody trusts.
			e.log.Warn().Str("market", m.ID).Err(err).Msg("funding skipped: stale oracle")
			continue
		}

		premium := m.LastPrice - oraclePrice
		delta := fixed.MulDiv(premium, 1, periods)
		m.CumulativePremiumFraction += delta

		e.log.Debug().
			Str("market", m.ID).
			Int64("premium", premium).
			Int64("delta", delta).
			Int64("cumulative", m.CumulativePremiumFraction).
			Msg("funding accrued")
	}

	e.registry.SetNextFundingTime(next + secondsPerDay/periods)

	if e.metrics != nil {
		e.metrics.FundingTicks.Inc()
	}
	return &Receipt{}, nil
}
