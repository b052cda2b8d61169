package market

import (
	"fmt"
	"sort"

	"PerpBook/internal/fixed"
)

// PriceSource is the read-only oracle feed per underlying asset. The engine
// never produces prices; it only consumes them.
type PriceSource interface {
	// Price returns the oracle price (price scale) and the block it was
	// observed at for an underlying asset.
	Price(underlying string) (price int64, observedAt uint64, ok bool)
}

// Market holds the per-market AMM state consulted on every validation.
type Market struct {
	ID                        string
	LastPrice                 int64 // price scale, last traded
	CumulativePremiumFraction int64 // price scale, funding accumulator
	MaxOracleSpreadRatio      int64 // rate scale (1e6)
	MinSizeRequirement        int64 // size scale
	MaxLiquidationRatio       int64 // rate scale
	UnderlyingAsset           string
}

// UpperBound returns oracle * (1 + maxOracleSpreadRatio).
func (m *Market) UpperBound(oraclePrice int64) int64 {
	return oraclePrice + fixed.MulRate(oraclePrice, m.MaxOracleSpreadRatio)
}

// LowerBound returns oracle * (1 - maxOracleSpreadRatio), floored at zero.
func (m *Market) LowerBound(oraclePrice int64) int64 {
	bound := oraclePrice - fixed.MulRate(oraclePrice, m.MaxOracleSpreadRatio)
	if bound < 0 {
		bound = 0
	}
	return bound
}

// GlobalParams are process-wide margin and fee parameters, mutated only by
// governance SetParams and read by every validation and fill. All fields
// are rate scale (1e6) fractions.
type GlobalParams struct {
	MaintenanceMargin  int64
	MinAllowableMargin int64 // 1/maxLeverage
	TakerFee           int64
	MakerFee           int64
	ReferralShare      int64
	TradingFeeDiscount int64
	LiquidationPenalty int64
}

// DefaultGlobalParams mirror mainnet genesis values.
func DefaultGlobalParams() GlobalParams {
	return GlobalParams{
		MaintenanceMargin:  100_000, // 10%
		MinAllowableMargin: 200_000, // 20% => 5x leverage
		TakerFee:           5_000,   // 0.5%
		MakerFee:           2_500,   // 0.25%
		ReferralShare:      50_000,
		TradingFeeDiscount: 50_000,
		LiquidationPenalty: 50_000, // 5%
	}
}

// Validate rejects parameter sets that could never admit a healthy order.
func (gp GlobalParams) Validate() error {
	if gp.MaintenanceMargin <= 0 || gp.MaintenanceMargin >= fixed.RateConfig.Scale {
		return fmt.Errorf("maintenance_margin out of range: %d", gp.MaintenanceMargin)
	}
	if gp.MinAllowableMargin <= gp.MaintenanceMargin {
		return fmt.Errorf("min_allowable_margin (%d) must exceed maintenance_margin (%d)",
			gp.MinAllowableMargin, gp.MaintenanceMargin)
	}
	if gp.TakerFee < 0 || gp.MakerFee < 0 || gp.LiquidationPenalty < 0 {
		return fmt.Errorf("fee rates must be non-negative")
	}
	if gp.ReferralShare < 0 || gp.ReferralShare > fixed.RateConfig.Scale {
		return fmt.Errorf("referral_share out of range: %d", gp.ReferralShare)
	}
	if gp.TradingFeeDiscount < 0 || gp.TradingFeeDiscount > fixed.RateConfig.Scale {
		return fmt.Errorf("trading_fee_discount out of range: %d", gp.TradingFeeDiscount)
	}
	return nil
}

// Registry holds all markets plus the global parameter set.
// Not thread-safe — written only by the single-writer engine loop.
type Registry struct {
	markets         map[string]*Market
	params          GlobalParams
	oracle          PriceSource
	maxOracleAge    uint64 // blocks before an oracle observation is stale
	nextFundingTime int64  // unix seconds
	fundingPeriods  int64  // funding accruals per day
}

func NewRegistry(oracle PriceSource) *Registry {
	return &Registry{
		markets:        make(map[string]*Market),
		params:         DefaultGlobalParams(),
		oracle:         oracle,
		maxOracleAge:   100,
		fundingPeriods: 24,
	}
}

// AddMarket registers a market. Adding the same ID twice is rejected.
func (r *Registry) AddMarket(m *Market) error {
	if m.ID == "" {
		return fmt.Errorf("market id must be non-empty")
	}
	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	if m.MinSizeRequirement <= 0 {
		return fmt.Errorf("market %s min_size_requirement must be positive", m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

// Market returns a registered market or nil.
func (r *Registry) Market(id string) *Market {
	return r.markets[id]
}

// Markets returns all markets sorted by ID.
func (r *Registry) Markets() []*Market {
	result := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Params returns the current global parameter set.
func (r *Registry) Params() GlobalParams {
	return r.params
}

// SetParams replaces global parameters, effective immediately for all
// subsequent validations. Privileged — callers gate on governance authority.
func (r *Registry) SetParams(params GlobalParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	r.params = params
	return nil
}

// OraclePrice returns the oracle price for a market, rejecting stale
// observations. currentBlock anchors the staleness check.
func (r *Registry) OraclePrice(marketID string, currentBlock uint64) (int64, error) {
	m := r.markets[marketID]
	if m == nil {
		return 0, fmt.Errorf("unknown market: %s", marketID)
	}
	price, observedAt, ok := r.oracle.Price(m.UnderlyingAsset)
	if !ok {
		return 0, fmt.Errorf("no oracle price for %s", m.UnderlyingAsset)
	}
	if currentBlock > observedAt && currentBlock-observedAt > r.maxOracleAge {
		return 0, fmt.Errorf("oracle price for %s is stale: observed at block %d, current %d",
			m.UnderlyingAsset, observedAt, currentBlock)
	}
	return price, nil
}

// NextFundingTime returns the next funding accrual timestamp.
func (r *Registry) NextFundingTime() int64 {
	return r.nextFundingTime
}

// SetNextFundingTime advances the funding schedule.
func (r *Registry) SetNextFundingTime(ts int64) {
	r.nextFundingTime = ts
}

// FundingPeriodsPerDay returns the premium normalization divisor.
func (r *Registry) FundingPeriodsPerDay() int64 {
	return r.fundingPeriods
}
