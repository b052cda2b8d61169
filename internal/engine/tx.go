package engine

import (
	"fmt"

	"PerpBook/internal/book"
	"PerpBook/internal/ledger"
	"PerpBook/internal/market"
)

// Tx is one consensus-ordered transaction. The upstream ordering layer
// delivers transactions exactly once, in a fixed order, with versioned
// block numbers and timestamps — the engine never consults wall-clock time.
type Tx interface {
	// TxRef returns a stable reference for the audit trail.
	TxRef() string

	// TxType returns the discriminator used in logs and metrics.
	TxType() string

	// BlockNumber returns the consensus block this tx executes in.
	BlockNumber() uint64
}

// PlaceOrder admits a limit order into the book.
type PlaceOrder struct {
	Order book.Order
	Block uint64
}

func (t *PlaceOrder) TxRef() string      { return t.Order.Hash().Hex() }
func (t *PlaceOrder) TxType() string     { return "place_order" }
func (t *PlaceOrder) BlockNumber() uint64 { return t.Block }

// PlaceOrders admits a batch of limit orders; each is accepted or rejected
// independently.
type PlaceOrders struct {
	Orders []book.Order
	Block  uint64
}

func (t *PlaceOrders) TxRef() string {
	if len(t.Orders) > 0 {
		return fmt.Sprintf("batch:%s:%d", t.Orders[0].Hash().Hex(), len(t.Orders))
	}
	return "batch:empty"
}
func (t *PlaceOrders) TxType() string     { return "place_orders" }
func (t *PlaceOrders) BlockNumber() uint64 { return t.Block }

// PlaceIOCOrder admits an immediate-or-cancel order: it matches against
// resting liquidity and any remainder is discarded, never stored.
type PlaceIOCOrder struct {
	Order     book.Order
	Timestamp int64 // versioned, checked against Order.ExpireAt
	Block     uint64
}

func (t *PlaceIOCOrder) TxRef() string      { return t.Order.Hash().Hex() }
func (t *PlaceIOCOrder) TxType() string     { return "place_ioc_order" }
func (t *PlaceIOCOrder) BlockNumber() uint64 { return t.Block }

// CancelOrder cancels the unfilled remainder of a live order.
type CancelOrder struct {
	Hash      book.OrderHash
	Canceller ledger.Address
	Block     uint64
}

func (t *CancelOrder) TxRef() string      { return "cancel:" + t.Hash.Hex() }
func (t *CancelOrder) TxType() string     { return "cancel_order" }
func (t *CancelOrder) BlockNumber() uint64 { return t.Block }

// CancelOrders cancels a batch of orders; each is handled independently.
type CancelOrders struct {
	Hashes    []book.OrderHash
	Canceller ledger.Address
	Block     uint64
}

func (t *CancelOrders) TxRef() string {
	if len(t.Hashes) > 0 {
		return fmt.Sprintf("cancel_batch:%s:%d", t.Hashes[0].Hex(), len(t.Hashes))
	}
	return "cancel_batch:empty"
}
func (t *CancelOrders) TxType() string     { return "cancel_orders" }
func (t *CancelOrders) BlockNumber() uint64 { return t.Block }

// ApproveDelegate lets a trader authorize another address to cancel their
// orders.
type ApproveDelegate struct {
	Trader   ledger.Address
	Delegate ledger.Address
	Approved bool
	Block    uint64
}

func (t *ApproveDelegate) TxRef() string {
	return fmt.Sprintf("delegate:%s:%s:%v", t.Trader, t.Delegate, t.Approved)
}
func (t *ApproveDelegate) TxType() string     { return "approve_delegate" }
func (t *ApproveDelegate) BlockNumber() uint64 { return t.Block }

// Deposit credits collateral for a trader.
type Deposit struct {
	Ref    string // upstream transfer reference
	Trader ledger.Address
	Asset  string
	Amount int64
	Block  uint64
}

func (t *Deposit) TxRef() string      { return "deposit:" + t.Ref }
func (t *Deposit) TxType() string     { return "deposit" }
func (t *Deposit) BlockNumber() uint64 { return t.Block }

// Withdraw debits free collateral for a trader.
type Withdraw struct {
	Ref    string
	Trader ledger.Address
	Asset  string
	Amount int64
	Block  uint64
}

func (t *Withdraw) TxRef() string      { return "withdraw:" + t.Ref }
func (t *Withdraw) TxType() string     { return "withdraw" }
func (t *Withdraw) BlockNumber() uint64 { return t.Block }

// UpdateOracle records a new oracle observation for an underlying asset.
type UpdateOracle struct {
	Underlying string
	Price      int64
	Block      uint64
}

func (t *UpdateOracle) TxRef() string {
	return fmt.Sprintf("oracle:%s:%d:%d", t.Underlying, t.Price, t.Block)
}
func (t *UpdateOracle) TxType() string     { return "update_oracle" }
func (t *UpdateOracle) BlockNumber() uint64 { return t.Block }

// FundingTick accrues the mark/oracle premium into each market's cumulative
// premium fraction. Positions realize lazily on next touch.
type FundingTick struct {
	Timestamp int64 // versioned funding time
	Block     uint64
}

func (t *FundingTick) TxRef() string      { return fmt.Sprintf("funding:%d", t.Timestamp) }
func (t *FundingTick) TxType() string     { return "funding_tick" }
func (t *FundingTick) BlockNumber() uint64 { return t.Block }

// SettlementPass pairs already-resting crossed orders. Admission matching
// handles the common case; this is the background second phase.
type SettlementPass struct {
	Block uint64
}

func (t *SettlementPass) TxRef() string      { return fmt.Sprintf("settle:%d", t.Block) }
func (t *SettlementPass) TxType() string     { return "settlement_pass" }
func (t *SettlementPass) BlockNumber() uint64 { return t.Block }

// LiquidationScan force-closes every under-margined trader.
type LiquidationScan struct {
	Block uint64
}

func (t *LiquidationScan) TxRef() string      { return fmt.Sprintf("liquidate:%d", t.Block) }
func (t *LiquidationScan) TxType() string     { return "liquidation_scan" }
func (t *LiquidationScan) BlockNumber() uint64 { return t.Block }

// SetParams replaces the global margin/fee parameters. Privileged.
type SetParams struct {
	Authority ledger.Address
	Params    market.GlobalParams
	Block     uint64
}

func (t *SetParams) TxRef() string      { return fmt.Sprintf("params:%d", t.Block) }
func (t *SetParams) TxType() string     { return "set_params" }
func (t *SetParams) BlockNumber() uint64 { return t.Block }

// AddMarket registers a new market. Privileged.
type AddMarket struct {
	Authority ledger.Address
	Market    market.Market
	Block     uint64
}

func (t *AddMarket) TxRef() string      { return "add_market:" + t.Market.ID }
func (t *AddMarket) TxType() string     { return "add_market" }
func (t *AddMarket) BlockNumber() uint64 { return t.Block }
