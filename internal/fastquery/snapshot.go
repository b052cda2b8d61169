package fastquery

import (
	"PerpBook/internal/book"
	"PerpBook/internal/engine"
	"PerpBook/internal/ledger"
)

// Snapshot is the full queryable state shape: every live order keyed by
// hash plus every trader's collateral and positions.
type Snapshot struct {
	Block     uint64                   `json:"block"`
	OrderMap  map[string]OrderEntry    `json:"order_map"`
	TraderMap map[string]TraderEntry   `json:"trader_map"`
}

// OrderEntry is one live order with its lifecycle history.
type OrderEntry struct {
	Market         string          `json:"market"`
	Trader         string          `json:"trader"`
	Size           int64           `json:"size"`
	Price          int64           `json:"price"`
	ReduceOnly     bool            `json:"reduce_only"`
	PostOnly       bool            `json:"post_only"`
	Status         string          `json:"status"`
	FilledSize     int64           `json:"filled_size"`
	ReservedMargin int64           `json:"reserved_margin"`
	PlacedAtBlock  uint64          `json:"placed_at_block"`
	History        []StatusChange  `json:"history"`
}

type StatusChange struct {
	Block  uint64 `json:"block"`
	Status string `json:"status"`
}

// TraderEntry is one trader's collateral and open positions.
type TraderEntry struct {
	Deposits  map[string]int64 `json:"deposits"`
	Reserved  int64            `json:"reserved"`
	Free      int64            `json:"free"`
	Positions []PositionDetail `json:"positions"`
}

// Snapshot captures the entire live state under one read lock.
func (s *Service) Snapshot() *Snapshot {
	snap := &Snapshot{
		OrderMap:  make(map[string]OrderEntry),
		TraderMap: make(map[string]TraderEntry),
	}

	s.engine.View(func(v *engine.LedgerView) {
		snap.Block = v.Block

		for _, rec := range v.Store.Live() {
			history := make([]StatusChange, 0, len(rec.History))
			for _, change := range rec.History {
				history = append(history, StatusChange{
					Block:  change.Block,
					Status: change.Status.String(),
				})
			}
			snap.OrderMap[rec.Order.Hash().Hex()] = OrderEntry{
				Market:         rec.Order.Market,
				Trader:         string(rec.Order.Trader),
				Size:           rec.Order.Size,
				Price:          rec.Order.Price,
				ReduceOnly:     rec.Order.ReduceOnly,
				PostOnly:       rec.Order.PostOnly,
				Status:         rec.Status.String(),
				FilledSize:     rec.FilledSize,
				ReservedMargin: rec.ReservedMargin,
				PlacedAtBlock:  rec.PlacedAtBlock,
				History:        history,
			}
		}

		for _, trader := range v.Collateral.Traders() {
			acc := v.Collateral.Account(trader)
			if acc == nil {
				continue
			}
			deposits := make(map[string]int64, len(acc.Deposited))
			for assetID, amount := range acc.Deposited {
				if name, ok := ledger.GetAssetName(assetID); ok {
					deposits[name] = amount
				}
			}

			var positions []PositionDetail
			for _, pos := range v.Positions.TraderPositions(trader) {
				positions = append(positions, PositionDetail{
					Market:               pos.Market,
					Size:                 pos.Size,
					OpenNotional:         pos.OpenNotional,
					PendingFunding:       pos.UnrealisedFunding,
					LiquidationThreshold: pos.LiquidationThreshold,
				})
			}

			snap.TraderMap[string(trader)] = TraderEntry{
				Deposits:  deposits,
				Reserved:  v.Collateral.Reserved(trader),
				Free:      v.Collateral.Free(trader),
				Positions: positions,
			}
		}
	})

	return snap
}

// Order returns one order's record by hash, live or retired, with history.
func (s *Service) Order(hex string) (*OrderEntry, bool) {
	var entry *OrderEntry
	s.engine.View(func(v *engine.LedgerView) {
		hash, ok := book.ParseOrderHash(hex)
		if !ok {
			return
		}
		rec := v.Store.Get(hash)
		if rec == nil {
			rec = v.Store.GetHistory(hash)
		}
		if rec == nil {
			return
		}
		history := make([]StatusChange, 0, len(rec.History))
		for _, change := range rec.History {
			history = append(history, StatusChange{Block: change.Block, Status: change.Status.String()})
		}
		entry = &OrderEntry{
			Market:         rec.Order.Market,
			Trader:         string(rec.Order.Trader),
			Size:           rec.Order.Size,
			Price:          rec.Order.Price,
			ReduceOnly:     rec.Order.ReduceOnly,
			PostOnly:       rec.Order.PostOnly,
			Status:         rec.Status.String(),
			FilledSize:     rec.FilledSize,
			ReservedMargin: rec.ReservedMargin,
			PlacedAtBlock:  rec.PlacedAtBlock,
			History:        history,
		}
	})
	return entry, entry != nil
}
