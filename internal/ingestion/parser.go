package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpBook/internal/book"
	"PerpBook/internal/engine"
	"PerpBook/internal/ledger"
	"PerpBook/internal/market"
)

// ParseRawTx decodes one stream message into a typed transaction. The
// subject suffix after the stream prefix selects the wire format.
func ParseRawTx(raw RawTx, subjectPrefix string) (engine.Tx, error) {
	suffix := strings.TrimPrefix(raw.Subject, subjectPrefix+".")

	switch suffix {
	case "orders.place":
		return parsePlaceOrder(raw.Data)
	case "orders.place_batch":
		return parsePlaceOrders(raw.Data)
	case "orders.place_ioc":
		return parsePlaceIOC(raw.Data)
	case "orders.cancel":
		return parseCancelOrder(raw.Data)
	case "orders.cancel_batch":
		return parseCancelOrders(raw.Data)
	case "orders.delegate":
		return parseApproveDelegate(raw.Data)
	case "collateral.deposit":
		return parseDeposit(raw.Data)
	case "collateral.withdraw":
		return parseWithdraw(raw.Data)
	case "oracle.price":
		return parseUpdateOracle(raw.Data)
	case "clock.funding":
		return parseFundingTick(raw.Data)
	case "clock.settle":
		return parseSettlementPass(raw.Data)
	case "clock.liquidate":
		return parseLiquidationScan(raw.Data)
	case "admin.params":
		return parseSetParams(raw.Data)
	case "admin.market":
		return parseAddMarket(raw.Data)
	default:
		return nil, fmt.Errorf("unknown subject: %s", raw.Subject)
	}
}

// SubjectForTxType maps a logged tx_type back to its subject suffix, so
// persisted payloads can be re-parsed during replay.
func SubjectForTxType(txType string) (string, bool) {
	suffix, ok := map[string]string{
		"place_order":      "orders.place",
		"place_orders":     "orders.place_batch",
		"place_ioc_order":  "orders.place_ioc",
		"cancel_order":     "orders.cancel",
		"cancel_orders":    "orders.cancel_batch",
		"approve_delegate": "orders.delegate",
		"deposit":          "collateral.deposit",
		"withdraw":         "collateral.withdraw",
		"update_oracle":    "oracle.price",
		"funding_tick":     "clock.funding",
		"settlement_pass":  "clock.settle",
		"liquidation_scan": "clock.liquidate",
		"set_params":       "admin.params",
		"add_market":       "admin.market",
	}[txType]
	return suffix, ok
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Fixed-point
// amounts arrive as int64 at the engine's native scales.

type orderJSON struct {
	Market     string `json:"market"`
	Trader     string `json:"trader"`
	Size       int64  `json:"size"`
	Price      int64  `json:"price"`
	Salt       uint64 `json:"salt"`
	ReduceOnly bool   `json:"reduce_only"`
	PostOnly   bool   `json:"post_only"`
	ExpireAt   int64  `json:"expire_at"`
}

func (j *orderJSON) toOrder(kind book.Kind) book.Order {
	return book.Order{
		Market:     j.Market,
		Trader:     ledger.Address(j.Trader),
		Size:       j.Size,
		Price:      j.Price,
		Salt:       j.Salt,
		ReduceOnly: j.ReduceOnly,
		PostOnly:   j.PostOnly,
		Kind:       kind,
		ExpireAt:   j.ExpireAt,
	}
}

func parsePlaceOrder(data []byte) (*engine.PlaceOrder, error) {
	var j struct {
		Order orderJSON `json:"order"`
		Block uint64    `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse place_order: %w", err)
	}
	return &engine.PlaceOrder{Order: j.Order.toOrder(book.KindLimit), Block: j.Block}, nil
}

func parsePlaceOrders(data []byte) (*engine.PlaceOrders, error) {
	var j struct {
		Orders []orderJSON `json:"orders"`
		Block  uint64      `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse place_batch: %w", err)
	}
	orders := make([]book.Order, 0, len(j.Orders))
	for i := range j.Orders {
		orders = append(orders, j.Orders[i].toOrder(book.KindLimit))
	}
	return &engine.PlaceOrders{Orders: orders, Block: j.Block}, nil
}

func parsePlaceIOC(data []byte) (*engine.PlaceIOCOrder, error) {
	var j struct {
		Order     orderJSON `json:"order"`
		Timestamp int64     `json:"timestamp"`
		Block     uint64    `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse place_ioc: %w", err)
	}
	return &engine.PlaceIOCOrder{
		Order:     j.Order.toOrder(book.KindIOC),
		Timestamp: j.Timestamp,
		Block:     j.Block,
	}, nil
}

func parseCancelOrder(data []byte) (*engine.CancelOrder, error) {
	var j struct {
		OrderHash string `json:"order_hash"`
		Canceller string `json:"canceller"`
		Block     uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel: %w", err)
	}
	hash, ok := book.ParseOrderHash(j.OrderHash)
	if !ok {
		return nil, fmt.Errorf("parse cancel: bad order_hash %q", j.OrderHash)
	}
	return &engine.CancelOrder{Hash: hash, Canceller: ledger.Address(j.Canceller), Block: j.Block}, nil
}

func parseCancelOrders(data []byte) (*engine.CancelOrders, error) {
	var j struct {
		OrderHashes []string `json:"order_hashes"`
		Canceller   string   `json:"canceller"`
		Block       uint64   `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel_batch: %w", err)
	}
	hashes := make([]book.OrderHash, 0, len(j.OrderHashes))
	for _, raw := range j.OrderHashes {
		hash, ok := book.ParseOrderHash(raw)
		if !ok {
			return nil, fmt.Errorf("parse cancel_batch: bad order_hash %q", raw)
		}
		hashes = append(hashes, hash)
	}
	return &engine.CancelOrders{Hashes: hashes, Canceller: ledger.Address(j.Canceller), Block: j.Block}, nil
}

func parseApproveDelegate(data []byte) (*engine.ApproveDelegate, error) {
	var j struct {
		Trader   string `json:"trader"`
		Delegate string `json:"delegate"`
		Approved bool   `json:"approved"`
		Block    uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse delegate: %w", err)
	}
	return &engine.ApproveDelegate{
		Trader:   ledger.Address(j.Trader),
		Delegate: ledger.Address(j.Delegate),
		Approved: j.Approved,
		Block:    j.Block,
	}, nil
}

type transferJSON struct {
	Ref    string `json:"ref"`
	Trader string `json:"trader"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
	Block  uint64 `json:"block"`
}

func parseDeposit(data []byte) (*engine.Deposit, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}
	return &engine.Deposit{Ref: j.Ref, Trader: ledger.Address(j.Trader), Asset: j.Asset, Amount: j.Amount, Block: j.Block}, nil
}

func parseWithdraw(data []byte) (*engine.Withdraw, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw: %w", err)
	}
	return &engine.Withdraw{Ref: j.Ref, Trader: ledger.Address(j.Trader), Asset: j.Asset, Amount: j.Amount, Block: j.Block}, nil
}

func parseUpdateOracle(data []byte) (*engine.UpdateOracle, error) {
	var j struct {
		Underlying string `json:"underlying"`
		Price      int64  `json:"price"`
		Block      uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse oracle: %w", err)
	}
	return &engine.UpdateOracle{Underlying: j.Underlying, Price: j.Price, Block: j.Block}, nil
}

func parseFundingTick(data []byte) (*engine.FundingTick, error) {
	var j struct {
		Timestamp int64  `json:"timestamp"`
		Block     uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse funding_tick: %w", err)
	}
	return &engine.FundingTick{Timestamp: j.Timestamp, Block: j.Block}, nil
}

func parseSettlementPass(data []byte) (*engine.SettlementPass, error) {
	var j struct {
		Block uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse settlement_pass: %w", err)
	}
	return &engine.SettlementPass{Block: j.Block}, nil
}

func parseLiquidationScan(data []byte) (*engine.LiquidationScan, error) {
	var j struct {
		Block uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse liquidation_scan: %w", err)
	}
	return &engine.LiquidationScan{Block: j.Block}, nil
}

func parseSetParams(data []byte) (*engine.SetParams, error) {
	var j struct {
		Authority string `json:"authority"`
		Params    struct {
			MaintenanceMargin  int64 `json:"maintenance_margin"`
			MinAllowableMargin int64 `json:"min_allowable_margin"`
			TakerFee           int64 `json:"taker_fee"`
			MakerFee           int64 `json:"maker_fee"`
			ReferralShare      int64 `json:"referral_share"`
			TradingFeeDiscount int64 `json:"trading_fee_discount"`
			LiquidationPenalty int64 `json:"liquidation_penalty"`
		} `json:"params"`
		Block uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_params: %w", err)
	}
	return &engine.SetParams{
		Authority: ledger.Address(j.Authority),
		Params: market.GlobalParams{
			MaintenanceMargin:  j.Params.MaintenanceMargin,
			MinAllowableMargin: j.Params.MinAllowableMargin,
			TakerFee:           j.Params.TakerFee,
			MakerFee:           j.Params.MakerFee,
			ReferralShare:      j.Params.ReferralShare,
			TradingFeeDiscount: j.Params.TradingFeeDiscount,
			LiquidationPenalty: j.Params.LiquidationPenalty,
		},
		Block: j.Block,
	}, nil
}

func parseAddMarket(data []byte) (*engine.AddMarket, error) {
	var j struct {
		Authority string `json:"authority"`
		Market    struct {
			ID                   string `json:"id"`
			UnderlyingAsset      string `json:"underlying_asset"`
			MaxOracleSpreadRatio int64  `json:"max_oracle_spread_ratio"`
			MinSizeRequirement   int64  `json:"min_size_requirement"`
			MaxLiquidationRatio  int64  `json:"max_liquidation_ratio"`
		} `json:"market"`
		Block uint64 `json:"block"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse add_market: %w", err)
	}
	return &engine.AddMarket{
		Authority: ledger.Address(j.Authority),
		Market: market.Market{
			ID:                   j.Market.ID,
			UnderlyingAsset:      j.Market.UnderlyingAsset,
			MaxOracleSpreadRatio: j.Market.MaxOracleSpreadRatio,
			MinSizeRequirement:   j.Market.MinSizeRequirement,
			MaxLiquidationRatio:  j.Market.MaxLiquidationRatio,
		},
		Block: j.Block,
	}, nil
}
