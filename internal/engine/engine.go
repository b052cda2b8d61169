package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpBook/internal/book"
	"PerpBook/internal/fixed"
	"PerpBook/internal/ledger"
	"PerpBook/internal/market"
	"PerpBook/internal/observability"
)

// Engine is the single-writer order lifecycle and margin accounting core.
// Transactions arrive in consensus order and are applied one at a time; the
// RWMutex exists only so read-side queries observe a stable snapshot, never
// to coordinate concurrent writers.
type Engine struct {
	mu sync.RWMutex

	sequence int64
	block    uint64

	store      *book.Store
	collateral *ledger.CollateralLedger
	positions  *ledger.PositionLedger
	registry   *market.Registry
	oracle     *OracleStore
	hasher     *StateHasher

	delegates  map[ledger.Address]map[ledger.Address]bool
	governance ledger.Address

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is what the engine emits per applied transaction: an envelope for
// the event log, the collateral movements it caused, and the raw inbound
// payload kept for replay.
type Output struct {
	Envelope Envelope
	Batch    *ledger.Batch
	Payload  []byte
}

// Envelope records chain position and hash-chain linkage for one applied tx.
type Envelope struct {
	Sequence  int64
	TxRef     string
	TxType    string
	Block     uint64
	StateHash [32]byte
	PrevHash  [32]byte
}

// Receipt reports acceptance results back to the submitter.
type Receipt struct {
	OrderHash  string        // set for single-order transactions
	FilledSize int64         // signed fill achieved within this tx (IOC)
	Orders     []OrderResult // set for batch transactions
}

// OrderResult is the per-order outcome inside a batch transaction.
type OrderResult struct {
	OrderHash string
	Err       error
}

// Config carries engine construction parameters.
type Config struct {
	Governance     ledger.Address
	Logger         zerolog.Logger
	Metrics        *observability.Metrics
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

func New(cfg Config) *Engine {
	oracle := NewOracleStore()
	return &Engine{
		store:          book.NewStore(),
		collateral:     ledger.NewCollateralLedger(),
		positions:      ledger.NewPositionLedger(),
		registry:       market.NewRegistry(oracle),
		oracle:         oracle,
		hasher:         NewStateHasher(),
		delegates:      make(map[ledger.Address]map[ledger.Address]bool),
		governance:     cfg.Governance,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// Apply processes one transaction through the full pipeline: dispatch,
// invariant post-checks, state digest, hash chain, emit. Rejections return
// before any mutation; a tx that passes validation cannot half-apply.
func (e *Engine) Apply(tx Tx) (*Receipt, error) {
	return e.ApplyPayload(tx, nil)
}

// ApplyPayload is Apply with the raw inbound bytes attached to the emitted
// output, so the tx log can replay without re-encoding.
func (e *Engine) ApplyPayload(tx Tx, payload []byte) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	if tx.BlockNumber() > e.block {
		e.block = tx.BlockNumber()
	}

	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		TxRef:    tx.TxRef(),
		Sequence: e.sequence,
		Block:    tx.BlockNumber(),
	}

	receipt, err := e.dispatch(tx, batch)
	if err != nil {
		if e.metrics != nil {
			e.metrics.TxRejected.WithLabelValues(tx.TxType(), rejectReason(err)).Inc()
		}
		e.log.Debug().Str("tx_type", tx.TxType()).Str("tx_ref", tx.TxRef()).Err(err).Msg("tx rejected")
		return nil, err
	}

	if err := batch.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
	}

	e.postCheckInvariants(batch)

	digest := e.computeStateDigest(batch)
	prevHash := e.hasher.PrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)

	out := Output{
		Envelope: Envelope{
			Sequence:  e.sequence,
			TxRef:     tx.TxRef(),
			TxType:    tx.TxType(),
			Block:     tx.BlockNumber(),
			StateHash: stateHash,
			PrevHash:  prevHash,
		},
		Batch:   batch,
		Payload: payload,
	}

	// Persistence: blocking send — the engine stalls until the persistence
	// worker drains, so no applied tx is ever lost.
	if e.persistChan != nil {
		e.persistChan <- out
	}

	// Projections: non-blocking, drop on full. Observers rebuild from the
	// event log if they fall behind.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	e.sequence++

	if e.metrics != nil {
		e.metrics.TxApplied.WithLabelValues(tx.TxType()).Inc()
		e.metrics.TxDuration.WithLabelValues(tx.TxType()).Observe(time.Since(start).Seconds())
		e.metrics.Sequence.Set(float64(e.sequence))
	}

	return receipt, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate_order"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrStaleOracle):
		return "stale_oracle"
	case errors.Is(err, ErrSpreadViolation):
		return "spread_violation"
	default:
		return "validation"
	}
}

func (e *Engine) dispatch(tx Tx, batch *ledger.Batch) (*Receipt, error) {
	switch t := tx.(type) {
	case *PlaceOrder:
		return e.handlePlaceOrder(&t.Order, t.Block, batch)
	case *PlaceOrders:
		return e.handlePlaceOrders(t, batch)
	case *PlaceIOCOrder:
		return e.handlePlaceIOC(t, batch)
	case *CancelOrder:
		return e.handleCancelOrder(t.Hash, t.Canceller, t.Block, batch)
	case *CancelOrders:
		return e.handleCancelOrders(t, batch)
	case *ApproveDelegate:
		return e.handleApproveDelegate(t)
	case *Deposit:
		return e.handleDeposit(t, batch)
	case *Withdraw:
		return e.handleWithdraw(t, batch)
	case *UpdateOracle:
		e.oracle.Set(t.Underlying, t.Price, t.Block)
		return &Receipt{}, nil
	case *FundingTick:
		return e.handleFundingTick(t)
	case *SettlementPass:
		return e.handleSettlementPass(t, batch)
	case *LiquidationScan:
		return e.handleLiquidationScan(t, batch)
	case *SetParams:
		return e.handleSetParams(t)
	case *AddMarket:
		return e.handleAddMarket(t)
	default:
		return nil, fmt.Errorf("%w: unknown tx type %T", ErrValidation, tx)
	}
}

// --- order admission ---

// handlePlaceOrder validates, reserves margin, rests the order, then runs
// admission matching with the new order as taker.
func (e *Engine) handlePlaceOrder(order *book.Order, block uint64, batch *ledger.Batch) (*Receipt, error) {
	if order.Kind != book.KindLimit {
		return nil, fmt.Errorf("%w: place_order requires a limit order", ErrValidation)
	}

	reserve, err := e.validateAdmission(order, block)
	if err != nil {
		return nil, err
	}

	if order.PostOnly && e.wouldCross(order) {
		return nil, fmt.Errorf("%w: post-only order would cross", ErrValidation)
	}

	// All checks passed — commit is infallible from here.
	if reserve > 0 {
		if err := e.collateral.Reserve(order.Trader, reserve); err != nil {
			panic(fmt.Sprintf("FATAL: reserve failed after margin check: %v", err))
		}
		batch.Append(order.Trader, ledger.QuoteAsset, reserve, ledger.EntryTypeMarginReserve)
	}

	rec, err := e.store.Place(*order, block, reserve)
	if err != nil {
		panic(fmt.Sprintf("FATAL: place failed after duplicate check: %v", err))
	}

	e.matchIncoming(rec, true, block, batch)
	e.observeDepth(order.Market)

	return &Receipt{OrderHash: order.Hash().Hex(), FilledSize: rec.FilledSize}, nil
}

func (e *Engine) handlePlaceOrders(tx *PlaceOrders, batch *ledger.Batch) (*Receipt, error) {
	receipt := &Receipt{}
	for i := range tx.Orders {
		sub, err := e.handlePlaceOrder(&tx.Orders[i], tx.Block, batch)
		result := OrderResult{OrderHash: tx.Orders[i].Hash().Hex(), Err: err}
		if err == nil {
			result.OrderHash = sub.OrderHash
		}
		receipt.Orders = append(receipt.Orders, result)
	}
	return receipt, nil
}

// handlePlaceIOC matches immediately against resting liquidity; the
// remainder is discarded, never stored — no Unfilled state is ever observed.
func (e *Engine) handlePlaceIOC(tx *PlaceIOCOrder, batch *ledger.Batch) (*Receipt, error) {
	order := &tx.Order
	if order.Kind != book.KindIOC {
		return nil, fmt.Errorf("%w: place_ioc_order requires an IOC order", ErrValidation)
	}
	if order.PostOnly {
		return nil, fmt.Errorf("%w: IOC orders cannot be post-only", ErrValidation)
	}
	if order.ExpireAt < tx.Timestamp {
		return nil, fmt.Errorf("%w: IOC order expired at %d", ErrValidation, order.ExpireAt)
	}

	// IOC orders never rest, so nothing is escrowed; the margin check still
	// runs against the full size as if it all filled.
	if _, err := e.validateAdmission(order, tx.Block); err != nil {
		return nil, err
	}

	rec := &book.Record{Order: *order, PlacedAtBlock: tx.Block}
	e.matchIncoming(rec, false, tx.Block, batch)

	return &Receipt{OrderHash: order.Hash().Hex(), FilledSize: rec.FilledSize}, nil
}

// validateAdmission runs every pre-mutation check shared by limit and IOC
// admission and returns the margin to escrow for a resting order.
func (e *Engine) validateAdmission(order *book.Order, block uint64) (reserve int64, err error) {
	m := e.registry.Market(order.Market)
	if m == nil {
		return 0, fmt.Errorf("%w: unknown market %s", ErrValidation, order.Market)
	}
	if order.Trader == "" {
		return 0, fmt.Errorf("%w: trader address required", ErrValidation)
	}
	if order.Price <= 0 {
		return 0, fmt.Errorf("%w: price must be positive, got %d", ErrValidation, order.Price)
	}
	if fixed.Abs(order.Size) < m.MinSizeRequirement {
		return 0, fmt.Errorf("%w: size %d below minimum %d", ErrValidation, order.Size, m.MinSizeRequirement)
	}

	if e.store.Get(order.Hash()) != nil {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateOrder, order.Hash().Hex())
	}

	oraclePrice, oerr := e.registry.OraclePrice(order.Market, block)
	if oerr != nil {
		return 0, fmt.Errorf("%w: %v", ErrStaleOracle, oerr)
	}

	upper := m.UpperBound(oraclePrice)
	lower := m.LowerBound(oraclePrice)
	if order.IsLong() && order.Price > upper {
		return 0, fmt.Errorf("%w: long at %d above upper bound %d", ErrSpreadViolation, order.Price, upper)
	}
	if !order.IsLong() && order.Price < lower {
		return 0, fmt.Errorf("%w: short at %d below lower bound %d", ErrSpreadViolation, order.Price, lower)
	}

	if order.ReduceOnly {
		pos := e.positions.Get(order.Trader, order.Market)
		if pos == nil || fixed.Sign(order.Size) == pos.SideSign() ||
			fixed.Abs(order.Size) > fixed.Abs(pos.Size) {
			return 0, fmt.Errorf("%w: reduce-only order would increase position", ErrValidation)
		}
		// Reduce-only orders shrink exposure; no escrow is taken.
		return 0, nil
	}

	reserve = e.requiredReservation(order, m, oraclePrice)
	if e.collateral.Free(order.Trader) < reserve {
		return 0, fmt.Errorf("%w: free=%d, need=%d", ErrInsufficientMargin,
			e.collateral.Free(order.Trader), reserve)
	}

	return reserve, nil
}

// requiredReservation is notional/maxLeverage, grossed up by the maker fee
// rate as a fee buffer. Shorts reserve against the worse of their own price
// and the oracle upper bound, since spread constraints can force a short to
// execute less favorably.
func (e *Engine) requiredReservation(order *book.Order, m *market.Market, oraclePrice int64) int64 {
	price := order.Price
	if !order.IsLong() {
		if upper := m.UpperBound(oraclePrice); upper > price {
			price = upper
		}
	}
	params := e.registry.Params()
	margin := fixed.MulRate(fixed.Notional(order.Size, price), params.MinAllowableMargin)
	return margin + fixed.MulRate(margin, params.MakerFee)
}

func (e *Engine) wouldCross(order *book.Order) bool {
	if order.IsLong() {
		best := e.store.BestShort(order.Market)
		return best != nil && order.Price >= best.Order.Price
	}
	best := e.store.BestLong(order.Market)
	return best != nil && best.Order.Price >= order.Price
}

// --- matching ---

// matchIncoming fills the taker against resting counter-orders in priority
// order. Each pairing is one atomic step: order store, position ledger, and
// collateral ledger all move together.
func (e *Engine) matchIncoming(taker *book.Record, takerLive bool, block uint64, batch *ledger.Batch) {
	for taker.Remaining() != 0 {
		maker := e.bestOpposite(&taker.Order)
		if maker == nil || !crosses(taker, maker) {
			return
		}

		if e.reduceOnlyViolated(maker) {
			e.cancelViolatingOrder(maker, block, batch)
			continue
		}

		fillAbs := fixed.Abs(taker.Remaining())
		if makerRem := fixed.Abs(maker.Remaining()); makerRem < fillAbs {
			fillAbs = makerRem
		}

		e.matchStep(taker, takerLive, maker, fillAbs, maker.Order.Price, block, batch)
	}
}

func (e *Engine) bestOpposite(order *book.Order) *book.Record {
	if order.IsLong() {
		return e.store.BestShort(order.Market)
	}
	return e.store.BestLong(order.Market)
}

func crosses(a, b *book.Record) bool {
	long, short := a, b
	if !a.Order.IsLong() {
		long, short = b, a
	}
	return long.Order.Price >= short.Order.Price
}

// reduceOnlyViolated reports whether filling a resting reduce-only order
// would now increase the trader's position (it may have changed since the
// order was admitted).
func (e *Engine) reduceOnlyViolated(rec *book.Record) bool {
	if !rec.Order.ReduceOnly {
		return false
	}
	pos := e.positions.Get(rec.Order.Trader, rec.Order.Market)
	return pos == nil || fixed.Sign(rec.Order.Size) == pos.SideSign() ||
		fixed.Abs(rec.Remaining()) > fixed.Abs(pos.Size)
}

// cancelViolatingOrder removes a reduce-only order whose fill is no longer a
// reduction. Its escrow (zero, for reduce-only) is released regardless.
func (e *Engine) cancelViolatingOrder(rec *book.Record, block uint64, batch *ledger.Batch) {
	hash := rec.Order.Hash()
	if rec.ReservedMargin > 0 {
		e.collateral.Release(rec.Order.Trader, rec.ReservedMargin)
		batch.Append(rec.Order.Trader, ledger.QuoteAsset, rec.ReservedMargin, ledger.EntryTypeMarginRelease)
		rec.ReservedMargin = 0
	}
	if _, err := e.store.Cancel(hash, block); err != nil {
		panic(fmt.Sprintf("FATAL: cancel of live order failed: %v", err))
	}
	e.log.Debug().Str("order", hash.Hex()).Msg("reduce-only order cancelled: would increase position")
}

// matchStep executes one maker/taker pairing at the maker's price. The two
// sides always trade equal magnitude on opposite market sides.
func (e *Engine) matchStep(taker *book.Record, takerLive bool, maker *book.Record, fillAbs, price int64, block uint64, batch *ledger.Batch) {
	takerSign := fixed.Sign(taker.Order.Size)
	makerSign := -takerSign

	takerRemBefore := fixed.Abs(taker.Remaining())
	makerRemBefore := fixed.Abs(maker.Remaining())

	// Consume escrow proportionally to the filled share of the remainder.
	e.consumeReservation(taker, fillAbs, takerRemBefore, batch)
	e.consumeReservation(maker, fillAbs, makerRemBefore, batch)

	// Lifecycle transitions
	if takerLive {
		if _, err := e.store.ApplyFill(taker.Order.Hash(), takerSign*fillAbs, block); err != nil {
			panic(fmt.Sprintf("FATAL: taker fill: %v", err))
		}
	} else {
		// IOC taker is transient: track fill progress without a store record
		taker.FilledSize += takerSign * fillAbs
	}
	if _, err := e.store.ApplyFill(maker.Order.Hash(), makerSign*fillAbs, block); err != nil {
		panic(fmt.Sprintf("FATAL: maker fill: %v", err))
	}

	m := e.registry.Market(taker.Order.Market)

	// Settle accrued funding before the position mutates
	e.settleFunding(taker.Order.Trader, m, batch)
	e.settleFunding(maker.Order.Trader, m, batch)

	// Position and PnL
	takerPnL := e.positions.ApplyFill(taker.Order.Trader, m.ID, takerSign*fillAbs, price)
	makerPnL := e.positions.ApplyFill(maker.Order.Trader, m.ID, makerSign*fillAbs, price)
	e.anchorFundingCheckpoint(taker.Order.Trader, m)
	e.anchorFundingCheckpoint(maker.Order.Trader, m)
	e.applyRealizedPnL(taker.Order.Trader, takerPnL, batch)
	e.applyRealizedPnL(maker.Order.Trader, makerPnL, batch)

	// Fees by role: taker triggered the match, maker rested
	params := e.registry.Params()
	notional := fixed.Notional(fillAbs, price)
	takerFee := fixed.MulRate(notional, params.TakerFee)
	makerFee := fixed.MulRate(notional, params.MakerFee)
	e.collateral.Debit(taker.Order.Trader, takerFee)
	e.collateral.Debit(maker.Order.Trader, makerFee)
	batch.Append(taker.Order.Trader, ledger.QuoteAsset, -takerFee, ledger.EntryTypeTradeFee)
	batch.Append(maker.Order.Trader, ledger.QuoteAsset, -makerFee, ledger.EntryTypeTradeFee)

	m.LastPrice = price

	if e.metrics != nil {
		e.metrics.MatchesTotal.WithLabelValues(m.ID).Inc()
	}
	e.log.Debug().
		Str("market", m.ID).
		Int64("fill", fillAbs).
		Int64("price", price).
		Str("taker", string(taker.Order.Trader)).
		Str("maker", string(maker.Order.Trader)).
		Msg("match")
}

func (e *Engine) consumeReservation(rec *book.Record, fillAbs, remBefore int64, batch *ledger.Batch) {
	if rec.ReservedMargin <= 0 || remBefore <= 0 {
		return
	}
	release := fixed.MulDiv(rec.ReservedMargin, fillAbs, remBefore)
	if release > rec.ReservedMargin {
		release = rec.ReservedMargin
	}
	if release == 0 {
		return
	}
	e.collateral.Release(rec.Order.Trader, release)
	rec.ReservedMargin -= release
	batch.Append(rec.Order.Trader, ledger.QuoteAsset, release, ledger.EntryTypeMarginRelease)
}

func (e *Engine) applyRealizedPnL(trader ledger.Address, pnl int64, batch *ledger.Batch) {
	if pnl == 0 {
		return
	}
	if pnl > 0 {
		e.collateral.Credit(trader, pnl)
	} else {
		e.collateral.Debit(trader, -pnl)
	}
	batch.Append(trader, ledger.QuoteAsset, pnl, ledger.EntryTypeTradePnL)
}

// anchorFundingCheckpoint pins a position opened by the preceding fill to
// the market's current cumulative premium fraction: funding accrued before
// the position existed is not the trader's to pay. A position that already
// existed was settled to the current fraction just before the fill, so the
// write is a no-op for it.
func (e *Engine) anchorFundingCheckpoint(trader ledger.Address, m *market.Market) {
	if pos := e.positions.Get(trader, m.ID); pos != nil {
		pos.LastPremiumFraction = m.CumulativePremiumFraction
	}
}

// settleFunding realizes and pays any funding accrued against the trader's
// position in this market since its last checkpoint.
func (e *Engine) settleFunding(trader ledger.Address, m *market.Market, batch *ledger.Batch) {
	pos := e.positions.Get(trader, m.ID)
	if pos == nil {
		return
	}
	e.positions.RealizeFunding(pos, m.CumulativePremiumFraction)
	owed := e.positions.SettleFunding(pos)
	if owed == 0 {
		return
	}
	if owed > 0 {
		e.collateral.Debit(trader, owed)
	} else {
		e.collateral.Credit(trader, -owed)
	}
	batch.Append(trader, ledger.QuoteAsset, -owed, ledger.EntryTypeFundingSettle)
}

// --- cancellation ---

func (e *Engine) handleCancelOrder(hash book.OrderHash, canceller ledger.Address, block uint64, batch *ledger.Batch) (*Receipt, error) {
	rec := e.store.Get(hash)
	if rec == nil {
		if hist := e.store.GetHistory(hash); hist != nil {
			return nil, fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, hash.Hex(), hist.Status)
		}
		return nil, fmt.Errorf("%w: unknown order %s", ErrValidation, hash.Hex())
	}

	if canceller != rec.Order.Trader && !e.delegates[rec.Order.Trader][canceller] {
		return nil, fmt.Errorf("%w: %s cannot cancel order of %s", ErrNotAuthorized, canceller, rec.Order.Trader)
	}

	if rec.ReservedMargin > 0 {
		e.collateral.Release(rec.Order.Trader, rec.ReservedMargin)
		batch.Append(rec.Order.Trader, ledger.QuoteAsset, rec.ReservedMargin, ledger.EntryTypeMarginRelease)
		rec.ReservedMargin = 0
	}

	if _, err := e.store.Cancel(hash, block); err != nil {
		panic(fmt.Sprintf("FATAL: cancel of live order failed: %v", err))
	}
	e.observeDepth(rec.Order.Market)

	return &Receipt{OrderHash: hash.Hex()}, nil
}

func (e *Engine) handleCancelOrders(tx *CancelOrders, batch *ledger.Batch) (*Receipt, error) {
	receipt := &Receipt{}
	for _, hash := range tx.Hashes {
		_, err := e.handleCancelOrder(hash, tx.Canceller, tx.Block, batch)
		receipt.Orders = append(receipt.Orders, OrderResult{OrderHash: hash.Hex(), Err: err})
	}
	return receipt, nil
}

func (e *Engine) handleApproveDelegate(tx *ApproveDelegate) (*Receipt, error) {
	if tx.Trader == "" || tx.Delegate == "" {
		return nil, fmt.Errorf("%w: trader and delegate required", ErrValidation)
	}
	if tx.Approved {
		if e.delegates[tx.Trader] == nil {
			e.delegates[tx.Trader] = make(map[ledger.Address]bool)
		}
		e.delegates[tx.Trader][tx.Delegate] = true
	} else {
		delete(e.delegates[tx.Trader], tx.Delegate)
	}
	return &Receipt{}, nil
}

// --- collateral ---

func (e *Engine) handleDeposit(tx *Deposit, batch *ledger.Batch) (*Receipt, error) {
	assetID, ok := ledger.GetAssetID(tx.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %s", ErrValidation, tx.Asset)
	}
	if tx.Amount <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrValidation)
	}
	if err := e.collateral.Deposit(tx.Trader, assetID, tx.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	batch.Append(tx.Trader, assetID, tx.Amount, ledger.EntryTypeDeposit)
	return &Receipt{}, nil
}

func (e *Engine) handleWithdraw(tx *Withdraw, batch *ledger.Batch) (*Receipt, error) {
	assetID, ok := ledger.GetAssetID(tx.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %s", ErrValidation, tx.Asset)
	}
	if tx.Amount <= 0 {
		return nil, fmt.Errorf("%w: withdraw amount must be positive", ErrValidation)
	}

	// Withdrawal must leave open positions above maintenance margin.
	if len(e.positions.TraderPositions(tx.Trader)) > 0 {
		available, notional, err := e.marginAccount(tx.Trader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStaleOracle, err)
		}
		required := fixed.MulRate(notional, e.registry.Params().MaintenanceMargin)
		if available-tx.Amount < required {
			return nil, fmt.Errorf("%w: withdrawal of %d would breach maintenance margin", ErrInsufficientMargin, tx.Amount)
		}
	}

	if err := e.collateral.Withdraw(tx.Trader, assetID, tx.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientMargin, err)
	}
	batch.Append(tx.Trader, assetID, -tx.Amount, ledger.EntryTypeWithdrawal)
	return &Receipt{}, nil
}

// --- governance ---

func (e *Engine) handleSetParams(tx *SetParams) (*Receipt, error) {
	if tx.Authority != e.governance {
		return nil, fmt.Errorf("%w: %s is not the governance authority", ErrNotAuthorized, tx.Authority)
	}
	if err := e.registry.SetParams(tx.Params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.log.Info().Interface("params", tx.Params).Msg("global params updated")
	return &Receipt{}, nil
}

func (e *Engine) handleAddMarket(tx *AddMarket) (*Receipt, error) {
	if tx.Authority != e.governance {
		return nil, fmt.Errorf("%w: %s is not the governance authority", ErrNotAuthorized, tx.Authority)
	}
	m := tx.Market
	if err := e.registry.AddMarket(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	e.log.Info().Str("market", m.ID).Msg("market registered")
	return &Receipt{}, nil
}

// --- settlement pass ---

// handleSettlementPass pairs already-resting crossed orders market by
// market. The older order is the maker (its price executes); on equal
// placement blocks the lower hash rests first.
func (e *Engine) handleSettlementPass(tx *SettlementPass, batch *ledger.Batch) (*Receipt, error) {
	for _, m := range e.registry.Markets() {
		for {
			long := e.store.BestLong(m.ID)
			short := e.store.BestShort(m.ID)
			if long == nil || short == nil || long.Order.Price < short.Order.Price {
				break
			}

			if e.reduceOnlyViolated(long) {
				e.cancelViolatingOrder(long, tx.Block, batch)
				continue
			}
			if e.reduceOnlyViolated(short) {
				e.cancelViolatingOrder(short, tx.Block, batch)
				continue
			}

			maker, taker := long, short
			if olderFirst(short, long) {
				maker, taker = short, long
			}

			fillAbs := fixed.Abs(taker.Remaining())
			if makerRem := fixed.Abs(maker.Remaining()); makerRem < fillAbs {
				fillAbs = makerRem
			}

			e.matchStep(taker, true, maker, fillAbs, maker.Order.Price, tx.Block, batch)
		}
		e.observeDepth(m.ID)
	}
	return &Receipt{}, nil
}

func olderFirst(a, b *book.Record) bool {
	if a.PlacedAtBlock != b.PlacedAtBlock {
		return a.PlacedAtBlock < b.PlacedAtBlock
	}
	ah, bh := a.Order.Hash(), b.Order.Hash()
	for i := 0; i < len(ah); i++ {
		if ah[i] != bh[i] {
			return ah[i] < bh[i]
		}
	}
	return false
}

// --- invariants & digest ---

func (e *Engine) postCheckInvariants(batch *ledger.Batch) {
	seen := make(map[ledger.Address]bool)
	for _, entry := range batch.Entries {
		if seen[entry.Trader] {
			continue
		}
		seen[entry.Trader] = true

		if err := e.collateral.ValidateReserveLien(entry.Trader); err != nil {
			panic(fmt.Sprintf("FATAL: reserve lien violated: %v", err))
		}
		for _, pos := range e.positions.TraderPositions(entry.Trader) {
			if pos.Size == 0 {
				panic(fmt.Sprintf("FATAL: flat position retained in ledger for %s/%s", pos.Trader, pos.Market))
			}
			if pos.OpenNotional < 0 {
				panic(fmt.Sprintf("FATAL: negative open notional for %s/%s: %d", pos.Trader, pos.Market, pos.OpenNotional))
			}
		}
	}
}

// computeStateDigest builds canonical bytes over every account the batch
// touched. Two nodes that applied the same tx stream produce identical
// digests, which is what chains the state hashes together.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	traders := make([]ledger.Address, 0, len(batch.Entries))
	seen := make(map[ledger.Address]bool)
	for _, entry := range batch.Entries {
		if !seen[entry.Trader] {
			seen[entry.Trader] = true
			traders = append(traders, entry.Trader)
		}
	}
	sort.Slice(traders, func(i, j int) bool { return traders[i] < traders[j] })

	digest := make([]byte, 0, len(traders)*96)
	for _, trader := range traders {
		digest = append(digest, byte(len(trader)))
		digest = append(digest, []byte(trader)...)
		digest = appendInt64LE(digest, e.collateral.TotalDeposited(trader))
		digest = appendInt64LE(digest, e.collateral.Reserved(trader))

		for _, pos := range e.positions.TraderPositions(trader) {
			digest = append(digest, byte(len(pos.Market)))
			digest = append(digest, []byte(pos.Market)...)
			digest = appendInt64LE(digest, pos.Size)
			digest = appendInt64LE(digest, pos.OpenNotional)
			digest = appendInt64LE(digest, pos.LastPremiumFraction)
		}
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) observeDepth(marketID string) {
	if e.metrics == nil {
		return
	}
	longs, shorts := 0, 0
	for _, rec := range e.store.Live() {
		if rec.Order.Market != marketID {
			continue
		}
		if rec.Order.IsLong() {
			longs++
		} else {
			shorts++
		}
	}
	e.metrics.BookDepth.WithLabelValues(marketID, "long").Set(float64(longs))
	e.metrics.BookDepth.WithLabelValues(marketID, "short").Set(float64(shorts))
}

// Sequence returns the number of applied transactions.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// StateHash returns the current hash-chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.PrevHash()
}

// View runs fn under the read lock against the live ledgers. Readers must
// not retain references after fn returns.
func (e *Engine) View(fn func(v *LedgerView)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(&LedgerView{
		Store:      e.store,
		Collateral: e.collateral,
		Positions:  e.positions,
		Registry:   e.registry,
		Block:      e.block,
	})
}

// LedgerView is the read-only window handed to queries under the read lock.
type LedgerView struct {
	Store      *book.Store
	Collateral *ledger.CollateralLedger
	Positions  *ledger.PositionLedger
	Registry   *market.Registry
	Block      uint64
}
