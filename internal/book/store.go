package book

import (
	"fmt"
	"sort"

	"PerpBook/internal/fixed"
)

// Store maps order hashes to lifecycle records and maintains price-time
// ordered resting sides per market. Records leave the live map on terminal
// status; history stays addressable by hash for a retention window.
// Not thread-safe — written only by the single-writer engine loop.
type Store struct {
	live    map[OrderHash]*Record
	retired map[OrderHash]*retiredRecord

	// resting order hashes per market, one slice per side
	longs  map[string][]OrderHash
	shorts map[string][]OrderHash

	retentionBlocks uint64
}

type retiredRecord struct {
	record    *Record
	retiredAt uint64
}

const defaultRetentionBlocks = 100_000

func NewStore() *Store {
	return &Store{
		live:            make(map[OrderHash]*Record),
		retired:         make(map[OrderHash]*retiredRecord),
		longs:           make(map[string][]OrderHash),
		shorts:          make(map[string][]OrderHash),
		retentionBlocks: defaultRetentionBlocks,
	}
}

// Get returns the live record for a hash, or nil.
func (s *Store) Get(hash OrderHash) *Record {
	return s.live[hash]
}

// GetHistory returns the record for a hash, live or retired.
func (s *Store) GetHistory(hash OrderHash) *Record {
	if rec := s.live[hash]; rec != nil {
		return rec
	}
	if ret := s.retired[hash]; ret != nil {
		return ret.record
	}
	return nil
}

// Place inserts a new resting record with status Unfilled. The caller has
// already validated the order and reserved margin for it.
func (s *Store) Place(order Order, block uint64, reservedMargin int64) (*Record, error) {
	hash := order.Hash()
	if _, exists := s.live[hash]; exists {
		return nil, fmt.Errorf("order %s already placed", hash.Hex())
	}

	rec := &Record{
		Order:          order,
		Status:         StatusUnfilled,
		ReservedMargin: reservedMargin,
		PlacedAtBlock:  block,
	}
	rec.History = append(rec.History, StatusChange{Block: block, Status: StatusUnfilled})
	s.live[hash] = rec
	s.insertResting(hash, rec)

	return rec, nil
}

// Cancel appends the Cancelled status and retires the record. Terminal
// records cannot be cancelled again; the caller maps that to AlreadyTerminal.
func (s *Store) Cancel(hash OrderHash, block uint64) (*Record, error) {
	rec := s.live[hash]
	if rec == nil {
		if ret := s.retired[hash]; ret != nil {
			return ret.record, fmt.Errorf("order %s is already %s", hash.Hex(), ret.record.Status)
		}
		return nil, fmt.Errorf("order %s not found", hash.Hex())
	}

	rec.transition(StatusCancelled, block)
	s.retire(hash, rec, block)

	return rec, nil
}

// ApplyFill records fillSize (signed, same sign as the order) against a live
// record, transitioning to PartiallyFilled or Filled. Overfilling or a
// sign mismatch is an engine defect.
func (s *Store) ApplyFill(hash OrderHash, fillSize int64, block uint64) (*Record, error) {
	rec := s.live[hash]
	if rec == nil {
		return nil, fmt.Errorf("order %s not live", hash.Hex())
	}

	if fixed.Sign(fillSize) != fixed.Sign(rec.Order.Size) {
		panic(fmt.Sprintf("FATAL: fill sign mismatch for order %s: fill=%d order=%d",
			hash.Hex(), fillSize, rec.Order.Size))
	}
	newFilled := rec.FilledSize + fillSize
	if fixed.Abs(newFilled) > fixed.Abs(rec.Order.Size) {
		panic(fmt.Sprintf("FATAL: overfill on order %s: filled=%d size=%d",
			hash.Hex(), newFilled, rec.Order.Size))
	}

	rec.FilledSize = newFilled
	if newFilled == rec.Order.Size {
		rec.transition(StatusFilled, block)
		s.retire(hash, rec, block)
	} else {
		rec.transition(StatusPartiallyFilled, block)
	}

	return rec, nil
}

func (s *Store) retire(hash OrderHash, rec *Record, block uint64) {
	delete(s.live, hash)
	s.removeResting(hash, rec)
	s.retired[hash] = &retiredRecord{record: rec, retiredAt: block}
}

// Prune drops retired records older than the retention window.
func (s *Store) Prune(currentBlock uint64) {
	for hash, ret := range s.retired {
		if currentBlock > ret.retiredAt && currentBlock-ret.retiredAt > s.retentionBlocks {
			delete(s.retired, hash)
		}
	}
}

// --- resting side maintenance ---

func (s *Store) sideFor(rec *Record) map[string][]OrderHash {
	if rec.Order.IsLong() {
		return s.longs
	}
	return s.shorts
}

// insertResting keeps each side sorted by price priority (longs descending,
// shorts ascending), then placement block, then hash for a total order.
func (s *Store) insertResting(hash OrderHash, rec *Record) {
	side := s.sideFor(rec)
	marketID := rec.Order.Market
	hashes := append(side[marketID], hash)

	isLong := rec.Order.IsLong()
	sort.Slice(hashes, func(i, j int) bool {
		a, b := s.live[hashes[i]], s.live[hashes[j]]
		if a.Order.Price != b.Order.Price {
			if isLong {
				return a.Order.Price > b.Order.Price
			}
			return a.Order.Price < b.Order.Price
		}
		if a.PlacedAtBlock != b.PlacedAtBlock {
			return a.PlacedAtBlock < b.PlacedAtBlock
		}
		return lessHash(hashes[i], hashes[j])
	})

	side[marketID] = hashes
}

func (s *Store) removeResting(hash OrderHash, rec *Record) {
	side := s.sideFor(rec)
	marketID := rec.Order.Market
	hashes := side[marketID]
	for i, h := range hashes {
		if h == hash {
			side[marketID] = append(hashes[:i], hashes[i+1:]...)
			return
		}
	}
}

func lessHash(a, b OrderHash) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BestLong returns the highest-priority resting long for a market, or nil.
func (s *Store) BestLong(marketID string) *Record {
	if hashes := s.longs[marketID]; len(hashes) > 0 {
		return s.live[hashes[0]]
	}
	return nil
}

// BestShort returns the highest-priority resting short for a market, or nil.
func (s *Store) BestShort(marketID string) *Record {
	if hashes := s.shorts[marketID]; len(hashes) > 0 {
		return s.live[hashes[0]]
	}
	return nil
}

// RestingOpposite iterates resting counter-side records for an incoming
// order in priority order. The callback returns false to stop early.
func (s *Store) RestingOpposite(incoming *Order, fn func(*Record) bool) {
	var hashes []OrderHash
	if incoming.IsLong() {
		hashes = s.shorts[incoming.Market]
	} else {
		hashes = s.longs[incoming.Market]
	}
	// Copy: the callback may retire records and mutate the side slice.
	snapshot := make([]OrderHash, len(hashes))
	copy(snapshot, hashes)
	for _, h := range snapshot {
		rec := s.live[h]
		if rec == nil {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// Live returns all live records in deterministic hash order.
func (s *Store) Live() []*Record {
	hashes := make([]OrderHash, 0, len(s.live))
	for h := range s.live {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return lessHash(hashes[i], hashes[j]) })

	result := make([]*Record, 0, len(hashes))
	for _, h := range hashes {
		result = append(result, s.live[h])
	}
	return result
}

// LiveCount returns the number of live records.
func (s *Store) LiveCount() int {
	return len(s.live)
}

// Restore reinserts a live record during snapshot recovery, preserving its
// fill progress and history. The record must be non-terminal.
func (s *Store) Restore(rec *Record) error {
	hash := rec.Order.Hash()
	if _, exists := s.live[hash]; exists {
		return fmt.Errorf("order %s already restored", hash.Hex())
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("order %s is terminal, cannot restore as live", hash.Hex())
	}
	s.live[hash] = rec
	s.insertResting(hash, rec)
	return nil
}
