package ledger

import (
	"fmt"
	"sort"
)

// CollateralAccount holds a trader's deposited balances and the margin lien
// held against resting orders. Reserved is an escrow over the deposited
// total, not a separate pot: free margin = sum(deposited) - reserved.
type CollateralAccount struct {
	Trader    Address
	Deposited map[AssetID]int64 // quote scale per asset
	Reserved  int64             // quote scale, lien for resting orders
}

// CollateralLedger maintains per-trader collateral accounts.
// Not thread-safe — written only by the single-writer engine loop.
type CollateralLedger struct {
	accounts map[Address]*CollateralAccount
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{
		accounts: make(map[Address]*CollateralAccount),
	}
}

// Account returns the account for a trader, or nil if never funded.
func (cl *CollateralLedger) Account(trader Address) *CollateralAccount {
	return cl.accounts[trader]
}

func (cl *CollateralLedger) getOrCreate(trader Address) *CollateralAccount {
	acc := cl.accounts[trader]
	if acc == nil {
		acc = &CollateralAccount{
			Trader:    trader,
			Deposited: make(map[AssetID]int64),
		}
		cl.accounts[trader] = acc
	}
	return acc
}

// Deposit credits deposited balance for an asset.
func (cl *CollateralLedger) Deposit(trader Address, asset AssetID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	acc := cl.getOrCreate(trader)
	acc.Deposited[asset] += amount
	return nil
}

// Withdraw debits deposited balance. Fails if it would break the reserve
// lien (reserved must stay covered by the remaining deposits).
func (cl *CollateralLedger) Withdraw(trader Address, asset AssetID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %d", amount)
	}
	acc := cl.accounts[trader]
	if acc == nil || acc.Deposited[asset] < amount {
		return fmt.Errorf("insufficient deposited balance for withdrawal")
	}
	if cl.TotalDeposited(trader)-amount < acc.Reserved {
		return fmt.Errorf("withdrawal would break reserve lien: reserved=%d", acc.Reserved)
	}
	acc.Deposited[asset] -= amount
	return nil
}

// TotalDeposited sums deposited balances across assets (par-weighted).
func (cl *CollateralLedger) TotalDeposited(trader Address) int64 {
	acc := cl.accounts[trader]
	if acc == nil {
		return 0
	}
	var total int64
	for _, amount := range acc.Deposited {
		total += amount
	}
	return total
}

// Reserved returns the current margin lien for a trader.
func (cl *CollateralLedger) Reserved(trader Address) int64 {
	acc := cl.accounts[trader]
	if acc == nil {
		return 0
	}
	return acc.Reserved
}

// Free returns deposited total minus the reserve lien.
func (cl *CollateralLedger) Free(trader Address) int64 {
	return cl.TotalDeposited(trader) - cl.Reserved(trader)
}

// Reserve escrows amount against a resting order. Fails if free margin is
// insufficient so the invariant reserved <= sum(deposited) always holds.
func (cl *CollateralLedger) Reserve(trader Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount must be non-negative, got %d", amount)
	}
	if cl.Free(trader) < amount {
		return fmt.Errorf("insufficient free margin: have=%d, need=%d", cl.Free(trader), amount)
	}
	cl.getOrCreate(trader).Reserved += amount
	return nil
}

// Release returns escrowed margin to the free pool. Releasing more than is
// reserved is an accounting defect, not a recoverable state.
func (cl *CollateralLedger) Release(trader Address, amount int64) {
	acc := cl.accounts[trader]
	if acc == nil || acc.Reserved < amount {
		panic(fmt.Sprintf("FATAL: releasing %d exceeds reserved margin for %s", amount, trader))
	}
	acc.Reserved -= amount
}

// Debit removes amount from deposited balance (fees, penalties, losses).
// Debits drain the quote asset first, then other assets in ID order.
func (cl *CollateralLedger) Debit(trader Address, amount int64) {
	if amount <= 0 {
		return
	}
	acc := cl.getOrCreate(trader)

	remaining := amount
	for _, asset := range cl.assetDrainOrder(acc) {
		if remaining == 0 {
			break
		}
		have := acc.Deposited[asset]
		if have <= 0 {
			continue
		}
		take := remaining
		if take > have {
			take = have
		}
		acc.Deposited[asset] -= take
		remaining -= take
	}

	// Residual loss beyond all deposits is bad debt carried on the quote
	// asset until a deposit covers it.
	if remaining > 0 {
		acc.Deposited[QuoteAsset] -= remaining
	}
}

// Credit adds realized gains to the quote asset balance.
func (cl *CollateralLedger) Credit(trader Address, amount int64) {
	if amount <= 0 {
		return
	}
	cl.getOrCreate(trader).Deposited[QuoteAsset] += amount
}

func (cl *CollateralLedger) assetDrainOrder(acc *CollateralAccount) []AssetID {
	order := make([]AssetID, 0, len(acc.Deposited))
	for asset := range acc.Deposited {
		if asset != QuoteAsset {
			order = append(order, asset)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return append([]AssetID{QuoteAsset}, order...)
}

// ValidateReserveLien checks reserved <= sum(deposited) for a trader. An
// account with nothing reserved may carry a negative total: that is bad
// debt left by Debit after a liquidation, not a broken lien.
func (cl *CollateralLedger) ValidateReserveLien(trader Address) error {
	acc := cl.accounts[trader]
	if acc == nil {
		return nil
	}
	if acc.Reserved < 0 {
		return fmt.Errorf("trader %s has negative reserved margin: %d", trader, acc.Reserved)
	}
	if total := cl.TotalDeposited(trader); acc.Reserved > 0 && acc.Reserved > total {
		return fmt.Errorf("trader %s reserved %d exceeds deposited %d", trader, acc.Reserved, total)
	}
	return nil
}

// Traders returns all funded traders in deterministic order.
func (cl *CollateralLedger) Traders() []Address {
	result := make([]Address, 0, len(cl.accounts))
	for trader := range cl.accounts {
		result = append(result, trader)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Snapshot returns a deep copy of all accounts (for state hashing / restore).
func (cl *CollateralLedger) Snapshot() map[Address]*CollateralAccount {
	snapshot := make(map[Address]*CollateralAccount, len(cl.accounts))
	for trader, acc := range cl.accounts {
		deposited := make(map[AssetID]int64, len(acc.Deposited))
		for asset, amount := range acc.Deposited {
			deposited[asset] = amount
		}
		snapshot[trader] = &CollateralAccount{
			Trader:    acc.Trader,
			Deposited: deposited,
			Reserved:  acc.Reserved,
		}
	}
	return snapshot
}

// Restore directly sets an account (used for snapshot restore).
func (cl *CollateralLedger) Restore(acc *CollateralAccount) {
	cl.accounts[acc.Trader] = acc
}
