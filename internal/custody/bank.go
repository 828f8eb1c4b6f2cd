package custody

import (
	"fmt"

	"StakeLedger/internal/errs"
	"StakeLedger/internal/journal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Bank maintains in-memory custodial balances. It is the
// reference implementation of the custodial asset transfer collaborator.
// Not goroutine-safe.
type Bank struct {
	journal.Journal

	balances map[AccountKey]*uint256.Int
	supply   map[Asset]*uint256.Int

	// entries recorded since the last DrainEntries
	entries []Entry
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[AccountKey]*uint256.Int),
		supply:   make(map[Asset]*uint256.Int),
	}
}

// BalanceOf returns a copy of the balance held by account.
func (b *Bank) BalanceOf(asset Asset, account common.Address) *uint256.Int {
	if v, ok := b.balances[AccountKey{Asset: asset, Account: account}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Supply returns the total minted amount of asset.
func (b *Bank) Supply(asset Asset) *uint256.Int {
	if v, ok := b.supply[asset]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Mint creates amount out of thin air in to's account.
func (b *Bank) Mint(asset Asset, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	key := AccountKey{Asset: asset, Account: to}
	newBal, overflow := new(uint256.Int).AddOverflow(b.BalanceOf(asset, to), amount)
	if overflow {
		return fmt.Errorf("mint %s to %s: %w", amount.Dec(), key.AccountPath(), errs.ErrOverflow)
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(b.Supply(asset), amount)
	if overflow {
		return fmt.Errorf("mint %s %s: supply %w", amount.Dec(), asset, errs.ErrOverflow)
	}
	b.setBalance(key, newBal)
	b.setSupply(asset, newSupply)
	b.record(Entry{
		EntryID:   uuid.New(),
		Asset:     asset,
		To:        to,
		Amount:    amount.Clone(),
		EntryType: EntryTypeMint,
	})
	return nil
}

// Transfer moves amount from one account to another.
func (b *Bank) Transfer(asset Asset, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return b.ensureCovered(asset, from, amount)
	}
	fromKey := AccountKey{Asset: asset, Account: from}
	toKey := AccountKey{Asset: asset, Account: to}

	fromBal := b.BalanceOf(asset, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: have %s: %w",
			amount.Dec(), fromKey.AccountPath(), fromBal.Dec(), errs.ErrInsufficientFunds)
	}
	toBal, overflow := new(uint256.Int).AddOverflow(b.BalanceOf(asset, to), amount)
	if overflow {
		return fmt.Errorf("transfer %s to %s: %w", amount.Dec(), toKey.AccountPath(), errs.ErrOverflow)
	}

	b.setBalance(fromKey, new(uint256.Int).Sub(fromBal, amount))
	b.setBalance(toKey, toBal)
	b.record(Entry{
		EntryID:   uuid.New(),
		Asset:     asset,
		From:      from,
		To:        to,
		Amount:    amount.Clone(),
		EntryType: EntryTypeTransfer,
	})
	return nil
}

// DrainEntries returns and clears the entries recorded since the last drain.
func (b *Bank) DrainEntries() []Entry {
	out := b.entries
	b.entries = nil
	return out
}

// Balances returns a copy of all balances keyed by account path.
func (b *Bank) Balances() map[string]*uint256.Int {
	snapshot := make(map[string]*uint256.Int, len(b.balances))
	for k, v := range b.balances {
		snapshot[k.AccountPath()] = v.Clone()
	}
	return snapshot
}

func (b *Bank) ensureCovered(asset Asset, from common.Address, amount *uint256.Int) error {
	if bal := b.BalanceOf(asset, from); bal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: have %s: %w",
			amount.Dec(), from.Hex(), bal.Dec(), errs.ErrInsufficientFunds)
	}
	return nil
}

func (b *Bank) setBalance(key AccountKey, v *uint256.Int) {
	prev, had := b.balances[key]
	b.Append(func() {
		if had {
			b.balances[key] = prev
		} else {
			delete(b.balances, key)
		}
	})
	b.balances[key] = v
}

func (b *Bank) setSupply(asset Asset, v *uint256.Int) {
	prev, had := b.supply[asset]
	b.Append(func() {
		if had {
			b.supply[asset] = prev
		} else {
			delete(b.supply, asset)
		}
	})
	b.supply[asset] = v
}

func (b *Bank) record(e Entry) {
	n := len(b.entries)
	b.Append(func() {
		if len(b.entries) > n {
			b.entries = b.entries[:n]
		}
	})
	b.entries = append(b.entries, e)
}
