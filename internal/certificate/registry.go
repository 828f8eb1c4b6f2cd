// Package certificate is the ownership registry for position certificates:
// unique ids held by one owner each, transferable, with per-token approvals
// and per-owner operators.
package certificate

import (
	"fmt"

	"StakeLedger/internal/errs"
	"StakeLedger/internal/journal"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is not goroutine-safe.
type Registry struct {
	journal.Journal

	minter    common.Address
	owners    map[uint64]common.Address
	approved  map[uint64]common.Address
	operators map[operatorKey]bool
	balances  map[common.Address]uint64
}

type operatorKey struct {
	Owner    common.Address
	Operator common.Address
}

// NewRegistry creates a registry where only minter may mint and burn.
func NewRegistry(minter common.Address) *Registry {
	return &Registry{
		minter:    minter,
		owners:    make(map[uint64]common.Address),
		approved:  make(map[uint64]common.Address),
		operators: make(map[operatorKey]bool),
		balances:  make(map[common.Address]uint64),
	}
}

// OwnerOf fails for ids that were never minted or have been burned.
func (r *Registry) OwnerOf(id uint64) (common.Address, error) {
	owner, ok := r.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("certificate %d: %w", id, errs.ErrNotFound)
	}
	return owner, nil
}

func (r *Registry) BalanceOf(owner common.Address) uint64 {
	return r.balances[owner]
}

func (r *Registry) GetApproved(id uint64) (common.Address, error) {
	if _, err := r.OwnerOf(id); err != nil {
		return common.Address{}, err
	}
	return r.approved[id], nil
}

func (r *Registry) IsApprovedForAll(owner, operator common.Address) bool {
	return r.operators[operatorKey{Owner: owner, Operator: operator}]
}

// IsApprovedOrOwner reports whether spender may act on id.
func (r *Registry) IsApprovedOrOwner(spender common.Address, id uint64) (bool, error) {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return false, err
	}
	return spender == owner || r.approved[id] == spender || r.IsApprovedForAll(owner, spender), nil
}

// Mint creates id owned by to. Only the minter may mint; ids are never reused.
func (r *Registry) Mint(caller, to common.Address, id uint64) error {
	if caller != r.minter {
		return fmt.Errorf("mint certificate %d by %s: %w", id, caller.Hex(), errs.ErrUnauthorized)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("mint certificate %d to zero address: %w", id, errs.ErrInvalidArgument)
	}
	if _, exists := r.owners[id]; exists {
		return fmt.Errorf("certificate %d already minted: %w", id, errs.ErrInvalidArgument)
	}
	r.setOwner(id, to)
	r.addBalance(to, 1)
	return nil
}

// Burn destroys id. Only the minter may burn.
func (r *Registry) Burn(caller common.Address, id uint64) error {
	if caller != r.minter {
		return fmt.Errorf("burn certificate %d by %s: %w", id, caller.Hex(), errs.ErrUnauthorized)
	}
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	r.setApproved(id, common.Address{})
	r.deleteOwner(id)
	r.addBalance(owner, -1)
	return nil
}

// Approve lets approved act on id. Caller must be owner or operator.
func (r *Registry) Approve(caller, approved common.Address, id uint64) error {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	if caller != owner && !r.IsApprovedForAll(owner, caller) {
		return fmt.Errorf("approve certificate %d by %s: %w", id, caller.Hex(), errs.ErrUnauthorized)
	}
	r.setApproved(id, approved)
	return nil
}

// SetApprovalForAll grants or revokes operator over all of caller's certificates.
func (r *Registry) SetApprovalForAll(caller, operator common.Address, approved bool) error {
	if caller == operator {
		return fmt.Errorf("operator %s approving itself: %w", caller.Hex(), errs.ErrInvalidArgument)
	}
	key := operatorKey{Owner: caller, Operator: operator}
	prev, had := r.operators[key]
	r.Append(func() {
		if had {
			r.operators[key] = prev
		} else {
			delete(r.operators, key)
		}
	})
	r.operators[key] = approved
	return nil
}

// TransferFrom moves id from from to to. Caller must be owner, approved or operator.
func (r *Registry) TransferFrom(caller, from, to common.Address, id uint64) error {
	owner, err := r.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("certificate %d not owned by %s: %w", id, from.Hex(), errs.ErrUnauthorized)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer certificate %d to zero address: %w", id, errs.ErrInvalidArgument)
	}
	ok, _ := r.IsApprovedOrOwner(caller, id)
	if !ok {
		return fmt.Errorf("transfer certificate %d by %s: %w", id, caller.Hex(), errs.ErrUnauthorized)
	}
	r.setApproved(id, common.Address{})
	r.setOwner(id, to)
	r.addBalance(from, -1)
	r.addBalance(to, 1)
	return nil
}

func (r *Registry) setOwner(id uint64, owner common.Address) {
	prev, had := r.owners[id]
	r.Append(func() {
		if had {
			r.owners[id] = prev
		} else {
			delete(r.owners, id)
		}
	})
	r.owners[id] = owner
}

func (r *Registry) deleteOwner(id uint64) {
	prev := r.owners[id]
	r.Append(func() { r.owners[id] = prev })
	delete(r.owners, id)
}

func (r *Registry) setApproved(id uint64, approved common.Address) {
	prev, had := r.approved[id]
	r.Append(func() {
		if had {
			r.approved[id] = prev
		} else {
			delete(r.approved, id)
		}
	})
	if approved == (common.Address{}) {
		delete(r.approved, id)
		return
	}
	r.approved[id] = approved
}

func (r *Registry) addBalance(owner common.Address, delta int) {
	prev := r.balances[owner]
	r.Append(func() {
		if prev == 0 {
			delete(r.balances, owner)
		} else {
			r.balances[owner] = prev
		}
	})
	next := uint64(int64(prev) + int64(delta))
	if next == 0 {
		delete(r.balances, owner)
		return
	}
	r.balances[owner] = next
}
