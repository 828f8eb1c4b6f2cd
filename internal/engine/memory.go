package engine

import (
	"fmt"

	"StakeLedger/internal/custody"
	"StakeLedger/internal/journal"
	fpmath "StakeLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Memory is an in-memory Engine backed by a custody bank. Principals are held
// in the vault account; yield is paid from the same vault, which must be
// funded beforehand. Not goroutine-safe.
type Memory struct {
	journal.Journal

	bank  *custody.Bank
	asset custody.Asset
	vault common.Address

	// yield per day per unit of principal, over fpmath.Scale()
	dailyYield *uint256.Int

	positions   map[common.Address][]Position
	nextStakeID uint64
}

var _ Engine = (*Memory)(nil)

func NewMemory(bank *custody.Bank, asset custody.Asset, vault common.Address, dailyYield *uint256.Int) *Memory {
	return &Memory{
		bank:        bank,
		asset:       asset,
		vault:       vault,
		dailyYield:  dailyYield.Clone(),
		positions:   make(map[common.Address][]Position),
		nextStakeID: 1,
	}
}

// Fund mints amount into the vault to back future yield payouts.
func (m *Memory) Fund(amount *uint256.Int) error {
	return m.bank.Mint(m.asset, m.vault, amount)
}

// Yield is what a position of principal over duration days pays on top of
// its principal.
func (m *Memory) Yield(principal *uint256.Int, duration uint64) (*uint256.Int, error) {
	perDay, err := fpmath.MulDiv(principal, m.dailyYield, fpmath.Scale(), fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	total, overflow := new(uint256.Int).MulOverflow(perDay, uint256.NewInt(duration))
	if overflow {
		return nil, fmt.Errorf("yield on %s over %d days overflows", principal.Dec(), duration)
	}
	return total, nil
}

func (m *Memory) OpenPosition(account common.Address, principal *uint256.Int, duration uint64) error {
	if principal.IsZero() {
		return ErrZeroPrincipal
	}
	if err := m.bank.Transfer(m.asset, account, m.vault, principal); err != nil {
		return fmt.Errorf("pull principal from %s: %w", account.Hex(), err)
	}
	id := m.nextStakeID
	m.Append(func() { m.nextStakeID = id })
	m.nextStakeID++

	list := m.positions[account]
	m.setPositions(account, append(list[:len(list):len(list)], Position{
		StakeID:   id,
		Principal: principal.Clone(),
		Duration:  duration,
	}))
	return nil
}

func (m *Memory) ClosePosition(account common.Address, slot, stakeID uint64) error {
	pos, err := m.PositionInfoAt(account, slot)
	if err != nil {
		return err
	}
	if pos.StakeID != stakeID {
		return fmt.Errorf("slot %d holds stake %d, not %d: %w", slot, pos.StakeID, stakeID, ErrStakeIDMismatch)
	}
	yield, err := m.Yield(pos.Principal, pos.Duration)
	if err != nil {
		return err
	}
	payout, overflow := new(uint256.Int).AddOverflow(pos.Principal, yield)
	if overflow {
		return fmt.Errorf("payout of stake %d overflows", stakeID)
	}
	if err := m.bank.Transfer(m.asset, m.vault, account, payout); err != nil {
		return fmt.Errorf("pay out stake %d: %w: %w", stakeID, ErrReserveExhausted, err)
	}

	list := m.positions[account]
	last := len(list) - 1
	next := make([]Position, last)
	copy(next, list[:last])
	if int(slot) != last {
		next[slot] = list[last]
	}
	m.setPositions(account, next)
	return nil
}

func (m *Memory) PositionInfoAt(account common.Address, slot uint64) (Position, error) {
	list := m.positions[account]
	if slot >= uint64(len(list)) {
		return Position{}, fmt.Errorf("slot %d of %s (count %d): %w", slot, account.Hex(), len(list), ErrSlotOutOfRange)
	}
	pos := list[slot]
	pos.Principal = pos.Principal.Clone()
	return pos, nil
}

func (m *Memory) PositionCount(account common.Address) uint64 {
	return uint64(len(m.positions[account]))
}

// setPositions replaces the account's array; callers never mutate the
// previous slice in place, so the undo can restore it by reference.
func (m *Memory) setPositions(account common.Address, list []Position) {
	prev, had := m.positions[account]
	m.Append(func() {
		if had {
			m.positions[account] = prev
		} else {
			delete(m.positions, account)
		}
	})
	if len(list) == 0 {
		delete(m.positions, account)
		return
	}
	m.positions[account] = list
}
