// Package engine defines the contract of the external staking engine that
// holds the tokenizer's positions, and an in-memory implementation of it.
package engine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrSlotOutOfRange   = errors.New("slot out of range")
	ErrStakeIDMismatch  = errors.New("stake id does not match slot")
	ErrZeroPrincipal    = errors.New("zero principal")
	ErrReserveExhausted = errors.New("yield reserve exhausted")
)

// Position is one open stake at a slot of an account's position array.
type Position struct {
	StakeID   uint64
	Principal *uint256.Int
	Duration  uint64 // days
}

// Engine is the staking engine as seen from one tokenizer. Every account has a
// dense position array. OpenPosition appends at index PositionCount(account).
// ClosePosition pays the position out into the account's custody balance and
// moves the last position into the freed slot.
type Engine interface {
	OpenPosition(account common.Address, principal *uint256.Int, duration uint64) error
	ClosePosition(account common.Address, slot, stakeID uint64) error
	PositionInfoAt(account common.Address, slot uint64) (Position, error)
	PositionCount(account common.Address) uint64
}
