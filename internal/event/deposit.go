// internal/event/deposit.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Deposit pulls Amount from the caller, takes the fee and opens one position.
type Deposit struct {
	Meta
	Recipient common.Address
	Amount    *uint256.Int
	Duration  uint64 // days
	MaxFee    *uint256.Int
}

func (d *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

// DepositBatch opens one position per (Amounts[i], Durations[i]). Amounts are
// desired principals; Upfront must cover them plus fees.
type DepositBatch struct {
	Meta
	Recipient common.Address
	Amounts   []*uint256.Int
	Durations []uint64
	MaxFee    *uint256.Int
	Upfront   *uint256.Int
}

func (d *DepositBatch) CommandType() CommandType {
	return CommandTypeDepositBatch
}
