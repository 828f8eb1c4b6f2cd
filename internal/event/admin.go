package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SetFeeRate changes the global fee rate (numerator over 1e18). Owner only.
type SetFeeRate struct {
	Meta
	Rate *uint256.Int
}

func (s *SetFeeRate) CommandType() CommandType {
	return CommandTypeSetFeeRate
}

type WithdrawFees struct {
	Meta
	Recipient common.Address
	Amount    *uint256.Int
}

func (w *WithdrawFees) CommandType() CommandType {
	return CommandTypeWithdrawFees
}

type TransferFeeOwnership struct {
	Meta
	NewOwner common.Address
}

func (t *TransferFeeOwnership) CommandType() CommandType {
	return CommandTypeTransferFeeOwnership
}
