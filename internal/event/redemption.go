package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Redeem struct {
	Meta
	Recipient     common.Address
	CertificateID uint64
}

func (r *Redeem) CommandType() CommandType {
	return CommandTypeRedeem
}

type RedeemBatch struct {
	Meta
	Recipient      common.Address
	CertificateIDs []uint64
}

func (r *RedeemBatch) CommandType() CommandType {
	return CommandTypeRedeemBatch
}

// ManualRedeem bypasses slot resolution; Slot is supplied by the caller.
type ManualRedeem struct {
	Meta
	Recipient     common.Address
	CertificateID uint64
	Slot          uint64
}

func (r *ManualRedeem) CommandType() CommandType {
	return CommandTypeManualRedeem
}

// Extend rolls a certificate's position into a new one of Duration days.
// Additional may be nil.
type Extend struct {
	Meta
	CertificateID uint64
	Duration      uint64
	MaxFee        *uint256.Int
	Additional    *uint256.Int
}

func (e *Extend) CommandType() CommandType {
	return CommandTypeExtend
}
