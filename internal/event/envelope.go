package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeDeposit
	CommandTypeDepositBatch
	CommandTypeRedeem
	CommandTypeRedeemBatch
	CommandTypeManualRedeem
	CommandTypeExtend
	CommandTypeTransferCertificate
	CommandTypeApproveCertificate
	CommandTypeSetOperator
	CommandTypeSetFeeRate
	CommandTypeWithdrawFees
	CommandTypeTransferFeeOwnership
)

// AllCommandTypes lists every routable command type.
var AllCommandTypes = []CommandType{
	CommandTypeDeposit,
	CommandTypeDepositBatch,
	CommandTypeRedeem,
	CommandTypeRedeemBatch,
	CommandTypeManualRedeem,
	CommandTypeExtend,
	CommandTypeTransferCertificate,
	CommandTypeApproveCertificate,
	CommandTypeSetOperator,
	CommandTypeSetFeeRate,
	CommandTypeWithdrawFees,
	CommandTypeTransferFeeOwnership,
}

// Envelope wraps every committed command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType
	Caller      common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command in its wire format, replayed on startup
	Command []byte

	// JSON-encoded receipt
	Payload []byte

	// blake3 chain over the tokenizer digest AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	CommandType() CommandType

	// Caller is the authenticated account issuing the command
	Caller() common.Address

	// SubmittedAt is the upstream timestamp the core records
	SubmittedAt() time.Time
}

// Meta carries the fields every command shares.
type Meta struct {
	CommandID uuid.UUID
	From      common.Address
	Timestamp time.Time
}

func (m Meta) IdempotencyKey() string { return m.CommandID.String() }

func (m Meta) Caller() common.Address { return m.From }

func (m Meta) SubmittedAt() time.Time { return m.Timestamp }

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeDepositBatch:
		return "DepositBatch"
	case CommandTypeRedeem:
		return "Redeem"
	case CommandTypeRedeemBatch:
		return "RedeemBatch"
	case CommandTypeManualRedeem:
		return "ManualRedeem"
	case CommandTypeExtend:
		return "Extend"
	case CommandTypeTransferCertificate:
		return "TransferCertificate"
	case CommandTypeApproveCertificate:
		return "ApproveCertificate"
	case CommandTypeSetOperator:
		return "SetOperator"
	case CommandTypeSetFeeRate:
		return "SetFeeRate"
	case CommandTypeWithdrawFees:
		return "WithdrawFees"
	case CommandTypeTransferFeeOwnership:
		return "TransferFeeOwnership"
	default:
		return "Unknown"
	}
}

// Subject is the dotted token used in NATS subjects and HTTP logs.
func (ct CommandType) Subject() string {
	switch ct {
	case CommandTypeDeposit:
		return "deposit"
	case CommandTypeDepositBatch:
		return "deposit_batch"
	case CommandTypeRedeem:
		return "redeem"
	case CommandTypeRedeemBatch:
		return "redeem_batch"
	case CommandTypeManualRedeem:
		return "manual_redeem"
	case CommandTypeExtend:
		return "extend"
	case CommandTypeTransferCertificate:
		return "transfer_certificate"
	case CommandTypeApproveCertificate:
		return "approve_certificate"
	case CommandTypeSetOperator:
		return "set_operator"
	case CommandTypeSetFeeRate:
		return "set_fee_rate"
	case CommandTypeWithdrawFees:
		return "withdraw_fees"
	case CommandTypeTransferFeeOwnership:
		return "transfer_fee_ownership"
	default:
		return "unknown"
	}
}

// ParseCommandType is the inverse of Subject.
func ParseCommandType(subject string) (CommandType, bool) {
	for _, ct := range AllCommandTypes {
		if ct.Subject() == subject {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

// CommandTypeFromName is the inverse of String.
func CommandTypeFromName(name string) (CommandType, bool) {
	for _, ct := range AllCommandTypes {
		if ct.String() == name {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}
