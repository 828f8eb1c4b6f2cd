// Package errs holds the failure taxonomy shared by the tokenizer, its
// collaborators and the service surfaces. Every error returned by an operation
// wraps exactly one of these sentinels; match with errors.Is.
package errs

import (
	"errors"

	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidRate            = errors.New("invalid fee rate")
	ErrFeeTooHigh             = errors.New("fee rate above caller maximum")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrLengthMismatch         = errors.New("length mismatch")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrStakeIdentityMismatch  = errors.New("stake identity mismatch")
	ErrInsufficientAccruedFee = errors.New("insufficient accrued fee")
	ErrDivideByZero           = errors.New("divide by zero")
	ErrExternalEngine         = errors.New("external engine failure")
	ErrOverflow               = errors.New("arithmetic overflow")

	// Service level
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Code returns a stable short name for the sentinel wrapped by err, used in
// API responses and metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	// Engine failures keep the collaborator's own error in the chain; the
	// engine classification wins over whatever that error wraps.
	case errors.Is(err, ErrExternalEngine):
		return "external_engine_failure"
	case errors.Is(err, ErrInvalidRate):
		return "invalid_rate"
	case errors.Is(err, ErrFeeTooHigh):
		return "fee_too_high"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStakeIdentityMismatch):
		return "stake_identity_mismatch"
	case errors.Is(err, ErrInsufficientAccruedFee):
		return "insufficient_accrued_fee"
	case errors.Is(err, ErrDivideByZero):
		return "divide_by_zero"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate_command"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// GRPCCode maps err onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch Code(err) {
	case "ok":
		return codes.OK
	case "not_found":
		return codes.NotFound
	case "unauthorized":
		return codes.PermissionDenied
	case "invalid_rate", "length_mismatch", "invalid_argument":
		return codes.InvalidArgument
	case "fee_too_high", "insufficient_funds", "insufficient_accrued_fee",
		"stake_identity_mismatch", "divide_by_zero", "overflow":
		return codes.FailedPrecondition
	case "duplicate_command":
		return codes.AlreadyExists
	case "external_engine_failure":
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
