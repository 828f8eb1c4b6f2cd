// Package fee tracks the protocol fee rate and the fees accrued per asset.
package fee

import (
	"fmt"

	"StakeLedger/internal/custody"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/journal"
	fpmath "StakeLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payer moves withdrawn fees out of the account that holds them.
type Payer interface {
	Transfer(asset custody.Asset, from, to common.Address, amount *uint256.Int) error
}

type ChangeKind int32

const (
	ChangeAccrued ChangeKind = iota
	ChangeWithdrawn
	ChangeRate
	ChangeOwner
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAccrued:
		return "FeeAccrued"
	case ChangeWithdrawn:
		return "FeeWithdrawn"
	case ChangeRate:
		return "FeeRateChanged"
	case ChangeOwner:
		return "FeeOwnerChanged"
	default:
		return "Unknown"
	}
}

// Change is one committed mutation of the ledger.
type Change struct {
	Kind      ChangeKind
	Asset     custody.Asset
	Amount    *uint256.Int // accrued/withdrawn amount, or the new rate
	Recipient common.Address
}

// Ledger is not goroutine-safe; it is owned by the tokenizer.
type Ledger struct {
	journal.Journal

	owner     common.Address
	custodian common.Address // account whose custody balance backs accrued fees
	payer     Payer
	scale     *uint256.Int
	rate      *uint256.Int
	accrued   map[custody.Asset]*uint256.Int
	changes   []Change
}

// NewLedger creates a ledger with a zero rate.
func NewLedger(owner, custodian common.Address, payer Payer) *Ledger {
	return &Ledger{
		owner:     owner,
		custodian: custodian,
		payer:     payer,
		scale:     fpmath.Scale(),
		rate:      new(uint256.Int),
		accrued:   make(map[custody.Asset]*uint256.Int),
	}
}

func (l *Ledger) Owner() common.Address { return l.owner }

// Rate returns a copy of the current rate numerator over fpmath.Scale().
func (l *Ledger) Rate() *uint256.Int { return l.rate.Clone() }

// Accrued returns a copy of the fees accrued for asset.
func (l *Ledger) Accrued(asset custody.Asset) *uint256.Int {
	if v, ok := l.accrued[asset]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Assets lists every asset with a ledger entry.
func (l *Ledger) Assets() []custody.Asset {
	out := make([]custody.Asset, 0, len(l.accrued))
	for a := range l.accrued {
		out = append(out, a)
	}
	return out
}

// SetRate changes the global rate. Owner only; rate must not exceed the scale.
func (l *Ledger) SetRate(caller common.Address, newRate *uint256.Int) error {
	if caller != l.owner {
		return fmt.Errorf("set fee rate by %s: %w", caller.Hex(), errs.ErrUnauthorized)
	}
	if newRate.Gt(l.scale) {
		return fmt.Errorf("fee rate %s exceeds scale %s: %w", newRate.Dec(), l.scale.Dec(), errs.ErrInvalidRate)
	}
	prev := l.rate
	l.Append(func() { l.rate = prev })
	l.rate = newRate.Clone()
	l.record(Change{Kind: ChangeRate, Amount: newRate.Clone()})
	return nil
}

// TransferOwnership hands the owner role to newOwner. Owner only.
func (l *Ledger) TransferOwnership(caller, newOwner common.Address) error {
	if caller != l.owner {
		return fmt.Errorf("transfer fee ownership by %s: %w", caller.Hex(), errs.ErrUnauthorized)
	}
	prev := l.owner
	l.Append(func() { l.owner = prev })
	l.owner = newOwner
	l.record(Change{Kind: ChangeOwner, Recipient: newOwner})
	return nil
}

// CheckAtMost fails when the current rate is above the caller's maximum.
func (l *Ledger) CheckAtMost(maxRate *uint256.Int) error {
	if l.rate.Gt(maxRate) {
		return fmt.Errorf("current rate %s, caller accepts %s: %w", l.rate.Dec(), maxRate.Dec(), errs.ErrFeeTooHigh)
	}
	return nil
}

// TakeFee credits floor(gross*rate/scale) to asset and returns the remainder.
// A zero rate returns gross untouched and records nothing.
func (l *Ledger) TakeFee(asset custody.Asset, gross *uint256.Int) (*uint256.Int, error) {
	if l.rate.IsZero() {
		return gross.Clone(), nil
	}
	fee, err := fpmath.MulDiv(gross, l.rate, l.scale, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("take fee on %s %s: %w", gross.Dec(), asset, err)
	}
	if err := l.accrue(asset, fee); err != nil {
		return nil, err
	}
	return new(uint256.Int).Sub(gross, fee), nil
}

// AddFeeForTotal returns the gross amount whose fee-adjusted net is net, and
// credits the difference to asset.
func (l *Ledger) AddFeeForTotal(asset custody.Asset, net *uint256.Int) (*uint256.Int, error) {
	denominator := new(uint256.Int).Sub(l.scale, l.rate)
	gross, err := fpmath.MulDiv(net, l.scale, denominator, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("add fee for net %s %s at rate %s: %w", net.Dec(), asset, l.rate.Dec(), err)
	}
	if err := l.accrue(asset, new(uint256.Int).Sub(gross, net)); err != nil {
		return nil, err
	}
	return gross, nil
}

// Withdraw pays amount of accrued asset fees to recipient. Owner only.
func (l *Ledger) Withdraw(caller common.Address, asset custody.Asset, recipient common.Address, amount *uint256.Int) error {
	if caller != l.owner {
		return fmt.Errorf("withdraw %s fees by %s: %w", asset, caller.Hex(), errs.ErrUnauthorized)
	}
	if recipient == l.custodian {
		return fmt.Errorf("withdraw %s fees to custodian %s: %w", asset, recipient.Hex(), errs.ErrInvalidArgument)
	}
	have := l.Accrued(asset)
	if amount.Gt(have) {
		return fmt.Errorf("withdraw %s %s, accrued %s: %w", amount.Dec(), asset, have.Dec(), errs.ErrInsufficientAccruedFee)
	}
	l.setAccrued(asset, new(uint256.Int).Sub(have, amount))
	if err := l.payer.Transfer(asset, l.custodian, recipient, amount); err != nil {
		return fmt.Errorf("pay %s %s fees to %s: %w", amount.Dec(), asset, recipient.Hex(), err)
	}
	l.record(Change{Kind: ChangeWithdrawn, Asset: asset, Amount: amount.Clone(), Recipient: recipient})
	return nil
}

// DrainChanges returns and clears the changes recorded since the last drain.
func (l *Ledger) DrainChanges() []Change {
	out := l.changes
	l.changes = nil
	return out
}

func (l *Ledger) accrue(asset custody.Asset, fee *uint256.Int) error {
	if fee.IsZero() {
		return nil
	}
	total, err := fpmath.Add(l.Accrued(asset), fee)
	if err != nil {
		return fmt.Errorf("accrue %s %s: %w", fee.Dec(), asset, err)
	}
	l.setAccrued(asset, total)
	l.record(Change{Kind: ChangeAccrued, Asset: asset, Amount: fee.Clone()})
	return nil
}

func (l *Ledger) setAccrued(asset custody.Asset, v *uint256.Int) {
	prev, had := l.accrued[asset]
	l.Append(func() {
		if had {
			l.accrued[asset] = prev
		} else {
			delete(l.accrued, asset)
		}
	})
	l.accrued[asset] = v
}

func (l *Ledger) record(c Change) {
	n := len(l.changes)
	l.Append(func() {
		if len(l.changes) > n {
			l.changes = l.changes[:n]
		}
	})
	l.changes = append(l.changes, c)
}
