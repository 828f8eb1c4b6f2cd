// Package tokenizer issues transferable certificates over positions it opens
// in an external staking engine from its own aggregate account, and redeems
// them against that engine.
//
// Every certificate is bound to the stake id the engine assigned when its
// position was opened. Slots are resolved through an index map that mirrors
// the engine's swap-compaction, and the bound stake id is re-checked at the
// resolved slot before any position is closed. Redeemed value is the measured
// change of the tokenizer's custody balance around the close, never a value
// reported by the engine.
//
// Every exported mutation is all-or-nothing: all participants are
// snapshotted on entry and reverted if any step fails.
package tokenizer

import (
	"fmt"

	"StakeLedger/internal/certificate"
	"StakeLedger/internal/custody"
	"StakeLedger/internal/engine"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/fee"
	"StakeLedger/internal/indexmap"
	"StakeLedger/internal/journal"
	fpmath "StakeLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Custody is the custodial asset transfer collaborator.
type Custody interface {
	BalanceOf(asset custody.Asset, account common.Address) *uint256.Int
	Transfer(asset custody.Asset, from, to common.Address, amount *uint256.Int) error
}

// Registry is the ownership certificate registry. The tokenizer's Self
// account must be its minter.
type Registry interface {
	Mint(caller, to common.Address, id uint64) error
	Burn(caller common.Address, id uint64) error
	OwnerOf(id uint64) (common.Address, error)
	IsApprovedOrOwner(spender common.Address, id uint64) (bool, error)
	TransferFrom(caller, from, to common.Address, id uint64) error
	Approve(caller, approved common.Address, id uint64) error
	SetApprovalForAll(caller, operator common.Address, approved bool) error
}

type Config struct {
	// Self is the aggregate account holding custody and engine positions.
	Self     common.Address
	Asset    custody.Asset
	Engine   engine.Engine
	Custody  Custody
	Registry Registry
	Fees     *fee.Ledger
}

// Tokenizer is not goroutine-safe. All of its collaborators' state must be
// mutated only through it.
type Tokenizer struct {
	journal.Journal

	cfg   Config
	index *indexmap.Map

	stakeOf   map[uint64]uint64 // certificate id -> bound stake id
	openCount uint64
	nextID    uint64

	participants []journal.Reverter
}

func New(cfg Config) (*Tokenizer, error) {
	if cfg.Engine == nil || cfg.Custody == nil || cfg.Registry == nil || cfg.Fees == nil {
		return nil, fmt.Errorf("tokenizer config missing collaborator: %w", errs.ErrInvalidArgument)
	}
	if cfg.Self == (common.Address{}) {
		return nil, fmt.Errorf("tokenizer self account is zero: %w", errs.ErrInvalidArgument)
	}
	t := &Tokenizer{
		cfg:     cfg,
		index:   indexmap.New(),
		stakeOf: make(map[uint64]uint64),
		nextID:  1,
	}
	t.participants = []journal.Reverter{t, t.index, cfg.Fees}
	for _, c := range []any{cfg.Engine, cfg.Custody, cfg.Registry} {
		if r, ok := c.(journal.Reverter); ok {
			t.participants = append(t.participants, r)
		}
	}
	return t, nil
}

// Self is the tokenizer's aggregate account.
func (t *Tokenizer) Self() common.Address { return t.cfg.Self }

func (t *Tokenizer) Asset() custody.Asset { return t.cfg.Asset }

func (t *Tokenizer) Fees() *fee.Ledger { return t.cfg.Fees }

func (t *Tokenizer) atomic(fn func() error) error {
	return journal.Atomic(fn, t.participants...)
}

// ---------------------------------------------------------------------------
// Deposits
// ---------------------------------------------------------------------------

// DepositAndOpen pulls amount from caller, takes the fee, opens one position
// with the remainder and mints its certificate to recipient.
func (t *Tokenizer) DepositAndOpen(caller, recipient common.Address, amount *uint256.Int, duration uint64, maxFee *uint256.Int) (uint64, error) {
	var id uint64
	err := t.atomic(func() error {
		if err := t.external("depositor", caller); err != nil {
			return err
		}
		if amount.IsZero() {
			return fmt.Errorf("deposit of zero %s: %w", t.cfg.Asset, errs.ErrInvalidArgument)
		}
		if err := t.cfg.Fees.CheckAtMost(maxFee); err != nil {
			return err
		}
		if err := t.pull(caller, amount); err != nil {
			return err
		}
		principal, err := t.cfg.Fees.TakeFee(t.cfg.Asset, amount)
		if err != nil {
			return err
		}
		id = t.issueID()
		if err := t.open(id, principal, duration); err != nil {
			return err
		}
		return t.cfg.Registry.Mint(t.cfg.Self, recipient, id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DepositAndOpenMany opens one position per (amounts[i], durations[i]) pair.
// Each amount is the desired principal; its gross cost including the fee is
// covered from the single upfront transfer, and the excess is refunded to
// caller.
func (t *Tokenizer) DepositAndOpenMany(caller, recipient common.Address, amounts []*uint256.Int, durations []uint64, maxFee, upfront *uint256.Int) ([]uint64, error) {
	var ids []uint64
	err := t.atomic(func() error {
		if len(amounts) != len(durations) {
			return fmt.Errorf("%d amounts, %d durations: %w", len(amounts), len(durations), errs.ErrLengthMismatch)
		}
		if len(amounts) == 0 {
			return fmt.Errorf("empty deposit batch: %w", errs.ErrInvalidArgument)
		}
		if err := t.external("depositor", caller); err != nil {
			return err
		}
		if err := t.cfg.Fees.CheckAtMost(maxFee); err != nil {
			return err
		}
		if err := t.pull(caller, upfront); err != nil {
			return err
		}

		total := new(uint256.Int)
		for i, amount := range amounts {
			if amount.IsZero() {
				return fmt.Errorf("batch deposit %d is zero: %w", i, errs.ErrInvalidArgument)
			}
			gross, err := t.cfg.Fees.AddFeeForTotal(t.cfg.Asset, amount)
			if err != nil {
				return fmt.Errorf("batch deposit %d: %w", i, err)
			}
			if _, overflow := total.AddOverflow(total, gross); overflow {
				return fmt.Errorf("batch deposit total: %w", errs.ErrOverflow)
			}
		}
		if upfront.Lt(total) {
			return fmt.Errorf("upfront %s %s below required %s: %w",
				upfront.Dec(), t.cfg.Asset, total.Dec(), errs.ErrInsufficientFunds)
		}

		ids = make([]uint64, 0, len(amounts))
		for i, amount := range amounts {
			id := t.issueID()
			if err := t.open(id, amount, durations[i]); err != nil {
				return fmt.Errorf("batch deposit %d: %w", i, err)
			}
			if err := t.cfg.Registry.Mint(t.cfg.Self, recipient, id); err != nil {
				return err
			}
			ids = append(ids, id)
		}

		refund := new(uint256.Int).Sub(upfront, total)
		if refund.IsZero() {
			return nil
		}
		return t.pay(caller, refund)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Redemptions
// ---------------------------------------------------------------------------

// RedeemOne closes the position behind id, burns the certificate and pays
// the measured amount to recipient.
func (t *Tokenizer) RedeemOne(caller, recipient common.Address, id uint64) (*uint256.Int, error) {
	return t.RedeemMany(caller, recipient, []uint64{id})
}

// RedeemMany redeems every id in order and pays the summed measured amount
// to recipient in one transfer.
func (t *Tokenizer) RedeemMany(caller, recipient common.Address, ids []uint64) (*uint256.Int, error) {
	var total *uint256.Int
	err := t.atomic(func() error {
		if len(ids) == 0 {
			return fmt.Errorf("no certificates to redeem: %w", errs.ErrInvalidArgument)
		}
		if err := t.external("recipient", recipient); err != nil {
			return err
		}
		total = new(uint256.Int)
		for _, id := range ids {
			slot, err := t.index.Get(id)
			if err != nil {
				return err
			}
			amount, err := t.closeAt(caller, id, slot)
			if err != nil {
				return err
			}
			if err := t.retire(id); err != nil {
				return err
			}
			if _, overflow := total.AddOverflow(total, amount); overflow {
				return fmt.Errorf("redemption total: %w", errs.ErrOverflow)
			}
		}
		return t.pay(recipient, total)
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// ManualRedeem redeems id at a caller-supplied slot instead of the slot the
// index map resolves. Ownership and stake identity are still enforced.
func (t *Tokenizer) ManualRedeem(caller, recipient common.Address, id, slot uint64) (*uint256.Int, error) {
	var amount *uint256.Int
	err := t.atomic(func() error {
		if err := t.external("recipient", recipient); err != nil {
			return err
		}
		var err error
		if amount, err = t.closeAt(caller, id, slot); err != nil {
			return err
		}
		if err := t.retire(id); err != nil {
			return err
		}
		return t.pay(recipient, amount)
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// ExtendStake closes the position behind id and reopens the measured amount,
// plus an optional additional deposit from caller, for newDuration days. The
// fee is taken on the combined amount. The certificate keeps its id and is
// rebound to the new slot and stake id, which ExtendStake returns.
func (t *Tokenizer) ExtendStake(caller common.Address, id, newDuration uint64, maxFee, additional *uint256.Int) (uint64, error) {
	var slot uint64
	err := t.atomic(func() error {
		if err := t.external("caller", caller); err != nil {
			return err
		}
		if err := t.cfg.Fees.CheckAtMost(maxFee); err != nil {
			return err
		}
		current, err := t.index.Get(id)
		if err != nil {
			return err
		}
		redeemed, err := t.closeAt(caller, id, current)
		if err != nil {
			return err
		}
		gross := redeemed
		if additional != nil && !additional.IsZero() {
			if err := t.pull(caller, additional); err != nil {
				return err
			}
			if gross, err = fpmath.Add(redeemed, additional); err != nil {
				return err
			}
		}
		principal, err := t.cfg.Fees.TakeFee(t.cfg.Asset, gross)
		if err != nil {
			return err
		}
		slot = t.openCount
		return t.open(id, principal, newDuration)
	})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// ---------------------------------------------------------------------------
// Certificate transfers
// ---------------------------------------------------------------------------

func (t *Tokenizer) TransferCertificate(caller, from, to common.Address, id uint64) error {
	return t.atomic(func() error {
		return t.cfg.Registry.TransferFrom(caller, from, to, id)
	})
}

func (t *Tokenizer) ApproveCertificate(caller, approved common.Address, id uint64) error {
	return t.atomic(func() error {
		return t.cfg.Registry.Approve(caller, approved, id)
	})
}

func (t *Tokenizer) SetOperator(caller, operator common.Address, approved bool) error {
	return t.atomic(func() error {
		return t.cfg.Registry.SetApprovalForAll(caller, operator, approved)
	})
}

// ---------------------------------------------------------------------------
// Fee administration
// ---------------------------------------------------------------------------

func (t *Tokenizer) SetFeeRate(caller common.Address, rate *uint256.Int) error {
	return t.atomic(func() error {
		return t.cfg.Fees.SetRate(caller, rate)
	})
}

// WithdrawFees pays accrued fees of the bound asset out of the tokenizer's
// custody account.
func (t *Tokenizer) WithdrawFees(caller, recipient common.Address, amount *uint256.Int) error {
	return t.atomic(func() error {
		return t.cfg.Fees.Withdraw(caller, t.cfg.Asset, recipient, amount)
	})
}

func (t *Tokenizer) TransferFeeOwnership(caller, newOwner common.Address) error {
	return t.atomic(func() error {
		return t.cfg.Fees.TransferOwnership(caller, newOwner)
	})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// open opens a position of principal in the engine at slot openCount and
// binds id to it. id must not be bound to any slot.
func (t *Tokenizer) open(id uint64, principal *uint256.Int, duration uint64) error {
	slot := t.openCount
	if err := t.cfg.Engine.OpenPosition(t.cfg.Self, principal, duration); err != nil {
		return fmt.Errorf("open position for certificate %d: %w: %w", id, errs.ErrExternalEngine, err)
	}
	if n := t.cfg.Engine.PositionCount(t.cfg.Self); n != slot+1 {
		return fmt.Errorf("engine reports %d positions after opening slot %d: %w", n, slot, errs.ErrExternalEngine)
	}
	pos, err := t.cfg.Engine.PositionInfoAt(t.cfg.Self, slot)
	if err != nil {
		return fmt.Errorf("read slot %d after open: %w: %w", slot, errs.ErrExternalEngine, err)
	}
	t.index.Set(id, slot)
	t.bind(id, pos.StakeID)
	t.setOpenCount(slot + 1)
	return nil
}

// closeAt verifies caller's rights and the stake identity at slot, closes the
// position and compacts the index map. It returns the measured payout, which
// stays in the tokenizer's custody account. The certificate is left alive.
func (t *Tokenizer) closeAt(caller common.Address, id, slot uint64) (*uint256.Int, error) {
	ok, err := t.cfg.Registry.IsApprovedOrOwner(caller, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("caller %s on certificate %d: %w", caller.Hex(), id, errs.ErrUnauthorized)
	}
	bound, ok := t.stakeOf[id]
	if !ok {
		return nil, fmt.Errorf("certificate %d has no stake: %w", id, errs.ErrNotFound)
	}
	if slot >= t.openCount {
		return nil, fmt.Errorf("slot %d for certificate %d beyond open count %d: %w",
			slot, id, t.openCount, errs.ErrNotFound)
	}
	pos, err := t.cfg.Engine.PositionInfoAt(t.cfg.Self, slot)
	if err != nil {
		return nil, fmt.Errorf("read slot %d for certificate %d: %w: %w", slot, id, errs.ErrExternalEngine, err)
	}
	if pos.StakeID != bound {
		return nil, fmt.Errorf("certificate %d bound to stake %d, slot %d holds stake %d: %w",
			id, bound, slot, pos.StakeID, errs.ErrStakeIdentityMismatch)
	}

	before := t.cfg.Custody.BalanceOf(t.cfg.Asset, t.cfg.Self)
	if err := t.cfg.Engine.ClosePosition(t.cfg.Self, slot, bound); err != nil {
		return nil, fmt.Errorf("close slot %d for certificate %d: %w: %w", slot, id, errs.ErrExternalEngine, err)
	}
	after := t.cfg.Custody.BalanceOf(t.cfg.Asset, t.cfg.Self)
	if after.Lt(before) {
		return nil, fmt.Errorf("custody balance fell from %s to %s closing certificate %d: %w",
			before.Dec(), after.Dec(), id, errs.ErrExternalEngine)
	}
	last := t.openCount - 1
	if n := t.cfg.Engine.PositionCount(t.cfg.Self); n != last {
		return nil, fmt.Errorf("engine reports %d positions after closing slot %d: %w", n, slot, errs.ErrExternalEngine)
	}

	if _, _, err := t.index.SwapRemove(slot, last); err != nil {
		return nil, err
	}
	t.unbind(id)
	t.setOpenCount(last)
	return new(uint256.Int).Sub(after, before), nil
}

// retire burns a certificate whose position has been closed.
func (t *Tokenizer) retire(id uint64) error {
	return t.cfg.Registry.Burn(t.cfg.Self, id)
}

// external rejects the tokenizer's own account as a depositor or payout
// target. Its balance must equal accrued fees; value moved in or out of it
// by a command would break that.
func (t *Tokenizer) external(role string, account common.Address) error {
	if account == t.cfg.Self {
		return fmt.Errorf("%s %s is the tokenizer account: %w", role, account.Hex(), errs.ErrInvalidArgument)
	}
	return nil
}

func (t *Tokenizer) pull(from common.Address, amount *uint256.Int) error {
	if err := t.external("depositor", from); err != nil {
		return err
	}
	if err := t.cfg.Custody.Transfer(t.cfg.Asset, from, t.cfg.Self, amount); err != nil {
		return fmt.Errorf("deposit %s %s from %s: %w", amount.Dec(), t.cfg.Asset, from.Hex(), err)
	}
	return nil
}

func (t *Tokenizer) pay(to common.Address, amount *uint256.Int) error {
	if err := t.external("recipient", to); err != nil {
		return err
	}
	if err := t.cfg.Custody.Transfer(t.cfg.Asset, t.cfg.Self, to, amount); err != nil {
		return fmt.Errorf("pay %s %s to %s: %w", amount.Dec(), t.cfg.Asset, to.Hex(), err)
	}
	return nil
}

func (t *Tokenizer) issueID() uint64 {
	id := t.nextID
	t.Append(func() { t.nextID = id })
	t.nextID++
	return id
}

func (t *Tokenizer) bind(id, stakeID uint64) {
	prev, had := t.stakeOf[id]
	t.Append(func() {
		if had {
			t.stakeOf[id] = prev
		} else {
			delete(t.stakeOf, id)
		}
	})
	t.stakeOf[id] = stakeID
}

func (t *Tokenizer) unbind(id uint64) {
	prev, had := t.stakeOf[id]
	if !had {
		return
	}
	t.Append(func() { t.stakeOf[id] = prev })
	delete(t.stakeOf, id)
}

func (t *Tokenizer) setOpenCount(n uint64) {
	prev := t.openCount
	t.Append(func() { t.openCount = prev })
	t.openCount = n
}

var _ Registry = (*certificate.Registry)(nil)
var _ Custody = (*custody.Bank)(nil)
