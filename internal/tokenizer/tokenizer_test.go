package tokenizer_test

import (
	"math/rand"
	"testing"

	"StakeLedger/internal/certificate"
	"StakeLedger/internal/custody"
	"StakeLedger/internal/engine"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/fee"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/tokenizer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	self  = common.HexToAddress("0x0000000000000000000000000000000000005e1f")
	vault = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	owner = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

const (
	asset        = custody.Asset("HEX")
	aliceBalance = 1_000_000
)

type fixture struct {
	tok  *tokenizer.Tokenizer
	bank *custody.Bank
	eng  *engine.Memory
	reg  *certificate.Registry
	fees *fee.Ledger
}

func percent(p uint64) *uint256.Int {
	v := fpmath.Scale()
	return v.Mul(v, uint256.NewInt(p)).Div(v, uint256.NewInt(100))
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// newFixture wires a tokenizer over an in-memory engine paying dailyYield
// (over fpmath.Scale()) per day. Alice starts with aliceBalance.
func newFixture(t *testing.T, dailyYield *uint256.Int) *fixture {
	t.Helper()
	bank := custody.NewBank()
	reg := certificate.NewRegistry(self)
	fees := fee.NewLedger(owner, self, bank)
	eng := engine.NewMemory(bank, asset, vault, dailyYield)

	tok, err := tokenizer.New(tokenizer.Config{
		Self:     self,
		Asset:    asset,
		Engine:   eng,
		Custody:  bank,
		Registry: reg,
		Fees:     fees,
	})
	require.NoError(t, err)
	require.NoError(t, bank.Mint(asset, alice, u(aliceBalance)))
	bank.Commit()
	return &fixture{tok: tok, bank: bank, eng: eng, reg: reg, fees: fees}
}

func (f *fixture) balance(account common.Address) uint64 {
	return f.bank.BalanceOf(asset, account).Uint64()
}

func (f *fixture) deposit(t *testing.T, amount, duration uint64) uint64 {
	t.Helper()
	id, err := f.tok.DepositAndOpen(alice, alice, u(amount), duration, f.fees.Rate())
	require.NoError(t, err)
	return id
}

// requireConsistent checks that slots are a permutation of [0, openCount),
// the map is a bijection over them, and every slot's engine stake id matches
// the bound stake id of the certificate mapped there.
func requireConsistent(t *testing.T, f *fixture, live map[uint64]bool) {
	t.Helper()
	n := f.tok.OpenCount()
	require.Equal(t, uint64(len(live)), n)
	require.Equal(t, n, f.eng.PositionCount(self))

	seen := make(map[uint64]bool)
	for slot := uint64(0); slot < n; slot++ {
		id, err := f.tok.CertificateAt(slot)
		require.NoError(t, err, "slot %d", slot)
		require.True(t, live[id], "slot %d holds dead certificate %d", slot, id)
		require.False(t, seen[id], "certificate %d at two slots", id)
		seen[id] = true

		back, err := f.tok.SlotOf(id)
		require.NoError(t, err)
		require.Equal(t, slot, back)

		bound, err := f.tok.StakeIdentityOf(id)
		require.NoError(t, err)
		pos, err := f.eng.PositionInfoAt(self, slot)
		require.NoError(t, err)
		require.Equal(t, bound, pos.StakeID, "slot %d", slot)
	}
	_, err := f.tok.CertificateAt(n)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// ============================================================================
// Deposits
// ============================================================================

func TestDepositAndOpen_FivePercent(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	id, err := f.tok.DepositAndOpen(alice, alice, u(1000), 30, percent(5))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	pos, err := f.eng.PositionInfoAt(self, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(950), pos.Principal.Uint64())
	require.Equal(t, uint64(50), f.fees.Accrued(asset).Uint64())
	require.Equal(t, uint64(50), f.balance(self))
	require.Equal(t, uint64(aliceBalance-1000), f.balance(alice))

	holder, err := f.tok.OwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, alice, holder)

	bound, err := f.tok.StakeIdentityOf(id)
	require.NoError(t, err)
	require.Equal(t, pos.StakeID, bound)
}

func TestDepositAndOpen_FeeTooHigh(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	_, err := f.tok.DepositAndOpen(alice, alice, u(1000), 30, percent(4))
	require.ErrorIs(t, err, errs.ErrFeeTooHigh)
	require.Equal(t, uint64(aliceBalance), f.balance(alice))
	require.Equal(t, uint64(1), f.tok.NextCertificateID())
	require.Zero(t, f.tok.OpenCount())
}

func TestDepositAndOpen_InsufficientBalance(t *testing.T) {
	f := newFixture(t, new(uint256.Int))

	_, err := f.tok.DepositAndOpen(bob, bob, u(1), 30, new(uint256.Int))
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	require.Zero(t, f.tok.OpenCount())
}

func TestDepositAndOpen_RecipientOwnsCertificate(t *testing.T) {
	f := newFixture(t, new(uint256.Int))

	id, err := f.tok.DepositAndOpen(alice, bob, u(10), 1, new(uint256.Int))
	require.NoError(t, err)
	holder, _ := f.tok.OwnerOf(id)
	require.Equal(t, bob, holder)
}

func TestDepositAndOpenMany_RefundsExcess(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	ids, err := f.tok.DepositAndOpenMany(alice, alice,
		[]*uint256.Int{u(950), u(1900)}, []uint64{10, 20}, percent(5), u(3100))
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, ids)

	// 950 and 1900 cost 1000 and 2000 gross at 5%
	require.Equal(t, uint64(aliceBalance-3000), f.balance(alice))
	require.Equal(t, uint64(150), f.fees.Accrued(asset).Uint64())
	require.Equal(t, uint64(150), f.balance(self))

	p0, _ := f.eng.PositionInfoAt(self, 0)
	p1, _ := f.eng.PositionInfoAt(self, 1)
	require.Equal(t, uint64(950), p0.Principal.Uint64())
	require.Equal(t, uint64(1900), p1.Principal.Uint64())
	require.Equal(t, uint64(20), p1.Duration)
}

func TestDepositAndOpenMany_InsufficientUpfront(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	_, err := f.tok.DepositAndOpenMany(alice, alice,
		[]*uint256.Int{u(950), u(1900)}, []uint64{10, 20}, percent(5), u(2999))
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	require.Equal(t, uint64(aliceBalance), f.balance(alice))
	require.True(t, f.fees.Accrued(asset).IsZero())
	require.Zero(t, f.tok.OpenCount())
	require.Zero(t, f.eng.PositionCount(self))
}

func TestDepositAndOpenMany_FeeTooHigh(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	_, err := f.tok.DepositAndOpenMany(alice, alice,
		[]*uint256.Int{u(950), u(1900)}, []uint64{10, 20}, percent(4), u(3000))
	require.ErrorIs(t, err, errs.ErrFeeTooHigh)

	require.Equal(t, uint64(aliceBalance), f.balance(alice))
	require.True(t, f.fees.Accrued(asset).IsZero())
	require.Zero(t, f.tok.OpenCount())
	require.Zero(t, f.eng.PositionCount(self))
	require.Equal(t, uint64(1), f.tok.NextCertificateID())
}

// At a 100% rate no gross amount nets a positive principal.
func TestDepositAndOpenMany_FullRateDividesByZero(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, fpmath.Scale()))

	_, err := f.tok.DepositAndOpenMany(alice, alice,
		[]*uint256.Int{u(100)}, []uint64{10}, fpmath.Scale(), u(1000))
	require.ErrorIs(t, err, errs.ErrDivideByZero)

	require.Equal(t, uint64(aliceBalance), f.balance(alice))
	require.Zero(t, f.balance(self))
	require.True(t, f.fees.Accrued(asset).IsZero())
	require.Zero(t, f.tok.OpenCount())
	require.Zero(t, f.eng.PositionCount(self))
}

func TestDepositAndOpenMany_LengthMismatch(t *testing.T) {
	f := newFixture(t, new(uint256.Int))

	_, err := f.tok.DepositAndOpenMany(alice, alice,
		[]*uint256.Int{u(1), u(2)}, []uint64{10}, new(uint256.Int), u(3))
	require.ErrorIs(t, err, errs.ErrLengthMismatch)
	require.Equal(t, uint64(aliceBalance), f.balance(alice))
}

// ============================================================================
// Redemptions
// ============================================================================

func TestRedeem_ThreeOpensCloseFirst(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	for i := 0; i < 3; i++ {
		f.deposit(t, 100, 0)
	}
	stake3, _ := f.tok.StakeIdentityOf(3)

	amount, err := f.tok.RedeemOne(alice, alice, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), amount.Uint64())

	require.Equal(t, uint64(2), f.tok.OpenCount())
	at0, err := f.tok.CertificateAt(0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), at0)
	slot2, _ := f.tok.SlotOf(2)
	require.Equal(t, uint64(1), slot2, "certificate 2 does not move")

	_, err = f.tok.SlotOf(1)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.tok.OwnerOf(1)
	require.ErrorIs(t, err, errs.ErrNotFound)

	bound, _ := f.tok.StakeIdentityOf(3)
	require.Equal(t, stake3, bound, "relocated certificate keeps its stake")
	requireConsistent(t, f, map[uint64]bool{2: true, 3: true})
}

func TestRedeem_CloseLastNoRelocation(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	for i := 0; i < 3; i++ {
		f.deposit(t, 100, 0)
	}
	_, err := f.tok.RedeemOne(alice, alice, 3)
	require.NoError(t, err)
	requireConsistent(t, f, map[uint64]bool{1: true, 2: true})
}

func TestRedeem_MeasuresYield(t *testing.T) {
	f := newFixture(t, new(uint256.Int).Div(fpmath.Scale(), u(1000)))
	require.NoError(t, f.eng.Fund(u(10_000)))
	id := f.deposit(t, 1000, 30)

	amount, err := f.tok.RedeemOne(alice, carol, id)
	require.NoError(t, err)
	// 1000 * 0.1% * 30 days
	require.Equal(t, uint64(1030), amount.Uint64())
	require.Equal(t, uint64(1030), f.balance(carol))
	require.Zero(t, f.balance(self))
}

func TestRedeem_Unauthorized(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	id := f.deposit(t, 100, 0)

	_, err := f.tok.RedeemOne(bob, bob, id)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, uint64(1), f.tok.OpenCount())

	require.NoError(t, f.tok.SetOperator(alice, bob, true))
	amount, err := f.tok.RedeemOne(bob, bob, id)
	require.NoError(t, err)
	require.Equal(t, uint64(100), amount.Uint64())
	require.Equal(t, uint64(100), f.balance(bob))
}

func TestRedeem_ApprovedSpender(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	id := f.deposit(t, 100, 0)

	require.ErrorIs(t, f.tok.ApproveCertificate(bob, bob, id), errs.ErrUnauthorized)
	require.NoError(t, f.tok.ApproveCertificate(alice, bob, id))
	_, err := f.tok.RedeemOne(bob, bob, id)
	require.NoError(t, err)
}

func TestRedeem_AfterTransfer(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	id := f.deposit(t, 100, 0)

	require.NoError(t, f.tok.TransferCertificate(alice, alice, bob, id))
	_, err := f.tok.RedeemOne(alice, alice, id)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = f.tok.RedeemOne(bob, bob, id)
	require.NoError(t, err)
	require.Equal(t, uint64(100), f.balance(bob))
}

func TestRedeemMany_SinglePayout(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	for i := 0; i < 4; i++ {
		f.deposit(t, 100*uint64(i+1), 0)
	}
	f.bank.DrainEntries()

	total, err := f.tok.RedeemMany(alice, carol, []uint64{1, 4, 2})
	require.NoError(t, err)
	require.Equal(t, uint64(100+400+200), total.Uint64())
	require.Equal(t, uint64(700), f.balance(carol))

	payouts := 0
	for _, e := range f.bank.DrainEntries() {
		if e.To == carol {
			payouts++
		}
	}
	require.Equal(t, 1, payouts)
	requireConsistent(t, f, map[uint64]bool{3: true})
}

func TestRedeemMany_DuplicateRollsBack(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	f.deposit(t, 100, 0)
	f.deposit(t, 100, 0)

	_, err := f.tok.RedeemMany(alice, alice, []uint64{1, 1})
	require.ErrorIs(t, err, errs.ErrNotFound)
	requireConsistent(t, f, map[uint64]bool{1: true, 2: true})
	require.Equal(t, uint64(aliceBalance-200), f.balance(alice))
}

func TestRedeem_EngineFailureRollsBack(t *testing.T) {
	// yield accrues but the vault is never funded for it
	f := newFixture(t, new(uint256.Int).Div(fpmath.Scale(), u(1000)))
	f.deposit(t, 1000, 0)
	f.deposit(t, 1000, 30)

	_, err := f.tok.RedeemMany(alice, alice, []uint64{1, 2})
	require.ErrorIs(t, err, errs.ErrExternalEngine)
	require.ErrorIs(t, err, engine.ErrReserveExhausted)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	requireConsistent(t, f, map[uint64]bool{1: true, 2: true})
	require.Equal(t, uint64(aliceBalance-2000), f.balance(alice))
	require.Equal(t, uint64(2000), f.balance(vault))
	holder, err := f.tok.OwnerOf(1)
	require.NoError(t, err)
	require.Equal(t, alice, holder)
}

// ============================================================================
// Manual redemption
// ============================================================================

func TestManualRedeem_StaleSlot(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	for i := 0; i < 3; i++ {
		f.deposit(t, 100, 0)
	}
	// certificate 3 moves from slot 2 into slot 0
	_, err := f.tok.RedeemOne(alice, alice, 1)
	require.NoError(t, err)

	_, err = f.tok.ManualRedeem(alice, alice, 3, 2)
	require.ErrorIs(t, err, errs.ErrNotFound, "slot 2 no longer exists")

	_, err = f.tok.ManualRedeem(alice, alice, 2, 0)
	require.ErrorIs(t, err, errs.ErrStakeIdentityMismatch)
	requireConsistent(t, f, map[uint64]bool{2: true, 3: true})

	amount, err := f.tok.ManualRedeem(alice, alice, 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), amount.Uint64())
	requireConsistent(t, f, map[uint64]bool{2: true})
}

func TestManualRedeem_Unauthorized(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	f.deposit(t, 100, 0)

	_, err := f.tok.ManualRedeem(bob, bob, 1, 0)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

// ============================================================================
// Extension
// ============================================================================

func TestExtendStake_ZeroAdditional(t *testing.T) {
	f := newFixture(t, new(uint256.Int).Div(fpmath.Scale(), u(1000)))
	require.NoError(t, f.eng.Fund(u(10_000)))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))

	id := f.deposit(t, 100_000, 30)
	oldStake, _ := f.tok.StakeIdentityOf(id)

	slot, err := f.tok.ExtendStake(alice, id, 60, percent(5), new(uint256.Int))
	require.NoError(t, err)
	require.Equal(t, uint64(0), slot)

	// principal 95000 earns 95 a day for 30 days
	redeemed := uint64(95_000 + 95*30)
	expected := redeemed - redeemed*5/100

	pos, err := f.eng.PositionInfoAt(self, slot)
	require.NoError(t, err)
	require.Equal(t, expected, pos.Principal.Uint64())
	require.Equal(t, uint64(60), pos.Duration)

	newStake, _ := f.tok.StakeIdentityOf(id)
	require.NotEqual(t, oldStake, newStake)
	require.Equal(t, pos.StakeID, newStake)

	holder, _ := f.tok.OwnerOf(id)
	require.Equal(t, alice, holder, "certificate survives extension")
	require.Equal(t, uint64(1), f.tok.OpenCount())
	require.Equal(t, uint64(2), f.tok.NextCertificateID())
	require.Equal(t, uint64(5000+redeemed-expected), f.fees.Accrued(asset).Uint64())
}

func TestExtendStake_AdditionalDeposit(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	f.deposit(t, 100, 0)
	id := f.deposit(t, 1000, 0)

	slot, err := f.tok.ExtendStake(alice, id, 7, new(uint256.Int), u(500))
	require.NoError(t, err)
	require.Equal(t, uint64(1), slot)

	pos, _ := f.eng.PositionInfoAt(self, slot)
	require.Equal(t, uint64(1500), pos.Principal.Uint64())
	require.Equal(t, uint64(aliceBalance-1600), f.balance(alice))
	requireConsistent(t, f, map[uint64]bool{1: true, 2: true})
}

func TestExtendStake_MovesToEnd(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	for i := 0; i < 3; i++ {
		f.deposit(t, 100, 0)
	}

	slot, err := f.tok.ExtendStake(alice, 1, 7, new(uint256.Int), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), slot)

	at0, _ := f.tok.CertificateAt(0)
	require.Equal(t, uint64(3), at0)
	requireConsistent(t, f, map[uint64]bool{1: true, 2: true, 3: true})
}

func TestExtendStake_FeeTooHighLeavesPositionOpen(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))
	id := f.deposit(t, 1000, 30)
	require.NoError(t, f.tok.SetFeeRate(owner, percent(10)))

	stake, _ := f.tok.StakeIdentityOf(id)
	before, err := f.eng.PositionInfoAt(self, 0)
	require.NoError(t, err)

	_, err = f.tok.ExtendStake(alice, id, 60, percent(5), u(100))
	require.ErrorIs(t, err, errs.ErrFeeTooHigh)

	require.Equal(t, uint64(1), f.tok.OpenCount())
	after, err := f.eng.PositionInfoAt(self, 0)
	require.NoError(t, err)
	require.Equal(t, before, after)
	bound, _ := f.tok.StakeIdentityOf(id)
	require.Equal(t, stake, bound)
	require.Equal(t, uint64(aliceBalance-1000), f.balance(alice))
	require.Equal(t, uint64(50), f.balance(self))
	require.Equal(t, uint64(50), f.fees.Accrued(asset).Uint64())
	requireConsistent(t, f, map[uint64]bool{id: true})
}

func TestExtendStake_Unauthorized(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	id := f.deposit(t, 100, 0)

	_, err := f.tok.ExtendStake(bob, id, 7, new(uint256.Int), nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	requireConsistent(t, f, map[uint64]bool{1: true})
}

// ============================================================================
// Tokenizer account as counterparty
// ============================================================================

// The tokenizer's custody balance is exactly its accrued fees, so it may
// never deposit or receive a payout.
func TestTokenizerAccount_RejectedAsCounterparty(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))
	id := f.deposit(t, 1000, 30)

	calls := map[string]func() error{
		"redeem": func() error {
			_, err := f.tok.RedeemOne(alice, self, id)
			return err
		},
		"redeem many": func() error {
			_, err := f.tok.RedeemMany(alice, self, []uint64{id})
			return err
		},
		"manual redeem": func() error {
			_, err := f.tok.ManualRedeem(alice, self, id, 0)
			return err
		},
		"deposit": func() error {
			_, err := f.tok.DepositAndOpen(self, alice, u(10), 1, percent(5))
			return err
		},
		"deposit many": func() error {
			_, err := f.tok.DepositAndOpenMany(self, alice, []*uint256.Int{u(10)}, []uint64{1}, percent(5), u(20))
			return err
		},
		"extend": func() error {
			_, err := f.tok.ExtendStake(self, id, 60, percent(5), u(10))
			return err
		},
		"withdraw fees": func() error {
			return f.tok.WithdrawFees(owner, self, u(10))
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, call(), errs.ErrInvalidArgument)
			require.Equal(t, uint64(50), f.balance(self))
			require.Equal(t, uint64(50), f.fees.Accrued(asset).Uint64())
			requireConsistent(t, f, map[uint64]bool{id: true})
		})
	}

	holder, err := f.tok.OwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, alice, holder)
}

// ============================================================================
// Fees
// ============================================================================

func TestWithdrawFees(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(5)))
	f.deposit(t, 1000, 0)

	err := f.tok.WithdrawFees(owner, carol, u(60))
	require.ErrorIs(t, err, errs.ErrInsufficientAccruedFee)
	require.Equal(t, uint64(50), f.fees.Accrued(asset).Uint64())

	require.ErrorIs(t, f.tok.WithdrawFees(alice, alice, u(1)), errs.ErrUnauthorized)

	require.NoError(t, f.tok.WithdrawFees(owner, carol, u(50)))
	require.Equal(t, uint64(50), f.balance(carol))
	require.Zero(t, f.balance(self))
	require.True(t, f.fees.Accrued(asset).IsZero())
}

func TestTransferFeeOwnership(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.TransferFeeOwnership(owner, carol))
	require.ErrorIs(t, f.tok.SetFeeRate(owner, percent(1)), errs.ErrUnauthorized)
	require.NoError(t, f.tok.SetFeeRate(carol, percent(1)))
}

// ============================================================================
// Properties
// ============================================================================

// Random deposits and redemptions keep the map a bijection onto
// [0, openCount) and conserve funds: with no yield, the tokenizer's custody
// balance is exactly its accrued fees.
func TestRandomOpenClose_Invariants(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	require.NoError(t, f.tok.SetFeeRate(owner, percent(3)))
	rng := rand.New(rand.NewSource(42))
	live := make(map[uint64]bool)

	for step := 0; step < 300; step++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			id := f.deposit(t, uint64(rng.Intn(1000)+1), 0)
			live[id] = true
		} else {
			ids := make([]uint64, 0, len(live))
			for id := range live {
				ids = append(ids, id)
			}
			victim := ids[rng.Intn(len(ids))]
			_, err := f.tok.RedeemOne(alice, alice, victim)
			require.NoError(t, err)
			delete(live, victim)
		}

		requireConsistent(t, f, live)
		require.True(t, f.bank.BalanceOf(asset, self).Eq(f.fees.Accrued(asset)), "step %d", step)
		require.Equal(t, uint64(aliceBalance), f.bank.Supply(asset).Uint64())
	}
}

func TestDigest_ChangesWithState(t *testing.T) {
	f := newFixture(t, new(uint256.Int))
	empty := f.tok.Digest()

	id := f.deposit(t, 100, 0)
	opened := f.tok.Digest()
	require.NotEqual(t, empty, opened)
	require.Equal(t, opened, f.tok.Digest(), "digest is deterministic")

	require.NoError(t, f.tok.TransferCertificate(alice, alice, bob, id))
	require.NotEqual(t, opened, f.tok.Digest(), "owner is part of the digest")
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	_, err := tokenizer.New(tokenizer.Config{Self: self})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}
