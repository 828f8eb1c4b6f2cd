package engine_test

import (
	"testing"

	"StakeLedger/internal/custody"
	"StakeLedger/internal/engine"
	"StakeLedger/internal/errs"
	fpmath "StakeLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	account = common.HexToAddress("0x0000000000000000000000000000000000001000")
	vault   = common.HexToAddress("0x0000000000000000000000000000000000002000")
)

const asset = custody.Asset("HEX")

// onePermille is a daily yield of 0.1%.
func onePermille() *uint256.Int {
	return new(uint256.Int).Div(fpmath.Scale(), uint256.NewInt(1000))
}

func newEngine(t *testing.T, balance uint64) (*engine.Memory, *custody.Bank) {
	t.Helper()
	bank := custody.NewBank()
	require.NoError(t, bank.Mint(asset, account, uint256.NewInt(balance)))
	return engine.NewMemory(bank, asset, vault, onePermille()), bank
}

func TestMemory_OpenAppends(t *testing.T) {
	m, bank := newEngine(t, 1_000)

	require.NoError(t, m.OpenPosition(account, uint256.NewInt(100), 10))
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(200), 20))
	require.Equal(t, uint64(2), m.PositionCount(account))

	p0, err := m.PositionInfoAt(account, 0)
	require.NoError(t, err)
	p1, err := m.PositionInfoAt(account, 1)
	require.NoError(t, err)
	require.NotEqual(t, p0.StakeID, p1.StakeID)
	require.Equal(t, uint64(200), p1.Principal.Uint64())
	require.Equal(t, uint64(700), bank.BalanceOf(asset, account).Uint64())
}

func TestMemory_CloseSwapCompacts(t *testing.T) {
	m, _ := newEngine(t, 1_000)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.OpenPosition(account, uint256.NewInt(100), 0))
	}
	last, _ := m.PositionInfoAt(account, 2)
	first, _ := m.PositionInfoAt(account, 0)

	require.NoError(t, m.ClosePosition(account, 0, first.StakeID))
	require.Equal(t, uint64(2), m.PositionCount(account))

	moved, err := m.PositionInfoAt(account, 0)
	require.NoError(t, err)
	require.Equal(t, last.StakeID, moved.StakeID)

	_, err = m.PositionInfoAt(account, 2)
	require.ErrorIs(t, err, engine.ErrSlotOutOfRange)
}

func TestMemory_ClosePaysYield(t *testing.T) {
	m, bank := newEngine(t, 1_000)
	require.NoError(t, m.Fund(uint256.NewInt(100)))

	require.NoError(t, m.OpenPosition(account, uint256.NewInt(1_000), 30))
	pos, _ := m.PositionInfoAt(account, 0)
	require.NoError(t, m.ClosePosition(account, 0, pos.StakeID))

	// 1000 * 0.1% * 30 days = 30
	require.Equal(t, uint64(1_030), bank.BalanceOf(asset, account).Uint64())
	require.Equal(t, uint64(70), bank.BalanceOf(asset, vault).Uint64())
}

func TestMemory_CloseRejectsWrongStake(t *testing.T) {
	m, _ := newEngine(t, 1_000)
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(100), 0))

	err := m.ClosePosition(account, 0, 999)
	require.ErrorIs(t, err, engine.ErrStakeIDMismatch)
	require.Equal(t, uint64(1), m.PositionCount(account))
}

func TestMemory_CloseWithoutReserve(t *testing.T) {
	m, _ := newEngine(t, 1_000)
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(1_000), 10))
	pos, _ := m.PositionInfoAt(account, 0)

	err := m.ClosePosition(account, 0, pos.StakeID)
	require.ErrorIs(t, err, engine.ErrReserveExhausted)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds, "custody error stays in the chain")
	require.Equal(t, uint64(1), m.PositionCount(account))
}

func TestMemory_OpenWithoutFunds(t *testing.T) {
	m, bank := newEngine(t, 100)

	err := m.OpenPosition(account, uint256.NewInt(101), 10)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
	require.Zero(t, m.PositionCount(account))
	require.Equal(t, uint64(100), bank.BalanceOf(asset, account).Uint64())
}

func TestMemory_ZeroPrincipal(t *testing.T) {
	m, _ := newEngine(t, 1_000)
	require.ErrorIs(t, m.OpenPosition(account, new(uint256.Int), 1), engine.ErrZeroPrincipal)
}

func TestMemory_RevertToSnapshot(t *testing.T) {
	m, _ := newEngine(t, 1_000)
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(100), 0))
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(200), 0))
	m.Commit()
	before0, _ := m.PositionInfoAt(account, 0)

	id := m.Snapshot()
	require.NoError(t, m.ClosePosition(account, 0, before0.StakeID))
	require.NoError(t, m.OpenPosition(account, uint256.NewInt(300), 0))
	m.RevertToSnapshot(id)

	require.Equal(t, uint64(2), m.PositionCount(account))
	after0, err := m.PositionInfoAt(account, 0)
	require.NoError(t, err)
	require.Equal(t, before0.StakeID, after0.StakeID)

	require.NoError(t, m.OpenPosition(account, uint256.NewInt(1), 0))
	p, _ := m.PositionInfoAt(account, 2)
	require.Equal(t, uint64(3), p.StakeID, "stake ids rewind with the snapshot")
}
