package core

import (
	"StakeLedger/internal/certificate"
	"StakeLedger/internal/custody"
	"StakeLedger/internal/engine"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"StakeLedger/internal/fee"
	"StakeLedger/internal/tokenizer"
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Genesis is the initial state the ledger is rebuilt from on every start.
// Replaying the event log over the same Genesis reproduces the same hash
// chain, so it must not change once commands have been logged.
type Genesis struct {
	Asset      custody.Asset
	Tokenizer  common.Address // account holding accrued fees
	Vault      common.Address // engine account holding principal and reserve
	FeeOwner   common.Address
	FeeRate    *uint256.Int
	DailyYield *uint256.Int // per day, over fpmath.Scale()
	Reserve    *uint256.Int // pre-funded yield reserve
	Balances   map[common.Address]*uint256.Int
}

// GenesisCommandType names the synthetic sequence-0 receipt.
const GenesisCommandType = "Genesis"

// Ledger is the set of in-memory components behind one tokenizer.
type Ledger struct {
	Bank      *custody.Bank
	Engine    *engine.Memory
	Registry  *certificate.Registry
	Fees      *fee.Ledger
	Tokenizer *tokenizer.Tokenizer

	// GenesisReceipt describes the genesis state as sequence 0, for
	// seeding projections. It is not part of the hash chain.
	GenesisReceipt *event.Receipt
}

// NewLedger builds the components and applies g.
func NewLedger(g Genesis) (*Ledger, error) {
	if g.Tokenizer == g.Vault {
		return nil, fmt.Errorf("genesis: tokenizer and vault share %s: %w", g.Vault.Hex(), errs.ErrInvalidArgument)
	}
	if _, funded := g.Balances[g.Tokenizer]; funded {
		return nil, fmt.Errorf("genesis: tokenizer account %s must start empty: %w", g.Tokenizer.Hex(), errs.ErrInvalidArgument)
	}
	dailyYield := g.DailyYield
	if dailyYield == nil {
		dailyYield = new(uint256.Int)
	}

	bank := custody.NewBank()
	eng := engine.NewMemory(bank, g.Asset, g.Vault, dailyYield)
	reg := certificate.NewRegistry(g.Tokenizer)
	fees := fee.NewLedger(g.FeeOwner, g.Tokenizer, bank)

	tok, err := tokenizer.New(tokenizer.Config{
		Self:     g.Tokenizer,
		Asset:    g.Asset,
		Engine:   eng,
		Custody:  bank,
		Registry: reg,
		Fees:     fees,
	})
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	if g.FeeRate != nil && !g.FeeRate.IsZero() {
		if err := fees.SetRate(g.FeeOwner, g.FeeRate); err != nil {
			return nil, fmt.Errorf("genesis: fee rate: %w", err)
		}
	}
	if g.Reserve != nil && !g.Reserve.IsZero() {
		if err := eng.Fund(g.Reserve); err != nil {
			return nil, fmt.Errorf("genesis: reserve: %w", err)
		}
	}

	accounts := make([]common.Address, 0, len(g.Balances))
	for a := range g.Balances {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return bytes.Compare(accounts[i][:], accounts[j][:]) < 0 })
	for _, a := range accounts {
		amount := g.Balances[a]
		if amount == nil || amount.IsZero() {
			continue
		}
		if err := bank.Mint(g.Asset, a, amount); err != nil {
			return nil, fmt.Errorf("genesis: balance of %s: %w", a.Hex(), err)
		}
	}

	bank.Commit()
	fees.Commit()

	rcpt := &event.Receipt{
		CommandType: GenesisCommandType,
		Caller:      g.FeeOwner.Hex(),
		Asset:       string(g.Asset),
		Fees:        []event.FeeChange{{Kind: fee.ChangeOwner.String(), Recipient: g.FeeOwner.Hex()}},
	}
	for _, c := range fees.DrainChanges() {
		rcpt.Fees = append(rcpt.Fees, feeChange(c))
	}
	for _, e := range bank.DrainEntries() {
		rcpt.Transfers = append(rcpt.Transfers, transferRecord(e))
	}

	return &Ledger{Bank: bank, Engine: eng, Registry: reg, Fees: fees, Tokenizer: tok, GenesisReceipt: rcpt}, nil
}
