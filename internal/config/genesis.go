package config

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/custody"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GenesisConfig is the initial ledger state. Changing it after commands have
// been logged breaks replay, since the hash chain starts from it.
type GenesisConfig struct {
	Asset      string `mapstructure:"asset"`
	Tokenizer  string `mapstructure:"tokenizer"`
	Vault      string `mapstructure:"vault"`
	FeeOwner   string `mapstructure:"fee-owner"`
	FeeRate    string `mapstructure:"fee-rate"`    // over 1e18
	DailyYield string `mapstructure:"daily-yield"` // over 1e18, per day
	Reserve    string `mapstructure:"reserve"`
	// account -> decimal amount
	Balances map[string]string `mapstructure:"balances"`
}

// Build parses the configured values into a core.Genesis.
func (g *GenesisConfig) Build() (core.Genesis, error) {
	if g.Asset == "" {
		return core.Genesis{}, errors.New("genesis.asset is required")
	}
	tokenizer, err := address("genesis.tokenizer", g.Tokenizer)
	if err != nil {
		return core.Genesis{}, err
	}
	vault, err := address("genesis.vault", g.Vault)
	if err != nil {
		return core.Genesis{}, err
	}
	feeOwner, err := address("genesis.fee-owner", g.FeeOwner)
	if err != nil {
		return core.Genesis{}, err
	}
	feeRate, err := amount("genesis.fee-rate", g.FeeRate)
	if err != nil {
		return core.Genesis{}, err
	}
	dailyYield, err := amount("genesis.daily-yield", g.DailyYield)
	if err != nil {
		return core.Genesis{}, err
	}
	reserve, err := amount("genesis.reserve", g.Reserve)
	if err != nil {
		return core.Genesis{}, err
	}

	balances := make(map[common.Address]*uint256.Int, len(g.Balances))
	for acct, v := range g.Balances {
		a, err := address("genesis.balances key", acct)
		if err != nil {
			return core.Genesis{}, err
		}
		amt, err := amount("genesis.balances."+acct, v)
		if err != nil {
			return core.Genesis{}, err
		}
		balances[a] = amt
	}

	return core.Genesis{
		Asset:      custody.Asset(g.Asset),
		Tokenizer:  tokenizer,
		Vault:      vault,
		FeeOwner:   feeOwner,
		FeeRate:    feeRate,
		DailyYield: dailyYield,
		Reserve:    reserve,
		Balances:   balances,
	}, nil
}

func address(key, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", key, s)
	}
	return common.HexToAddress(s), nil
}

func amount(key, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %w", key, s, err)
	}
	return v, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
