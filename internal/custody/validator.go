package custody

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks custody invariants
type InvariantValidator struct {
	bank *Bank
}

func NewInvariantValidator(bank *Bank) *InvariantValidator {
	return &InvariantValidator{bank: bank}
}

// ValidateConservation verifies the balances of asset sum to its minted supply.
func (v *InvariantValidator) ValidateConservation(asset Asset) error {
	total := new(uint256.Int)
	for key, bal := range v.bank.balances {
		if key.Asset != asset {
			continue
		}
		total.Add(total, bal)
	}

	supply := v.bank.Supply(asset)
	if !total.Eq(supply) {
		return fmt.Errorf("balances of %s sum to %s, supply is %s", asset, total.Dec(), supply.Dec())
	}
	return nil
}
