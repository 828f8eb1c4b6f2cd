package custody

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a fungible asset held in custody, e.g. "HEX".
type Asset string

// ParseAsset normalizes a symbol. Symbols are upper case, 1-16 characters.
func ParseAsset(s string) (Asset, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 0 || len(s) > 16 {
		return "", fmt.Errorf("invalid asset symbol %q", s)
	}
	return Asset(s), nil
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Asset   Asset
	Account common.Address
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("account:%s:%s", k.Account.Hex(), k.Asset)
}
