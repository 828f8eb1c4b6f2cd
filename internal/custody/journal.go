package custody

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EntryType represents the purpose of a journal entry
type EntryType int32

const (
	EntryTypeMint EntryType = iota
	EntryTypeTransfer
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeMint:
		return "mint"
	case EntryTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Entry is a single movement of value between two accounts. Mints have a zero
// From address.
type Entry struct {
	EntryID   uuid.UUID
	Asset     Asset
	From      common.Address
	To        common.Address
	Amount    *uint256.Int // always positive
	EntryType EntryType
}

// Batch groups the entries produced by one committed operation.
type Batch struct {
	BatchID uuid.UUID
	Entries []Entry
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	for _, e := range b.Entries {
		if e.Amount == nil || e.Amount.IsZero() {
			return fmt.Errorf("entry %s has non-positive amount", e.EntryID)
		}
		if e.EntryType == EntryTypeTransfer && e.From == e.To {
			return fmt.Errorf("entry %s has same from and to account", e.EntryID)
		}
		if e.EntryType == EntryTypeMint && e.From != (common.Address{}) {
			return fmt.Errorf("mint entry %s has a source account", e.EntryID)
		}
	}
	return nil
}
