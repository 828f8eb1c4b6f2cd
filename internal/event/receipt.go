package event

import (
	"github.com/google/uuid"
)

type CertificateStatus string

const (
	CertificateOpen   CertificateStatus = "open"
	CertificateClosed CertificateStatus = "closed"
)

// CertificateChange is the state of one certificate after a command. Every
// certificate whose slot, stake or owner changed is reported, including
// certificates relocated by swap-compaction.
type CertificateChange struct {
	ID      uint64            `json:"id"`
	Status  CertificateStatus `json:"status"`
	Owner   string            `json:"owner,omitempty"`
	Slot    uint64            `json:"slot"`
	StakeID uint64            `json:"stake_id"`
}

// FeeChange mirrors one fee ledger mutation. Amounts are decimal strings.
type FeeChange struct {
	Kind      string `json:"kind"`
	Asset     string `json:"asset,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// TransferRecord mirrors one custody movement.
type TransferRecord struct {
	EntryID uuid.UUID `json:"entry_id"`
	Type    string    `json:"type"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to"`
	Amount  string    `json:"amount"`
}

// Receipt is the result of one committed command. It is the payload of the
// command's envelope and of the published event.
type Receipt struct {
	Sequence       int64               `json:"sequence"`
	CommandID      string              `json:"command_id"`
	CommandType    string              `json:"command_type"`
	Caller         string              `json:"caller"`
	Asset          string              `json:"asset"`
	CertificateIDs []uint64            `json:"certificate_ids,omitempty"`
	Slot           *uint64             `json:"slot,omitempty"`
	Amount         string              `json:"amount,omitempty"`
	OpenCount      uint64              `json:"open_count"`
	Certificates   []CertificateChange `json:"certificates,omitempty"`
	Fees           []FeeChange         `json:"fees,omitempty"`
	Transfers      []TransferRecord    `json:"transfers,omitempty"`
	StateHash      string              `json:"state_hash"`
}
