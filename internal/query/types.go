package query

// CertificateResponse is one certificate as projected from the event log.
type CertificateResponse struct {
	ID             uint64 `json:"id"`
	Owner          string `json:"owner,omitempty"`
	Status         string `json:"status"`
	Slot           uint64 `json:"slot"`
	StakeID        uint64 `json:"stake_id"`
	OpenedSequence int64  `json:"opened_sequence"`
	ClosedSequence *int64 `json:"closed_sequence,omitempty"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// CertificatePage is one page of an owner's open certificates. NextCursor is
// set when more certificates follow.
type CertificatePage struct {
	Certificates []CertificateResponse `json:"certificates"`
	NextCursor   *uint64               `json:"next_cursor,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// FeeResponse is the projected fee state of one asset.
type FeeResponse struct {
	Asset        string `json:"asset"`
	Accrued      string `json:"accrued"`
	Withdrawn    string `json:"withdrawn"`
	Rate         string `json:"rate"`
	Owner        string `json:"owner,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TransferHistoryEntry is one custody movement touching an account.
type TransferHistoryEntry struct {
	EntryID   string `json:"entry_id"`
	Sequence  int64  `json:"sequence"`
	EntryType string `json:"entry_type"`
	Asset     string `json:"asset"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"` // unix micros
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	NegativeBalances []NegativeBalance `json:"negative_balances,omitempty"`
}

// NegativeBalance is a projected balance below zero, which custody never
// allows.
type NegativeBalance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}
