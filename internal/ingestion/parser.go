package ingestion

import (
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ParseCommand converts a JSON command body into a typed event.Command. The
// same wire format is used on NATS, on the HTTP gateway and in the event log,
// so replay goes through this function too.
func ParseCommand(ct event.CommandType, data []byte) (event.Command, error) {
	switch ct {
	case event.CommandTypeDeposit:
		return parseDeposit(data)
	case event.CommandTypeDepositBatch:
		return parseDepositBatch(data)
	case event.CommandTypeRedeem:
		return parseRedeem(data)
	case event.CommandTypeRedeemBatch:
		return parseRedeemBatch(data)
	case event.CommandTypeManualRedeem:
		return parseManualRedeem(data)
	case event.CommandTypeExtend:
		return parseExtend(data)
	case event.CommandTypeTransferCertificate:
		return parseTransferCertificate(data)
	case event.CommandTypeApproveCertificate:
		return parseApproveCertificate(data)
	case event.CommandTypeSetOperator:
		return parseSetOperator(data)
	case event.CommandTypeSetFeeRate:
		return parseSetFeeRate(data)
	case event.CommandTypeWithdrawFees:
		return parseWithdrawFees(data)
	case event.CommandTypeTransferFeeOwnership:
		return parseTransferFeeOwnership(data)
	default:
		return nil, fmt.Errorf("unknown command type %d: %w", ct, errs.ErrInvalidArgument)
	}
}

// --- JSON wire formats ---
// Field names use snake_case. Amounts are decimal strings, accounts are
// 0x-prefixed hex.

type metaJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j metaJSON) parse() (event.Meta, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return event.Meta{}, fmt.Errorf("parse command_id: %w", errs.ErrInvalidArgument)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return event.Meta{}, err
	}
	return event.Meta{CommandID: id, From: caller, Timestamp: time.UnixMicro(j.TimestampUs).UTC()}, nil
}

func metaToJSON(m event.Meta) metaJSON {
	return metaJSON{
		CommandID:   m.CommandID.String(),
		Caller:      m.From.Hex(),
		TimestampUs: m.Timestamp.UnixMicro(),
	}
}

type depositJSON struct {
	metaJSON
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	DurationDays uint64 `json:"duration_days"`
	MaxFee       string `json:"max_fee"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := unmarshal("Deposit", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	maxFee, err := parseAmount("max_fee", j.MaxFee)
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		Meta:      meta,
		Recipient: recipient,
		Amount:    amount,
		Duration:  j.DurationDays,
		MaxFee:    maxFee,
	}, nil
}

type depositBatchJSON struct {
	metaJSON
	Recipient    string   `json:"recipient"`
	Amounts      []string `json:"amounts"`
	DurationDays []uint64 `json:"duration_days"`
	MaxFee       string   `json:"max_fee"`
	Upfront      string   `json:"upfront"`
}

func parseDepositBatch(data []byte) (*event.DepositBatch, error) {
	var j depositBatchJSON
	if err := unmarshal("DepositBatch", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	amounts := make([]*uint256.Int, len(j.Amounts))
	for i, s := range j.Amounts {
		if amounts[i], err = parseAmount(fmt.Sprintf("amounts[%d]", i), s); err != nil {
			return nil, err
		}
	}
	maxFee, err := parseAmount("max_fee", j.MaxFee)
	if err != nil {
		return nil, err
	}
	upfront, err := parseAmount("upfront", j.Upfront)
	if err != nil {
		return nil, err
	}
	// Length mismatches are left to the tokenizer, which reports them as such.
	return &event.DepositBatch{
		Meta:      meta,
		Recipient: recipient,
		Amounts:   amounts,
		Durations: j.DurationDays,
		MaxFee:    maxFee,
		Upfront:   upfront,
	}, nil
}

type redeemJSON struct {
	metaJSON
	Recipient     string `json:"recipient"`
	CertificateID uint64 `json:"certificate_id"`
}

func parseRedeem(data []byte) (*event.Redeem, error) {
	var j redeemJSON
	if err := unmarshal("Redeem", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	return &event.Redeem{Meta: meta, Recipient: recipient, CertificateID: j.CertificateID}, nil
}

type redeemBatchJSON struct {
	metaJSON
	Recipient      string   `json:"recipient"`
	CertificateIDs []uint64 `json:"certificate_ids"`
}

func parseRedeemBatch(data []byte) (*event.RedeemBatch, error) {
	var j redeemBatchJSON
	if err := unmarshal("RedeemBatch", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	return &event.RedeemBatch{Meta: meta, Recipient: recipient, CertificateIDs: j.CertificateIDs}, nil
}

type manualRedeemJSON struct {
	metaJSON
	Recipient     string `json:"recipient"`
	CertificateID uint64 `json:"certificate_id"`
	Slot          uint64 `json:"slot"`
}

func parseManualRedeem(data []byte) (*event.ManualRedeem, error) {
	var j manualRedeemJSON
	if err := unmarshal("ManualRedeem", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	return &event.ManualRedeem{Meta: meta, Recipient: recipient, CertificateID: j.CertificateID, Slot: j.Slot}, nil
}

type extendJSON struct {
	metaJSON
	CertificateID uint64 `json:"certificate_id"`
	DurationDays  uint64 `json:"duration_days"`
	MaxFee        string `json:"max_fee"`
	Additional    string `json:"additional,omitempty"`
}

func parseExtend(data []byte) (*event.Extend, error) {
	var j extendJSON
	if err := unmarshal("Extend", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	maxFee, err := parseAmount("max_fee", j.MaxFee)
	if err != nil {
		return nil, err
	}
	additional := new(uint256.Int)
	if j.Additional != "" {
		if additional, err = parseAmount("additional", j.Additional); err != nil {
			return nil, err
		}
	}
	return &event.Extend{
		Meta:          meta,
		CertificateID: j.CertificateID,
		Duration:      j.DurationDays,
		MaxFee:        maxFee,
		Additional:    additional,
	}, nil
}

type transferCertificateJSON struct {
	metaJSON
	CertificateID uint64 `json:"certificate_id"`
	Owner         string `json:"owner"`
	To            string `json:"to"`
}

func parseTransferCertificate(data []byte) (*event.TransferCertificate, error) {
	var j transferCertificateJSON
	if err := unmarshal("TransferCertificate", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	owner, err := parseAddressOr("owner", j.Owner, meta.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("to", j.To)
	if err != nil {
		return nil, err
	}
	return &event.TransferCertificate{Meta: meta, CertificateID: j.CertificateID, Owner: owner, To: to}, nil
}

type approveCertificateJSON struct {
	metaJSON
	CertificateID uint64 `json:"certificate_id"`
	Spender       string `json:"spender"`
}

func parseApproveCertificate(data []byte) (*event.ApproveCertificate, error) {
	var j approveCertificateJSON
	if err := unmarshal("ApproveCertificate", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	// an empty spender clears the approval
	spender, err := parseAddressOr("spender", j.Spender, common.Address{})
	if err != nil {
		return nil, err
	}
	return &event.ApproveCertificate{Meta: meta, CertificateID: j.CertificateID, Spender: spender}, nil
}

type setOperatorJSON struct {
	metaJSON
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

func parseSetOperator(data []byte) (*event.SetOperator, error) {
	var j setOperatorJSON
	if err := unmarshal("SetOperator", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	operator, err := parseAddress("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	return &event.SetOperator{Meta: meta, Operator: operator, Approved: j.Approved}, nil
}

type setFeeRateJSON struct {
	metaJSON
	Rate string `json:"rate"`
}

func parseSetFeeRate(data []byte) (*event.SetFeeRate, error) {
	var j setFeeRateJSON
	if err := unmarshal("SetFeeRate", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	rate, err := parseAmount("rate", j.Rate)
	if err != nil {
		return nil, err
	}
	return &event.SetFeeRate{Meta: meta, Rate: rate}, nil
}

type withdrawFeesJSON struct {
	metaJSON
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func parseWithdrawFees(data []byte) (*event.WithdrawFees, error) {
	var j withdrawFeesJSON
	if err := unmarshal("WithdrawFees", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddressOr("recipient", j.Recipient, meta.From)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawFees{Meta: meta, Recipient: recipient, Amount: amount}, nil
}

type transferFeeOwnershipJSON struct {
	metaJSON
	NewOwner string `json:"new_owner"`
}

func parseTransferFeeOwnership(data []byte) (*event.TransferFeeOwnership, error) {
	var j transferFeeOwnershipJSON
	if err := unmarshal("TransferFeeOwnership", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.parse()
	if err != nil {
		return nil, err
	}
	newOwner, err := parseAddress("new_owner", j.NewOwner)
	if err != nil {
		return nil, err
	}
	return &event.TransferFeeOwnership{Meta: meta, NewOwner: newOwner}, nil
}

// EncodeCommand is the inverse of ParseCommand.
func EncodeCommand(cmd event.Command) ([]byte, error) {
	var v interface{}
	switch c := cmd.(type) {
	case *event.Deposit:
		v = depositJSON{
			metaJSON:     metaToJSON(c.Meta),
			Recipient:    c.Recipient.Hex(),
			Amount:       c.Amount.Dec(),
			DurationDays: c.Duration,
			MaxFee:       c.MaxFee.Dec(),
		}
	case *event.DepositBatch:
		amounts := make([]string, len(c.Amounts))
		for i, a := range c.Amounts {
			amounts[i] = a.Dec()
		}
		v = depositBatchJSON{
			metaJSON:     metaToJSON(c.Meta),
			Recipient:    c.Recipient.Hex(),
			Amounts:      amounts,
			DurationDays: c.Durations,
			MaxFee:       c.MaxFee.Dec(),
			Upfront:      c.Upfront.Dec(),
		}
	case *event.Redeem:
		v = redeemJSON{metaJSON: metaToJSON(c.Meta), Recipient: c.Recipient.Hex(), CertificateID: c.CertificateID}
	case *event.RedeemBatch:
		v = redeemBatchJSON{metaJSON: metaToJSON(c.Meta), Recipient: c.Recipient.Hex(), CertificateIDs: c.CertificateIDs}
	case *event.ManualRedeem:
		v = manualRedeemJSON{metaJSON: metaToJSON(c.Meta), Recipient: c.Recipient.Hex(), CertificateID: c.CertificateID, Slot: c.Slot}
	case *event.Extend:
		j := extendJSON{metaJSON: metaToJSON(c.Meta), CertificateID: c.CertificateID, DurationDays: c.Duration, MaxFee: c.MaxFee.Dec()}
		if c.Additional != nil {
			j.Additional = c.Additional.Dec()
		}
		v = j
	case *event.TransferCertificate:
		v = transferCertificateJSON{metaJSON: metaToJSON(c.Meta), CertificateID: c.CertificateID, Owner: c.Owner.Hex(), To: c.To.Hex()}
	case *event.ApproveCertificate:
		v = approveCertificateJSON{metaJSON: metaToJSON(c.Meta), CertificateID: c.CertificateID, Spender: c.Spender.Hex()}
	case *event.SetOperator:
		v = setOperatorJSON{metaJSON: metaToJSON(c.Meta), Operator: c.Operator.Hex(), Approved: c.Approved}
	case *event.SetFeeRate:
		v = setFeeRateJSON{metaJSON: metaToJSON(c.Meta), Rate: c.Rate.Dec()}
	case *event.WithdrawFees:
		v = withdrawFeesJSON{metaJSON: metaToJSON(c.Meta), Recipient: c.Recipient.Hex(), Amount: c.Amount.Dec()}
	case *event.TransferFeeOwnership:
		v = transferFeeOwnershipJSON{metaJSON: metaToJSON(c.Meta), NewOwner: c.NewOwner.Hex()}
	default:
		return nil, fmt.Errorf("encode %T: %w", cmd, errs.ErrInvalidArgument)
	}
	return json.Marshal(v)
}

// --- helpers ---

func unmarshal(name string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %v: %w", name, err, errs.ErrInvalidArgument)
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s %q: not a hex address: %w", field, s, errs.ErrInvalidArgument)
	}
	return common.HexToAddress(s), nil
}

// parseAddressOr returns fallback when s is empty.
func parseAddressOr(field, s string, fallback common.Address) (common.Address, error) {
	if s == "" {
		return fallback, nil
	}
	return parseAddress(field, s)
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: missing: %w", field, errs.ErrInvalidArgument)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %v: %w", field, s, err, errs.ErrInvalidArgument)
	}
	return v, nil
}
