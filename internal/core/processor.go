package core

import (
	"StakeLedger/internal/custody"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"StakeLedger/internal/fee"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/tokenizer"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Output is everything downstream workers need about one committed command.
type Output struct {
	Envelope *event.Envelope
	Receipt  *event.Receipt
	Entries  []custody.Entry
}

// Options configures a Processor. Channels and DBChecker may be nil.
type Options struct {
	LRUCapacity    int
	DBChecker      DBIdempotencyChecker
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
	PublishChan    chan<- *event.Receipt
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// Processor is the single-threaded command pipeline in front of the
// tokenizer. It deduplicates commands, applies them atomically, chains the
// resulting state into a hash sequence and fans the output out to the
// persistence, projection and publish workers.
//
// Process and Replay must be called from one goroutine. Run provides that
// goroutine for concurrent callers via Submit and View.
type Processor struct {
	tok         *tokenizer.Tokenizer
	bank        *custody.Bank
	validator   *custody.InvariantValidator
	sequence    int64
	tip         chain
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- *event.Receipt

	requests chan request
}

type request struct {
	cmd   event.Command
	view  func(*tokenizer.Tokenizer) error
	reply chan response
}

type response struct {
	receipt *event.Receipt
	err     error
}

// NewProcessor wraps tok. bank must be the custody the tokenizer (and its
// engine) moves value through; its entries become the command's transfers.
func NewProcessor(tok *tokenizer.Tokenizer, bank *custody.Bank, opts Options) *Processor {
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	// Genesis mints are not part of any command.
	bank.DrainEntries()
	tok.Fees().DrainChanges()

	return &Processor{
		tok:            tok,
		bank:           bank,
		validator:      custody.NewInvariantValidator(bank),
		sequence:       1,
		tip:            genesisChain(),
		idempotency:    NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics),
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		publishChan:    opts.PublishChan,
		requests:       make(chan request),
	}
}

// Sequence returns the sequence the next committed command will get.
func (p *Processor) Sequence() int64 { return p.sequence }

// StateHash returns the chain tip.
func (p *Processor) StateHash() [32]byte { return p.tip }

// Tokenizer exposes the wrapped tokenizer for single-goroutine callers.
func (p *Processor) Tokenizer() *tokenizer.Tokenizer { return p.tok }

// Process is the main processing pipeline.
func (p *Processor) Process(cmd event.Command) (*event.Receipt, error) {
	start := time.Now()
	commandType := cmd.CommandType().String()

	// Step 1: Idempotency check (two-tier)
	if p.idempotency.IsDuplicate(commandType, cmd.IdempotencyKey()) {
		p.reject(commandType, errs.ErrDuplicateCommand)
		return nil, fmt.Errorf("command %s: %w", cmd.IdempotencyKey(), errs.ErrDuplicateCommand)
	}

	// Step 2-5: Apply and collect
	out, err := p.apply(cmd)
	if err != nil {
		p.reject(commandType, err)
		p.logger.Debug().Err(err).
			Str("command_type", commandType).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command rejected")
		return nil, err
	}

	// Step 6: Post-checks
	if err := p.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after seq=%d: %v", out.Envelope.Sequence, err))
	}

	// Step 7: Emit outputs
	p.emit(out)

	// Step 8: Mark processed and record metrics
	p.idempotency.MarkProcessed(cmd.IdempotencyKey())

	if p.metrics != nil {
		p.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		p.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		p.metrics.IngestToApply.WithLabelValues(commandType).Observe(time.Since(cmd.SubmittedAt()).Seconds())
		p.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
		p.metrics.CoreOpenCertificates.Set(float64(p.tok.OpenCount()))
		p.metrics.CoreFeesAccrued.Set(p.tok.Fees().Accrued(p.tok.Asset()).Float64())
	}

	return out.Receipt, nil
}

// Replay re-applies a command read back from the event log. Nothing is
// emitted. The recomputed state hash must match the logged one; a mismatch
// means the log and the genesis configuration disagree.
func (p *Processor) Replay(sequence int64, cmd event.Command, wantHash [32]byte) error {
	if sequence != p.sequence {
		return fmt.Errorf("replay: sequence gap: got %d, want %d", sequence, p.sequence)
	}
	out, err := p.apply(cmd)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", sequence, err)
	}
	if out.Envelope.StateHash != wantHash {
		return fmt.Errorf("replay seq=%d: state hash mismatch: got %x, want %x",
			sequence, out.Envelope.StateHash, wantHash)
	}
	p.idempotency.MarkProcessed(cmd.IdempotencyKey())
	if p.metrics != nil {
		p.metrics.ReplayCommandsTotal.Inc()
		p.metrics.CoreSequence.Set(float64(sequence))
	}
	return nil
}

// WarmIdempotency preloads recently committed command ids.
func (p *Processor) WarmIdempotency(keys []string) {
	p.idempotency.Warm(keys)
}

// apply dispatches cmd to the tokenizer and, on success, advances the
// sequence and hash chain. A failed command leaves no trace.
func (p *Processor) apply(cmd event.Command) (Output, error) {
	before := p.certificateIndex()

	receipt := &event.Receipt{
		CommandID:   cmd.IdempotencyKey(),
		CommandType: cmd.CommandType().String(),
		Caller:      cmd.Caller().Hex(),
		Asset:       string(p.tok.Asset()),
	}

	// Step 2: Dispatch
	if err := p.dispatch(cmd, receipt); err != nil {
		return Output{}, err
	}

	// Step 3: Collect side effects
	entries := p.bank.DrainEntries()
	for _, c := range p.tok.Fees().DrainChanges() {
		receipt.Fees = append(receipt.Fees, feeChange(c))
	}
	for _, e := range entries {
		receipt.Transfers = append(receipt.Transfers, transferRecord(e))
	}

	// Step 4: Certificate diff
	receipt.Certificates = p.diffCertificates(before)
	receipt.OpenCount = p.tok.OpenCount()

	commandData, err := ingestion.EncodeCommand(cmd)
	if err != nil {
		// Parsed commands always encode; anything else is a programming error.
		panic(fmt.Sprintf("FATAL: encode committed command %s: %v", cmd.IdempotencyKey(), err))
	}

	// Step 5: State hash
	hashStart := time.Now()
	prevHash, stateHash := p.tip.link(p.sequence, p.tok.Digest())
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	receipt.Sequence = p.sequence
	receipt.StateHash = hex.EncodeToString(stateHash[:])
	payload, err := json.Marshal(receipt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal receipt: %v", err))
	}

	envelope := &event.Envelope{
		Sequence:       p.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		Caller:         cmd.Caller(),
		Timestamp:      cmd.SubmittedAt(),
		Command:        commandData,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	p.sequence++

	return Output{Envelope: envelope, Receipt: receipt, Entries: entries}, nil
}

func (p *Processor) dispatch(cmd event.Command, r *event.Receipt) error {
	caller := cmd.Caller()
	t := p.tok

	switch c := cmd.(type) {
	case *event.Deposit:
		id, err := t.DepositAndOpen(caller, c.Recipient, c.Amount, c.Duration, c.MaxFee)
		if err != nil {
			return err
		}
		r.CertificateIDs = []uint64{id}
		r.Amount = c.Amount.Dec()
		p.setSlot(r, id)

	case *event.DepositBatch:
		ids, err := t.DepositAndOpenMany(caller, c.Recipient, c.Amounts, c.Durations, c.MaxFee, c.Upfront)
		if err != nil {
			return err
		}
		r.CertificateIDs = ids

	case *event.Redeem:
		payout, err := t.RedeemOne(caller, c.Recipient, c.CertificateID)
		if err != nil {
			return err
		}
		r.CertificateIDs = []uint64{c.CertificateID}
		r.Amount = payout.Dec()

	case *event.RedeemBatch:
		payout, err := t.RedeemMany(caller, c.Recipient, c.CertificateIDs)
		if err != nil {
			return err
		}
		r.CertificateIDs = c.CertificateIDs
		r.Amount = payout.Dec()

	case *event.ManualRedeem:
		payout, err := t.ManualRedeem(caller, c.Recipient, c.CertificateID, c.Slot)
		if err != nil {
			return err
		}
		r.CertificateIDs = []uint64{c.CertificateID}
		r.Amount = payout.Dec()

	case *event.Extend:
		additional := c.Additional
		if additional == nil {
			additional = new(uint256.Int)
		}
		slot, err := t.ExtendStake(caller, c.CertificateID, c.Duration, c.MaxFee, additional)
		if err != nil {
			return err
		}
		r.CertificateIDs = []uint64{c.CertificateID}
		r.Slot = &slot
		r.Amount = additional.Dec()

	case *event.TransferCertificate:
		if err := t.TransferCertificate(caller, c.Owner, c.To, c.CertificateID); err != nil {
			return err
		}
		r.CertificateIDs = []uint64{c.CertificateID}

	case *event.ApproveCertificate:
		if err := t.ApproveCertificate(caller, c.Spender, c.CertificateID); err != nil {
			return err
		}
		r.CertificateIDs = []uint64{c.CertificateID}

	case *event.SetOperator:
		return t.SetOperator(caller, c.Operator, c.Approved)

	case *event.SetFeeRate:
		if err := t.SetFeeRate(caller, c.Rate); err != nil {
			return err
		}
		r.Amount = c.Rate.Dec()

	case *event.WithdrawFees:
		if err := t.WithdrawFees(caller, c.Recipient, c.Amount); err != nil {
			return err
		}
		r.Amount = c.Amount.Dec()

	case *event.TransferFeeOwnership:
		return t.TransferFeeOwnership(caller, c.NewOwner)

	default:
		return fmt.Errorf("unsupported command %T: %w", cmd, errs.ErrInvalidArgument)
	}

	return nil
}

func (p *Processor) setSlot(r *event.Receipt, id uint64) {
	if slot, err := p.tok.SlotOf(id); err == nil {
		r.Slot = &slot
	}
}

func (p *Processor) certificateIndex() map[uint64]tokenizer.Certificate {
	certs := p.tok.Certificates()
	idx := make(map[uint64]tokenizer.Certificate, len(certs))
	for _, c := range certs {
		idx[c.ID] = c
	}
	return idx
}

// diffCertificates reports every certificate that was opened, moved,
// transferred or closed since before, ordered by id.
func (p *Processor) diffCertificates(before map[uint64]tokenizer.Certificate) []event.CertificateChange {
	var changes []event.CertificateChange
	after := p.tok.Certificates()
	live := make(map[uint64]bool, len(after))

	for _, c := range after {
		live[c.ID] = true
		if prev, ok := before[c.ID]; ok && prev == c {
			continue
		}
		changes = append(changes, event.CertificateChange{
			ID:      c.ID,
			Status:  event.CertificateOpen,
			Owner:   c.Owner.Hex(),
			Slot:    c.Slot,
			StakeID: c.StakeID,
		})
	}
	for id, prev := range before {
		if live[id] {
			continue
		}
		changes = append(changes, event.CertificateChange{
			ID:      id,
			Status:  event.CertificateClosed,
			Slot:    prev.Slot,
			StakeID: prev.StakeID,
		})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	return changes
}

// postCheckInvariants verifies custody conservation and that the
// tokenizer's own balance is exactly its accrued fees.
func (p *Processor) postCheckInvariants() error {
	asset := p.tok.Asset()
	if err := p.validator.ValidateConservation(asset); err != nil {
		return err
	}
	held := p.bank.BalanceOf(asset, p.tok.Self())
	accrued := p.tok.Fees().Accrued(asset)
	if !held.Eq(accrued) {
		return fmt.Errorf("tokenizer holds %s %s but accrued fees are %s", held.Dec(), asset, accrued.Dec())
	}
	return nil
}

// emit fans out one output. The persist channel uses a BLOCKING send: the
// core stalls until persistence catches up. Projection and publish use
// NON-BLOCKING sends and drop when full.
func (p *Processor) emit(out Output) {
	if p.persistChan != nil {
		select {
		case p.persistChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- out
		}
	}

	if p.projectionChan != nil {
		select {
		case p.projectionChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.Inc()
			}
			p.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("projection channel full, dropped")
		}
	}

	if p.publishChan != nil {
		select {
		case p.publishChan <- out.Receipt:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (p *Processor) reject(commandType string, err error) {
	if p.metrics != nil {
		p.metrics.CoreCommandsRejected.WithLabelValues(commandType, errs.Code(err)).Inc()
	}
}

// ---------------------------------------------------------------------------
// Goroutine wrapper
// ---------------------------------------------------------------------------

// Run serves Submit and View until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.requests:
			var resp response
			if req.view != nil {
				resp.err = req.view(p.tok)
			} else {
				resp.receipt, resp.err = p.Process(req.cmd)
			}
			req.reply <- resp
		}
	}
}

// Submit hands cmd to the Run goroutine and waits for its receipt.
func (p *Processor) Submit(ctx context.Context, cmd event.Command) (*event.Receipt, error) {
	resp, err := p.call(ctx, request{cmd: cmd})
	if err != nil {
		return nil, err
	}
	return resp.receipt, resp.err
}

// View runs fn on the Run goroutine, serialized with commands. fn must not
// retain the tokenizer or mutate it.
func (p *Processor) View(ctx context.Context, fn func(*tokenizer.Tokenizer) error) error {
	resp, err := p.call(ctx, request{view: fn})
	if err != nil {
		return err
	}
	return resp.err
}

func (p *Processor) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func feeChange(c fee.Change) event.FeeChange {
	fc := event.FeeChange{Kind: c.Kind.String(), Asset: string(c.Asset)}
	if c.Amount != nil {
		fc.Amount = c.Amount.Dec()
	}
	if c.Recipient != (common.Address{}) {
		fc.Recipient = c.Recipient.Hex()
	}
	return fc
}

func transferRecord(e custody.Entry) event.TransferRecord {
	tr := event.TransferRecord{
		EntryID: e.EntryID,
		Type:    e.EntryType.String(),
		To:      e.To.Hex(),
		Amount:  e.Amount.Dec(),
	}
	if e.EntryType != custody.EntryTypeMint {
		tr.From = e.From.Hex()
	}
	return tr
}
