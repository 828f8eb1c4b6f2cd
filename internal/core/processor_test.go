package core_test

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/errs"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/tokenizer"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var (
	tokenizerAcct = common.HexToAddress("0x0000000000000000000000000000000000005e1f")
	vaultAcct     = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	feeOwner      = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice         = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob           = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

const testAsset = "HEX"

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// 5% fee, 0.1% daily yield, alice holds 1e9.
func testGenesis() core.Genesis {
	return core.Genesis{
		Asset:      testAsset,
		Tokenizer:  tokenizerAcct,
		Vault:      vaultAcct,
		FeeOwner:   feeOwner,
		FeeRate:    u(5e16),
		DailyYield: u(1e15),
		Reserve:    u(10_000_000),
		Balances:   map[common.Address]*uint256.Int{alice: u(1_000_000_000)},
	}
}

// newTestProcessor creates a Processor with buffered channels, a fresh
// metrics registry and no DB checker.
func newTestProcessor(t *testing.T) (*core.Processor, *core.Ledger, chan core.Output, chan core.Output, chan *event.Receipt) {
	t.Helper()
	ledger, err := core.NewLedger(testGenesis())
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	persistChan := make(chan core.Output, 1024)
	projChan := make(chan core.Output, 1024)
	pubChan := make(chan *event.Receipt, 1024)
	p := core.NewProcessor(ledger.Tokenizer, ledger.Bank, core.Options{
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		PublishChan:    pubChan,
		Metrics:        observability.NewMetrics(prometheus.NewRegistry()),
		Logger:         zerolog.Nop(),
	})
	return p, ledger, persistChan, projChan, pubChan
}

func meta(from common.Address, n int64) event.Meta {
	return event.Meta{
		CommandID: uuid.New(),
		From:      from,
		Timestamp: time.UnixMicro(1_700_000_000_000_000 + n*1000),
	}
}

func deposit(from common.Address, amount uint64, days uint64, n int64) *event.Deposit {
	return &event.Deposit{
		Meta:      meta(from, n),
		Recipient: from,
		Amount:    u(amount),
		Duration:  days,
		MaxFee:    u(5e16),
	}
}

func mustProcess(t *testing.T, p *core.Processor, cmd event.Command) *event.Receipt {
	t.Helper()
	r, err := p.Process(cmd)
	if err != nil {
		t.Fatalf("process %s: %v", cmd.CommandType(), err)
	}
	return r
}

// commandOf decodes the command stored in an output's envelope, as the
// startup replay does.
func commandOf(t *testing.T, out core.Output) event.Command {
	t.Helper()
	cmd, err := ingestion.ParseCommand(out.Envelope.CommandType, out.Envelope.Command)
	if err != nil {
		t.Fatalf("decode seq=%d: %v", out.Envelope.Sequence, err)
	}
	return cmd
}

// ===== Test: Deposit =====

func TestDeposit_EmitsReceipt(t *testing.T) {
	p, ledger, persistChan, projChan, pubChan := newTestProcessor(t)

	r := mustProcess(t, p, deposit(alice, 1_000_000, 30, 1))

	if r.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", r.Sequence)
	}
	if len(r.CertificateIDs) != 1 || r.CertificateIDs[0] != 1 {
		t.Fatalf("certificate ids: got %v, want [1]", r.CertificateIDs)
	}
	if r.Slot == nil || *r.Slot != 0 {
		t.Errorf("slot: got %v, want 0", r.Slot)
	}
	if r.OpenCount != 1 {
		t.Errorf("open count: got %d, want 1", r.OpenCount)
	}
	if len(r.Fees) != 1 || r.Fees[0].Kind != "FeeAccrued" || r.Fees[0].Amount != "50000" {
		t.Errorf("fees: got %+v, want one FeeAccrued of 50000", r.Fees)
	}
	if len(r.Transfers) != 2 {
		t.Fatalf("transfers: got %d, want 2", len(r.Transfers))
	}
	if r.Transfers[0].From != alice.Hex() || r.Transfers[0].Amount != "1000000" {
		t.Errorf("pull: got %+v", r.Transfers[0])
	}
	if r.Transfers[1].To != vaultAcct.Hex() || r.Transfers[1].Amount != "950000" {
		t.Errorf("open: got %+v", r.Transfers[1])
	}
	if len(r.Certificates) != 1 || r.Certificates[0].Status != event.CertificateOpen || r.Certificates[0].Owner != alice.Hex() {
		t.Errorf("certificates: got %+v", r.Certificates)
	}

	if got := ledger.Fees.Accrued(testAsset).Uint64(); got != 50_000 {
		t.Errorf("accrued: got %d, want 50000", got)
	}

	if len(persistChan) != 1 || len(projChan) != 1 || len(pubChan) != 1 {
		t.Errorf("channels: persist=%d projection=%d publish=%d, want 1 each",
			len(persistChan), len(projChan), len(pubChan))
	}
}

func TestDeposit_RejectedLeavesNoTrace(t *testing.T) {
	p, ledger, persistChan, _, _ := newTestProcessor(t)
	before := p.StateHash()

	cmd := deposit(alice, 1_000_000, 30, 1)
	cmd.MaxFee = u(1e16) // below the 5% rate

	_, err := p.Process(cmd)
	if !errors.Is(err, errs.ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	if p.Sequence() != 1 {
		t.Errorf("sequence advanced to %d", p.Sequence())
	}
	if p.StateHash() != before {
		t.Error("state hash advanced on rejected command")
	}
	if len(persistChan) != 0 {
		t.Errorf("persist channel: got %d outputs, want 0", len(persistChan))
	}
	if got := ledger.Bank.BalanceOf(testAsset, alice).Uint64(); got != 1_000_000_000 {
		t.Errorf("alice balance: got %d, want unchanged", got)
	}

	// The same command id may be retried once fixed.
	cmd.MaxFee = u(5e16)
	mustProcess(t, p, cmd)
}

// ===== Test: Redeem =====

func TestRedeem_PaysPrincipalAndYield(t *testing.T) {
	p, ledger, _, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000_000, 30, 1))

	r := mustProcess(t, p, &event.Redeem{Meta: meta(alice, 2), Recipient: bob, CertificateID: 1})

	// 950000 principal + 950/day for 30 days
	if r.Amount != "978500" {
		t.Errorf("payout: got %s, want 978500", r.Amount)
	}
	if got := ledger.Bank.BalanceOf(testAsset, bob).Uint64(); got != 978_500 {
		t.Errorf("bob balance: got %d, want 978500", got)
	}
	if r.OpenCount != 0 {
		t.Errorf("open count: got %d, want 0", r.OpenCount)
	}
	if len(r.Certificates) != 1 || r.Certificates[0].Status != event.CertificateClosed {
		t.Errorf("certificates: got %+v, want one closed", r.Certificates)
	}
}

func TestRedeem_ReportsSwapCompaction(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t)
	for i := int64(1); i <= 3; i++ {
		mustProcess(t, p, deposit(alice, 1_000_000, 10, i))
	}

	r := mustProcess(t, p, &event.Redeem{Meta: meta(alice, 4), Recipient: alice, CertificateID: 1})

	// Certificate 3 moves from slot 2 into the vacated slot 0.
	if len(r.Certificates) != 2 {
		t.Fatalf("certificates: got %+v, want 2 changes", r.Certificates)
	}
	closed, moved := r.Certificates[0], r.Certificates[1]
	if closed.ID != 1 || closed.Status != event.CertificateClosed {
		t.Errorf("closed: got %+v", closed)
	}
	if moved.ID != 3 || moved.Status != event.CertificateOpen || moved.Slot != 0 {
		t.Errorf("moved: got %+v, want id 3 at slot 0", moved)
	}
}

func TestRedeem_Unauthorized(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000_000, 10, 1))

	_, err := p.Process(&event.Redeem{Meta: meta(bob, 2), Recipient: bob, CertificateID: 1})
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// ===== Test: tokenizer account as counterparty =====

func TestTokenizerAccountCounterparty_Rejected(t *testing.T) {
	p, ledger, _, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000, 30, 1))

	tests := []struct {
		name string
		cmd  event.Command
	}{
		{"redeem to tokenizer", &event.Redeem{Meta: meta(alice, 2), Recipient: tokenizerAcct, CertificateID: 1}},
		{"manual redeem to tokenizer", &event.ManualRedeem{Meta: meta(alice, 3), Recipient: tokenizerAcct, CertificateID: 1, Slot: 0}},
		{"withdraw fees to tokenizer", &event.WithdrawFees{Meta: meta(feeOwner, 4), Recipient: tokenizerAcct, Amount: u(10)}},
		{"deposit by tokenizer", deposit(tokenizerAcct, 10, 30, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := p.Sequence()
			_, err := p.Process(tt.cmd)
			if !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if p.Sequence() != before {
				t.Errorf("sequence advanced to %d", p.Sequence())
			}
		})
	}

	if got := ledger.Bank.BalanceOf(testAsset, tokenizerAcct).Uint64(); got != 50 {
		t.Errorf("tokenizer balance: got %d, want 50", got)
	}
	if got := ledger.Fees.Accrued(testAsset).Uint64(); got != 50 {
		t.Errorf("accrued: got %d, want 50", got)
	}

	// The certificate is still redeemable to a real recipient.
	mustProcess(t, p, &event.Redeem{Meta: meta(alice, 6), Recipient: bob, CertificateID: 1})
}

// ===== Test: Extend =====

func TestExtend_ReportsNewSlot(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000_000, 10, 1))
	mustProcess(t, p, deposit(alice, 1_000_000, 10, 2))

	r := mustProcess(t, p, &event.Extend{
		Meta:          meta(alice, 3),
		CertificateID: 1,
		Duration:      60,
		MaxFee:        u(5e16),
	})
	if r.Slot == nil || *r.Slot != 1 {
		t.Errorf("slot: got %v, want 1", r.Slot)
	}
	if r.OpenCount != 2 {
		t.Errorf("open count: got %d, want 2", r.OpenCount)
	}
}

// ===== Test: Idempotency =====

func TestIdempotency_DuplicateRejected(t *testing.T) {
	p, _, persistChan, _, _ := newTestProcessor(t)
	cmd := deposit(alice, 1_000_000, 10, 1)
	mustProcess(t, p, cmd)

	_, err := p.Process(cmd)
	if !errors.Is(err, errs.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if len(persistChan) != 1 {
		t.Errorf("persist channel: got %d, want 1", len(persistChan))
	}
	if p.Tokenizer().OpenCount() != 1 {
		t.Errorf("open count: got %d, want 1", p.Tokenizer().OpenCount())
	}
}

type fakeDB struct{ seen map[string]bool }

func (f fakeDB) IsDuplicate(key string) (bool, error) { return f.seen[key], nil }

func TestIdempotency_Tier2Hit(t *testing.T) {
	ledger, err := core.NewLedger(testGenesis())
	if err != nil {
		t.Fatal(err)
	}
	cmd := deposit(alice, 1_000_000, 10, 1)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	p := core.NewProcessor(ledger.Tokenizer, ledger.Bank, core.Options{
		DBChecker: fakeDB{seen: map[string]bool{cmd.IdempotencyKey(): true}},
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	})

	if _, err := p.Process(cmd); !errors.Is(err, errs.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("Deposit", "postgres")); got != 1 {
		t.Errorf("postgres duplicates: got %v, want 1", got)
	}
}

// ===== Test: State hash chain =====

func TestStateHashChain_Deterministic(t *testing.T) {
	cmds := []event.Command{
		deposit(alice, 1_000_000, 30, 1),
		deposit(alice, 2_000_000, 60, 2),
		&event.TransferCertificate{Meta: meta(alice, 3), CertificateID: 2, Owner: alice, To: bob},
		&event.Redeem{Meta: meta(alice, 4), Recipient: alice, CertificateID: 1},
		&event.WithdrawFees{Meta: meta(feeOwner, 5), Recipient: feeOwner, Amount: u(10_000)},
	}

	p1, _, persist1, _, _ := newTestProcessor(t)
	p2, _, _, _, _ := newTestProcessor(t)
	for _, cmd := range cmds {
		mustProcess(t, p1, cmd)
		mustProcess(t, p2, cmd)
	}
	if p1.StateHash() != p2.StateHash() {
		t.Fatal("identical command streams produced different hashes")
	}

	// Each envelope links to its predecessor.
	var prev [32]byte
	for i := 0; i < len(cmds); i++ {
		out := <-persist1
		if i > 0 && out.Envelope.PrevHash != prev {
			t.Errorf("seq %d: prev hash does not match previous state hash", out.Envelope.Sequence)
		}
		prev = out.Envelope.StateHash
	}
	if prev != p1.StateHash() {
		t.Error("last envelope hash is not the chain tip")
	}
}

func TestReplay_ReproducesChain(t *testing.T) {
	p, _, persistChan, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000_000, 30, 1))
	mustProcess(t, p, &event.DepositBatch{
		Meta:      meta(alice, 2),
		Recipient: bob,
		Amounts:   []*uint256.Int{u(950), u(1900)},
		Durations: []uint64{5, 10},
		MaxFee:    u(5e16),
		Upfront:   u(3100),
	})
	mustProcess(t, p, &event.Redeem{Meta: meta(alice, 3), Recipient: alice, CertificateID: 1})
	close(persistChan)

	replayed, _, _, _, _ := newTestProcessor(t)
	var log []core.Output
	for out := range persistChan {
		log = append(log, out)
		if err := replayed.Replay(out.Envelope.Sequence, commandOf(t, out), out.Envelope.StateHash); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if replayed.StateHash() != p.StateHash() {
		t.Error("replayed chain tip differs")
	}

	// Replayed commands count as processed.
	if _, err := replayed.Process(commandOf(t, log[0])); !errors.Is(err, errs.ErrDuplicateCommand) {
		t.Errorf("expected ErrDuplicateCommand after replay, got %v", err)
	}
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	p, _, persistChan, _, _ := newTestProcessor(t)
	mustProcess(t, p, deposit(alice, 1_000_000, 30, 1))
	out := <-persistChan

	replayed, _, _, _, _ := newTestProcessor(t)
	bad := out.Envelope.StateHash
	bad[0] ^= 0xff
	if err := replayed.Replay(1, commandOf(t, out), bad); err == nil {
		t.Fatal("expected hash mismatch")
	}
}

func TestReplay_RejectsSequenceGap(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t)
	if err := p.Replay(2, deposit(alice, 1, 1, 1), [32]byte{}); err == nil {
		t.Fatal("expected sequence gap error")
	}
}

// ===== Test: Channels =====

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	ledger, err := core.NewLedger(testGenesis())
	if err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	persistChan := make(chan core.Output, 16)
	projChan := make(chan core.Output) // unbuffered, nobody reading
	p := core.NewProcessor(ledger.Tokenizer, ledger.Bank, core.Options{
		PersistChan:    persistChan,
		ProjectionChan: projChan,
		Metrics:        metrics,
		Logger:         zerolog.Nop(),
	})

	mustProcess(t, p, deposit(alice, 1_000_000, 10, 1))

	if len(persistChan) != 1 {
		t.Errorf("persist channel: got %d, want 1", len(persistChan))
	}
	if got := testutil.ToFloat64(metrics.ProjectionDrops); got != 1 {
		t.Errorf("projection drops: got %v, want 1", got)
	}
}

// ===== Test: Run loop =====

func TestRun_SubmitAndView(t *testing.T) {
	p, _, _, _, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	r, err := p.Submit(ctx, deposit(alice, 1_000_000, 10, 1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.CertificateIDs[0] != 1 {
		t.Errorf("certificate id: got %d, want 1", r.CertificateIDs[0])
	}

	var open uint64
	err = p.View(ctx, func(tok *tokenizer.Tokenizer) error {
		open = tok.OpenCount()
		return nil
	})
	if err != nil || open != 1 {
		t.Errorf("view: open=%d err=%v, want 1, nil", open, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}
	if _, err := p.Submit(ctx, deposit(alice, 1, 1, 2)); !errors.Is(err, context.Canceled) {
		t.Errorf("submit after stop: got %v, want context.Canceled", err)
	}
}

// ===== Test: Genesis =====

func TestNewLedger_RejectsFundedTokenizer(t *testing.T) {
	g := testGenesis()
	g.Balances[tokenizerAcct] = u(1)
	if _, err := core.NewLedger(g); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
