package historical

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/internal/chain"
	"github.com/betwatch/prediction-engine/pkg/models"
)

func wei(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(18).BigInt()
}

func price8(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(8).BigInt()
}

// closedRound builds a closed epoch at second-granularity boundaries. The
// fake chain maps block number == timestamp, so the ingestion window for
// epoch E is simply [start(E), start(E+1)] in block numbers.
func closedRound(epoch, start int64, lockPrice, closePrice, total, bull, bear string) chain.RoundView {
	return chain.RoundView{
		Epoch:          epoch,
		StartTimestamp: start,
		LockTimestamp:  start + 300,
		CloseTimestamp: start + 600,
		LockPrice:      price8(lockPrice),
		ClosePrice:     price8(closePrice),
		TotalAmount:    wei(total),
		BullAmount:     wei(bull),
		BearAmount:     wei(bear),
		OracleCalled:   true,
	}
}

func normalFixture() (*fakeChain, *fakeStore, *Processor) {
	fc := &fakeChain{
		current: 110,
		rounds: map[int64]chain.RoundView{
			100: closedRound(100, 1000, "300.00000000", "301.50000000", "10", "6", "4"),
			101: {Epoch: 101, StartTimestamp: 1300},
		},
		events: chain.EpochEvents{
			BetBull: []chain.LogEvent{
				{Epoch: 100, Sender: "0xaaa", Amount: wei("6"), TxHash: "0xb1", BlockNumber: 1100},
			},
			BetBear: []chain.LogEvent{
				{Epoch: 100, Sender: "0xbbb", Amount: wei("4"), TxHash: "0xb2", BlockNumber: 1150},
			},
			Claims: []chain.LogEvent{
				{Epoch: 100, Sender: "0xaaa", Amount: wei("5.82"), TxHash: "0xc1", BlockNumber: 1200},
			},
		},
	}
	fs := newFakeStore()
	return fc, fs, NewProcessor(fc, fs, 3, testLogger())
}

func TestProcessEpoch_NormalClosedEpoch(t *testing.T) {
	_, fs, p := normalFixture()

	outcome, err := p.ProcessEpoch(context.Background(), 100)
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("expected commit, got outcome=%v err=%v", outcome, err)
	}

	round := fs.rounds[100]
	if round.Result != models.DirectionUp {
		t.Errorf("close > lock must resolve UP, got %q", round.Result)
	}
	if !round.UpPayout.Equal(decimal.RequireFromString("1.6167")) {
		t.Errorf("expected up_payout 1.6167, got %s", round.UpPayout)
	}
	if !round.DownPayout.IsZero() {
		t.Errorf("losing side payout must be 0, got %s", round.DownPayout)
	}

	if got := fs.bets["0xb1"].Result; got != models.BetResultWin {
		t.Errorf("UP bettor must WIN, got %q", got)
	}
	if got := fs.bets["0xb2"].Result; got != models.BetResultLoss {
		t.Errorf("DOWN bettor must LOSS, got %q", got)
	}

	c := fs.claims["0xc1"]
	if c.Epoch != 100 || c.BetEpoch != 100 {
		t.Errorf("claim must keep processing epoch and provenance, got epoch=%d bet_epoch=%d", c.Epoch, c.BetEpoch)
	}
	if !c.ClaimAmount.Equal(decimal.RequireFromString("5.82")) {
		t.Errorf("expected claim amount 5.82, got %s", c.ClaimAmount)
	}
}

func TestProcessEpoch_Idempotent(t *testing.T) {
	_, fs, p := normalFixture()

	if _, err := p.ProcessEpoch(context.Background(), 100); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	outcome, err := p.ProcessEpoch(context.Background(), 100)
	if err != nil || outcome != OutcomeSkippedStored {
		t.Fatalf("second run must skip stored round, got outcome=%v err=%v", outcome, err)
	}
	if len(fs.bets) != 2 || len(fs.claims) != 1 {
		t.Errorf("row set changed on reprocess: %d bets, %d claims", len(fs.bets), len(fs.claims))
	}
}

func TestProcessEpoch_DrawEpoch(t *testing.T) {
	fc, fs, p := normalFixture()
	fc.rounds[100] = closedRound(100, 1000, "300.00000000", "300.00000000", "10", "6", "4")

	outcome, err := p.ProcessEpoch(context.Background(), 100)
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("draw epoch must commit, got outcome=%v err=%v", outcome, err)
	}
	if fs.rounds[100].Result != "" {
		t.Errorf("draw must store absent result, got %q", fs.rounds[100].Result)
	}
	if fs.bets["0xb1"].Result != models.BetResultNone || fs.bets["0xb2"].Result != models.BetResultNone {
		t.Errorf("draw bets must have absent results, got %q / %q",
			fs.bets["0xb1"].Result, fs.bets["0xb2"].Result)
	}
	if len(fs.findings) != 0 {
		t.Errorf("single claim must not produce multi-claim findings")
	}
}

func TestProcessEpoch_OneSidedQuarantine(t *testing.T) {
	fc, fs, p := normalFixture()
	fc.events.BetBear = nil // only UP bets in the window

	for i := 1; i <= 3; i++ {
		outcome, err := p.ProcessEpoch(context.Background(), 100)
		if outcome != OutcomeFailed || !errors.Is(err, ErrIntegrityCheck) {
			t.Fatalf("attempt %d: expected integrity failure, got outcome=%v err=%v", i, outcome, err)
		}
		if len(fs.rounds) != 0 {
			t.Fatalf("attempt %d: partial round must be deleted", i)
		}
	}
	if fs.failures[100] != 3 {
		t.Errorf("expected failure_count 3, got %d", fs.failures[100])
	}

	outcome, err := p.ProcessEpoch(context.Background(), 100)
	if outcome != OutcomeSkippedQuarantined || !errors.Is(err, ErrEpochQuarantined) {
		t.Errorf("fourth attempt must skip quarantined epoch, got outcome=%v err=%v", outcome, err)
	}
}

func TestProcessEpoch_NotYetClosed(t *testing.T) {
	fc, _, p := normalFixture()

	open := fc.rounds[100]
	open.OracleCalled = false
	fc.rounds[100] = open
	outcome, err := p.ProcessEpoch(context.Background(), 100)
	if outcome != OutcomeSkippedOpen || !errors.Is(err, ErrRoundNotClosed) {
		t.Errorf("open round: got outcome=%v err=%v", outcome, err)
	}

	fc.rounds[100] = closedRound(100, 1000, "300", "301", "10", "6", "4")
	fc.rounds[101] = chain.RoundView{Epoch: 101} // next round has not started
	outcome, err = p.ProcessEpoch(context.Background(), 100)
	if outcome != OutcomeSkippedOpen || !errors.Is(err, ErrNextRoundNotStarted) {
		t.Errorf("unbounded window: got outcome=%v err=%v", outcome, err)
	}
}

func TestProcessEpoch_MultiClaimDetection(t *testing.T) {
	fc, fs, p := normalFixture()
	fc.events.Claims = []chain.LogEvent{
		{Epoch: 96, Sender: "0xddd", Amount: wei("1"), TxHash: "0xc1", BlockNumber: 1200},
		{Epoch: 97, Sender: "0xddd", Amount: wei("1"), TxHash: "0xc2", BlockNumber: 1201},
		{Epoch: 98, Sender: "0xddd", Amount: wei("1"), TxHash: "0xc3", BlockNumber: 1202},
		{Epoch: 99, Sender: "0xddd", Amount: wei("1.5"), TxHash: "0xc4", BlockNumber: 1203},
	}

	if _, err := p.ProcessEpoch(context.Background(), 100); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	f, ok := fs.findings["100/0xddd"]
	if !ok {
		t.Fatal("expected a multi-claim finding for (100, 0xddd)")
	}
	if f.ClaimCount != 4 {
		t.Errorf("expected claim_count 4, got %d", f.ClaimCount)
	}
	if !f.TotalAmount.Equal(decimal.RequireFromString("4.5")) {
		t.Errorf("expected total 4.5, got %s", f.TotalAmount)
	}
}

func TestProcessEpoch_CleansHotTable(t *testing.T) {
	_, fs, p := normalFixture()
	fs.realbets = []models.RealBet{
		{Epoch: 100, WalletAddress: "0xaaa"},
		{Epoch: 101, WalletAddress: "0xbbb"},
		{Epoch: 90, WalletAddress: "0xold"}, // stale, below currentEpoch-2
	}

	if _, err := p.ProcessEpoch(context.Background(), 100); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	for _, rb := range fs.realbets {
		if rb.Epoch == 100 {
			t.Error("committed epoch's hot rows must be deleted")
		}
		if rb.Epoch < 108 { // currentEpoch(110) - 2
			t.Errorf("stale hot row survived sweep: epoch %d", rb.Epoch)
		}
	}
}

func TestComputePayouts(t *testing.T) {
	ten := decimal.NewFromInt(10)
	six := decimal.NewFromInt(6)
	four := decimal.NewFromInt(4)

	up, down := ComputePayouts(ten, six, four, models.DirectionUp)
	if !up.Equal(decimal.RequireFromString("1.6167")) || !down.IsZero() {
		t.Errorf("UP win: got up=%s down=%s", up, down)
	}

	up, down = ComputePayouts(ten, six, four, models.DirectionDown)
	if !up.IsZero() || !down.Equal(decimal.RequireFromString("2.425")) {
		t.Errorf("DOWN win: got up=%s down=%s", up, down)
	}

	// Zero-stake side pays zero even if it "won".
	up, down = ComputePayouts(ten, decimal.Zero, ten, models.DirectionUp)
	if !up.IsZero() {
		t.Errorf("zero-stake side must pay 0, got %s", up)
	}
}

func TestProcessRange_Report(t *testing.T) {
	fc, _, p := normalFixture()
	fc.rounds[99] = closedRound(99, 700, "300", "301", "10", "6", "4")
	// epoch 99's window [700, 1000] holds no events: integrity failure.

	m := NewManager(p, testLogger())
	report, err := m.ProcessRange(context.Background(), 99, 101)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	if report.Committed != 1 {
		t.Errorf("expected 1 committed (epoch 100), got %d", report.Committed)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed (empty epoch 99), got %d", report.Failed)
	}
	if report.Skipped != 1 {
		t.Errorf("expected 1 skipped (open epoch 101), got %d", report.Skipped)
	}
}
