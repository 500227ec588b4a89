package historical

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// newTestManager shortens every timing knob so a full graceful-restart cycle
// completes in milliseconds.
func newTestManager(p *Processor) *Manager {
	m := NewManager(p, testLogger())
	m.mainPacing = time.Millisecond
	m.drainTimeout = time.Second
	m.settleDelay = time.Millisecond
	m.restartDelay = time.Millisecond
	return m
}

func TestGracefulRestart_ValidatesAndRestarts(t *testing.T) {
	_, fs, p := normalFixture() // currentEpoch 110, validation window 104..108

	// A stored epoch inside the window, with one bet and a wallet that
	// claimed four distinct prior rounds in it. Threshold is 3, so the
	// distinct-bet-epoch recheck must produce a finding.
	fs.rounds[105] = models.Round{Epoch: 105}
	fs.bets["0xw1"] = models.HisBet{Epoch: 105, WalletAddress: "0xaaa", TxHash: "0xw1"}
	for i, betEpoch := range []int64{90, 91, 92, 93} {
		tx := fmt.Sprintf("0xsweep%d", i)
		fs.claims[tx] = models.Claim{
			Epoch:         105,
			WalletAddress: "0xddd",
			ClaimAmount:   decimal.NewFromInt(1),
			BetEpoch:      betEpoch,
			TxHash:        tx,
		}
	}

	m := newTestManager(p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.startMain(ctx)
	m.mu.Lock()
	oldDone := m.mainDone
	m.mu.Unlock()

	m.GracefulRestart(ctx)

	// The first worker drained before the restart.
	select {
	case <-oldDone:
	default:
		t.Error("previous main worker still running after graceful restart")
	}

	// A fresh worker is running.
	m.mu.Lock()
	newDone := m.mainDone
	m.mu.Unlock()
	if newDone == oldDone {
		t.Fatal("main worker was not replaced")
	}
	select {
	case <-newDone:
		t.Error("restarted main worker exited immediately")
	default:
	}

	// The validation pass re-ran the distinct-bet-epoch grouping and stored
	// the finding. The restarted worker writes concurrently, so read under
	// the store lock.
	fs.mu.Lock()
	finding, ok := fs.findings["105/0xddd"]
	fs.mu.Unlock()
	if !ok {
		t.Fatal("expected a multi-claim finding for wallet 0xddd in epoch 105")
	}
	if finding.ClaimCount != 4 {
		t.Errorf("expected distinct-round count 4, got %d", finding.ClaimCount)
	}
	if !finding.TotalAmount.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected total 4, got %s", finding.TotalAmount)
	}
}

func TestGracefulRestart_CancelledContextLeavesWorkerStopped(t *testing.T) {
	_, _, p := normalFixture()
	m := newTestManager(p)

	ctx, cancel := context.WithCancel(context.Background())
	m.startMain(ctx)
	cancel()

	// With the context gone the restart must bail after the drain instead of
	// spinning up a worker that would exit immediately anyway.
	m.GracefulRestart(ctx)

	m.mu.Lock()
	done := m.mainDone
	m.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("main worker did not stop after context cancellation")
	}
}
