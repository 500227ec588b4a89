package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/betwatch/prediction-engine/pkg/models"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 80 * time.Second}, // pinned at the cap
		{9, 80 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func betLog(t *testing.T, event string, sender common.Address, epoch, amountWei int64) types.Log {
	t.Helper()
	cabi, err := contractABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	return types.Log{
		Topics: []common.Hash{
			cabi.Events[event].ID,
			common.BytesToHash(sender.Bytes()),
			common.BigToHash(big.NewInt(epoch)),
		},
		Data:   common.LeftPadBytes(big.NewInt(amountWei).Bytes(), 32),
		TxHash: common.HexToHash("0xabc123"),
	}
}

func TestDecode_LiveBets(t *testing.T) {
	s := NewSubscriber("ws://unused", "0x18b2a687610328590bc8f2e5fedde3b582a49cda", testLogger())
	sender := common.HexToAddress("0xAbCdEF0123456789abcdef0123456789ABCDEF01")

	ev, ok := s.decode(betLog(t, "BetBull", sender, 42, 1_000_000))
	if !ok || ev.Kind != EventBet {
		t.Fatalf("expected a bet event, got ok=%v kind=%v", ok, ev.Kind)
	}
	if ev.Bet.Direction != models.DirectionUp {
		t.Errorf("BetBull must map to UP, got %s", ev.Bet.Direction)
	}
	if ev.Bet.Epoch != 42 {
		t.Errorf("expected epoch 42, got %d", ev.Bet.Epoch)
	}
	if ev.Bet.Sender != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("sender must be lowercased, got %s", ev.Bet.Sender)
	}
	if ev.Bet.Amount.Int64() != 1_000_000 {
		t.Errorf("expected amount 1000000, got %s", ev.Bet.Amount)
	}

	ev, ok = s.decode(betLog(t, "BetBear", sender, 43, 5))
	if !ok || ev.Bet.Direction != models.DirectionDown {
		t.Errorf("BetBear must map to DOWN")
	}
}

func TestDecode_RoundLifecycle(t *testing.T) {
	s := NewSubscriber("ws://unused", "0x18b2a687610328590bc8f2e5fedde3b582a49cda", testLogger())
	cabi, _ := contractABI()

	start := types.Log{Topics: []common.Hash{cabi.Events["StartRound"].ID, common.BigToHash(big.NewInt(7))}}
	ev, ok := s.decode(start)
	if !ok || ev.Kind != EventStartRound || ev.Epoch != 7 {
		t.Errorf("StartRound decode failed: ok=%v ev=%+v", ok, ev)
	}

	lock := types.Log{Topics: []common.Hash{
		cabi.Events["LockRound"].ID,
		common.BigToHash(big.NewInt(7)),
		common.BigToHash(big.NewInt(12345)),
	}}
	ev, ok = s.decode(lock)
	if !ok || ev.Kind != EventLockRound || ev.Epoch != 7 {
		t.Errorf("LockRound decode failed: ok=%v ev=%+v", ok, ev)
	}

	// Unknown topic is dropped, not an error.
	if _, ok := s.decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}); ok {
		t.Error("unknown event topic must be ignored")
	}
}
