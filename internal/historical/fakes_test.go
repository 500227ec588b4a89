package historical

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/chain"
	"github.com/betwatch/prediction-engine/pkg/models"
)

// fakeChain serves rounds from a table and maps block numbers to
// timestamps 1:1, so FindBlockByTime is the identity and event windows are
// easy to reason about in tests.
type fakeChain struct {
	current int64
	rounds  map[int64]chain.RoundView
	events  chain.EpochEvents
}

func (f *fakeChain) CurrentEpoch(context.Context) (int64, error) { return f.current, nil }

func (f *fakeChain) Round(_ context.Context, epoch int64) (chain.RoundView, error) {
	v, ok := f.rounds[epoch]
	if !ok {
		return chain.RoundView{Epoch: epoch, LockPrice: big.NewInt(0), ClosePrice: big.NewInt(0),
			TotalAmount: big.NewInt(0), BullAmount: big.NewInt(0), BearAmount: big.NewInt(0)}, nil
	}
	return v, nil
}

func (f *fakeChain) FindBlockByTime(_ context.Context, target uint64) (uint64, error) {
	return target, nil
}

func (f *fakeChain) BlockTime(_ context.Context, n uint64) (uint64, error) { return n, nil }

func (f *fakeChain) Events(_ context.Context, from, to uint64) (chain.EpochEvents, error) {
	inRange := func(src []chain.LogEvent) []chain.LogEvent {
		var out []chain.LogEvent
		for _, ev := range src {
			if ev.BlockNumber >= from && ev.BlockNumber <= to {
				out = append(out, ev)
			}
		}
		return out
	}
	return chain.EpochEvents{
		BetBull: inRange(f.events.BetBull),
		BetBear: inRange(f.events.BetBear),
		Claims:  inRange(f.events.Claims),
	}, nil
}

// fakeStore is an in-memory EpochStore mirroring the real table semantics.
type fakeStore struct {
	mu       sync.Mutex
	rounds   map[int64]models.Round
	bets     map[string]models.HisBet // by tx_hash
	claims   map[string]models.Claim  // by tx_hash
	realbets []models.RealBet
	failures map[int64]int
	findings map[string]models.MultiClaim // "epoch/wallet"
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds:   make(map[int64]models.Round),
		bets:     make(map[string]models.HisBet),
		claims:   make(map[string]models.Claim),
		failures: make(map[int64]int),
		findings: make(map[string]models.MultiClaim),
	}
}

func (s *fakeStore) RoundExists(_ context.Context, epoch int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rounds[epoch]
	return ok, nil
}

func (s *fakeStore) EpochFailureCount(_ context.Context, epoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[epoch], nil
}

func (s *fakeStore) CommitEpoch(_ context.Context, round models.Round, bets []models.HisBet, claims []models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[round.Epoch]; !ok {
		s.rounds[round.Epoch] = round
	}
	for _, b := range bets {
		if _, ok := s.bets[b.TxHash]; !ok {
			s.bets[b.TxHash] = b
		}
	}
	for _, c := range claims {
		if _, ok := s.claims[c.TxHash]; !ok {
			s.claims[c.TxHash] = c
		}
	}
	return nil
}

func (s *fakeStore) DeleteEpochData(_ context.Context, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rounds, epoch)
	for h, b := range s.bets {
		if b.Epoch == epoch {
			delete(s.bets, h)
		}
	}
	for h, c := range s.claims {
		if c.Epoch == epoch {
			delete(s.claims, h)
		}
	}
	return nil
}

func (s *fakeStore) RecordEpochFailure(_ context.Context, epoch int64, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[epoch]++
	return s.failures[epoch], nil
}

func (s *fakeStore) DeleteRealBetsForEpoch(_ context.Context, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.realbets[:0]
	for _, rb := range s.realbets {
		if rb.Epoch != epoch {
			kept = append(kept, rb)
		}
	}
	s.realbets = kept
	return nil
}

func (s *fakeStore) SweepRealBetsBefore(_ context.Context, epoch int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	kept := s.realbets[:0]
	for _, rb := range s.realbets {
		if rb.Epoch >= epoch {
			kept = append(kept, rb)
		} else {
			deleted++
		}
	}
	s.realbets = kept
	return deleted, nil
}

func (s *fakeStore) ClaimsForEpoch(_ context.Context, epoch int64) ([]models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Claim
	for _, c := range s.claims {
		if c.Epoch == epoch {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertMultiClaim(_ context.Context, mc models.MultiClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[fmt.Sprintf("%d/%s", mc.Epoch, mc.WalletAddress)] = mc
	return nil
}

func (s *fakeStore) EpochRowCounts(_ context.Context, epoch int64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bets, claims int
	for _, b := range s.bets {
		if b.Epoch == epoch {
			bets++
		}
	}
	for _, c := range s.claims {
		if c.Epoch == epoch {
			claims++
		}
	}
	return bets, claims, nil
}

func (s *fakeStore) RealBetCountBefore(_ context.Context, epoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rb := range s.realbets {
		if rb.Epoch < epoch {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) MultiClaimCount(_ context.Context, epoch int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.findings {
		var e int64
		var w string
		fmt.Sscanf(k, "%d/%s", &e, &w)
		if e == epoch {
			n++
		}
	}
	return n, nil
}

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }
