// Package detector flags suspected abusive wallets. The online half runs in
// the real-time hot path on every live bet; the offline half groups a closed
// epoch's claim set after historical commit.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// Flags are independent signals; any number of them can fire on one bet.
const (
	FlagLargeAmount   = "large_amount"
	FlagHighTotal     = "high_total"
	FlagHighFrequency = "high_frequency"
	FlagRepeatInRound = "repeat_in_round"
)

// Default online thresholds.
const (
	defaultLargeAmount    = 10  // asset units per single bet
	defaultHighTotalBets  = 100 // cumulative bets per wallet
	defaultHighFrequency  = 10  // bets inside the sliding window
	defaultWindow         = 60 * time.Second
	windowRingCapacity    = 32 // bounded: only counts near the threshold matter
	walletIdleEviction    = time.Hour
)

// NoteStore is the slice of the store the detector needs for auto-notes.
type NoteStore interface {
	HasWalletNote(ctx context.Context, wallet string) (bool, error)
	UpsertWalletNote(ctx context.Context, wallet, note string) error
}

// Result is returned to the caller for fan-out annotation.
type Result struct {
	Flags       []string
	TotalBets   int64
	TotalAmount decimal.Decimal
}

// Suspicious reports whether any flag fired.
func (r Result) Suspicious() bool { return len(r.Flags) > 0 }

// timeRing is a fixed-capacity ring of bet timestamps. It deliberately
// forgets entries beyond its capacity: the frequency flag only needs to
// count up to its threshold.
type timeRing struct {
	buf  [windowRingCapacity]time.Time
	next int
	size int
}

func (r *timeRing) add(t time.Time) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % windowRingCapacity
	if r.size < windowRingCapacity {
		r.size++
	}
}

func (r *timeRing) countSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		if !r.buf[i].Before(cutoff) {
			n++
		}
	}
	return n
}

func (r *timeRing) newest() time.Time {
	if r.size == 0 {
		return time.Time{}
	}
	idx := (r.next - 1 + windowRingCapacity) % windowRingCapacity
	return r.buf[idx]
}

type walletState struct {
	totalBets   int64
	totalAmount decimal.Decimal
	window      timeRing
	perEpoch    map[int64]int
}

// Online holds per-wallet sliding-window state. The state is private to the
// process, bounded by the hourly sweep, and not persisted across restarts.
type Online struct {
	mu      sync.Mutex
	wallets map[string]*walletState

	notes       NoteStore
	logger      zerolog.Logger
	largeAmount decimal.Decimal
	now         func() time.Time
}

func NewOnline(notes NoteStore, logger zerolog.Logger) *Online {
	return &Online{
		wallets:     make(map[string]*walletState),
		notes:       notes,
		logger:      logger.With().Str("component", "detector").Logger(),
		largeAmount: decimal.NewFromInt(defaultLargeAmount),
		now:         time.Now,
	}
}

// Inspect evaluates one live bet, updates the wallet's counters, and
// returns the fired flags with cumulative totals. On the first flag for a
// wallet it upserts a human-readable auto-note; note failures are logged
// but never block the hot path.
func (o *Online) Inspect(ctx context.Context, bet models.RealBet) Result {
	o.mu.Lock()
	st, ok := o.wallets[bet.WalletAddress]
	if !ok {
		st = &walletState{totalAmount: decimal.Zero, perEpoch: make(map[int64]int)}
		o.wallets[bet.WalletAddress] = st
	}

	now := o.now()
	st.totalBets++
	st.totalAmount = st.totalAmount.Add(bet.Amount)
	st.window.add(now)
	st.perEpoch[bet.Epoch]++

	var flags []string
	if bet.Amount.GreaterThan(o.largeAmount) {
		flags = append(flags, FlagLargeAmount)
	}
	if st.totalBets > defaultHighTotalBets {
		flags = append(flags, FlagHighTotal)
	}
	if st.window.countSince(now.Add(-defaultWindow)) > defaultHighFrequency {
		flags = append(flags, FlagHighFrequency)
	}
	if st.perEpoch[bet.Epoch] >= 2 {
		flags = append(flags, FlagRepeatInRound)
	}

	res := Result{Flags: flags, TotalBets: st.totalBets, TotalAmount: st.totalAmount}
	o.mu.Unlock()

	if len(flags) > 0 && o.notes != nil {
		o.autoNote(ctx, bet, res)
	}
	return res
}

func (o *Online) autoNote(ctx context.Context, bet models.RealBet, res Result) {
	has, err := o.notes.HasWalletNote(ctx, bet.WalletAddress)
	if err != nil {
		o.logger.Warn().Err(err).Str("wallet", bet.WalletAddress).Msg("wallet note lookup failed")
		return
	}
	if has {
		return
	}
	note := fmt.Sprintf("auto-flagged in epoch %d: %v (bets=%d, volume=%s)",
		bet.Epoch, res.Flags, res.TotalBets, res.TotalAmount.StringFixed(4))
	if err := o.notes.UpsertWalletNote(ctx, bet.WalletAddress, note); err != nil {
		o.logger.Warn().Err(err).Str("wallet", bet.WalletAddress).Msg("wallet note upsert failed")
	}
}

// ForgetEpoch drops the per-round counters of a locked epoch so the state
// map cannot grow with round history.
func (o *Online) ForgetEpoch(epoch int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.wallets {
		delete(st.perEpoch, epoch)
	}
}

// Sweep evicts wallets that have been idle for over an hour. Run
// periodically; the detector never grows without bound.
func (o *Online) Sweep() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-walletIdleEviction)
	evicted := 0
	for wallet, st := range o.wallets {
		if st.window.newest().Before(cutoff) {
			delete(o.wallets, wallet)
			evicted++
		}
	}
	if evicted > 0 {
		o.logger.Debug().Int("evicted", evicted).Msg("swept idle detector state")
	}
	return evicted
}

// TrackedWallets reports the current state-map size (for ops endpoints).
func (o *Online) TrackedWallets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.wallets)
}
