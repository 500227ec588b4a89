// Package realtime consumes the live subscription stream and turns it into
// fan-out messages and hot-table rows. Broadcast happens before persistence:
// the stream is latency-first and the hot table is best-effort, with the
// historical pipeline as the source of truth once an epoch closes.
package realtime

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/internal/chain"
	"github.com/betwatch/prediction-engine/internal/detector"
	"github.com/betwatch/prediction-engine/internal/timefmt"
	"github.com/betwatch/prediction-engine/pkg/models"
)

const (
	// dedupWarmLimit bounds the hot rows re-read on startup to rebuild the
	// in-memory dedup set.
	dedupWarmLimit = 1000
	// dedupRetentionLag mirrors the hot table retention: dedup entries for
	// epochs older than currentEpoch-2 are dropped.
	dedupRetentionLag = 2
	sweepInterval     = time.Hour
	// dedupEntryTTL is the fallback age bound on individual dedup entries,
	// for the case where lock events were missed and the epoch floor never
	// advanced.
	dedupEntryTTL = time.Hour
)

// Broadcaster is the fan-out half the pipeline pushes into.
type Broadcaster interface {
	BroadcastJSON(v any) error
}

// BetStore is the slice of the store the pipeline writes through.
type BetStore interface {
	InsertRealBet(ctx context.Context, bet models.RealBet) error
	RecentRealBets(ctx context.Context, limit int) ([]models.RealBet, error)
	SweepRealBetsBefore(ctx context.Context, epoch int64) (int64, error)
}

// Inspector is the online detector surface.
type Inspector interface {
	Inspect(ctx context.Context, bet models.RealBet) detector.Result
	ForgetEpoch(epoch int64)
	Sweep() int
}

// RoundReader serves round snapshots for round_update broadcasts.
type RoundReader interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (chain.RoundView, error)
}

// Pipeline owns the live-bet hot path.
type Pipeline struct {
	chain  RoundReader
	store  BetStore
	det    Inspector
	hub    Broadcaster
	logger zerolog.Logger

	// seen maps epoch -> lowercased wallets that already bet in it, with the
	// time each entry was recorded. One wallet gets one hot row and one
	// new_bet message per epoch; repeats still feed the detector.
	seen    map[int64]map[string]time.Time
	current int64
	now     func() time.Time
}

func NewPipeline(cr RoundReader, store BetStore, det Inspector, hub Broadcaster, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		chain:  cr,
		store:  store,
		det:    det,
		hub:    hub,
		logger: logger.With().Str("component", "realtime").Logger(),
		seen:   make(map[int64]map[string]time.Time),
		now:    time.Now,
	}
}

// Run consumes events until ctx is cancelled or the event channel closes.
func (p *Pipeline) Run(ctx context.Context, events <-chan chain.Event) {
	p.warmStart(ctx)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			p.sweep()
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case chain.EventBet:
				p.handleBet(ctx, ev.Bet)
			case chain.EventStartRound:
				p.handleStartRound(ctx, ev.Epoch)
			case chain.EventLockRound:
				p.handleLockRound(ctx, ev.Epoch)
			case chain.EventConnectionStatus:
				p.broadcast(models.ConnectionStatusMsg{
					Type:      models.MsgConnectionStatus,
					Connected: ev.Connected,
					Timestamp: timefmt.Now(),
				})
			}
		}
	}
}

// warmStart announces the current round and rebuilds the dedup set from the
// newest hot rows, so a restart does not re-broadcast bets already seen.
func (p *Pipeline) warmStart(ctx context.Context) {
	cur, err := p.chain.CurrentEpoch(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("startup: cannot read current epoch")
	} else {
		p.current = cur
		p.broadcastRoundUpdate(ctx, cur)
	}

	recent, err := p.store.RecentRealBets(ctx, dedupWarmLimit)
	if err != nil {
		p.logger.Warn().Err(err).Msg("startup: dedup warm restore failed")
		return
	}
	for _, b := range recent {
		p.markSeen(b.Epoch, b.WalletAddress)
	}
	p.logger.Info().Int64("epoch", p.current).Int("restored", len(recent)).Msg("realtime pipeline started")
}

func (p *Pipeline) handleBet(ctx context.Context, lb *chain.LiveBet) {
	if lb == nil || !lb.Direction.Valid() {
		p.logger.Warn().Msg("dropping live bet with invalid direction")
		return
	}

	bet := models.RealBet{
		Epoch:         lb.Epoch,
		BetTS:         timefmt.Now(),
		WalletAddress: lb.Sender,
		Direction:     lb.Direction,
		Amount:        decimal.NewFromBigInt(lb.Amount, -18),
	}

	// The detector sees every bet, duplicates included; repeat betting in
	// one round is itself a signal, and its alert goes out even when the
	// new_bet message is suppressed.
	res := p.det.Inspect(ctx, bet)
	if res.Suspicious() {
		p.broadcast(models.SuspiciousActivityMsg{
			Type:        models.MsgSuspiciousActivity,
			Wallet:      bet.WalletAddress,
			Epoch:       bet.Epoch,
			Direction:   string(bet.Direction),
			Amount:      bet.Amount.String(),
			Flags:       res.Flags,
			TotalBets:   res.TotalBets,
			TotalAmount: res.TotalAmount.StringFixed(4),
			Timestamp:   bet.BetTS,
		})
	}

	if p.isDuplicate(bet.Epoch, bet.WalletAddress) {
		p.logger.Debug().Int64("epoch", bet.Epoch).Str("wallet", bet.WalletAddress).Msg("duplicate live bet suppressed")
		return
	}
	p.markSeen(bet.Epoch, bet.WalletAddress)

	p.broadcast(models.NewBetMsg{
		Type:       models.MsgNewBet,
		Wallet:     bet.WalletAddress,
		Epoch:      bet.Epoch,
		Direction:  string(bet.Direction),
		Amount:     bet.Amount.String(),
		Timestamp:  bet.BetTS,
		Suspicious: res.Suspicious(),
		Flags:      res.Flags,
	})

	if err := p.store.InsertRealBet(ctx, bet); err != nil {
		p.logger.Warn().Err(err).Int64("epoch", bet.Epoch).Str("wallet", bet.WalletAddress).
			Msg("hot-table insert failed, stream already served")
	}
}

func (p *Pipeline) handleStartRound(ctx context.Context, epoch int64) {
	p.current = epoch
	p.logger.Info().Int64("epoch", epoch).Msg("round started")
	p.broadcastRoundUpdate(ctx, epoch)
	p.pruneSeenBefore(epoch - dedupRetentionLag)
	if n, err := p.store.SweepRealBetsBefore(ctx, epoch-dedupRetentionLag); err != nil {
		p.logger.Warn().Err(err).Msg("hot-table sweep failed")
	} else if n > 0 {
		p.logger.Debug().Int64("rows", n).Msg("hot-table retention sweep")
	}
}

func (p *Pipeline) handleLockRound(ctx context.Context, epoch int64) {
	p.logger.Info().Int64("epoch", epoch).Msg("round locked")
	p.broadcast(models.RoundLockMsg{
		Type:      models.MsgRoundLock,
		Epoch:     epoch,
		Timestamp: timefmt.Now(),
	})
	// Betting has moved on to the next round.
	p.broadcastRoundUpdate(ctx, epoch+1)

	delete(p.seen, epoch)
	p.det.ForgetEpoch(epoch)
}

func (p *Pipeline) broadcastRoundUpdate(ctx context.Context, epoch int64) {
	view, err := p.chain.Round(ctx, epoch)
	if err != nil {
		p.logger.Warn().Err(err).Int64("epoch", epoch).Msg("round snapshot fetch failed")
		return
	}
	p.broadcast(models.RoundUpdateMsg{
		Type:           models.MsgRoundUpdate,
		Epoch:          epoch,
		Status:         roundStatus(view),
		StartTimestamp: view.StartTimestamp,
		LockTimestamp:  view.LockTimestamp,
		CloseTimestamp: view.CloseTimestamp,
		LockPrice:      dec(view.LockPrice, -8).String(),
		ClosePrice:     dec(view.ClosePrice, -8).String(),
		TotalAmount:    dec(view.TotalAmount, -18).String(),
		BullAmount:     dec(view.BullAmount, -18).String(),
		BearAmount:     dec(view.BearAmount, -18).String(),
		Timestamp:      timefmt.Now(),
	})
}

// dec treats a nil big.Int (a field the contract has not populated yet) as
// zero.
func dec(v *big.Int, exp int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, exp)
}

// roundStatus derives the lifecycle stage from which on-chain fields are
// populated: timestamps are scheduled at start, the lock price lands at
// lock, and the oracle flag lands at close.
func roundStatus(view chain.RoundView) string {
	switch {
	case view.StartTimestamp == 0:
		return models.RoundStatusPending
	case view.LockPrice == nil || view.LockPrice.Sign() == 0:
		return models.RoundStatusBetting
	case !view.OracleCalled:
		return models.RoundStatusLocked
	default:
		return models.RoundStatusEnded
	}
}

func (p *Pipeline) broadcast(v any) {
	if err := p.hub.BroadcastJSON(v); err != nil {
		p.logger.Warn().Err(err).Msg("broadcast failed")
	}
}

func (p *Pipeline) isDuplicate(epoch int64, wallet string) bool {
	wallets, ok := p.seen[epoch]
	if !ok {
		return false
	}
	_, dup := wallets[wallet]
	return dup
}

func (p *Pipeline) markSeen(epoch int64, wallet string) {
	wallets, ok := p.seen[epoch]
	if !ok {
		wallets = make(map[string]time.Time)
		p.seen[epoch] = wallets
	}
	wallets[wallet] = p.now()
}

func (p *Pipeline) pruneSeenBefore(floor int64) {
	for epoch := range p.seen {
		if epoch < floor {
			delete(p.seen, epoch)
		}
	}
}

// sweep is the hourly fallback: it prunes dedup epochs in case lock events
// were missed during an outage, evicts entries older than the TTL, and
// evicts idle detector state.
func (p *Pipeline) sweep() {
	p.pruneSeenBefore(p.current - dedupRetentionLag)
	cutoff := p.now().Add(-dedupEntryTTL)
	for epoch, wallets := range p.seen {
		for wallet, seenAt := range wallets {
			if seenAt.Before(cutoff) {
				delete(wallets, wallet)
			}
		}
		if len(wallets) == 0 {
			delete(p.seen, epoch)
		}
	}
	evicted := p.det.Sweep()
	p.logger.Debug().Int("detector_evicted", evicted).Int("dedup_epochs", len(p.seen)).Msg("hourly sweep")
}
