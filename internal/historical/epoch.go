// Package historical is the backfill pipeline: per closed epoch it resolves
// a block range, fetches the three event streams, validates integrity, and
// commits atomically, then cleans the hot table and runs offline detection.
package historical

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/internal/chain"
	"github.com/betwatch/prediction-engine/internal/detector"
	"github.com/betwatch/prediction-engine/internal/timefmt"
	"github.com/betwatch/prediction-engine/pkg/models"
)

const (
	maxEpochFailures = 3
	// realbet keeps only the most recent three epochs.
	hotRetentionLag = 2
)

var (
	// ErrRoundNotClosed and ErrNextRoundNotStarted are normal for
	// freshly-live epochs and are skipped silently.
	ErrRoundNotClosed      = errors.New("round not closed")
	ErrNextRoundNotStarted = errors.New("next round not started")
	// ErrIntegrityCheck marks an epoch whose assembled row set failed
	// validation; its partial rows are deleted and the failure recorded.
	ErrIntegrityCheck = errors.New("integrity check failed")
	// ErrEpochQuarantined marks an epoch skipped after three strikes.
	ErrEpochQuarantined = errors.New("epoch quarantined")
)

// treasuryFee: 3% of the pool goes to the treasury before payout.
var payoutFactor = decimal.RequireFromString("0.97")

// ChainReader is the pull surface the pipeline consumes. Satisfied by
// *chain.Client; tests substitute a fake.
type ChainReader interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (chain.RoundView, error)
	FindBlockByTime(ctx context.Context, target uint64) (uint64, error)
	BlockTime(ctx context.Context, n uint64) (uint64, error)
	Events(ctx context.Context, from, to uint64) (chain.EpochEvents, error)
}

// EpochStore is the slice of the store the pipeline writes through.
type EpochStore interface {
	RoundExists(ctx context.Context, epoch int64) (bool, error)
	EpochFailureCount(ctx context.Context, epoch int64) (int, error)
	CommitEpoch(ctx context.Context, round models.Round, bets []models.HisBet, claims []models.Claim) error
	DeleteEpochData(ctx context.Context, epoch int64) error
	RecordEpochFailure(ctx context.Context, epoch int64, message string) (int, error)
	DeleteRealBetsForEpoch(ctx context.Context, epoch int64) error
	SweepRealBetsBefore(ctx context.Context, epoch int64) (int64, error)
	ClaimsForEpoch(ctx context.Context, epoch int64) ([]models.Claim, error)
	UpsertMultiClaim(ctx context.Context, mc models.MultiClaim) error
	EpochRowCounts(ctx context.Context, epoch int64) (bets int, claims int, err error)
	RealBetCountBefore(ctx context.Context, epoch int64) (int, error)
	MultiClaimCount(ctx context.Context, epoch int64) (int, error)
}

// Processor runs the eleven-step per-epoch logic.
type Processor struct {
	chain     ChainReader
	store     EpochStore
	logger    zerolog.Logger
	threshold int // multi-claim threshold
}

func NewProcessor(cr ChainReader, store EpochStore, threshold int, logger zerolog.Logger) *Processor {
	return &Processor{
		chain:     cr,
		store:     store,
		threshold: threshold,
		logger:    logger.With().Str("component", "historical").Logger(),
	}
}

// Outcome summarizes one ProcessEpoch call for range-mode reporting.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeSkippedStored
	OutcomeSkippedOpen
	OutcomeSkippedQuarantined
	OutcomeFailed
)

// ProcessEpoch ingests one closed epoch. Not-yet-closed epochs return
// ErrRoundNotClosed/ErrNextRoundNotStarted, which callers treat as a quiet
// stop condition rather than a fault.
func (p *Processor) ProcessEpoch(ctx context.Context, epoch int64) (Outcome, error) {
	// 1. Quarantine and idempotency guards.
	failures, err := p.store.EpochFailureCount(ctx, epoch)
	if err != nil {
		return OutcomeFailed, err
	}
	if failures >= maxEpochFailures {
		return OutcomeSkippedQuarantined, fmt.Errorf("%w: epoch %d after %d failures", ErrEpochQuarantined, epoch, failures)
	}
	exists, err := p.store.RoundExists(ctx, epoch)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		return OutcomeSkippedStored, nil
	}

	// 2-3. The ingestion window runs from the start of this epoch to the
	// start of the next one, so late bets and payouts land in exactly one
	// epoch. Both boundaries must exist on-chain before we can ingest.
	view, err := p.chain.Round(ctx, epoch)
	if err != nil {
		return OutcomeFailed, err
	}
	if !view.Closed() {
		return OutcomeSkippedOpen, ErrRoundNotClosed
	}
	next, err := p.chain.Round(ctx, epoch+1)
	if err != nil {
		return OutcomeFailed, err
	}
	if next.StartTimestamp == 0 {
		return OutcomeSkippedOpen, ErrNextRoundNotStarted
	}

	// 4. Block-range resolution by timestamp bisection.
	fromBlock, err := p.chain.FindBlockByTime(ctx, uint64(view.StartTimestamp))
	if err != nil {
		return OutcomeFailed, err
	}
	toBlock, err := p.chain.FindBlockByTime(ctx, uint64(next.StartTimestamp))
	if err != nil {
		return OutcomeFailed, err
	}

	// 5. Three parallel event streams.
	events, err := p.chain.Events(ctx, fromBlock, toBlock)
	if err != nil {
		return OutcomeFailed, err
	}

	// 6-7. Assembly and payout computation.
	round := assembleRound(epoch, view)
	bets, claims, err := p.assembleEvents(ctx, epoch, round, events)
	if err != nil {
		return OutcomeFailed, err
	}

	// 8. Integrity: a closed round with bets on only one side (or none)
	// means the event fetch missed data; retry, then quarantine.
	if err := checkIntegrity(bets); err != nil {
		return OutcomeFailed, p.failEpoch(ctx, epoch, err)
	}

	// 9. Atomic commit.
	if err := p.store.CommitEpoch(ctx, round, bets, claims); err != nil {
		return OutcomeFailed, err
	}

	// 10. Hot-table cleanup. Failures here do not undo the commit.
	if err := p.store.DeleteRealBetsForEpoch(ctx, epoch); err != nil {
		p.logger.Warn().Err(err).Int64("epoch", epoch).Msg("realbet epoch cleanup failed")
	}
	if cur, err := p.chain.CurrentEpoch(ctx); err == nil {
		if _, err := p.store.SweepRealBetsBefore(ctx, cur-hotRetentionLag); err != nil {
			p.logger.Warn().Err(err).Msg("realbet retention sweep failed")
		}
	}

	// 11. Offline multi-claim detection over the committed claim set.
	p.runOfflineDetection(ctx, epoch, claims)

	p.logger.Info().Int64("epoch", epoch).Int("bets", len(bets)).Int("claims", len(claims)).
		Uint64("from_block", fromBlock).Uint64("to_block", toBlock).Msg("epoch committed")
	return OutcomeCommitted, nil
}

// failEpoch deletes the partial row set, bumps the failure counter, and
// quarantines on the third strike.
func (p *Processor) failEpoch(ctx context.Context, epoch int64, cause error) error {
	if err := p.store.DeleteEpochData(ctx, epoch); err != nil {
		p.logger.Error().Err(err).Int64("epoch", epoch).Msg("partial-row cleanup failed")
	}
	count, err := p.store.RecordEpochFailure(ctx, epoch, cause.Error())
	if err != nil {
		p.logger.Error().Err(err).Int64("epoch", epoch).Msg("failure bookkeeping failed")
		return cause
	}
	if count >= maxEpochFailures {
		p.logger.Error().Int64("epoch", epoch).Int("failures", count).Msg("epoch quarantined")
	} else {
		p.logger.Warn().Err(cause).Int64("epoch", epoch).Int("failures", count).Msg("epoch failed, will retry")
	}
	return cause
}

func (p *Processor) runOfflineDetection(ctx context.Context, epoch int64, claims []models.Claim) {
	findings := detector.GroupClaims(epoch, claims, p.threshold, detector.GroupByRowCount)
	for _, f := range findings {
		if err := p.store.UpsertMultiClaim(ctx, f); err != nil {
			p.logger.Warn().Err(err).Str("wallet", f.WalletAddress).Msg("multi-claim upsert failed")
			continue
		}
		p.logger.Info().Int64("epoch", epoch).Str("wallet", f.WalletAddress).
			Int("claims", f.ClaimCount).Str("total", f.TotalAmount.String()).Msg("multi-claim wallet recorded")
	}
}

// assembleRound converts the on-chain view into the stored row, deriving
// result and the two payout multipliers.
func assembleRound(epoch int64, view chain.RoundView) models.Round {
	lockPrice := decimal.NewFromBigInt(view.LockPrice, -8)
	closePrice := decimal.NewFromBigInt(view.ClosePrice, -8)
	total := decimal.NewFromBigInt(view.TotalAmount, -18)
	up := decimal.NewFromBigInt(view.BullAmount, -18)
	down := decimal.NewFromBigInt(view.BearAmount, -18)

	var result models.Direction
	switch closePrice.Cmp(lockPrice) {
	case 1:
		result = models.DirectionUp
	case -1:
		result = models.DirectionDown
	}

	upPayout, downPayout := ComputePayouts(total, up, down, result)
	return models.Round{
		Epoch:       epoch,
		StartTS:     timefmt.FromUnix(view.StartTimestamp),
		LockTS:      timefmt.FromUnix(view.LockTimestamp),
		CloseTS:     timefmt.FromUnix(view.CloseTimestamp),
		LockPrice:   lockPrice,
		ClosePrice:  closePrice,
		Result:      result,
		TotalAmount: total,
		UpAmount:    up,
		DownAmount:  down,
		UpPayout:    upPayout,
		DownPayout:  downPayout,
	}
}

// ComputePayouts applies the 3% treasury fee and rounds to four digits. A
// zero-stake side pays zero, and a losing side pays zero: the stored payout
// is the realized multiplier, not the hypothetical one. On a draw both
// hypothetical multipliers are kept.
func ComputePayouts(total, up, down decimal.Decimal, result models.Direction) (upPayout, downPayout decimal.Decimal) {
	afterFee := total.Mul(payoutFactor)
	upPayout, downPayout = decimal.Zero, decimal.Zero
	if up.IsPositive() && result != models.DirectionDown {
		upPayout = afterFee.Div(up).Round(4)
	}
	if down.IsPositive() && result != models.DirectionUp {
		downPayout = afterFee.Div(down).Round(4)
	}
	return upPayout, downPayout
}

// assembleEvents maps raw logs to table rows. Bet results compare the bet
// side against the round result (empty on a draw); claims keep the
// processing epoch separate from the claimed round.
func (p *Processor) assembleEvents(ctx context.Context, epoch int64, round models.Round, events chain.EpochEvents) ([]models.HisBet, []models.Claim, error) {
	blockTimes := make(map[uint64]int64)
	tsOf := func(block uint64) (string, error) {
		if t, ok := blockTimes[block]; ok {
			return timefmt.FromUnix(t), nil
		}
		t, err := p.chain.BlockTime(ctx, block)
		if err != nil {
			return "", err
		}
		blockTimes[block] = int64(t)
		return timefmt.FromUnix(int64(t)), nil
	}

	bets := make([]models.HisBet, 0, len(events.BetBull)+len(events.BetBear))
	appendBets := func(src []chain.LogEvent, dir models.Direction) error {
		for _, ev := range src {
			ts, err := tsOf(ev.BlockNumber)
			if err != nil {
				return err
			}
			bets = append(bets, models.HisBet{
				Epoch:         ev.Epoch,
				BetTS:         ts,
				WalletAddress: ev.Sender,
				Direction:     dir,
				Amount:        decimal.NewFromBigInt(ev.Amount, -18),
				Result:        betResult(dir, round.Result),
				TxHash:        ev.TxHash,
			})
		}
		return nil
	}
	if err := appendBets(events.BetBull, models.DirectionUp); err != nil {
		return nil, nil, err
	}
	if err := appendBets(events.BetBear, models.DirectionDown); err != nil {
		return nil, nil, err
	}

	claims := make([]models.Claim, 0, len(events.Claims))
	for _, ev := range events.Claims {
		ts, err := tsOf(ev.BlockNumber)
		if err != nil {
			return nil, nil, err
		}
		claims = append(claims, models.Claim{
			Epoch:         epoch,    // processing epoch: when the payout landed
			BetEpoch:      ev.Epoch, // provenance: the round being claimed
			ClaimTS:       ts,
			WalletAddress: ev.Sender,
			ClaimAmount:   decimal.NewFromBigInt(ev.Amount, -18),
			TxHash:        ev.TxHash,
		})
	}
	return bets, claims, nil
}

func betResult(dir, roundResult models.Direction) models.BetResult {
	if roundResult == "" {
		return models.BetResultNone
	}
	if dir == roundResult {
		return models.BetResultWin
	}
	return models.BetResultLoss
}

// checkIntegrity enforces the per-epoch validation rule: both sides must be
// represented. Claims may legitimately be empty.
func checkIntegrity(bets []models.HisBet) error {
	var hasUp, hasDown bool
	for _, b := range bets {
		switch b.Direction {
		case models.DirectionUp:
			hasUp = true
		case models.DirectionDown:
			hasDown = true
		}
		if hasUp && hasDown {
			return nil
		}
	}
	switch {
	case !hasUp && !hasDown:
		return fmt.Errorf("%w: no bets in window", ErrIntegrityCheck)
	case !hasUp:
		return fmt.Errorf("%w: no UP bets in window", ErrIntegrityCheck)
	default:
		return fmt.Errorf("%w: no DOWN bets in window", ErrIntegrityCheck)
	}
}
