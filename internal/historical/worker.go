package historical

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/detector"
)

const (
	defaultMainPacing   = 2 * time.Second
	sideInterval        = 5 * time.Minute
	sideWindowStart     = 6 // currentEpoch - 6 ...
	sideWindowEnd       = 2 // ... currentEpoch - 2, inclusive
	defaultDrainTimeout = 60 * time.Second
	defaultSettleDelay  = 3 * time.Second
	defaultRestartDelay = 5 * time.Second
)

// Manager owns the two historical workers: the main backtracking worker and
// the side recent-scan worker. It also implements the graceful restart the
// supervisor triggers every 30 minutes. The timing fields carry production
// defaults; tests shorten them.
type Manager struct {
	proc   *Processor
	logger zerolog.Logger

	mainPacing   time.Duration
	drainTimeout time.Duration
	settleDelay  time.Duration
	restartDelay time.Duration

	mu       sync.Mutex
	stopMain chan struct{}
	mainDone chan struct{}
}

func NewManager(proc *Processor, logger zerolog.Logger) *Manager {
	return &Manager{
		proc:         proc,
		logger:       logger.With().Str("component", "historical").Logger(),
		mainPacing:   defaultMainPacing,
		drainTimeout: defaultDrainTimeout,
		settleDelay:  defaultSettleDelay,
		restartDelay: defaultRestartDelay,
	}
}

// Start launches the main and side workers. The side worker lives for the
// whole process; the main worker can be stopped and restarted.
func (m *Manager) Start(ctx context.Context) {
	m.startMain(ctx)
	go m.runSide(ctx)
}

func (m *Manager) startMain(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopMain = make(chan struct{})
	m.mainDone = make(chan struct{})
	go m.runMain(ctx, m.stopMain, m.mainDone)
}

// runMain backfills from currentEpoch-2 downward until epoch 0, polite 2s
// pacing between epochs. The stop signal is cooperative: the worker
// finishes the epoch it is on, then exits.
func (m *Manager) runMain(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	cur, err := m.proc.chain.CurrentEpoch(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("main worker: cannot read current epoch")
		return
	}
	start := cur - 2
	m.logger.Info().Int64("start_epoch", start).Msg("main backfill worker started")

	for epoch := start; epoch > 0; epoch-- {
		select {
		case <-stop:
			m.logger.Info().Int64("epoch", epoch).Msg("main worker stopping on signal")
			return
		case <-ctx.Done():
			return
		default:
		}

		m.processQuietly(ctx, epoch)

		select {
		case <-stop:
			m.logger.Info().Int64("epoch", epoch).Msg("main worker stopping on signal")
			return
		case <-ctx.Done():
			return
		case <-time.After(m.mainPacing):
		}
	}
	m.logger.Info().Msg("main backfill worker reached epoch 1, backfill complete")
}

// runSide re-processes the recent five-epoch window every five minutes,
// catching epochs the main worker passed before they closed.
func (m *Manager) runSide(ctx context.Context) {
	ticker := time.NewTicker(sideInterval)
	defer ticker.Stop()
	m.logger.Info().Msg("side recent-scan worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := m.proc.chain.CurrentEpoch(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("side worker: cannot read current epoch")
				continue
			}
			for epoch := cur - sideWindowStart; epoch <= cur-sideWindowEnd; epoch++ {
				if epoch <= 0 {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				m.processQuietly(ctx, epoch)
			}
		}
	}
}

// processQuietly runs one epoch, demoting the expected not-yet-closed
// conditions to debug noise.
func (m *Manager) processQuietly(ctx context.Context, epoch int64) {
	_, err := m.proc.ProcessEpoch(ctx, epoch)
	switch {
	case err == nil:
	case errors.Is(err, ErrRoundNotClosed), errors.Is(err, ErrNextRoundNotStarted):
		m.logger.Debug().Int64("epoch", epoch).Msg("epoch not ready, skipped")
	case errors.Is(err, ErrEpochQuarantined):
		m.logger.Debug().Int64("epoch", epoch).Msg("epoch quarantined, skipped")
	case errors.Is(err, context.Canceled):
	default:
		m.logger.Error().Err(err).Int64("epoch", epoch).Msg("epoch processing failed")
	}
}

// GracefulRestart stops the main worker, lets in-flight writes settle,
// validates the recent window, and restarts. Validation failures are
// surfaced in the log but never block the restart.
func (m *Manager) GracefulRestart(ctx context.Context) {
	m.logger.Info().Msg("graceful restart: signalling main worker to stop")

	m.mu.Lock()
	stop, done := m.stopMain, m.mainDone
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}

	select {
	case <-done:
		m.logger.Info().Msg("graceful restart: main worker drained")
	case <-time.After(m.drainTimeout):
		m.logger.Warn().Msg("graceful restart: drain timeout, proceeding")
	case <-ctx.Done():
		return
	}

	// Let in-flight DB writes settle before reading them back.
	select {
	case <-time.After(m.settleDelay):
	case <-ctx.Done():
		return
	}

	m.validateRecentWindow(ctx)

	select {
	case <-time.After(m.restartDelay):
	case <-ctx.Done():
		return
	}

	m.startMain(ctx)
	m.logger.Info().Msg("graceful restart: main worker restarted")
}

// validateRecentWindow re-checks the stored state of the recent epochs:
// row presence and counts, hot-table sweep, and multi-claim findings (the
// distinct-bet-epoch variant, which specifically flags a wallet sweeping
// many prior rounds at once).
func (m *Manager) validateRecentWindow(ctx context.Context) {
	cur, err := m.proc.chain.CurrentEpoch(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("restart validation: cannot read current epoch")
		return
	}

	for epoch := cur - sideWindowStart; epoch <= cur-sideWindowEnd; epoch++ {
		if epoch <= 0 {
			continue
		}
		exists, err := m.proc.store.RoundExists(ctx, epoch)
		if err != nil {
			m.logger.Warn().Err(err).Int64("epoch", epoch).Msg("restart validation: round lookup failed")
			continue
		}
		if !exists {
			m.logger.Warn().Int64("epoch", epoch).Msg("restart validation: recent round missing")
			continue
		}
		bets, claims, err := m.proc.store.EpochRowCounts(ctx, epoch)
		if err != nil {
			m.logger.Warn().Err(err).Int64("epoch", epoch).Msg("restart validation: row counts failed")
			continue
		}
		if bets == 0 {
			m.logger.Warn().Int64("epoch", epoch).Msg("restart validation: stored round has no bets")
		}
		m.logger.Info().Int64("epoch", epoch).Int("bets", bets).Int("claims", claims).
			Msg("restart validation: epoch checked")

		m.recheckMultiClaims(ctx, epoch)
	}

	stale, err := m.proc.store.RealBetCountBefore(ctx, cur-hotRetentionLag)
	if err != nil {
		m.logger.Warn().Err(err).Msg("restart validation: realbet count failed")
	} else if stale > 0 {
		m.logger.Warn().Int("stale_rows", stale).Msg("restart validation: realbet not fully swept")
	} else {
		m.logger.Info().Msg("restart validation: realbet sweep verified")
	}
}

func (m *Manager) recheckMultiClaims(ctx context.Context, epoch int64) {
	claims, err := m.proc.store.ClaimsForEpoch(ctx, epoch)
	if err != nil {
		m.logger.Warn().Err(err).Int64("epoch", epoch).Msg("restart validation: claim fetch failed")
		return
	}
	findings := detector.GroupClaims(epoch, claims, m.proc.threshold, detector.GroupByDistinctBetEpoch)
	stored, err := m.proc.store.MultiClaimCount(ctx, epoch)
	if err != nil {
		m.logger.Warn().Err(err).Int64("epoch", epoch).Msg("restart validation: multi-claim count failed")
		return
	}
	for _, f := range findings {
		if err := m.proc.store.UpsertMultiClaim(ctx, f); err != nil {
			m.logger.Warn().Err(err).Str("wallet", f.WalletAddress).Msg("restart validation: multi-claim upsert failed")
		}
	}
	m.logger.Info().Int64("epoch", epoch).Int("stored", stored).Int("distinct_variant", len(findings)).
		Msg("restart validation: multi-claims checked")
}

// RangeReport summarizes an on-demand range run.
type RangeReport struct {
	Committed   int
	Skipped     int
	Quarantined int
	Failed      int
}

// ProcessRange runs the per-epoch logic over a closed interval, for manual
// backfills. Unlike the workers it reports rather than retries.
func (m *Manager) ProcessRange(ctx context.Context, from, to int64) (RangeReport, error) {
	var report RangeReport
	if from > to {
		from, to = to, from
	}
	for epoch := from; epoch <= to; epoch++ {
		if epoch <= 0 {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := m.proc.ProcessEpoch(ctx, epoch)
		switch outcome {
		case OutcomeCommitted:
			report.Committed++
		case OutcomeSkippedStored, OutcomeSkippedOpen:
			report.Skipped++
		case OutcomeSkippedQuarantined:
			report.Quarantined++
		case OutcomeFailed:
			report.Failed++
			m.logger.Error().Err(err).Int64("epoch", epoch).Msg("range: epoch failed")
		}
	}
	return report, nil
}
