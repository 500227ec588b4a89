package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/internal/timefmt"
	"github.com/betwatch/prediction-engine/pkg/models"
)

// CommitEpoch writes the round row, all historical bets, and all claims of
// one epoch inside a single transaction. Bets and claims are idempotent by
// tx_hash, the round by epoch, so reprocessing a committed epoch is a no-op.
// Rollback on any failure leaves no partial round visible.
func (s *Store) CommitEpoch(ctx context.Context, round models.Round, bets []models.HisBet, claims []models.Claim) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		s.markUnhealthy(err)
		return fmt.Errorf("begin epoch commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertRoundSQL := `
		INSERT INTO round
			(epoch, start_ts, lock_ts, close_ts, lock_price, close_price, result,
			 total_amount, up_amount, down_amount, up_payout, down_payout)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12)
		ON CONFLICT (epoch) DO NOTHING;
	`
	_, err = tx.Exec(ctx, insertRoundSQL,
		round.Epoch, round.StartTS, round.LockTS, round.CloseTS,
		round.LockPrice, round.ClosePrice, string(round.Result),
		round.TotalAmount, round.UpAmount, round.DownAmount,
		round.UpPayout, round.DownPayout,
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", round.Epoch, err)
	}

	insertBetSQL := `
		INSERT INTO hisbet (epoch, bet_ts, wallet_address, bet_direction, amount, result, tx_hash)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (tx_hash) DO NOTHING;
	`
	for _, b := range bets {
		if _, err := tx.Exec(ctx, insertBetSQL,
			b.Epoch, b.BetTS, b.WalletAddress, string(b.Direction), b.Amount, string(b.Result), b.TxHash,
		); err != nil {
			return fmt.Errorf("insert hisbet %s: %w", b.TxHash, err)
		}
	}

	insertClaimSQL := `
		INSERT INTO claim (epoch, claim_ts, wallet_address, claim_amount, bet_epoch, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING;
	`
	for _, c := range claims {
		if _, err := tx.Exec(ctx, insertClaimSQL,
			c.Epoch, c.ClaimTS, c.WalletAddress, c.ClaimAmount, c.BetEpoch, c.TxHash,
		); err != nil {
			return fmt.Errorf("insert claim %s: %w", c.TxHash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.markUnhealthy(err)
		return fmt.Errorf("commit epoch %d: %w", round.Epoch, err)
	}
	return nil
}

// RoundExists reports whether a round row has already been committed.
func (s *Store) RoundExists(ctx context.Context, epoch int64) (bool, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM round WHERE epoch = $1)`, epoch).Scan(&exists)
	if err != nil {
		s.markUnhealthy(err)
		return false, err
	}
	return exists, nil
}

// EpochRowCounts returns the hisbet and claim row counts for one epoch.
// Used by the graceful-restart validation pass.
func (s *Store) EpochRowCounts(ctx context.Context, epoch int64) (bets int, claims int, err error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, 0, err
	}
	err = pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM hisbet WHERE epoch = $1),
			(SELECT COUNT(*) FROM claim WHERE epoch = $1)
	`, epoch).Scan(&bets, &claims)
	if err != nil {
		s.markUnhealthy(err)
		return 0, 0, err
	}
	return bets, claims, nil
}

// DeleteEpochData removes the partial row set of a failed epoch (round,
// bets, claims) so the next attempt starts clean.
func (s *Store) DeleteEpochData(ctx context.Context, epoch int64) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		s.markUnhealthy(err)
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM hisbet WHERE epoch = $1`,
		`DELETE FROM claim WHERE epoch = $1`,
		`DELETE FROM round WHERE epoch = $1`,
	} {
		if _, err := tx.Exec(ctx, q, epoch); err != nil {
			return fmt.Errorf("delete epoch %d rows: %w", epoch, err)
		}
	}
	return tx.Commit(ctx)
}

// RecordEpochFailure increments the failure counter for an epoch and
// returns the new count. The third strike quarantines the epoch.
func (s *Store) RecordEpochFailure(ctx context.Context, epoch int64, message string) (int, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = pool.QueryRow(ctx, `
		INSERT INTO failed_epoch (epoch, error_message, last_attempt_ts, failure_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (epoch) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			last_attempt_ts = EXCLUDED.last_attempt_ts,
			failure_count = failed_epoch.failure_count + 1
		RETURNING failure_count;
	`, epoch, message, timefmt.Now()).Scan(&count)
	if err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return count, nil
}

// EpochFailureCount returns the recorded failure count, zero if none.
func (s *Store) EpochFailureCount(ctx context.Context, epoch int64) (int, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT failure_count FROM failed_epoch WHERE epoch = $1), 0)`, epoch,
	).Scan(&count)
	if err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return count, nil
}

// ClaimsForEpoch returns all claims stored for one processing epoch, for
// the offline detector pass.
func (s *Store) ClaimsForEpoch(ctx context.Context, epoch int64) ([]models.Claim, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT epoch, claim_ts, wallet_address, claim_amount, bet_epoch, tx_hash
		FROM claim WHERE epoch = $1
	`, epoch)
	if err != nil {
		s.markUnhealthy(err)
		return nil, err
	}
	defer rows.Close()

	claims := make([]models.Claim, 0)
	for rows.Next() {
		var c models.Claim
		var amount string
		if err := rows.Scan(&c.Epoch, &c.ClaimTS, &c.WalletAddress, &amount, &c.BetEpoch, &c.TxHash); err != nil {
			return nil, err
		}
		if c.ClaimAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("claim %s: bad amount %q: %w", c.TxHash, amount, err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}
