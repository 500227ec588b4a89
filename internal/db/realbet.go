package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// InsertRealBet appends one live bet to the hot table. The table is
// deliberately append-only; dedup happens in the real-time pipeline's
// in-memory set, and whole epochs are wiped after historical commit.
func (s *Store) InsertRealBet(ctx context.Context, bet models.RealBet) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO realbet (epoch, bet_ts, wallet_address, bet_direction, amount)
		VALUES ($1, $2, $3, $4, $5);
	`, bet.Epoch, bet.BetTS, bet.WalletAddress, string(bet.Direction), bet.Amount)
	if err != nil {
		s.markUnhealthy(err)
		return fmt.Errorf("insert realbet: %w", err)
	}
	return nil
}

// DeleteRealBetsForEpoch wipes the hot rows of one committed epoch.
func (s *Store) DeleteRealBetsForEpoch(ctx context.Context, epoch int64) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM realbet WHERE epoch = $1`, epoch); err != nil {
		s.markUnhealthy(err)
		return err
	}
	return nil
}

// SweepRealBetsBefore enforces the "most recent three epochs" retention
// bound with a range delete.
func (s *Store) SweepRealBetsBefore(ctx context.Context, epoch int64) (int64, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM realbet WHERE epoch < $1`, epoch)
	if err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RealBetCountBefore counts hot rows older than the retention floor; the
// graceful-restart validation expects zero.
func (s *Store) RealBetCountBefore(ctx context.Context, epoch int64) (int, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM realbet WHERE epoch < $1`, epoch).Scan(&n); err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return n, nil
}

// RecentRealBets returns the newest hot rows, used to warm-restore the
// real-time pipeline's dedup set after a restart.
func (s *Store) RecentRealBets(ctx context.Context, limit int) ([]models.RealBet, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT epoch, bet_ts, wallet_address, bet_direction, amount
		FROM realbet ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		s.markUnhealthy(err)
		return nil, err
	}
	defer rows.Close()

	bets := make([]models.RealBet, 0, limit)
	for rows.Next() {
		var b models.RealBet
		var dir, amount string
		if err := rows.Scan(&b.Epoch, &b.BetTS, &b.WalletAddress, &dir, &amount); err != nil {
			return nil, err
		}
		b.Direction = models.Direction(dir)
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("realbet: bad amount %q: %w", amount, err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}
