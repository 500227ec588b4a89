package db

import (
	"context"
	"fmt"

	"github.com/betwatch/prediction-engine/pkg/models"
)

// UpsertMultiClaim records (or refreshes) an offline multi-claim finding
// keyed by (epoch, wallet).
func (s *Store) UpsertMultiClaim(ctx context.Context, mc models.MultiClaim) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO multi_claims (epoch, wallet_address, claim_count, total_amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (epoch, wallet_address) DO UPDATE SET
			claim_count = EXCLUDED.claim_count,
			total_amount = EXCLUDED.total_amount;
	`, mc.Epoch, mc.WalletAddress, mc.ClaimCount, mc.TotalAmount)
	if err != nil {
		s.markUnhealthy(err)
		return fmt.Errorf("upsert multi_claim (%d, %s): %w", mc.Epoch, mc.WalletAddress, err)
	}
	return nil
}

// MultiClaimCount returns how many findings exist for one epoch. Used by
// the graceful-restart validation.
func (s *Store) MultiClaimCount(ctx context.Context, epoch int64) (int, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM multi_claims WHERE epoch = $1`, epoch).Scan(&n); err != nil {
		s.markUnhealthy(err)
		return 0, err
	}
	return n, nil
}

// UpsertWalletNote writes the auto-generated note for a flagged wallet.
// Only the first note survives; later flags refresh updated_at but keep the
// original text so an analyst's manual edit is never clobbered.
func (s *Store) UpsertWalletNote(ctx context.Context, wallet, note string) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO wallet_note (wallet_address, note)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO UPDATE SET updated_at = NOW();
	`, wallet, note)
	if err != nil {
		s.markUnhealthy(err)
		return fmt.Errorf("upsert wallet_note %s: %w", wallet, err)
	}
	return nil
}

// HasWalletNote reports whether a wallet already carries a note.
func (s *Store) HasWalletNote(ctx context.Context, wallet string) (bool, error) {
	pool, err := s.db(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_note WHERE wallet_address = $1)`, wallet).Scan(&exists)
	if err != nil {
		s.markUnhealthy(err)
		return false, err
	}
	return exists, nil
}
