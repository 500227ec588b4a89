// Package db is the engine's Postgres store. It owns one pgx connection
// pool per process, a liveness probe, and a self-healing reconnect: any
// operation that observes a broken pool marks it unhealthy, and the next
// operation re-establishes it before running.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// schemaSQL is compiled into the binary so schema bootstrap works in a
// container image that does not carry the source tree.
//
//go:embed schema.sql
var schemaSQL string

type Store struct {
	connStr string
	logger  zerolog.Logger

	mu      sync.Mutex
	pool    *pgxpool.Pool
	healthy bool
}

// Connect builds the pool and verifies it with a ping.
func Connect(ctx context.Context, connStr string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		connStr: connStr,
		logger:  logger.With().Str("component", "db").Logger(),
	}
	pool, err := s.newPool(ctx)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.healthy = true
	s.logger.Info().Msg("connected to postgres")
	return s, nil
}

func (s *Store) newPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, s.connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return pool, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.healthy = false
}

// InitSchema executes the embedded schema DDL. All statements are
// idempotent, so this runs on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info().Msg("schema initialized")
	return nil
}

// Ping runs the liveness probe and updates the health flag.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.db(ctx)
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		s.markUnhealthy(err)
		return err
	}
	return nil
}

// Healthy reports the last known pool state.
func (s *Store) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// db returns a live pool, transparently rebuilding it after a failure.
func (s *Store) db(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthy && s.pool != nil {
		return s.pool, nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.logger.Warn().Msg("pool unhealthy, reconnecting")
	pool, err := s.newPool(ctx)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.healthy = true
	s.logger.Info().Msg("pool re-established")
	return pool, nil
}

// markUnhealthy flags the pool for reconnection on the next operation.
func (s *Store) markUnhealthy(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthy {
		s.logger.Error().Err(err).Msg("marking pool unhealthy")
	}
	s.healthy = false
}
