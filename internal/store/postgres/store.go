// Package postgres is the PostgreSQL record store: pgxpool for connections,
// squirrel for statement building, scany for row mapping and goose for the
// embedded schema migrations.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"scriptgate/internal/config"
	"scriptgate/internal/store"
)

const defaultPingTimeout = 3 * time.Second

// Store is the PostgreSQL backed store.Store.
type Store struct {
	*Repository
	pool *pgxpool.Pool
}

// Open connects a pool to cfg.DSN, verifies it and optionally migrates.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.MigrateOnStart {
		if err := ApplyMigrations(ctx, cfg.DSN); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "Database migrations applied")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	s := &Store{Repository: NewRepository(pool), pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "Postgres store connected",
		slog.Int("max_conns", int(poolCfg.MaxConns)))
	return s, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ store.Store = (*Store)(nil)
