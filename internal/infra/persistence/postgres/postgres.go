// Package postgres persists the engine's durable state: markets, order flow,
// positions, liquidation history, wallets, and risk alerts. All money columns
// are NUMERIC(38,12); decimals cross the boundary as text.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/errs"
	"github.com/helixtrade/helix/internal/observability"
)

// Component is the error source identifier for this package.
const Component = "postgres"

// Store wraps a pgx connection pool and implements the persistence surfaces
// the engine components accept.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(Component, errs.CodeInvalid,
			errs.WithMessage("parse database dsn"), errs.WithCause(err))
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("open database pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(Component, errs.CodeUnavailable,
			errs.WithMessage("database unreachable"), errs.WithCause(err))
	}
	observability.Log().Info("database connected")
	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool, used by tests.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func dec(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func wrap(op string, err error) error {
	return errs.New(Component, errs.CodeInternal,
		errs.WithMessage(op), errs.WithCause(err))
}
