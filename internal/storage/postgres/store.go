// Package postgres persists campaigns, messages and the audit trail with pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/example/campaign-service/internal/audit"
	"github.com/example/campaign-service/internal/campaign"
)

//go:embed schema.sql
var schema string

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ campaign.Store        = (*Store)(nil)
	_ campaign.MessageStore = (*Store)(nil)
	_ audit.Store           = (*Store)(nil)
)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pool and retries the first ping until the database answers or maxWait passes.
func Connect(ctx context.Context, url string, maxWait time.Duration, logger zerolog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("database not ready")
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates missing tables and indexes. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
