// Package db provides the PostgreSQL-backed stores of the broadcaster:
// subscribers, phrases, per-subscriber delivery history, and the run lock and
// run history tables. All repositories accept a DBTX interface that is
// satisfied by both *pgxpool.Pool and pgx.Tx.
//
// Expected schema (owned by the signup service, except delivery_history,
// job_locks, and job_history):
//
//	users(id, email)
//	subscription_plans(id, name)
//	subscriptions(user_id, plan_id, status, created_at)
//	phrases(id, text, author)
//	delivery_history(subscriber_key, content_id, slot, sent_at)
//	job_locks(id, worker_id, locked_at, expires_at)
//	job_history(id bigserial, job_type, started_at, finished_at, status, items_count, error)
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"phrasecast/internal/config"
	"phrasecast/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a connection pool sized for a short-lived batch run and
// verifies connectivity within AcquireTimeout.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "invalid DATABASE_URL", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable, "failed to create database pool", err)
	}

	pingCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, types.NewAppError(types.ErrCodeStoreUnavailable,
			fmt.Sprintf("database unreachable within %s", cfg.AcquireTimeout), err)
	}
	return pool, nil
}

// withTimeout bounds a store call. A zero timeout leaves ctx unchanged.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
