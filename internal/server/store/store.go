// Package store persists devices, telemetry, alerts, and incidents in
// PostgreSQL and scopes every read to the calling user's role.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/errors"
	"github.com/aegis-siem/aegis/internal/models"
)

const (
	poolMinConns            = 5
	poolMaxConns            = 20
	poolConnectTimeout      = 10 * time.Second
	defaultQueryLimit       = 1000
	maxQueryLimit           = 5000
	defaultProcessPageLimit = 500
)

// AlertDedupWindow is how long duplicate alerts from the same rule,
// severity, and agent are suppressed on insert.
const AlertDedupWindow = 30 * time.Minute

// Store wraps a pgx connection pool. All query methods take a Scope so
// role restrictions are applied inside SQL rather than in Go.
type Store struct {
	pool *pgxpool.Pool
}

// Scope identifies the caller for row filtering. The zero value (or
// ScopeSystem) bypasses filtering and is reserved for internal jobs.
type Scope struct {
	UserID string
	Role   models.Role
}

// ScopeSystem is used by background jobs that must see every row.
var ScopeSystem = Scope{Role: models.RoleOwner}

// ScopeUser builds a Scope from an authenticated user.
func ScopeUser(u *models.User) Scope {
	return Scope{UserID: u.ID, Role: u.Role}
}

// New connects to PostgreSQL, applies the schema, and returns the store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	const op = "store.New"

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Fatal(op, err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns
	cfg.ConnConfig.ConnectTimeout = poolConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Fatal(op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Transient(op, fmt.Errorf("ping database: %w", err))
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Int32("min_conns", cfg.MinConns).Int32("max_conns", cfg.MaxConns).Msg("Connected to PostgreSQL")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Transient("store.ping", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.pool.Query(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.pool.QueryRow(ctx, sql, args...)
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withTxOptions(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) withTxOptions(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// clampLimit applies the default and ceiling for list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// timeframeCutoff translates the query timeframe keyword into a lower
// bound. Unknown values fall back to 24h.
func timeframeCutoff(timeframe string, now time.Time) time.Time {
	switch timeframe {
	case "1h":
		return now.Add(-time.Hour)
	case "6h":
		return now.Add(-6 * time.Hour)
	case "7d":
		return now.Add(-7 * 24 * time.Hour)
	default:
		return now.Add(-24 * time.Hour)
	}
}

// deviceScopeSQL returns a predicate restricting the devices visible to
// the scope, referencing the devices table by alias. The returned args
// extend base; $ placeholders start after len(base).
func deviceScopeSQL(scope Scope, alias string, base []any) (string, []any) {
	switch scope.Role {
	case models.RoleOwner:
		return "TRUE", base
	case models.RoleAdmin:
		args := append(base, scope.UserID)
		n := len(args)
		pred := fmt.Sprintf(`(%s.user_id = $%d OR EXISTS (
			SELECT 1 FROM device_assignments da
			WHERE da.device_id = %s.id AND da.user_id = $%d))`, alias, n, alias, n)
		return pred, args
	default:
		args := append(base, scope.UserID)
		return fmt.Sprintf("%s.user_id = $%d", alias, len(args)), args
	}
}

// agentScopeSQL restricts rows keyed by agent_id to the scope's visible
// devices. column is the qualified agent id column of the outer query.
func agentScopeSQL(scope Scope, column string, base []any) (string, []any) {
	if scope.Role == models.RoleOwner {
		return "TRUE", base
	}
	pred, args := deviceScopeSQL(scope, "d", base)
	sub := fmt.Sprintf(`%s IN (SELECT d.agent_id FROM devices d WHERE %s)`, column, pred)
	return sub, args
}
