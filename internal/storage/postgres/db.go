// Package postgres provides Postgres-backed persistence for stores, reviews,
// crawling sessions and leases.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and the per-platform review tables.
type Config struct {
	DSN             string            `mapstructure:"dsn"`
	MaxConns        int32             `mapstructure:"max_conns"`
	MinConns        int32             `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration     `mapstructure:"max_conn_lifetime"`
	ReviewTables    map[string]string `mapstructure:"review_tables"`
}

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is satisfied by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open parses cfg.DSN and connects a pool.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Tables maps each platform to its review table.
type Tables map[review.Platform]string

// ResolveTables fills in reviews_<platform> for every platform missing from
// overrides and validates every name.
func ResolveTables(overrides map[string]string) (Tables, error) {
	out := make(Tables, len(review.Platforms))
	for _, p := range review.Platforms {
		out[p] = "reviews_" + string(p)
	}
	for key, table := range overrides {
		p := review.Platform(key)
		if !p.Valid() {
			return nil, fmt.Errorf("review table for unknown platform %q", key)
		}
		out[p] = table
	}
	for p, table := range out {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q for %s", table, p)
		}
	}
	return out, nil
}

func (t Tables) lookup(p review.Platform) (string, error) {
	table, ok := t[p]
	if !ok {
		return "", fmt.Errorf("no review table for platform %q", p)
	}
	return table, nil
}

// mapError translates driver errors into the shared review errors.
func mapError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", key, review.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return &review.DataIntegrityError{Key: key, Reason: pgErr.Message, Err: err}
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return payload, nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
