// Package postgres persists site report histories and chat transcripts in
// Postgres through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-insights/internal/site"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS site_reports (
		seq         BIGSERIAL PRIMARY KEY,
		site_id     TEXT NOT NULL,
		report_id   TEXT NOT NULL,
		report      JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS site_reports_by_site ON site_reports (site_id, seq)`,
	`CREATE TABLE IF NOT EXISTS site_chat_turns (
		seq        BIGSERIAL PRIMARY KEY,
		site_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS site_chat_turns_by_site ON site_chat_turns (site_id, seq)`,
}

// StateStore keeps one row per report and per chat turn; insertion order
// (seq) is the history order.
type StateStore struct {
	pool pool
}

// New connects to Postgres and applies the schema.
func New(ctx context.Context, cfg Config) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("state.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &StateStore{pool: p}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*StateStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &StateStore{pool: p}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *StateStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate state schema: %w", err)
		}
	}
	return nil
}

// Load reads both sequences for key in insertion order.
func (s *StateStore) Load(ctx context.Context, key string) (site.State, error) {
	var st site.State
	rows, err := s.pool.Query(ctx, `SELECT report FROM site_reports WHERE site_id = $1 ORDER BY seq`, key)
	if err != nil {
		return st, fmt.Errorf("query reports: %w", err)
	}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return st, fmt.Errorf("scan report: %w", err)
		}
		var report site.AnalysisReport
		if err := json.Unmarshal(raw, &report); err != nil {
			rows.Close()
			return st, fmt.Errorf("decode report: %w", err)
		}
		st.Reports = append(st.Reports, report)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate reports: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT role, content, created_at FROM site_chat_turns WHERE site_id = $1 ORDER BY seq`, key)
	if err != nil {
		return st, fmt.Errorf("query chat turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role string
			turn site.ChatTurn
		)
		if err := rows.Scan(&role, &turn.Content, &turn.CreatedAt); err != nil {
			return st, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.Role = site.Role(role)
		st.Turns = append(st.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate chat turns: %w", err)
	}
	return st, nil
}

// AppendReport inserts a report row.
func (s *StateStore) AppendReport(ctx context.Context, key string, report site.AnalysisReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO site_reports (site_id, report_id, report, recorded_at) VALUES ($1, $2, $3, $4)`,
		key, report.ID, payload, report.Timestamp,
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// AppendTurn inserts a chat turn row.
func (s *StateStore) AppendTurn(ctx context.Context, key string, turn site.ChatTurn) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO site_chat_turns (site_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		key, string(turn.Role), turn.Content, turn.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert chat turn: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *StateStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *StateStore) Close() error {
	s.pool.Close()
	return nil
}
