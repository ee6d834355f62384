// Package sqlite persists site state in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/site-insights/internal/site"
)

// StateStore keeps reports and chat turns in two tables keyed by site id;
// the rowid gives insertion order.
type StateStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dsn and applies the schema.
func New(dsn string) (*StateStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite state store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &StateStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StateStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS site_reports (
			site_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			report_json TEXT NOT NULL,
			recorded_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS site_reports_by_site ON site_reports(site_id);`,
		`CREATE TABLE IF NOT EXISTS site_chat_turns (
			site_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS site_chat_turns_by_site ON site_chat_turns(site_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("sqlite state store: migrate: %w", err)
		}
	}
	return nil
}

// Load reads both sequences for key in rowid order.
func (s *StateStore) Load(ctx context.Context, key string) (site.State, error) {
	var st site.State
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_json FROM site_reports WHERE site_id = ? ORDER BY rowid`, key)
	if err != nil {
		return st, fmt.Errorf("query reports: %w", err)
	}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return st, fmt.Errorf("scan report: %w", err)
		}
		var report site.AnalysisReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			_ = rows.Close()
			return st, fmt.Errorf("decode report: %w", err)
		}
		st.Reports = append(st.Reports, report)
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return st, fmt.Errorf("iterate reports: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT role, content, created_at_ms FROM site_chat_turns WHERE site_id = ? ORDER BY rowid`, key)
	if err != nil {
		return st, fmt.Errorf("query chat turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			role, content string
			createdMs     int64
		)
		if err := rows.Scan(&role, &content, &createdMs); err != nil {
			return st, fmt.Errorf("scan chat turn: %w", err)
		}
		st.Turns = append(st.Turns, site.ChatTurn{
			Role:      site.Role(role),
			Content:   content,
			CreatedAt: time.UnixMilli(createdMs).UTC(),
		})
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO site_reports(site_id, report_id, report_json, recorded_at_ms) VALUES(?, ?, ?, ?)`,
		key, report.ID, string(payload), report.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// AppendTurn inserts a chat turn row. Timestamps keep millisecond precision.
func (s *StateStore) AppendTurn(ctx context.Context, key string, turn site.ChatTurn) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO site_chat_turns(site_id, role, content, created_at_ms) VALUES(?, ?, ?, ?)`,
		key, string(turn.Role), turn.Content, turn.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert chat turn: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *StateStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
