// Package sqlite provides a SQLite-backed round archive.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/livepoll/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/livepoll/internal/services/poll/storage"
	"github.com/louisbranch/livepoll/internal/services/poll/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const (
	// DefaultListLimit applies when ListRounds is called without a limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single ListRounds call.
	MaxListLimit = 500
)

// Store persists closed rounds in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite round archive and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendRound inserts one closed round.
func (s *Store) AppendRound(ctx context.Context, round storage.ArchivedRound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	pollID := strings.TrimSpace(round.PollID)
	if pollID == "" {
		return fmt.Errorf("poll id is required")
	}
	if strings.TrimSpace(round.Question) == "" {
		return fmt.Errorf("question is required")
	}
	if len(round.Results) != len(round.Options) {
		return fmt.Errorf("results length %d does not match %d options", len(round.Results), len(round.Options))
	}
	if round.StartedAt.IsZero() || round.ClosedAt.IsZero() {
		return fmt.Errorf("round start and close times are required")
	}

	optionsJSON, err := json.Marshal(round.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	resultsJSON, err := json.Marshal(round.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO archived_rounds (
		   poll_id,
		   started_at,
		   closed_at,
		   question,
		   options_json,
		   results_json,
		   duration_ms,
		   close_reason
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pollID,
		toMillis(round.StartedAt),
		toMillis(round.ClosedAt),
		round.Question,
		string(optionsJSON),
		string(resultsJSON),
		round.Duration.Milliseconds(),
		round.CloseReason,
	)
	if err != nil {
		if isArchivedRoundUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append round: %w", err)
	}
	return nil
}

// ListRounds returns the newest archived rounds of pollID, oldest first.
func (s *Store) ListRounds(ctx context.Context, pollID string, limit int) ([]storage.ArchivedRound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	pollID = strings.TrimSpace(pollID)
	if pollID == "" {
		return nil, fmt.Errorf("poll id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT poll_id, started_at, closed_at, question, options_json, results_json, duration_ms, close_reason
		 FROM archived_rounds
		 WHERE poll_id = ?
		 ORDER BY closed_at DESC, started_at DESC
		 LIMIT ?`,
		pollID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []storage.ArchivedRound
	for rows.Next() {
		round, err := scanArchivedRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	if len(rounds) == 0 {
		return nil, storage.ErrNotFound
	}
	slices.Reverse(rounds)
	return rounds, nil
}

func scanArchivedRound(rows *sql.Rows) (storage.ArchivedRound, error) {
	var (
		round       storage.ArchivedRound
		startedAt   int64
		closedAt    int64
		optionsJSON string
		resultsJSON string
		durationMS  int64
	)
	if err := rows.Scan(
		&round.PollID,
		&startedAt,
		&closedAt,
		&round.Question,
		&optionsJSON,
		&resultsJSON,
		&durationMS,
		&round.CloseReason,
	); err != nil {
		return storage.ArchivedRound{}, fmt.Errorf("scan round: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &round.Options); err != nil {
		return storage.ArchivedRound{}, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &round.Results); err != nil {
		return storage.ArchivedRound{}, fmt.Errorf("decode results: %w", err)
	}
	round.StartedAt = fromMillis(startedAt)
	round.ClosedAt = fromMillis(closedAt)
	round.Duration = time.Duration(durationMS) * time.Millisecond
	return round, nil
}

func isArchivedRoundUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "archived_rounds.")
}

var _ storage.RoundArchive = (*Store)(nil)
