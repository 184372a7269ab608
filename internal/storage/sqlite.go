package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/goodputbench/pkg/types"
)

// ErrNotFound is returned when a round does not exist.
var ErrNotFound = errors.New("round not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// This is used for non-critical JSON fields where we want to gracefully
// handle corruption without failing the entire query.
func unmarshalJSON(data string, v any, field string, roundID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"roundID", roundID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for concurrent reads while a round is being written
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		token TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'normal',
		exec_mode TEXT NOT NULL DEFAULT 'normal',
		accounts INTEGER DEFAULT 0,
		warmup_units INTEGER DEFAULT 0,
		measure_units INTEGER DEFAULT 0,
		units_sent INTEGER DEFAULT 0,
		batches_sent INTEGER DEFAULT 0,
		elapsed_ms INTEGER DEFAULT 0,
		measure_ms INTEGER DEFAULT 0,
		goodput REAL DEFAULT 0,
		block_stats TEXT,
		config TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_started ON rounds(started_at DESC);

	CREATE TABLE IF NOT EXISTS phases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		corpus TEXT NOT NULL,
		base_offset INTEGER DEFAULT 0,
		units_sent INTEGER DEFAULT 0,
		batches_sent INTEGER DEFAULT 0,
		target INTEGER DEFAULT 0,
		send_ms INTEGER DEFAULT 0,
		wait_ms INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_phases_round ON phases(round_id);

	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		goodput INTEGER NOT NULL,
		dispatched INTEGER NOT NULL,
		FOREIGN KEY (round_id) REFERENCES rounds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_samples_round ON samples(round_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; checked before adding
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"rounds", "custom_name", "ALTER TABLE rounds ADD COLUMN custom_name TEXT"},
		{"rounds", "is_favorite", "ALTER TABLE rounds ADD COLUMN is_favorite INTEGER DEFAULT 0"},
		{"samples", "phase", "ALTER TABLE samples ADD COLUMN phase TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed",
					"table", m.table,
					"column", m.column,
					"error", err.Error())
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRound inserts a running round.
func (s *SQLiteStorage) CreateRound(ctx context.Context, run *Round) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	mode := run.Mode
	if mode == "" {
		mode = types.ModeNormal
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rounds (id, started_at, token, mode, exec_mode, accounts, warmup_units, measure_units, config, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Token, mode, run.ExecMode, run.Accounts, run.WarmupUnits, run.MeasureUnits,
		string(configJSON), status)

	return err
}

// CompleteRound records the final statistics of a round. A round that was
// never created is inserted.
func (s *SQLiteStorage) CompleteRound(ctx context.Context, run *Round) error {
	existing, err := s.GetRound(ctx, run.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.CreateRound(ctx, run); err != nil {
			return err
		}
	}

	blocksJSON, _ := json.Marshal(run.Blocks)
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE rounds SET
			completed_at = ?,
			units_sent = ?,
			batches_sent = ?,
			elapsed_ms = ?,
			measure_ms = ?,
			goodput = ?,
			block_stats = ?,
			status = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, run.UnitsSent, run.BatchesSent, run.ElapsedMs, run.MeasureMs, run.Goodput,
		string(blocksJSON), run.Status, nullString(run.ErrorMessage), run.ID)

	return err
}

const roundColumns = `id, started_at, completed_at, token, mode, exec_mode, accounts, warmup_units, measure_units,
	units_sent, batches_sent, elapsed_ms, measure_ms, goodput, block_stats, config, status, error_message,
	custom_name, COALESCE(is_favorite, 0)`

// GetRound retrieves a single round by ID. Returns nil, nil when absent.
func (s *SQLiteStorage) GetRound(ctx context.Context, id string) (*Round, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+roundColumns+" FROM rounds WHERE id = ?", id)
	run, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRounds returns a paginated list of rounds, favorites first.
func (s *SQLiteStorage) ListRounds(ctx context.Context, limit, offset int) (*PaginatedRounds, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rounds").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+roundColumns+`
		FROM rounds
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Round{}
	for rows.Next() {
		run, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRounds{
		Rounds: runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetRoundDetail returns a round with its phases and samples. Returns
// nil, nil when absent.
func (s *SQLiteStorage) GetRoundDetail(ctx context.Context, id string) (*RoundDetail, error) {
	run, err := s.GetRound(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	phases, err := s.GetPhases(ctx, id)
	if err != nil {
		return nil, err
	}
	samples, err := s.GetSamples(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RoundDetail{Round: *run, Phases: phases, Samples: samples}, nil
}

// DeleteRound deletes a round and all associated data.
func (s *SQLiteStorage) DeleteRound(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rounds WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// UpdateRoundMetadata updates the custom name and/or favorite flag of a round.
func (s *SQLiteStorage) UpdateRoundMetadata(ctx context.Context, id string, update *RoundMetadataUpdate) error {
	var updates []string
	var args []any

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE rounds SET %s WHERE id = ?", joinStrings(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// joinStrings joins strings with a separator.
func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for i := 1; i < len(strs); i++ {
		result += sep + strs[i]
	}
	return result
}

// BulkInsertPhases inserts the phase records of a round in one transaction.
func (s *SQLiteStorage) BulkInsertPhases(ctx context.Context, roundID string, phases []types.PhaseResult) error {
	if len(phases) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO phases (round_id, kind, phase_index, corpus, base_offset, units_sent, batches_sent, target,
			send_ms, wait_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range phases {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, roundID, p.Kind, p.Index, p.Corpus, p.BaseOffset, p.UnitsSent, p.BatchesSent,
			p.Target, p.SendMs, p.WaitMs, p.StartedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetPhases retrieves the phases of a round in execution order.
func (s *SQLiteStorage) GetPhases(ctx context.Context, roundID string) ([]types.PhaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, phase_index, corpus, base_offset, units_sent, batches_sent, target, send_ms, wait_ms, started_at
		FROM phases
		WHERE round_id = ?
		ORDER BY id
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phases := []types.PhaseResult{}
	for rows.Next() {
		var p types.PhaseResult
		err := rows.Scan(&p.Kind, &p.Index, &p.Corpus, &p.BaseOffset, &p.UnitsSent, &p.BatchesSent, &p.Target,
			&p.SendMs, &p.WaitMs, &p.StartedAt)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}

	return phases, rows.Err()
}

// BulkInsertSamples inserts goodput samples using a single transaction.
// The fsync cost is paid once instead of per row.
func (s *SQLiteStorage) BulkInsertSamples(ctx context.Context, roundID string, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (round_id, timestamp_ms, goodput, dispatched, phase)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := stmt.ExecContext(ctx, roundID, p.TimestampMs, p.Goodput, p.Dispatched, nullString(p.Phase)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSamples retrieves the goodput samples of a round.
func (s *SQLiteStorage) GetSamples(ctx context.Context, roundID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, goodput, dispatched, phase
		FROM samples
		WHERE round_id = ?
		ORDER BY timestamp_ms, id
	`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var p Sample
		var phase sql.NullString
		if err := rows.Scan(&p.TimestampMs, &p.Goodput, &p.Dispatched, &phase); err != nil {
			return nil, err
		}
		p.Phase = phase.String
		samples = append(samples, p)
	}

	return samples, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*Round, error) {
	var run Round
	var completedAt sql.NullTime
	var blocksJSON, configJSON, errorMsg, customName sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Token, &run.Mode, &run.ExecMode,
		&run.Accounts, &run.WarmupUnits, &run.MeasureUnits,
		&run.UnitsSent, &run.BatchesSent, &run.ElapsedMs, &run.MeasureMs, &run.Goodput,
		&blocksJSON, &configJSON, &run.Status, &errorMsg,
		&customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite == 1

	if blocksJSON.Valid && blocksJSON.String != "" && blocksJSON.String != "null" {
		run.Blocks = &types.BlockStats{}
		unmarshalJSON(blocksJSON.String, run.Blocks, "block_stats", run.ID)
	}
	if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
		run.Config = &types.StartRoundRequest{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}

	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
