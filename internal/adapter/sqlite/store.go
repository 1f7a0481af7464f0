// Package sqlite persists the observation log, the monthly rollup and the
// update cursor in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/domain"
)

const cursorKey = "last_update_id"

const schema = `
CREATE TABLE IF NOT EXISTS observation_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	date          TEXT    NOT NULL,
	time          TEXT    NOT NULL,
	site_name     TEXT    NOT NULL,
	precip_now_mm REAL    NOT NULL,
	temperature_c REAL
);
CREATE TABLE IF NOT EXISTS monthly_rollup (
	position              INTEGER NOT NULL,
	site_name             TEXT    NOT NULL,
	period_key            TEXT    NOT NULL,
	accumulated_precip_mm REAL    NOT NULL,
	last_update_time      TEXT    NOT NULL,
	PRIMARY KEY (site_name, period_key)
);
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// Store implements aggregate.Store and command.CursorStore.
type Store struct {
	mu      sync.Mutex
	path    string
	db      *sql.DB
	corrupt error
	logger  *slog.Logger
}

// Open opens or creates the database at path (":memory:" for tests). A file
// that is not a valid database still opens; LoadLog then reports
// aggregate.ErrCorruptLog so the caller can quarantine it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases stable and serializes writers.
	db.SetMaxOpenConns(1)

	s.db = db
	s.corrupt = nil
	if _, err := db.Exec(schema); err != nil {
		if isCorruption(err) {
			s.corrupt = err
			s.logger.Warn("database file is unreadable", "path", s.path, "error", err)
			return nil
		}
		_ = db.Close()
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// LoadLog returns every row in insertion order.
func (s *Store) LoadLog(ctx context.Context) ([]domain.ObservationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt != nil {
		return nil, fmt.Errorf("%w: %w", aggregate.ErrCorruptLog, s.corrupt)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT date, time, site_name, precip_now_mm, temperature_c FROM observation_log ORDER BY id`)
	if err != nil {
		return nil, classify("query log", err)
	}
	defer rows.Close()

	var out []domain.ObservationRow
	for rows.Next() {
		var (
			r    domain.ObservationRow
			temp sql.NullFloat64
		)
		if err := rows.Scan(&r.Date, &r.Time, &r.SiteName, &r.PrecipNowMM, &temp); err != nil {
			return nil, classify("scan log row", err)
		}
		if temp.Valid {
			v := temp.Float64
			r.TemperatureC = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate log", err)
	}
	return out, nil
}

// LoadRollup returns the persisted rollup in its stored order.
func (s *Store) LoadRollup(ctx context.Context) ([]domain.RollupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt != nil {
		return nil, fmt.Errorf("%w: %w", aggregate.ErrCorruptLog, s.corrupt)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT site_name, period_key, accumulated_precip_mm, last_update_time FROM monthly_rollup ORDER BY position`)
	if err != nil {
		return nil, classify("query rollup", err)
	}
	defer rows.Close()

	var out []domain.RollupEntry
	for rows.Next() {
		var e domain.RollupEntry
		if err := rows.Scan(&e.SiteName, &e.PeriodKey, &e.AccumulatedPrecipMM, &e.LastUpdateTime); err != nil {
			return nil, classify("scan rollup row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Commit inserts the appended rows and replaces the rollup in one transaction.
func (s *Store) Commit(ctx context.Context, snap aggregate.Snapshot) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertRow, err := tx.PrepareContext(ctx,
		`INSERT INTO observation_log (date, time, site_name, precip_now_mm, temperature_c) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer insertRow.Close()

	for _, r := range snap.Appended {
		var temp any
		if r.TemperatureC != nil {
			temp = *r.TemperatureC
		}
		if _, err = insertRow.ExecContext(ctx, r.Date, r.Time, r.SiteName, r.PrecipNowMM, temp); err != nil {
			return fmt.Errorf("insert log row: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM monthly_rollup`); err != nil {
		return fmt.Errorf("clear rollup: %w", err)
	}
	insertRollup, err := tx.PrepareContext(ctx,
		`INSERT INTO monthly_rollup (position, site_name, period_key, accumulated_precip_mm, last_update_time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rollup insert: %w", err)
	}
	defer insertRollup.Close()

	for i, e := range snap.Rollup {
		if _, err = insertRollup.ExecContext(ctx, i, e.SiteName, e.PeriodKey, e.AccumulatedPrecipMM, e.LastUpdateTime); err != nil {
			return fmt.Errorf("insert rollup row: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Quarantine renames the database file aside and starts a fresh one. In-memory
// databases are simply emptied. If the file cannot be moved the store reopens
// it and reports the error.
func (s *Store) Quarantine(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.db.Close()
	if s.path == ":memory:" {
		return s.path, s.open()
	}

	dest := fmt.Sprintf("%s.corrupt-%s", s.path, domain.Now().Format("20060102T150405"))
	if err := os.Rename(s.path, dest); err != nil {
		moveErr := fmt.Errorf("move %s aside: %w", s.path, err)
		// The original file is still in place; keep serving it.
		if oerr := s.open(); oerr != nil {
			return "", errors.Join(moveErr, oerr)
		}
		return "", moveErr
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Rename(s.path+suffix, dest+suffix)
	}
	if err := s.open(); err != nil {
		return dest, err
	}
	if s.corrupt != nil {
		return dest, fmt.Errorf("fresh database unusable: %w", s.corrupt)
	}
	return dest, nil
}

// LoadCursor returns the last processed update id or "".
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, cursorKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return id, nil
}

// SaveCursor stores id as the last processed update.
func (s *Store) SaveCursor(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, id)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func isCorruption(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrCorrupt || sqlErr.Code == sqlite3.ErrNotADB
	}
	return false
}

func classify(op string, err error) error {
	if isCorruption(err) {
		return fmt.Errorf("%w: %s: %w", aggregate.ErrCorruptLog, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
