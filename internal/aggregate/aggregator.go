// Package aggregate maintains the append-only observation log and the monthly
// rollup derived from it. The rollup is always recomputed from the full log and
// written together with the new rows.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/rainwatch/internal/domain"
)

var (
	// ErrCorruptLog is returned by a Store whose persisted log cannot be parsed.
	ErrCorruptLog = errors.New("corrupt observation log")
	// ErrInvalidRow marks a row whose date is not DD/MM/YYYY.
	ErrInvalidRow = errors.New("invalid observation row")
)

// Snapshot is one atomic write: the full log after appending, the rows that
// are new in this write, and the recomputed rollup.
type Snapshot struct {
	Log      []domain.ObservationRow
	Appended []domain.ObservationRow
	Rollup   []domain.RollupEntry
}

// Store persists the log and rollup.
type Store interface {
	// LoadLog returns the full log; an absent log is empty. Unparseable data
	// yields an error wrapping ErrCorruptLog.
	LoadLog(ctx context.Context) ([]domain.ObservationRow, error)
	// LoadRollup returns the persisted rollup.
	LoadRollup(ctx context.Context) ([]domain.RollupEntry, error)
	// Commit writes appended rows and replaces the rollup atomically.
	Commit(ctx context.Context, snap Snapshot) error
	// Quarantine moves the current log aside and starts an empty one. It
	// returns where the old data went.
	Quarantine(ctx context.Context) (string, error)
}

// RollupView is the result of one append.
type RollupView struct {
	Rollup   []domain.RollupEntry
	LogSize  int
	Appended int
	Warnings []string
}

// Aggregator folds new observation rows into the store.
type Aggregator struct {
	store  Store
	logger *slog.Logger
}

// New creates an Aggregator.
func New(store Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// AppendAndRollup appends rows to the log and rewrites the rollup. Rows with an
// unparseable date fail the batch before anything is written. A stored log that
// cannot be parsed, or holds a row with a bad date, is quarantined and a new log
// is started.
func (a *Aggregator) AppendAndRollup(ctx context.Context, rows []domain.ObservationRow) (RollupView, error) {
	if err := ValidateRows(rows); err != nil {
		return RollupView{}, err
	}

	var view RollupView
	existing, err := a.store.LoadLog(ctx)
	if err == nil {
		if verr := ValidateRows(existing); verr != nil {
			err = fmt.Errorf("%w: stored log: %w", ErrCorruptLog, verr)
		}
	}
	if errors.Is(err, ErrCorruptLog) {
		path, qerr := a.store.Quarantine(ctx)
		if qerr != nil {
			return RollupView{}, fmt.Errorf("quarantine corrupt log: %w", qerr)
		}
		a.logger.Warn("observation log was corrupt, started a new one", "quarantined_to", path, "error", err)
		view.Warnings = append(view.Warnings, fmt.Sprintf("observation log was corrupt and moved to %s; a new log was started", path))
		existing = nil
	} else if err != nil {
		return RollupView{}, fmt.Errorf("load log: %w", err)
	}

	full := make([]domain.ObservationRow, 0, len(existing)+len(rows))
	full = append(full, existing...)
	full = append(full, rows...)

	rollup, err := BuildRollup(full)
	if err != nil {
		return RollupView{}, err
	}

	if len(rows) > 0 {
		if err := a.store.Commit(ctx, Snapshot{Log: full, Appended: rows, Rollup: rollup}); err != nil {
			return RollupView{}, fmt.Errorf("commit: %w", err)
		}
	}

	view.Rollup = rollup
	view.LogSize = len(full)
	view.Appended = len(rows)
	a.logger.Info("aggregation updated", "appended", len(rows), "log_size", len(full), "rollup_entries", len(rollup))
	return view, nil
}
