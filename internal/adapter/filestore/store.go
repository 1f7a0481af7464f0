// Package filestore keeps the observation log and rollup in one JSON document
// and the update cursor in a plain text file. Every write replaces the
// document through a temp file and rename, so readers never see a partial log.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/couchcryptid/rainwatch/internal/aggregate"
	"github.com/couchcryptid/rainwatch/internal/domain"
)

type document struct {
	Log    []domain.ObservationRow `json:"log"`
	Rollup []domain.RollupEntry    `json:"rollup"`
}

// Store implements aggregate.Store and command.CursorStore on local files.
type Store struct {
	mu         sync.Mutex
	path       string
	cursorPath string
	logger     *slog.Logger
}

// New creates a Store. Files are created on first write.
func New(path, cursorPath string, logger *slog.Logger) *Store {
	return &Store{path: path, cursorPath: cursorPath, logger: logger}
}

func (s *Store) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return document{}, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %s: %w", aggregate.ErrCorruptLog, s.path, err)
	}
	return doc, nil
}

// LoadLog returns the stored log.
func (s *Store) LoadLog(_ context.Context) ([]domain.ObservationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	return doc.Log, err
}

// LoadRollup returns the stored rollup.
func (s *Store) LoadRollup(_ context.Context) ([]domain.RollupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	return doc.Rollup, err
}

// Commit rewrites the document with the full log and new rollup.
func (s *Store) Commit(_ context.Context, snap aggregate.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(document{Log: snap.Log, Rollup: snap.Rollup}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return writeAtomic(s.path, data)
}

// Quarantine renames the document aside. The next Commit starts a new one.
func (s *Store) Quarantine(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := fmt.Sprintf("%s.corrupt-%s", s.path, domain.Now().Format("20060102T150405"))
	if err := os.Rename(s.path, dest); err != nil {
		return "", fmt.Errorf("move %s aside: %w", s.path, err)
	}
	return dest, nil
}

// LoadCursor returns the last processed update id or "".
func (s *Store) LoadCursor(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.cursorPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read cursor: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveCursor replaces the cursor file.
func (s *Store) SaveCursor(_ context.Context, id string) error {
	return writeAtomic(s.cursorPath, []byte(id+"\n"))
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
