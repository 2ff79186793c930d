package headway

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/pkg/models"
)

// ReferenceStore holds the current expected-headway reference table. It is
// safe for concurrent use; Watch swaps the table in place when the file
// changes.
type ReferenceStore struct {
	logger logger.Logger

	mu   sync.RWMutex
	rows []models.ExpectedHeadway
}

// NewReferenceStore creates an empty store.
func NewReferenceStore(log logger.Logger) *ReferenceStore {
	return &ReferenceStore{logger: log}
}

// Load replaces the table with the contents of path. On error the previous
// table is kept.
func (s *ReferenceStore) Load(path string) error {
	rows, err := LoadExpectedHeadways(path)
	if err != nil {
		return fmt.Errorf("loading expected headways: %w", err)
	}

	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()

	s.logger.Info("Loaded expected headways", "path", path, "rows", len(rows))
	return nil
}

// Rows returns a copy of the current table.
func (s *ReferenceStore) Rows() []models.ExpectedHeadway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows)
}

// Options returns opts with Reference set to the current table.
func (s *ReferenceStore) Options(opts Options) Options {
	opts.Reference = s.Rows()
	return opts
}

// Watch reloads path whenever it is written or created, until ctx is
// cancelled. The parent directory is watched so the file may be created or
// replaced by rename after Watch starts.
func (s *ReferenceStore) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	s.logger.Info("Watching expected headways", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Load(path); err != nil {
				s.logger.Error("Reload of expected headways failed, keeping previous table", "path", path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Expected headway watcher error", "error", err)
		}
	}
}
