package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/storage"
)

// ErrNoDatabase is returned by database tasks when history storage is off.
var ErrNoDatabase = errors.New("score history database not configured")

// TierPrune describes one data directory to keep bounded.
type TierPrune struct {
	Dir     string
	Pattern string
	Keep    int
}

// PruneResult reports what a tier prune removed.
type PruneResult struct {
	Dir     string
	Removed int
	Failed  int
}

// Maintenance handles score history retention and data tier pruning
type Maintenance struct {
	db     *db.DB
	logger logger.Logger
}

// New creates a new Maintenance instance. database may be nil.
func New(database *db.DB, logger logger.Logger) *Maintenance {
	return &Maintenance{
		db:     database,
		logger: logger,
	}
}

// DeleteScoresOlderThan removes history rows older than retentionDays.
// A retention of 0 keeps everything.
func (m *Maintenance) DeleteScoresOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if m.db == nil {
		return 0, ErrNoDatabase
	}
	if retentionDays <= 0 {
		m.logger.Debug("Score retention disabled")
		return 0, nil
	}

	m.logger.Info("Starting cleanup of old score history", "retention_days", retentionDays)

	query := fmt.Sprintf(`DELETE FROM %s WHERE computed_at < NOW() - make_interval(days => $1)`, db.ScoresTable)
	res, err := m.db.DB().ExecContext(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("deleting old scores: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted scores: %w", err)
	}

	m.logger.Info("Score history cleanup completed", "records_deleted", deleted)

	if deleted > 0 {
		if err := m.VacuumScores(ctx); err != nil {
			m.logger.Warn("Failed to vacuum score history after cleanup", "error", err)
		}
	}
	return deleted, nil
}

// VacuumScores runs VACUUM ANALYZE on the history table (must be called outside transaction)
func (m *Maintenance) VacuumScores(ctx context.Context) error {
	if m.db == nil {
		return ErrNoDatabase
	}
	if _, err := m.db.DB().ExecContext(ctx, "VACUUM ANALYZE "+db.ScoresTable); err != nil {
		return fmt.Errorf("vacuuming %s: %w", db.ScoresTable, err)
	}
	return nil
}

// PruneTier deletes files in dir matching pattern, keeping the keep newest
// by timestamp tag. A missing directory is not an error.
func PruneTier(dir, pattern string, keep int) (PruneResult, error) {
	result := PruneResult{Dir: dir}
	if keep <= 0 {
		return result, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return result, fmt.Errorf("matching %s: %w", pattern, err)
	}
	if len(matches) <= keep {
		return result, nil
	}

	slices.SortFunc(matches, func(a, b string) int { return storage.CompareByTag(b, a) })
	for _, path := range matches[keep:] {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Failed++
			continue
		}
		result.Removed++
	}
	return result, nil
}

// PruneTiers prunes every configured tier, logging per-tier outcomes.
func (m *Maintenance) PruneTiers(tiers []TierPrune) []PruneResult {
	results := make([]PruneResult, 0, len(tiers))
	for _, tier := range tiers {
		res, err := PruneTier(tier.Dir, tier.Pattern, tier.Keep)
		if err != nil {
			m.logger.Error("Failed to prune data tier", "dir", tier.Dir, "error", err)
			continue
		}
		if res.Removed > 0 || res.Failed > 0 {
			m.logger.Info("Pruned data tier",
				"dir", res.Dir,
				"removed", res.Removed,
				"failed", res.Failed,
				"keep", tier.Keep)
		}
		results = append(results, res)
	}
	return results
}
