// Package site publishes the latest tables to the static dashboard's data
// directory.
package site

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bus-bunching/internal/storage"
)

const (
	ScoresFile      = "headway_scores_latest.csv"
	VehiclesFile    = "vehicles_latest.csv"
	LastUpdatedFile = "last_updated.txt"

	// LastUpdatedFormat is the layout written to LastUpdatedFile.
	LastUpdatedFormat = "2006-01-02 15:04:05 UTC"
)

// Result lists the files written by Sync.
type Result struct {
	ScoresSource   string
	VehiclesSource string
	ScoresPath     string
	VehiclesPath   string
	UpdatedAt      time.Time
}

// Sync copies the newest score and silver vehicle tables into siteDataDir
// under fixed names and stamps last_updated.txt with now. Both sources must
// exist; a missing one yields headway.ErrMissingInput and nothing is copied.
func Sync(tiers storage.Tiers, siteDataDir string, now time.Time) (*Result, error) {
	scoresSrc, err := storage.LatestFile(tiers.Scores, ".csv")
	if err != nil {
		return nil, fmt.Errorf("finding latest scores: %w", err)
	}
	vehiclesSrc, err := storage.LatestFile(tiers.Silver, ".csv")
	if err != nil {
		return nil, fmt.Errorf("finding latest vehicles: %w", err)
	}

	if err := storage.EnsureDir(siteDataDir); err != nil {
		return nil, err
	}

	res := &Result{
		ScoresSource:   scoresSrc,
		VehiclesSource: vehiclesSrc,
		ScoresPath:     filepath.Join(siteDataDir, ScoresFile),
		VehiclesPath:   filepath.Join(siteDataDir, VehiclesFile),
		UpdatedAt:      now.UTC(),
	}

	if err := copyFile(scoresSrc, res.ScoresPath); err != nil {
		return nil, err
	}
	if err := copyFile(vehiclesSrc, res.VehiclesPath); err != nil {
		return nil, err
	}

	stamp := []byte(res.UpdatedAt.Format(LastUpdatedFormat))
	if err := storage.WriteBytes(filepath.Join(siteDataDir, LastUpdatedFile), stamp); err != nil {
		return nil, fmt.Errorf("writing %s: %w", LastUpdatedFile, err)
	}
	return res, nil
}

// copyFile copies src to dst atomically and keeps the source modification
// time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	err = storage.WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("setting times on %s: %w", dst, err)
	}
	return nil
}
