// Package storage lays out the bronze, silver and gold data tiers on disk and
// reads and writes their CSV tables.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bus-bunching/internal/headway"
)

// Tiers holds the directory of each data tier.
type Tiers struct {
	Bronze string
	Silver string
	Gaps   string
	Scores string
}

// NewTiers returns the standard layout under dataDir.
func NewTiers(dataDir string) Tiers {
	return Tiers{
		Bronze: filepath.Join(dataDir, "bronze", "vehicles_raw"),
		Silver: filepath.Join(dataDir, "silver", "vehicles"),
		Gaps:   filepath.Join(dataDir, "gold", "headway_gaps"),
		Scores: filepath.Join(dataDir, "gold", "headway_scores"),
	}
}

// Ensure creates every tier directory.
func (t Tiers) Ensure() error {
	for _, dir := range []string{t.Bronze, t.Silver, t.Gaps, t.Scores} {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Table file names inside the tiers.
func SilverName(tag string) string { return "vehicles_" + tag + ".csv" }
func GapsName(tag string) string   { return "headway_gaps_" + tag + ".csv" }
func ScoresName(tag string) string { return "headway_scores_" + tag + ".csv" }

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// CleanDir deletes files in dir matching pattern. A missing directory and
// individual delete failures are ignored; the number removed is returned.
func CleanDir(dir, pattern string) int {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed
}

// TagFromName returns the part of a file's stem after its last underscore,
// e.g. "20250304T080000Z" for vehicles_routes-1-15_20250304T080000Z.json.
func TagFromName(name string) string {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		return stem[i+1:]
	}
	return stem
}

// CompareByTag orders file names by their timestamp tag, then by full name.
// Route labels precede the tag in snapshot names, so plain name order is
// not age order once labels differ.
func CompareByTag(a, b string) int {
	if c := strings.Compare(TagFromName(a), TagFromName(b)); c != 0 {
		return c
	}
	return strings.Compare(filepath.Base(a), filepath.Base(b))
}

// LatestFile returns the file in dir ending in any of suffixes whose tag is
// greatest. Tags are UTC timestamps so this is the newest snapshot.
// An empty directory yields headway.ErrMissingInput.
func LatestFile(dir string, suffixes ...string) (string, error) {
	if err := EnsureDir(dir); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, suffix := range suffixes {
			if strings.HasSuffix(e.Name(), suffix) {
				names = append(names, e.Name())
				break
			}
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no *%s files found in %s", headway.ErrMissingInput, strings.Join(suffixes, "|*"), dir)
	}

	return filepath.Join(dir, slices.MaxFunc(names, CompareByTag)), nil
}

// WriteFileAtomic writes through a temp file in the destination directory
// and renames it into place, so readers never see a partial table.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("moving file to destination: %w", err)
	}
	return nil
}

// WriteBytes atomically writes data to path.
func WriteBytes(path string, data []byte) error {
	return WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// openTable opens a table file, mapping a missing file to
// headway.ErrMissingInput.
func openTable(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", headway.ErrMissingInput, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}
