package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bus-bunching/pkg/models"
)

// ScoresTable holds one row per route, direction and pipeline run.
const ScoresTable = "headway_score_history"

var scoreColumns = []string{
	"run_id", "computed_at", "route_id", "direction_id", "median", "mean",
	"std", "count", "expected_headway_min", "headway_health_score",
}

const createScoresTable = `
CREATE TABLE IF NOT EXISTS ` + ScoresTable + ` (
	run_id               TEXT             NOT NULL,
	computed_at          TIMESTAMPTZ      NOT NULL,
	route_id             TEXT             NOT NULL,
	direction_id         INTEGER          NOT NULL,
	median               DOUBLE PRECISION NOT NULL,
	mean                 DOUBLE PRECISION NOT NULL,
	std                  DOUBLE PRECISION NOT NULL,
	count                INTEGER          NOT NULL,
	expected_headway_min DOUBLE PRECISION NOT NULL,
	headway_health_score DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, route_id, direction_id)
);
CREATE INDEX IF NOT EXISTS ` + ScoresTable + `_computed_at_idx ON ` + ScoresTable + ` (computed_at);
CREATE INDEX IF NOT EXISTS ` + ScoresTable + `_route_idx ON ` + ScoresTable + ` (route_id, direction_id, computed_at);
`

// ScoreSnapshot is a stored score row with its run metadata.
type ScoreSnapshot struct {
	RunID      string                   `json:"run_id"`
	ComputedAt time.Time                `json:"computed_at"`
	Score      models.RouteHeadwayScore `json:"score"`
}

// EnsureSchema creates the history table and its indexes if missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, createScoresTable); err != nil {
		return fmt.Errorf("creating %s: %w", ScoresTable, err)
	}
	return nil
}

// InsertScores bulk loads one run's score table with COPY.
func (db *DB) InsertScores(ctx context.Context, runID string, computedAt time.Time, scores []models.RouteHeadwayScore) (int, error) {
	if len(scores) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(ScoresTable, scoreColumns...))
	if err != nil {
		return 0, fmt.Errorf("preparing copy: %w", err)
	}

	for _, s := range scores {
		_, err := stmt.ExecContext(ctx,
			runID, computedAt.UTC(), s.RouteID, s.DirectionID, s.Median, s.Mean,
			s.Std, s.Count, s.ExpectedHeadwayMin, s.HeadwayHealthScore,
		)
		if err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copying score row %s/%d: %w", s.RouteID, s.DirectionID, err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flushing copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("closing copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing scores: %w", err)
	}

	db.logger.Debug("Stored score history", "run_id", runID, "rows", len(scores))
	return len(scores), nil
}

// LatestScores returns the most recent run's score table.
func (db *DB) LatestScores(ctx context.Context) ([]ScoreSnapshot, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM ` + ScoresTable + `
		WHERE computed_at = (SELECT MAX(computed_at) FROM ` + ScoresTable + `)
		ORDER BY route_id, direction_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying latest scores: %w", err)
	}
	return scanSnapshots(rows)
}

// RouteHistory returns stored scores for one route and direction since the
// given time, oldest first.
func (db *DB) RouteHistory(ctx context.Context, routeID string, directionID int, since time.Time) ([]ScoreSnapshot, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM ` + ScoresTable + `
		WHERE route_id = $1 AND direction_id = $2 AND computed_at >= $3
		ORDER BY computed_at
	`
	rows, err := db.conn.QueryContext(ctx, query, routeID, directionID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying route history: %w", err)
	}
	return scanSnapshots(rows)
}

const selectColumns = `run_id, computed_at, route_id, direction_id, median, mean, std, count, expected_headway_min, headway_health_score`

func scanSnapshots(rows *sql.Rows) ([]ScoreSnapshot, error) {
	defer rows.Close()

	var out []ScoreSnapshot
	for rows.Next() {
		var snap ScoreSnapshot
		s := &snap.Score
		if err := rows.Scan(&snap.RunID, &snap.ComputedAt, &s.RouteID, &s.DirectionID, &s.Median,
			&s.Mean, &s.Std, &s.Count, &s.ExpectedHeadwayMin, &s.HeadwayHealthScore); err != nil {
			return nil, fmt.Errorf("scanning score row: %w", err)
		}
		snap.ComputedAt = snap.ComputedAt.UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating score rows: %w", err)
	}
	return out, nil
}
