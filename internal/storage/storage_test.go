package storage

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/pkg/models"
)

func TestLatestFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"vehicles_routes-1_20250304T080000Z.json",
		"vehicles_routes-1_20250304T081500Z.pb",
		"vehicles_routes-1_20250304T074500Z.json",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	latest, err := LatestFile(dir, ".json")
	require.NoError(t, err)
	assert.Equal(t, "vehicles_routes-1_20250304T080000Z.json", filepath.Base(latest))

	latest, err = LatestFile(dir, ".json", ".pb")
	require.NoError(t, err)
	assert.Equal(t, "vehicles_routes-1_20250304T081500Z.pb", filepath.Base(latest))

	_, err = LatestFile(dir, ".csv")
	assert.ErrorIs(t, err, headway.ErrMissingInput)

	_, err = LatestFile(filepath.Join(dir, "created"), ".csv")
	assert.ErrorIs(t, err, headway.ErrMissingInput)
	assert.DirExists(t, filepath.Join(dir, "created"))
}

func TestLatestFileOrdersByTagAcrossRouteLabels(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"vehicles_routes-all-bus-routes_20250304T130100Z.json",
		"vehicles_routes-1-15_20250304T140100Z.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	latest, err := LatestFile(dir, ".json")
	require.NoError(t, err)
	assert.Equal(t, "vehicles_routes-1-15_20250304T140100Z.json", filepath.Base(latest))
}

func TestTagFromName(t *testing.T) {
	assert.Equal(t, "20250304T080000Z", TagFromName("/data/bronze/vehicles_routes-1-15_20250304T080000Z.json"))
	assert.Equal(t, "20250304T080000Z", TagFromName("vehicles_20250304T080000Z.csv"))
	assert.Equal(t, "snapshot", TagFromName("snapshot.pb"))
}

func TestCompareByTag(t *testing.T) {
	assert.Negative(t, CompareByTag("vehicles_routes-all-bus-routes_20250304T130100Z.json", "vehicles_routes-1-15_20250304T140100Z.json"))
	assert.Positive(t, CompareByTag("b_20250304T130100Z.json", "a_20250304T130100Z.json"))
	assert.Zero(t, CompareByTag("/x/a_1.json", "a_1.json"))
}

func TestCleanDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv", "keep.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	assert.Equal(t, 2, CleanDir(dir, "*.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "a.csv"))
	assert.FileExists(t, filepath.Join(dir, "keep.json"))
	assert.Zero(t, CleanDir(filepath.Join(dir, "missing"), "*.csv"))
}

func TestTiers(t *testing.T) {
	root := t.TempDir()
	tiers := NewTiers(root)
	require.NoError(t, tiers.Ensure())

	assert.DirExists(t, filepath.Join(root, "bronze", "vehicles_raw"))
	assert.DirExists(t, filepath.Join(root, "gold", "headway_scores"))
	assert.Equal(t, "headway_gaps_20250304T080000Z.csv", GapsName("20250304T080000Z"))
	assert.Equal(t, "vehicles_20250304T080000Z.csv", SilverName("20250304T080000Z"))
}

func TestObservationsRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 13, 1, 30, 500_000_000, time.UTC)
	rows := []models.VehicleObservation{
		{
			VehicleID:           models.StringPtr("y1886"),
			RouteID:             models.StringPtr("1"),
			TripID:              models.StringPtr("66786473"),
			DirectionID:         models.IntPtr(1),
			CurrentStopSequence: models.IntPtr(12),
			Label:               models.StringPtr("1,886"),
			Latitude:            models.FloatPtr(42.3401),
			UpdatedAt:           &ts,
		},
		{RouteID: models.StringPtr("15")},
	}

	path := filepath.Join(t.TempDir(), "vehicles_x.csv")
	require.NoError(t, WriteObservationsFile(path, rows))

	got, err := ReadObservationsFile(path)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestReadObservationsPandasStyle(t *testing.T) {
	input := strings.Join([]string{
		"vehicle_id,route_id,trip_id,stop_id,direction_id,current_status,current_stop_sequence,label,latitude,longitude,speed,bearing,updated_at",
		"y1,1,t1,64,1.0,IN_TRANSIT_TO,12.0,1886,42.3,-71.0,,135,2025-03-04 13:01:30+00:00",
		"y2,SL1,,,,,,,,,,,not a time",
	}, "\n")

	rows, err := ReadObservations(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, *rows[0].DirectionID)
	assert.Equal(t, 12, *rows[0].CurrentStopSequence)
	assert.Nil(t, rows[0].Speed)
	assert.Equal(t, time.Date(2025, 3, 4, 13, 1, 30, 0, time.UTC), *rows[0].UpdatedAt)

	assert.Nil(t, rows[1].TripID)
	assert.Nil(t, rows[1].DirectionID)
	assert.Nil(t, rows[1].UpdatedAt)
}

func TestReadObservationsSchema(t *testing.T) {
	_, err := ReadObservations(strings.NewReader("route_id,updated_at\n1,2025-03-04T08:00:00Z\n"))
	assert.ErrorIs(t, err, headway.ErrSchema)

	_, err = ReadObservations(strings.NewReader(""))
	assert.ErrorIs(t, err, headway.ErrSchema)

	_, err = ReadObservationsFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, headway.ErrMissingInput)
}

func TestGapsAndScoresRoundTrip(t *testing.T) {
	gaps := []models.HeadwayGap{
		{RouteID: "1", DirectionID: 0, UpdatedAt: time.Date(2025, 3, 4, 8, 9, 0, 0, time.UTC), GapMin: 9},
		{RouteID: "1", DirectionID: 0, UpdatedAt: time.Date(2025, 3, 4, 8, 21, 0, 0, time.UTC), GapMin: 12.25},
	}
	scores := []models.RouteHeadwayScore{
		{RouteID: "1", DirectionID: 0, Median: 10.625, Mean: 10.625, Std: 2.2980970388562794, Count: 2, ExpectedHeadwayMin: 10, HeadwayHealthScore: 0.29230970388562794},
	}

	dir := t.TempDir()
	require.NoError(t, WriteGapsFile(filepath.Join(dir, GapsName("t")), gaps))
	require.NoError(t, WriteScoresFile(filepath.Join(dir, ScoresName("t")), scores))

	gotGaps, err := ReadGapsFile(filepath.Join(dir, GapsName("t")))
	require.NoError(t, err)
	assert.Equal(t, gaps, gotGaps)

	gotScores, err := ReadScoresFile(filepath.Join(dir, ScoresName("t")))
	require.NoError(t, err)
	assert.Equal(t, scores, gotScores)
}

func TestEmptyTablesKeepHeaders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGaps(&buf, nil))
	assert.Equal(t, "route_id,direction_id,updated_at,gap_min\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteScores(&buf, nil))
	assert.Equal(t, "route_id,direction_id,median,mean,std,count,expected_headway_min,headway_health_score\n", buf.String())

	scores, err := ReadScores(&buf)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestReadScoresNaNStd(t *testing.T) {
	input := "route_id,direction_id,median,mean,std,count,expected_headway_min,headway_health_score\n" +
		"7,1,14.0,14.0,,1,10.0,0.4\n"

	scores, err := ReadScores(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, 0.0, scores[0].Std)
	assert.False(t, math.IsNaN(scores[0].Mean))
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	require.NoError(t, WriteBytes(path, []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.csv", entries[0].Name())
}
