package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/pipeline"
	"github.com/bus-bunching/internal/storage"
	"github.com/bus-bunching/pkg/models"
)

const tag = "20250304T131500Z"

var at = time.Date(2025, 3, 4, 13, 15, 0, 0, time.UTC)

func seedTiers(t *testing.T) storage.Tiers {
	t.Helper()
	tiers := storage.NewTiers(t.TempDir())
	require.NoError(t, tiers.Ensure())

	require.NoError(t, storage.WriteScoresFile(filepath.Join(tiers.Scores, storage.ScoresName(tag)), []models.RouteHeadwayScore{
		{RouteID: "1", DirectionID: 0, Median: 10.5, Mean: 10.5, Std: 2.12, Count: 2, ExpectedHeadwayMin: 10, HeadwayHealthScore: 0.2621},
		{RouteID: "15", DirectionID: 1, Median: 10, Mean: 10, Count: 3, ExpectedHeadwayMin: 10, HeadwayHealthScore: 0.001},
	}))
	require.NoError(t, storage.WriteGapsFile(filepath.Join(tiers.Gaps, storage.GapsName(tag)), []models.HeadwayGap{
		{RouteID: "1", DirectionID: 0, UpdatedAt: at, GapMin: 9},
		{RouteID: "1", DirectionID: 0, UpdatedAt: at.Add(time.Minute), GapMin: 12},
		{RouteID: "15", DirectionID: 1, UpdatedAt: at, GapMin: 10},
	}))
	require.NoError(t, storage.WriteObservationsFile(filepath.Join(tiers.Silver, storage.SilverName(tag)), []models.VehicleObservation{
		{RouteID: models.StringPtr("1"), DirectionID: models.IntPtr(0), StopID: models.StringPtr("64"), UpdatedAt: &at},
		{RouteID: models.StringPtr("1"), DirectionID: models.IntPtr(0), StopID: models.StringPtr("1"), UpdatedAt: &at},
		{RouteID: models.StringPtr("15"), DirectionID: models.IntPtr(1), StopID: models.StringPtr("64"), UpdatedAt: &at},
	}))
	return tiers
}

func get(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestScores(t *testing.T) {
	s := New(Config{}, seedTiers(t), logger.Nop())

	rec, body := get(t, s, "/api/scores")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tag, body["tag"])
	assert.EqualValues(t, 2, body["count"])

	scores := body["scores"].([]interface{})
	first := scores[0].(map[string]interface{})
	assert.Equal(t, "1", first["route_id"])
	assert.Equal(t, "severe", first["severity"])
	assert.InDelta(t, 0.2621, first["headway_health_score"], 1e-9)

	rec, body = get(t, s, "/api/scores?severity=healthy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = get(t, s, "/api/scores?severity=awful")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteScore(t *testing.T) {
	s := New(Config{}, seedTiers(t), logger.Nop())

	rec, body := get(t, s, "/api/scores/15/1")
	require.Equal(t, http.StatusOK, rec.Code)
	score := body["score"].(map[string]interface{})
	assert.Equal(t, "healthy", score["severity"])

	rec, _ = get(t, s, "/api/scores/15/0")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, s, "/api/scores/15/north")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteGaps(t *testing.T) {
	s := New(Config{}, seedTiers(t), logger.Nop())

	rec, body := get(t, s, "/api/gaps/1/0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestTrip(t *testing.T) {
	s := New(Config{}, seedTiers(t), logger.Nop())

	rec, body := get(t, s, "/api/trip?origin=64&dest=1")
	require.Equal(t, http.StatusOK, rec.Code)
	routes := body["routes"].([]interface{})
	require.Len(t, routes, 1)
	route := routes[0].(map[string]interface{})
	assert.Equal(t, "1", route["route_id"])
	assert.Equal(t, "Heavy bunching / irregular", route["bunching_level"])

	rec, body = get(t, s, "/api/trip?origin=64&dest=999")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["routes"])

	rec, _ = get(t, s, "/api/trip?origin=64")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingDataIsUnavailable(t *testing.T) {
	s := New(Config{}, storage.NewTiers(t.TempDir()), logger.Nop())

	for _, target := range []string{"/api/scores", "/api/scores/1/0", "/api/gaps/1/0", "/api/trip?origin=a&dest=b"} {
		rec, body := get(t, s, target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
		assert.Equal(t, "data not available yet", body["error"], target)
	}
}

type fakeHistory struct {
	err error
}

func (f fakeHistory) LatestScores(context.Context) ([]db.ScoreSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []db.ScoreSnapshot{
		{RunID: "r2", ComputedAt: at, Score: models.RouteHeadwayScore{RouteID: "1", DirectionID: 0, HeadwayHealthScore: 0.2621}},
		{RunID: "r2", ComputedAt: at, Score: models.RouteHeadwayScore{RouteID: "15", DirectionID: 1, HeadwayHealthScore: math.NaN()}},
	}, nil
}

func (f fakeHistory) RouteHistory(_ context.Context, routeID string, directionID int, _ time.Time) ([]db.ScoreSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []db.ScoreSnapshot{
		{RunID: "r1", ComputedAt: at, Score: models.RouteHeadwayScore{RouteID: routeID, DirectionID: directionID, HeadwayHealthScore: 0.003}},
	}, nil
}

func TestHistory(t *testing.T) {
	tiers := seedTiers(t)

	rec, _ := get(t, New(Config{}, tiers, logger.Nop()), "/api/history/1/0")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	s := New(Config{}, tiers, logger.Nop(), WithHistory(fakeHistory{}))
	rec, body := get(t, s, "/api/history/1/0?days=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	for _, days := range []string{"-1", "0", "x", "3651", "200000"} {
		rec, _ = get(t, s, "/api/history/1/0?days="+days)
		assert.Equal(t, http.StatusBadRequest, rec.Code, days)
	}

	rec, body = get(t, s, "/api/history/1/0?days=3650")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	s = New(Config{}, tiers, logger.Nop(), WithHistory(fakeHistory{err: errors.New("db down")}))
	rec, _ = get(t, s, "/api/history/1/0")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLatestHistory(t *testing.T) {
	tiers := seedTiers(t)

	rec, _ := get(t, New(Config{}, tiers, logger.Nop()), "/api/history")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec, body := get(t, New(Config{}, tiers, logger.Nop(), WithHistory(fakeHistory{})), "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r2", body["run_id"])
	assert.EqualValues(t, 2, body["count"])

	history := body["history"].([]interface{})
	second := history[1].(map[string]interface{})["score"].(map[string]interface{})
	assert.Equal(t, "15", second["route_id"])
	assert.EqualValues(t, 0, second["headway_health_score"])

	rec, _ = get(t, New(Config{}, tiers, logger.Nop(), WithHistory(fakeHistory{err: errors.New("db down")})), "/api/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeStatus struct{}

func (fakeStatus) LastRun() (*pipeline.CycleResult, error) {
	return &pipeline.CycleResult{RunID: "r9", Attempts: 2, StartedAt: at}, errors.New("fetching vehicles: timeout")
}

func TestHealth(t *testing.T) {
	s := New(Config{}, storage.NewTiers(t.TempDir()), logger.Nop(), WithStatus(fakeStatus{}))

	rec, body := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	last := body["last_run"].(map[string]interface{})
	assert.Equal(t, "r9", last["run_id"])
	assert.Equal(t, false, last["ok"])
}

func TestMetricsAndSite(t *testing.T) {
	siteDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(siteDir, "index.html"), []byte("<h1>bunching</h1>"), 0o644))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("bunching_routes_scored 2\n"))
	})
	s := New(Config{SiteDir: siteDir}, storage.NewTiers(t.TempDir()), logger.Nop(), WithMetricsHandler(metrics))

	rec, _ := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bunching_routes_scored")

	rec, _ = get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bunching")
}
