package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/internal/report"
	"github.com/bus-bunching/internal/storage"
	"github.com/bus-bunching/pkg/models"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 3650
)

// scoreView is a score row annotated with its rider-facing classification.
type scoreView struct {
	models.RouteHeadwayScore
	Severity      string `json:"severity"`
	Label         string `json:"label"`
	BunchingLevel string `json:"bunching_level,omitempty"`
}

func newScoreView(row models.RouteHeadwayScore) scoreView {
	sev := report.Classify(row.HeadwayHealthScore)
	return scoreView{
		RouteHeadwayScore: sanitize(row),
		Severity:          sev.String(),
		Label:             sev.Label(),
	}
}

// sanitize replaces NaN and Inf, which encoding/json rejects, with zero.
func sanitize(row models.RouteHeadwayScore) models.RouteHeadwayScore {
	for _, f := range []*float64{&row.Median, &row.Mean, &row.Std, &row.ExpectedHeadwayMin, &row.HeadwayHealthScore} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	return row
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.status != nil {
		if last, err := s.status.LastRun(); last != nil {
			run := gin.H{
				"run_id":     last.RunID,
				"started_at": last.StartedAt,
				"attempts":   last.Attempts,
				"ok":         err == nil,
			}
			if err != nil {
				run["error"] = err.Error()
			}
			body["last_run"] = run
		}
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/scores?severity=
func (s *Server) handleScores(c *gin.Context) {
	scores, tag, ok := s.loadScores(c)
	if !ok {
		return
	}

	if name := c.Query("severity"); name != "" {
		sev, err := report.ParseSeverity(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scores = report.FilterBySeverity(scores, sev)
	}

	views := make([]scoreView, 0, len(scores))
	for _, row := range scores {
		views = append(views, newScoreView(row))
	}

	c.JSON(http.StatusOK, gin.H{
		"tag":    tag,
		"count":  len(views),
		"scores": views,
	})
}

// GET /api/scores/:route/:direction
func (s *Server) handleRouteScore(c *gin.Context) {
	route, direction, ok := routeParams(c)
	if !ok {
		return
	}

	scores, tag, ok := s.loadScores(c)
	if !ok {
		return
	}

	row, found := report.Lookup(scores, route, direction)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no score for route " + route + " direction " + strconv.Itoa(direction)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tag": tag, "score": newScoreView(row)})
}

// GET /api/gaps/:route/:direction
func (s *Server) handleRouteGaps(c *gin.Context) {
	route, direction, ok := routeParams(c)
	if !ok {
		return
	}

	path, err := storage.LatestFile(s.tiers.Gaps, ".csv")
	if err != nil {
		s.tableError(c, err)
		return
	}
	gaps, err := storage.ReadGapsFile(path)
	if err != nil {
		s.tableError(c, err)
		return
	}

	out := make([]models.HeadwayGap, 0)
	for _, g := range gaps {
		if g.RouteID == route && g.DirectionID == direction {
			out = append(out, g)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tag":   storage.TagFromName(path),
		"count": len(out),
		"gaps":  out,
	})
}

// GET /api/history/:route/:direction?days=
func (s *Server) handleRouteHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "score history is not enabled"})
		return
	}

	route, direction, ok := routeParams(c)
	if !ok {
		return
	}

	days := defaultHistoryDays
	if daysStr := c.Query("days"); daysStr != "" {
		parsed, err := strconv.Atoi(daysStr)
		if err != nil || parsed <= 0 || parsed > maxHistoryDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and " + strconv.Itoa(maxHistoryDays)})
			return
		}
		days = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := s.history.RouteHistory(ctx, route, direction, since)
	if err != nil {
		s.logger.Error("Failed to query score history", "route_id", route, "direction_id", direction, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	history := historyViews(rows)
	c.JSON(http.StatusOK, gin.H{
		"route_id":     route,
		"direction_id": direction,
		"since":        since,
		"count":        len(history),
		"history":      history,
	})
}

// GET /api/history
func (s *Server) handleLatestHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "score history is not enabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	rows, err := s.history.LatestScores(ctx)
	if err != nil {
		s.logger.Error("Failed to query latest stored scores", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"count": len(rows), "history": historyViews(rows)}
	if len(rows) > 0 {
		body["run_id"] = rows[0].RunID
		body["computed_at"] = rows[0].ComputedAt
	}
	c.JSON(http.StatusOK, body)
}

func historyViews(rows []db.ScoreSnapshot) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"run_id":      r.RunID,
			"computed_at": r.ComputedAt,
			"score":       newScoreView(r.Score),
		})
	}
	return out
}

// GET /api/trip?origin=&dest=
func (s *Server) handleTrip(c *gin.Context) {
	origin, dest := c.Query("origin"), c.Query("dest")
	if origin == "" || dest == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin and dest are required"})
		return
	}

	silverPath, err := storage.LatestFile(s.tiers.Silver, ".csv")
	if err != nil {
		s.tableError(c, err)
		return
	}
	observations, err := storage.ReadObservationsFile(silverPath)
	if err != nil {
		s.tableError(c, err)
		return
	}

	scores, tag, ok := s.loadScores(c)
	if !ok {
		return
	}

	candidates := report.FindCandidateRoutes(observations, origin, dest)
	rows := report.EvaluateTrip(scores, candidates)

	routes := make([]scoreView, 0, len(rows))
	for _, row := range rows {
		v := newScoreView(row)
		v.BunchingLevel = report.BunchingLevel(row.HeadwayHealthScore)
		routes = append(routes, v)
	}

	if candidates == nil {
		candidates = []models.RouteKey{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tag":        tag,
		"origin":     origin,
		"dest":       dest,
		"candidates": candidates,
		"routes":     routes,
	})
}

func (s *Server) loadScores(c *gin.Context) ([]models.RouteHeadwayScore, string, bool) {
	path, err := storage.LatestFile(s.tiers.Scores, ".csv")
	if err != nil {
		s.tableError(c, err)
		return nil, "", false
	}
	scores, err := storage.ReadScoresFile(path)
	if err != nil {
		s.tableError(c, err)
		return nil, "", false
	}
	return scores, storage.TagFromName(path), true
}

// tableError maps a table read failure to a response. Missing tables mean
// the pipeline has not produced data yet.
func (s *Server) tableError(c *gin.Context, err error) {
	if errors.Is(err, headway.ErrMissingInput) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "data not available yet"})
		return
	}
	s.logger.Error("Failed to read table", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func routeParams(c *gin.Context) (string, int, bool) {
	route := c.Param("route")
	direction, err := strconv.Atoi(c.Param("direction"))
	if route == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route or direction"})
		return "", 0, false
	}
	return route, direction, true
}
