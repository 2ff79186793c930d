// Package report interprets headway scores for riders.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bus-bunching/pkg/models"
)

// Severity buckets a headway health score. Lower scores are healthier.
type Severity int

const (
	SeverityHealthy Severity = iota
	SeverityMild
	SeverityNoticeable
	SeveritySevere
)

// Score thresholds between severities.
const (
	HealthyBelow    = 0.002
	MildBelow       = 0.004
	NoticeableBelow = 0.008
)

var severityNames = map[Severity]string{
	SeverityHealthy:    "healthy",
	SeverityMild:       "mild",
	SeverityNoticeable: "noticeable",
	SeveritySevere:     "severe",
}

var severityLabels = map[Severity]string{
	SeverityHealthy:    "🟢 Very healthy spacing (little bunching)",
	SeverityMild:       "🟡 Mild bunching / moderate irregularity",
	SeverityNoticeable: "🟠 Noticeable bunching – expect lumpy arrivals",
	SeveritySevere:     "🔴 Severe bunching – long gaps and clumps likely",
}

// String returns the short name used in query parameters and metrics.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Label returns the rider-facing description.
func (s Severity) Label() string {
	return severityLabels[s]
}

// ParseSeverity maps a short name back to its Severity.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Classify buckets a score. NaN is treated as severe.
func Classify(score float64) Severity {
	switch {
	case score < HealthyBelow:
		return SeverityHealthy
	case score < MildBelow:
		return SeverityMild
	case score < NoticeableBelow:
		return SeverityNoticeable
	default:
		return SeveritySevere
	}
}

// Lookup finds the score row for a route and direction.
func Lookup(scores []models.RouteHeadwayScore, routeID string, directionID int) (models.RouteHeadwayScore, bool) {
	for _, s := range scores {
		if s.RouteID == routeID && s.DirectionID == directionID {
			return s, true
		}
	}
	return models.RouteHeadwayScore{}, false
}

// FilterBySeverity keeps the rows whose score falls in sev.
func FilterBySeverity(scores []models.RouteHeadwayScore, sev Severity) []models.RouteHeadwayScore {
	out := make([]models.RouteHeadwayScore, 0, len(scores))
	for _, s := range scores {
		if Classify(s.HeadwayHealthScore) == sev {
			out = append(out, s)
		}
	}
	return out
}

// NoDirection stands in for a null direction_id in candidate routes.
const NoDirection = -1

// FindCandidateRoutes returns the (route, direction) pairs that have at least
// one vehicle at the origin stop and one at the destination stop in the
// snapshot. Pairs are ordered by route then direction, null direction last.
func FindCandidateRoutes(observations []models.VehicleObservation, originStopID, destStopID string) []models.RouteKey {
	type seen struct{ origin, dest bool }
	groups := make(map[models.RouteKey]*seen)

	for _, o := range observations {
		if o.RouteID == nil || o.StopID == nil {
			continue
		}
		key := models.RouteKey{RouteID: *o.RouteID, DirectionID: NoDirection}
		if o.DirectionID != nil {
			key.DirectionID = *o.DirectionID
		}
		g := groups[key]
		if g == nil {
			g = &seen{}
			groups[key] = g
		}
		if *o.StopID == originStopID {
			g.origin = true
		}
		if *o.StopID == destStopID {
			g.dest = true
		}
	}

	var out []models.RouteKey
	for key, g := range groups {
		if g.origin && g.dest {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RouteID != b.RouteID {
			return a.RouteID < b.RouteID
		}
		if (a.DirectionID == NoDirection) != (b.DirectionID == NoDirection) {
			return b.DirectionID == NoDirection
		}
		return a.DirectionID < b.DirectionID
	})
	return out
}

// EvaluateTrip returns the score rows of the candidates that have one, in
// candidate order.
func EvaluateTrip(scores []models.RouteHeadwayScore, candidates []models.RouteKey) []models.RouteHeadwayScore {
	var out []models.RouteHeadwayScore
	for _, c := range candidates {
		if row, ok := Lookup(scores, c.RouteID, c.DirectionID); ok {
			out = append(out, row)
		}
	}
	return out
}

// BunchingLevel describes a score on the trip report scale.
func BunchingLevel(score float64) string {
	switch {
	case math.IsNaN(score):
		return "Unknown"
	case score >= 0.8:
		return "Very regular"
	case score >= 0.5:
		return "Moderately regular"
	case score >= 0.3:
		return "Some bunching"
	default:
		return "Heavy bunching / irregular"
	}
}

// FormatTripReport renders the trip evaluation for a rider.
func FormatTripReport(originStopID, destStopID string, rows []models.RouteHeadwayScore) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No matching routes found between stops %s and %s "+
			"in the current snapshot, or no headway scores available yet.", originStopID, destStopID)
	}

	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "Trip evaluation for %s → %s (current snapshot)\n", originStopID, destStopID)
	b.WriteString(strings.Repeat("-", 72) + "\n")

	for _, r := range rows {
		fmt.Fprintf(&b, "Route %s · direction %d\n", r.RouteID, r.DirectionID)
		if math.IsNaN(r.HeadwayHealthScore) {
			b.WriteString("  Headway Health Score : N/A\n")
		} else {
			fmt.Fprintf(&b, "  Headway Health Score : %.3f\n", r.HeadwayHealthScore)
		}
		writeIfNumber(&b, "  Target headway       : %.1f min\n", r.ExpectedHeadwayMin)
		writeIfNumber(&b, "  Median gap           : %.2f min\n", r.Median)
		writeIfNumber(&b, "  Mean gap             : %.2f min\n", r.Mean)
		writeIfNumber(&b, "  Gap variability (std): %.2f min\n", r.Std)
		fmt.Fprintf(&b, "  Samples used         : %d\n", r.Count)
		fmt.Fprintf(&b, "  Bunching level       : %s\n", BunchingLevel(r.HeadwayHealthScore))
		b.WriteString("\n")
	}
	return b.String()
}

// FormatRouteSummary renders one route's health for the rider CLI. Origin
// and destination are optional.
func FormatRouteSummary(row models.RouteHeadwayScore, originStopID, destStopID string) string {
	var b strings.Builder
	b.WriteString("\n=== Headway Health Summary ===\n")
	if originStopID != "" && destStopID != "" {
		fmt.Fprintf(&b, "For your trip on route %s (dir %d) from stop %s to %s:\n",
			row.RouteID, row.DirectionID, originStopID, destStopID)
	} else {
		fmt.Fprintf(&b, "For route %s, direction %d:\n", row.RouteID, row.DirectionID)
	}
	fmt.Fprintf(&b, "- Expected headway (schedule): ~%g minutes\n", row.ExpectedHeadwayMin)
	fmt.Fprintf(&b, "- Median observed headway   : ~%.2f minutes\n", row.Median)
	fmt.Fprintf(&b, "- Mean observed headway     : ~%.2f minutes\n", row.Mean)
	fmt.Fprintf(&b, "- Variability (std)         : ~%.2f minutes\n", row.Std)
	fmt.Fprintf(&b, "- Health score              : %.6f\n", row.HeadwayHealthScore)
	fmt.Fprintf(&b, "- Interpretation            : %s\n", Classify(row.HeadwayHealthScore).Label())
	return b.String()
}

func writeIfNumber(b *strings.Builder, format string, v float64) {
	if !math.IsNaN(v) {
		fmt.Fprintf(b, format, v)
	}
}
