package headway

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/bus-bunching/pkg/models"
)

// Result is the output of Compute.
type Result struct {
	Gaps   []models.HeadwayGap
	Scores []models.RouteHeadwayScore
	// Dropped counts observations excluded for a null route, direction or
	// timestamp.
	Dropped int
}

// Compute derives headway gaps and per-route scores from one snapshot of
// observations. The input slice is not modified.
func Compute(observations []models.VehicleObservation, opts Options) (Result, error) {
	opts, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}

	sorted := slices.Clone(observations)
	slices.SortStableFunc(sorted, compareObservations)

	var res Result
	var groupGaps []float64
	var prev *models.VehicleObservation
	var current models.RouteKey
	exp := newResolver(opts)

	flush := func() {
		if len(groupGaps) == 0 {
			return
		}
		res.Scores = append(res.Scores, score(current, groupGaps, exp.expected(current)))
		groupGaps = groupGaps[:0]
	}

	for i := range sorted {
		obs := &sorted[i]
		if obs.RouteID == nil || obs.DirectionID == nil || obs.UpdatedAt == nil {
			res.Dropped++
			continue
		}

		key := models.RouteKey{RouteID: *obs.RouteID, DirectionID: *obs.DirectionID}
		if prev == nil || key != current {
			flush()
			current = key
			prev = obs
			continue
		}

		gap := gapMinutes(*prev.UpdatedAt, *obs.UpdatedAt)
		res.Gaps = append(res.Gaps, models.HeadwayGap{
			RouteID:     key.RouteID,
			DirectionID: key.DirectionID,
			UpdatedAt:   obs.UpdatedAt.UTC(),
			GapMin:      gap,
		})
		groupGaps = append(groupGaps, gap)
		prev = obs
	}
	flush()

	return res, nil
}

func gapMinutes(from, to time.Time) float64 {
	return to.Sub(from).Seconds() / 60.0
}

func score(key models.RouteKey, gaps []float64, expected float64) models.RouteHeadwayScore {
	mean := Mean(gaps)
	std := SampleStd(gaps)
	return models.RouteHeadwayScore{
		RouteID:            key.RouteID,
		DirectionID:        key.DirectionID,
		Median:             Median(gaps),
		Mean:               mean,
		Std:                std,
		Count:              len(gaps),
		ExpectedHeadwayMin: expected,
		HeadwayHealthScore: HealthScore(mean, std, expected),
	}
}

// HealthScore combines the deviation of the mean gap from the expected
// headway with the gap spread, normalised by the expected headway.
func HealthScore(mean, std, expected float64) float64 {
	return (math.Abs(mean-expected) + std) / expected
}

// compareObservations orders by route, direction, trip, stop sequence and
// timestamp, with nulls after every value of the same key.
func compareObservations(a, b models.VehicleObservation) int {
	if c := compareNullable(a.RouteID, b.RouteID); c != 0 {
		return c
	}
	if c := compareNullable(a.DirectionID, b.DirectionID); c != 0 {
		return c
	}
	if c := compareNullable(a.TripID, b.TripID); c != 0 {
		return c
	}
	if c := compareNullable(a.CurrentStopSequence, b.CurrentStopSequence); c != 0 {
		return c
	}
	switch {
	case a.UpdatedAt == nil && b.UpdatedAt == nil:
		return 0
	case a.UpdatedAt == nil:
		return 1
	case b.UpdatedAt == nil:
		return -1
	}
	return a.UpdatedAt.Compare(*b.UpdatedAt)
}

func compareNullable[T cmp.Ordered](a, b *T) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}
