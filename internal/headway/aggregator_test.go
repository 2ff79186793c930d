package headway

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bus-bunching/pkg/models"
)

var base = time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)

func obs(route string, dir int, trip string, seq int, offsetMin float64) models.VehicleObservation {
	t := base.Add(time.Duration(offsetMin * float64(time.Minute)))
	return models.VehicleObservation{
		RouteID:             models.StringPtr(route),
		DirectionID:         models.IntPtr(dir),
		TripID:              models.StringPtr(trip),
		CurrentStopSequence: models.IntPtr(seq),
		UpdatedAt:           &t,
	}
}

func TestComputeExampleScenario(t *testing.T) {
	input := []models.VehicleObservation{
		obs("1", 0, "t1", 5, 0),
		obs("1", 0, "t1", 5, 9),
		obs("1", 0, "t1", 5, 21),
	}

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, res.Gaps, 2)
	assert.InDelta(t, 9.0, res.Gaps[0].GapMin, 1e-9)
	assert.InDelta(t, 12.0, res.Gaps[1].GapMin, 1e-9)
	assert.Equal(t, base.Add(21*time.Minute), res.Gaps[1].UpdatedAt)

	require.Len(t, res.Scores, 1)
	s := res.Scores[0]
	assert.Equal(t, "1", s.RouteID)
	assert.Equal(t, 0, s.DirectionID)
	assert.InDelta(t, 10.5, s.Mean, 1e-9)
	assert.InDelta(t, 10.5, s.Median, 1e-9)
	assert.InDelta(t, 2.1213, s.Std, 1e-4)
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 10.0, s.ExpectedHeadwayMin)
	assert.InDelta(t, 0.2621, s.HeadwayHealthScore, 1e-4)
	assert.Zero(t, res.Dropped)
}

func TestComputeSingleRowGroupOmitted(t *testing.T) {
	input := []models.VehicleObservation{
		obs("1", 0, "t1", 1, 0),
		obs("2", 1, "t2", 1, 0),
		obs("2", 1, "t2", 1, 7),
	}

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, res.Gaps, 1)
	assert.Equal(t, "2", res.Gaps[0].RouteID)
	require.Len(t, res.Scores, 1)
	assert.Equal(t, "2", res.Scores[0].RouteID)
}

func TestComputeStdFallbackForOneSample(t *testing.T) {
	res, err := Compute([]models.VehicleObservation{
		obs("7", 1, "a", 1, 0),
		obs("7", 1, "a", 1, 14),
	}, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, res.Scores, 1)
	s := res.Scores[0]
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 0.0, s.Std)
	assert.False(t, math.IsNaN(s.Std))
	assert.InDelta(t, 0.4, s.HeadwayHealthScore, 1e-9)
}

func TestComputeEmptyInput(t *testing.T) {
	res, err := Compute(nil, DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, res.Gaps)
	assert.Empty(t, res.Scores)
	assert.Zero(t, res.Dropped)
}

func TestComputeDropsNullKeys(t *testing.T) {
	noRoute := obs("1", 0, "t1", 1, 3)
	noRoute.RouteID = nil
	noDir := obs("1", 0, "t1", 1, 4)
	noDir.DirectionID = nil
	noTime := obs("1", 0, "t1", 1, 5)
	noTime.UpdatedAt = nil

	input := []models.VehicleObservation{
		obs("1", 0, "t1", 1, 0),
		noRoute, noDir, noTime,
		obs("1", 0, "t1", 1, 10),
	}

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Dropped)
	require.Len(t, res.Gaps, 1)
	assert.InDelta(t, 10.0, res.Gaps[0].GapMin, 1e-9)
}

func TestComputeSortsBeforeDifferencing(t *testing.T) {
	input := []models.VehicleObservation{
		obs("1", 0, "t1", 3, 20),
		obs("1", 0, "t1", 3, 0),
		obs("1", 0, "t1", 3, 8),
	}
	snapshot := append([]models.VehicleObservation(nil), input...)

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, res.Gaps, 2)
	assert.InDelta(t, 8.0, res.Gaps[0].GapMin, 1e-9)
	assert.InDelta(t, 12.0, res.Gaps[1].GapMin, 1e-9)
	assert.Equal(t, snapshot, input, "input must not be reordered")
}

func TestComputeGapCountAndOrdering(t *testing.T) {
	input := []models.VehicleObservation{
		obs("9", 1, "x", 1, 0),
		obs("10", 0, "y", 1, 0),
		obs("9", 0, "z", 1, 0),
		obs("9", 0, "z", 1, 6),
		obs("10", 0, "y", 1, 11),
		obs("9", 1, "x", 1, 4),
		obs("9", 1, "x", 1, 9),
		obs("10", 0, "y", 1, 25),
	}

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)

	perGroup := map[models.RouteKey]int{}
	for _, g := range res.Gaps {
		perGroup[models.RouteKey{RouteID: g.RouteID, DirectionID: g.DirectionID}]++
	}

	keys := make([]models.RouteKey, 0, len(res.Scores))
	for _, s := range res.Scores {
		keys = append(keys, s.Key())
		assert.Equal(t, perGroup[s.Key()], s.Count)
	}
	assert.Equal(t, []models.RouteKey{
		{RouteID: "10", DirectionID: 0},
		{RouteID: "9", DirectionID: 0},
		{RouteID: "9", DirectionID: 1},
	}, keys)
	assert.Len(t, res.Gaps, 5)
}

func TestComputeNullTripSortsLast(t *testing.T) {
	noTrip := obs("1", 0, "", 1, 0)
	input := []models.VehicleObservation{
		noTrip,
		obs("1", 0, "a", 1, 5),
	}

	res, err := Compute(input, DefaultOptions())
	require.NoError(t, err)

	// the null-trip row sorts after trip "a", so the gap runs backwards
	require.Len(t, res.Gaps, 1)
	assert.InDelta(t, -5.0, res.Gaps[0].GapMin, 1e-9)
	assert.Equal(t, base, res.Gaps[0].UpdatedAt)
}

func TestComputeDeterministic(t *testing.T) {
	input := []models.VehicleObservation{
		obs("1", 0, "t1", 1, 0),
		obs("1", 0, "t1", 1, 0),
		obs("1", 0, "t1", 2, 3),
		obs("1", 1, "t2", 1, 1),
		obs("1", 1, "t2", 1, 13),
	}

	first, err := Compute(input, DefaultOptions())
	require.NoError(t, err)
	second, err := Compute(input, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComputeReferenceExpectations(t *testing.T) {
	ref := []models.ExpectedHeadway{
		{RouteID: "1", DirectionID: models.IntPtr(0), PeriodName: "am_peak", ExpectedHeadwayMin: 6},
		{RouteID: "1", DirectionID: models.IntPtr(0), PeriodName: "midday", ExpectedHeadwayMin: 12},
		{RouteID: "2", DirectionID: nil, PeriodName: "am_peak", ExpectedHeadwayMin: 4},
	}
	input := []models.VehicleObservation{
		obs("1", 0, "a", 1, 0),
		obs("1", 0, "a", 1, 6),
		obs("2", 0, "b", 1, 0),
		obs("2", 0, "b", 1, 5),
	}

	tests := []struct {
		name   string
		opts   Options
		route1 float64
		route2 float64
	}{
		{"constant ignores reference", Options{ExpectedSource: ExpectedConstant, Reference: ref}, 10, 10},
		{"first row without period", Options{ExpectedSource: ExpectedReference, Reference: ref}, 6, 10},
		{"period match", Options{ExpectedSource: ExpectedReference, Reference: ref, Period: "midday"}, 12, 10},
		{"unknown period falls back", Options{ExpectedSource: ExpectedReference, Reference: ref, Period: "night", DefaultExpectedMin: 15}, 15, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compute(input, tt.opts)
			require.NoError(t, err)
			require.Len(t, res.Scores, 2)
			assert.Equal(t, tt.route1, res.Scores[0].ExpectedHeadwayMin)
			assert.Equal(t, tt.route2, res.Scores[1].ExpectedHeadwayMin)
			assert.InDelta(t, HealthScore(res.Scores[0].Mean, res.Scores[0].Std, tt.route1), res.Scores[0].HeadwayHealthScore, 1e-12)
		})
	}
}

func TestComputeInvalidOptions(t *testing.T) {
	_, err := Compute(nil, Options{ExpectedSource: "schedule"})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	for _, v := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = Compute(nil, Options{DefaultExpectedMin: v})
		assert.ErrorIs(t, err, ErrInvalidOptions, "default %v", v)
	}

	// zero selects the 10 minute default
	res, err := Compute([]models.VehicleObservation{obs("1", 0, "t1", 5, 0), obs("1", 0, "t1", 5, 10)}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Scores, 1)
	assert.Equal(t, DefaultExpectedHeadwayMin, res.Scores[0].ExpectedHeadwayMin)
}

func TestStats(t *testing.T) {
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))
	assert.Equal(t, 2.0, Mean([]float64{1, 2, 3}))
	assert.InDelta(t, 1.0, SampleStd([]float64{1, 2, 3}), 1e-12)
	assert.Equal(t, 0.0, SampleStd([]float64{42}))
}
