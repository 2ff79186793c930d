package headway

import "strings"

// Column names shared by the silver and gold tables.
const (
	ColVehicleID           = "vehicle_id"
	ColRouteID             = "route_id"
	ColTripID              = "trip_id"
	ColStopID              = "stop_id"
	ColDirectionID         = "direction_id"
	ColCurrentStatus       = "current_status"
	ColCurrentStopSequence = "current_stop_sequence"
	ColLabel               = "label"
	ColLatitude            = "latitude"
	ColLongitude           = "longitude"
	ColSpeed               = "speed"
	ColBearing             = "bearing"
	ColUpdatedAt           = "updated_at"

	ColGapMin             = "gap_min"
	ColMedian             = "median"
	ColMean               = "mean"
	ColStd                = "std"
	ColCount              = "count"
	ColExpectedHeadwayMin = "expected_headway_min"
	ColHealthScore        = "headway_health_score"
	ColPeriodName         = "period_name"
)

// ObservationColumns is the silver table header written by the transform.
var ObservationColumns = []string{
	ColVehicleID, ColRouteID, ColTripID, ColStopID, ColDirectionID,
	ColCurrentStatus, ColCurrentStopSequence, ColLabel, ColLatitude,
	ColLongitude, ColSpeed, ColBearing, ColUpdatedAt,
}

// RequiredObservationColumns must be present in any input to Compute.
var RequiredObservationColumns = []string{
	ColRouteID, ColDirectionID, ColTripID, ColCurrentStopSequence, ColUpdatedAt,
}

// GapColumns is the gap table header.
var GapColumns = []string{ColRouteID, ColDirectionID, ColUpdatedAt, ColGapMin}

// ScoreColumns is the score table header.
var ScoreColumns = []string{
	ColRouteID, ColDirectionID, ColMedian, ColMean, ColStd, ColCount,
	ColExpectedHeadwayMin, ColHealthScore,
}

// ExpectedHeadwayColumns is the reference table header.
var ExpectedHeadwayColumns = []string{ColRouteID, ColDirectionID, ColPeriodName, ColExpectedHeadwayMin}

// ValidateColumns checks that an observation table header carries every
// required column.
func ValidateColumns(header []string) error {
	return RequireColumns("observation", header, RequiredObservationColumns)
}

// ColumnIndex maps each header name to its position. Names are trimmed and a
// leading UTF-8 BOM is ignored.
func ColumnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	return idx
}

// RequireColumns reports the required columns absent from header as a
// *SchemaError naming the table.
func RequireColumns(table string, header, required []string) error {
	idx := ColumnIndex(header)
	var missing []string
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Table: table, Missing: missing}
	}
	return nil
}
