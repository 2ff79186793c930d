package models

import "time"

// VehicleObservation is one transit vehicle's state at one polling instant.
// Nil pointers are null cells in the silver table.
type VehicleObservation struct {
	VehicleID           *string
	RouteID             *string
	TripID              *string
	StopID              *string
	DirectionID         *int
	CurrentStatus       *string
	CurrentStopSequence *int
	Label               *string
	Latitude            *float64
	Longitude           *float64
	Speed               *float64
	Bearing             *float64
	UpdatedAt           *time.Time
}

// HeadwayGap is the time between two chronologically adjacent observations
// of the same route and direction.
type HeadwayGap struct {
	RouteID     string    `json:"route_id"`
	DirectionID int       `json:"direction_id"`
	UpdatedAt   time.Time `json:"updated_at"`
	GapMin      float64   `json:"gap_min"`
}

// RouteHeadwayScore summarises the gaps of one route and direction.
type RouteHeadwayScore struct {
	RouteID            string  `json:"route_id"`
	DirectionID        int     `json:"direction_id"`
	Median             float64 `json:"median"`
	Mean               float64 `json:"mean"`
	Std                float64 `json:"std"`
	Count              int     `json:"count"`
	ExpectedHeadwayMin float64 `json:"expected_headway_min"`
	HeadwayHealthScore float64 `json:"headway_health_score"`
}

// ExpectedHeadway is one row of the route_expected_headways reference table.
type ExpectedHeadway struct {
	RouteID            string
	DirectionID        *int
	PeriodName         string
	ExpectedHeadwayMin float64
}

// RouteKey identifies a (route_id, direction_id) group.
type RouteKey struct {
	RouteID     string `json:"route_id"`
	DirectionID int    `json:"direction_id"`
}

// Key returns the grouping key of a score row.
func (s RouteHeadwayScore) Key() RouteKey {
	return RouteKey{RouteID: s.RouteID, DirectionID: s.DirectionID}
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 { return &v }
