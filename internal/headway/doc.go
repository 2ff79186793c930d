// Package headway turns a cleaned vehicle-observation table into headway gaps
// and per-route bunching scores.
//
// Compute is pure and stateless: it sorts the observations by
// (route_id, direction_id, trip_id, current_stop_sequence, updated_at), drops
// rows missing route, direction or timestamp, differences consecutive
// timestamps within each (route_id, direction_id) group and aggregates the
// gaps into median, mean, sample std and count. The health score is
//
//	(|mean - expected| + std) / expected
//
// where lower is better. The expected headway comes from Options: either a
// fixed value (10 minutes unless configured) or a lookup in the
// route_expected_headways reference table with the fixed value as fallback.
//
// File I/O is left to callers, except for LoadExpectedHeadways and
// ReferenceStore which own the optional reference CSV.
package headway
