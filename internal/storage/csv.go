package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/pkg/models"
)

// WriteObservations writes the silver vehicles table.
func WriteObservations(w io.Writer, rows []models.VehicleObservation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headway.ObservationColumns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, o := range rows {
		record := []string{
			fmtString(o.VehicleID),
			fmtString(o.RouteID),
			fmtString(o.TripID),
			fmtString(o.StopID),
			fmtInt(o.DirectionID),
			fmtString(o.CurrentStatus),
			fmtInt(o.CurrentStopSequence),
			fmtString(o.Label),
			fmtFloat(o.Latitude),
			fmtFloat(o.Longitude),
			fmtFloat(o.Speed),
			fmtFloat(o.Bearing),
			fmtTime(o.UpdatedAt),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing observation: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadObservations reads a vehicles table. The header must carry the
// columns Compute needs; optional columns may be absent. Cells that do not
// parse are read as null.
func ReadObservations(r io.Reader) ([]models.VehicleObservation, error) {
	header, records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, &headway.SchemaError{Table: "observation", Missing: headway.RequiredObservationColumns}
	}
	if err := headway.ValidateColumns(header); err != nil {
		return nil, err
	}

	idx := headway.ColumnIndex(header)
	rows := make([]models.VehicleObservation, 0, len(records))
	for _, rec := range records {
		get := func(col string) string { return cell(rec, idx, col) }
		rows = append(rows, models.VehicleObservation{
			VehicleID:           parseString(get(headway.ColVehicleID)),
			RouteID:             parseString(get(headway.ColRouteID)),
			TripID:              parseString(get(headway.ColTripID)),
			StopID:              parseString(get(headway.ColStopID)),
			DirectionID:         parseInt(get(headway.ColDirectionID)),
			CurrentStatus:       parseString(get(headway.ColCurrentStatus)),
			CurrentStopSequence: parseInt(get(headway.ColCurrentStopSequence)),
			Label:               parseString(get(headway.ColLabel)),
			Latitude:            parseFloat(get(headway.ColLatitude)),
			Longitude:           parseFloat(get(headway.ColLongitude)),
			Speed:               parseFloat(get(headway.ColSpeed)),
			Bearing:             parseFloat(get(headway.ColBearing)),
			UpdatedAt:           models.ParseTimestampOrNil(get(headway.ColUpdatedAt)),
		})
	}
	return rows, nil
}

// WriteGaps writes the gold gap table.
func WriteGaps(w io.Writer, gaps []models.HeadwayGap) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headway.GapColumns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, g := range gaps {
		record := []string{
			g.RouteID,
			strconv.Itoa(g.DirectionID),
			models.FormatTimestamp(g.UpdatedAt),
			formatFloat(g.GapMin),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing gap: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadGaps reads a gap table, skipping rows with unreadable keys.
func ReadGaps(r io.Reader) ([]models.HeadwayGap, error) {
	header, records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if err := headway.RequireColumns("gap", header, headway.GapColumns); err != nil {
		return nil, err
	}

	idx := headway.ColumnIndex(header)
	gaps := make([]models.HeadwayGap, 0, len(records))
	for _, rec := range records {
		get := func(col string) string { return cell(rec, idx, col) }
		dir := parseInt(get(headway.ColDirectionID))
		ts := models.ParseTimestampOrNil(get(headway.ColUpdatedAt))
		gap := parseFloat(get(headway.ColGapMin))
		if get(headway.ColRouteID) == "" || dir == nil || ts == nil || gap == nil {
			continue
		}
		gaps = append(gaps, models.HeadwayGap{
			RouteID:     get(headway.ColRouteID),
			DirectionID: *dir,
			UpdatedAt:   *ts,
			GapMin:      *gap,
		})
	}
	return gaps, nil
}

// WriteScores writes the gold score table.
func WriteScores(w io.Writer, scores []models.RouteHeadwayScore) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headway.ScoreColumns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, s := range scores {
		record := []string{
			s.RouteID,
			strconv.Itoa(s.DirectionID),
			formatFloat(s.Median),
			formatFloat(s.Mean),
			formatFloat(s.Std),
			strconv.Itoa(s.Count),
			formatFloat(s.ExpectedHeadwayMin),
			formatFloat(s.HeadwayHealthScore),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing score: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadScores reads a score table. An empty std cell reads as 0.
func ReadScores(r io.Reader) ([]models.RouteHeadwayScore, error) {
	header, records, err := readAll(r)
	if err != nil {
		return nil, err
	}
	if err := headway.RequireColumns("score", header, headway.ScoreColumns); err != nil {
		return nil, err
	}

	idx := headway.ColumnIndex(header)
	scores := make([]models.RouteHeadwayScore, 0, len(records))
	for _, rec := range records {
		get := func(col string) string { return cell(rec, idx, col) }
		dir := parseInt(get(headway.ColDirectionID))
		if get(headway.ColRouteID) == "" || dir == nil {
			continue
		}
		scores = append(scores, models.RouteHeadwayScore{
			RouteID:            get(headway.ColRouteID),
			DirectionID:        *dir,
			Median:             floatOr(get(headway.ColMedian), math.NaN()),
			Mean:               floatOr(get(headway.ColMean), math.NaN()),
			Std:                floatOr(get(headway.ColStd), 0),
			Count:              intOr(get(headway.ColCount), 0),
			ExpectedHeadwayMin: floatOr(get(headway.ColExpectedHeadwayMin), math.NaN()),
			HeadwayHealthScore: floatOr(get(headway.ColHealthScore), math.NaN()),
		})
	}
	return scores, nil
}

// ReadObservationsFile, ReadGapsFile and ReadScoresFile read a table from
// disk. A missing file yields headway.ErrMissingInput.
func ReadObservationsFile(path string) ([]models.VehicleObservation, error) {
	return readFile(path, ReadObservations)
}

func ReadGapsFile(path string) ([]models.HeadwayGap, error) {
	return readFile(path, ReadGaps)
}

func ReadScoresFile(path string) ([]models.RouteHeadwayScore, error) {
	return readFile(path, ReadScores)
}

// WriteObservationsFile, WriteGapsFile and WriteScoresFile replace a table
// on disk atomically.
func WriteObservationsFile(path string, rows []models.VehicleObservation) error {
	return WriteFileAtomic(path, func(w io.Writer) error { return WriteObservations(w, rows) })
}

func WriteGapsFile(path string, gaps []models.HeadwayGap) error {
	return WriteFileAtomic(path, func(w io.Writer) error { return WriteGaps(w, gaps) })
}

func WriteScoresFile(path string, scores []models.RouteHeadwayScore) error {
	return WriteFileAtomic(path, func(w io.Writer) error { return WriteScores(w, scores) })
}

func readFile[T any](path string, read func(io.Reader) ([]T, error)) ([]T, error) {
	f, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rows, nil
}

// readAll returns a nil header for an empty input.
func readAll(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading rows: %w", err)
	}
	return header, records, nil
}

func cell(record []string, idx map[string]int, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func isNullCell(s string) bool {
	switch strings.ToLower(s) {
	case "", "nan", "nat", "null", "none":
		return true
	}
	return false
}

func parseString(s string) *string {
	if isNullCell(s) {
		return nil
	}
	return &s
}

// parseInt accepts integral floats such as "1.0", which is how a nullable
// integer column round-trips through a float column.
func parseInt(s string) *int {
	if isNullCell(s) {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return &v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil
	}
	v := int(f)
	return &v
}

func parseFloat(s string) *float64 {
	if isNullCell(s) {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	return &f
}

func floatOr(s string, fallback float64) float64 {
	if f := parseFloat(s); f != nil {
		return *f
	}
	return fallback
}

func intOr(s string, fallback int) int {
	if v := parseInt(s); v != nil {
		return *v
	}
	return fallback
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fmtInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func fmtFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return models.FormatTimestamp(*t)
}
