package headway

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/bus-bunching/pkg/models"
)

// ExpectedSource selects where expected headways come from.
type ExpectedSource string

const (
	// ExpectedConstant applies DefaultExpectedMin to every route.
	ExpectedConstant ExpectedSource = "constant"
	// ExpectedReference looks routes up in the reference table and falls back
	// to DefaultExpectedMin.
	ExpectedReference ExpectedSource = "reference"
)

// DefaultExpectedHeadwayMin is the scheduled headway assumed when nothing
// better is known.
const DefaultExpectedHeadwayMin = 10.0

// Options controls how Compute resolves expected headways.
type Options struct {
	ExpectedSource     ExpectedSource
	DefaultExpectedMin float64
	Reference          []models.ExpectedHeadway
	// Period restricts reference matches to one period_name. Empty matches
	// the first row for the route and direction.
	Period string
}

// DefaultOptions uses the constant 10 minute expectation.
func DefaultOptions() Options {
	return Options{
		ExpectedSource:     ExpectedConstant,
		DefaultExpectedMin: DefaultExpectedHeadwayMin,
	}
}

// normalize fills zero values with defaults and rejects unusable options.
func (o Options) normalize() (Options, error) {
	if o.ExpectedSource == "" {
		o.ExpectedSource = ExpectedConstant
	}
	if o.DefaultExpectedMin == 0 {
		o.DefaultExpectedMin = DefaultExpectedHeadwayMin
	}
	switch o.ExpectedSource {
	case ExpectedConstant, ExpectedReference:
	default:
		return o, fmt.Errorf("%w: unknown expected source %q", ErrInvalidOptions, o.ExpectedSource)
	}
	if !validMinutes(o.DefaultExpectedMin) {
		return o, fmt.Errorf("%w: default expected headway must be positive and finite, got %v", ErrInvalidOptions, o.DefaultExpectedMin)
	}
	return o, nil
}

type periodKey struct {
	key    models.RouteKey
	period string
}

// resolver answers expected-headway lookups for one Compute call.
type resolver struct {
	fallback float64
	period   string
	byPeriod map[periodKey]float64
	byRoute  map[models.RouteKey]float64
}

func newResolver(o Options) *resolver {
	r := &resolver{fallback: o.DefaultExpectedMin, period: o.Period}
	if o.ExpectedSource != ExpectedReference {
		return r
	}
	r.byPeriod = make(map[periodKey]float64)
	r.byRoute = make(map[models.RouteKey]float64)
	for _, row := range o.Reference {
		if row.DirectionID == nil || row.ExpectedHeadwayMin <= 0 {
			continue
		}
		key := models.RouteKey{RouteID: row.RouteID, DirectionID: *row.DirectionID}
		pk := periodKey{key: key, period: row.PeriodName}
		if _, ok := r.byPeriod[pk]; !ok {
			r.byPeriod[pk] = row.ExpectedHeadwayMin
		}
		if _, ok := r.byRoute[key]; !ok {
			r.byRoute[key] = row.ExpectedHeadwayMin
		}
	}
	return r
}

func (r *resolver) expected(key models.RouteKey) float64 {
	if r.byRoute == nil {
		return r.fallback
	}
	if r.period != "" {
		if v, ok := r.byPeriod[periodKey{key: key, period: r.period}]; ok {
			return v
		}
		return r.fallback
	}
	if v, ok := r.byRoute[key]; ok {
		return v
	}
	return r.fallback
}

// LoadExpectedHeadways reads the route_expected_headways reference CSV.
// A missing file yields an empty table.
func LoadExpectedHeadways(path string) ([]models.ExpectedHeadway, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening reference table: %w", err)
	}
	defer f.Close()

	return ReadExpectedHeadways(f)
}

// ReadExpectedHeadways parses reference rows from r. Rows whose
// expected_headway_min is not a positive finite number are skipped; an
// unparseable direction_id leaves the direction null.
func ReadExpectedHeadways(r io.Reader) ([]models.ExpectedHeadway, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reference header: %w", err)
	}
	if err := RequireColumns("expected headway", header, []string{ColRouteID, ColDirectionID, ColExpectedHeadwayMin}); err != nil {
		return nil, err
	}
	idx := ColumnIndex(header)

	var rows []models.ExpectedHeadway
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading reference row: %w", err)
		}

		minutes, err := strconv.ParseFloat(field(record, idx, ColExpectedHeadwayMin), 64)
		if err != nil || !validMinutes(minutes) {
			continue
		}
		row := models.ExpectedHeadway{
			RouteID:            field(record, idx, ColRouteID),
			PeriodName:         field(record, idx, ColPeriodName),
			ExpectedHeadwayMin: minutes,
		}
		if dir, err := strconv.Atoi(field(record, idx, ColDirectionID)); err == nil {
			row.DirectionID = &dir
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// validMinutes rejects zero, negative, NaN and infinite headways, which
// would make every score NaN or infinite.
func validMinutes(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

func field(record []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}
