// Package transform flattens raw vehicle feed snapshots into observation rows.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/bus-bunching/pkg/models"
)

// Result holds the flattened rows and the number of feed records that could
// not be read.
type Result struct {
	Observations []models.VehicleObservation
	Skipped      int
}

type jsonapiDocument struct {
	Data []json.RawMessage `json:"data"`
}

type jsonapiVehicle struct {
	ID            json.RawMessage                 `json:"id"`
	Attributes    map[string]json.RawMessage      `json:"attributes"`
	Relationships map[string]*jsonapiRelationship `json:"relationships"`
}

type jsonapiRelationship struct {
	Data json.RawMessage `json:"data"`
}

type jsonapiIdentifier struct {
	ID json.RawMessage `json:"id"`
}

// FlattenJSONAPI turns a /vehicles JSON:API document into one row per data
// item. Route, trip and stop ids come from relationships; everything else
// from attributes. Missing or null values become nil.
func FlattenJSONAPI(payload []byte) (Result, error) {
	var doc jsonapiDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Result{}, fmt.Errorf("decoding vehicles document: %w", err)
	}

	res := Result{Observations: make([]models.VehicleObservation, 0, len(doc.Data))}
	for _, raw := range doc.Data {
		var v jsonapiVehicle
		if err := json.Unmarshal(raw, &v); err != nil {
			res.Skipped++
			continue
		}

		attr := func(name string) json.RawMessage { return v.Attributes[name] }
		obs := models.VehicleObservation{
			VehicleID:           rawString(v.ID),
			RouteID:             v.relationshipID("route"),
			TripID:              v.relationshipID("trip"),
			StopID:              v.relationshipID("stop"),
			DirectionID:         rawInt(attr("direction_id")),
			CurrentStatus:       rawString(attr("current_status")),
			CurrentStopSequence: rawInt(attr("current_stop_sequence")),
			Label:               rawString(attr("label")),
			Latitude:            rawFloat(attr("latitude")),
			Longitude:           rawFloat(attr("longitude")),
			Speed:               rawFloat(attr("speed")),
			Bearing:             rawFloat(attr("bearing")),
		}
		if s := rawString(attr("updated_at")); s != nil {
			obs.UpdatedAt = models.ParseTimestampOrNil(*s)
		}
		res.Observations = append(res.Observations, obs)
	}
	return res, nil
}

func (v *jsonapiVehicle) relationshipID(name string) *string {
	rel := v.Relationships[name]
	if rel == nil || isNull(rel.Data) {
		return nil
	}
	var ident jsonapiIdentifier
	if err := json.Unmarshal(rel.Data, &ident); err != nil {
		return nil
	}
	return rawString(ident.ID)
}

// FlattenGTFSRT turns a GTFS-realtime FeedMessage into one row per vehicle
// entity. The vehicle timestamp is used for updated_at, falling back to the
// feed header timestamp.
func FlattenGTFSRT(payload []byte) (Result, error) {
	feed := &gtfsrtpb.FeedMessage{}
	if err := proto.Unmarshal(payload, feed); err != nil {
		return Result{}, fmt.Errorf("decoding feed message: %w", err)
	}

	headerTS := feed.GetHeader().GetTimestamp()

	var res Result
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil {
			continue
		}

		obs := models.VehicleObservation{
			VehicleID: models.StringPtr(vp.GetVehicle().GetId()),
			Label:     models.StringPtr(vp.GetVehicle().GetLabel()),
			StopID:    models.StringPtr(vp.GetStopId()),
		}
		if obs.VehicleID == nil {
			obs.VehicleID = models.StringPtr(entity.GetId())
		}

		if trip := vp.GetTrip(); trip != nil {
			obs.RouteID = models.StringPtr(trip.GetRouteId())
			obs.TripID = models.StringPtr(trip.GetTripId())
			if trip.DirectionId != nil {
				obs.DirectionID = models.IntPtr(int(trip.GetDirectionId()))
			}
		}
		if vp.CurrentStopSequence != nil {
			obs.CurrentStopSequence = models.IntPtr(int(vp.GetCurrentStopSequence()))
		}
		if vp.CurrentStatus != nil {
			status := vp.GetCurrentStatus().String()
			obs.CurrentStatus = &status
		}
		if pos := vp.GetPosition(); pos != nil {
			obs.Latitude = models.FloatPtr(float64(pos.GetLatitude()))
			obs.Longitude = models.FloatPtr(float64(pos.GetLongitude()))
			if pos.Bearing != nil {
				obs.Bearing = models.FloatPtr(float64(pos.GetBearing()))
			}
			if pos.Speed != nil {
				obs.Speed = models.FloatPtr(float64(pos.GetSpeed()))
			}
		}

		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		if ts > 0 {
			t := time.Unix(int64(ts), 0).UTC()
			obs.UpdatedAt = &t
		}

		res.Observations = append(res.Observations, obs)
	}
	return res, nil
}

// Flatten dispatches on the snapshot file extension.
func Flatten(name string, payload []byte) (Result, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FlattenJSONAPI(payload)
	case ".pb":
		return FlattenGTFSRT(payload)
	default:
		return Result{}, fmt.Errorf("unsupported snapshot type %q", filepath.Ext(name))
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// rawString accepts JSON strings and numbers.
func rawString(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return models.StringPtr(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return models.StringPtr(n.String())
	}
	return nil
}

// rawInt accepts integral JSON numbers and numeric strings.
func rawInt(raw json.RawMessage) *int {
	f := rawFloat(raw)
	if f == nil || *f != math.Trunc(*f) {
		return nil
	}
	return models.IntPtr(int(*f))
}

func rawFloat(raw json.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &v
		}
	}
	return nil
}
